// Package adapter implements the hierarchical Mixture-of-Experts adapter:
// the taxonomy embedding bank that conditions it and the per-block gated
// expert residual that gets spliced into the frozen encoder.
package adapter

import (
	"fmt"

	"medsegx/pkg/nn"
	"medsegx/pkg/taxonomy"
	"medsegx/pkg/tensor"
)

// Condition carries the per-batch taxonomy embeddings every adapted block
// consumes. Organ slot 0 is the root category, slots 1-3 the organ levels,
// slot 4 the task embedding.
type Condition struct {
	Modal *tensor.Tensor
	Organ [5]*tensor.Tensor
}

// EmbeddingBank owns the dense taxonomy indices and the embedding tables.
// All tables start at exact zero, so a freshly adapted model is numerically
// identical to the frozen backbone.
type EmbeddingBank struct {
	Dim int

	modalIndex []int
	organIndex [4][]int // levels 1..3; slot 0 unused (root has one row)

	modalEmbed *nn.Embedding
	organEmbed [5]*nn.Embedding
}

// NewEmbeddingBank builds the bank from the built-in taxonomy tables.
func NewEmbeddingBank(dim int) (*EmbeddingBank, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive, got %d", dim)
	}
	b := &EmbeddingBank{Dim: dim}

	var err error
	if b.modalIndex, err = taxonomy.BuildIndex(taxonomy.ModalCanonical()); err != nil {
		return nil, fmt.Errorf("modal index: %w", err)
	}
	for level := 1; level <= 3; level++ {
		if b.organIndex[level], err = taxonomy.BuildIndex(taxonomy.OrganCanonical(level)); err != nil {
			return nil, fmt.Errorf("organ level %d index: %w", level, err)
		}
	}

	if b.modalEmbed, err = nn.NewEmbedding("image_encoder.modal_embed", taxonomy.NumModalCategories(), dim); err != nil {
		return nil, err
	}
	sizes := [5]int{
		1, // root category: a single always-on row
		taxonomy.NumOrganCategories(1),
		taxonomy.NumOrganCategories(2),
		taxonomy.NumOrganCategories(3),
		taxonomy.NumTasks() + 1, // +1 for the open-world sentinel row
	}
	for i, n := range sizes {
		if b.organEmbed[i], err = nn.NewEmbedding(fmt.Sprintf("image_encoder.organ_embed.%d", i), n, dim); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Lookup maps a batch of labels to condition embeddings via the dense
// indices. Raw ids outside an index are a hard failure: they mean the label
// never appeared in the taxonomy, not a new open-world category.
func (b *EmbeddingBank) Lookup(labels []taxonomy.Label) (*Condition, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("empty label batch")
	}
	n := len(labels)
	modalIDs := make([]int, n)
	rootIDs := make([]int, n)
	organIDs := [3][]int{make([]int, n), make([]int, n), make([]int, n)}
	taskIDs := make([]int, n)

	for i, l := range labels {
		var err error
		if modalIDs[i], err = denseLookup(b.modalIndex, l.Modal, "modality"); err != nil {
			return nil, err
		}
		raw := [3]int{l.Organ1, l.Organ2, l.Organ3}
		for lvl := 0; lvl < 3; lvl++ {
			if organIDs[lvl][i], err = denseLookup(b.organIndex[lvl+1], raw[lvl], fmt.Sprintf("organ level %d", lvl+1)); err != nil {
				return nil, err
			}
		}
		if l.Task < 0 || l.Task > taxonomy.NumTasks() {
			return nil, fmt.Errorf("task id %d out of range [0,%d]", l.Task, taxonomy.NumTasks())
		}
		taskIDs[i] = l.Task
	}

	cond := &Condition{}
	var err error
	if cond.Modal, err = b.modalEmbed.Forward(modalIDs); err != nil {
		return nil, err
	}
	if cond.Organ[0], err = b.organEmbed[0].Forward(rootIDs); err != nil {
		return nil, err
	}
	for lvl := 0; lvl < 3; lvl++ {
		if cond.Organ[lvl+1], err = b.organEmbed[lvl+1].Forward(organIDs[lvl]); err != nil {
			return nil, err
		}
	}
	if cond.Organ[4], err = b.organEmbed[4].Forward(taskIDs); err != nil {
		return nil, err
	}
	return cond, nil
}

// Accumulate adds condition gradients into the embedding tables, routed by
// the ids cached during the last Lookup. Adapted blocks call this once each
// per backward pass; the contributions sum.
func (b *EmbeddingBank) Accumulate(dModal *tensor.Tensor, dOrgan [5]*tensor.Tensor) {
	if dModal != nil {
		b.modalEmbed.Backward(dModal)
	}
	for i, g := range dOrgan {
		if g != nil {
			b.organEmbed[i].Backward(g)
		}
	}
}

// Params returns all embedding-table parameters.
func (b *EmbeddingBank) Params() []*nn.Param {
	params := b.modalEmbed.Params()
	for _, e := range b.organEmbed {
		params = append(params, e.Params()...)
	}
	return params
}

func denseLookup(idx []int, raw int, what string) (int, error) {
	if raw < 0 || raw >= len(idx) {
		return 0, fmt.Errorf("%s raw id %d outside dense index [0,%d)", what, raw, len(idx))
	}
	return idx[raw], nil
}
