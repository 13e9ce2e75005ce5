package nn

import (
	"fmt"

	"medsegx/pkg/tensor"
)

// Embedding is a category-id to vector lookup table. Rows are
// zero-initialized: a freshly constructed table contributes nothing to the
// model output until training moves it.
type Embedding struct {
	Num, Dim int
	Weight   *Param

	ids []int // cached lookups from the last Forward
}

// NewEmbedding creates a zero-initialized embedding table.
func NewEmbedding(name string, num, dim int) (*Embedding, error) {
	if num <= 0 || dim <= 0 {
		return nil, fmt.Errorf("embedding %s: dimensions must be positive, got num=%d dim=%d", name, num, dim)
	}
	return &Embedding{
		Num:    num,
		Dim:    dim,
		Weight: NewParam(name+".weight", num, dim),
	}, nil
}

// Forward looks up one row per id and returns a [len(ids), Dim] tensor.
func (e *Embedding) Forward(ids []int) (*tensor.Tensor, error) {
	out := tensor.New(len(ids), e.Dim)
	for r, id := range ids {
		if id < 0 || id >= e.Num {
			return nil, fmt.Errorf("embedding %s: id %d out of range [0,%d)", e.Weight.Name, id, e.Num)
		}
		copy(out.Data[r*e.Dim:(r+1)*e.Dim], e.Weight.Data[id*e.Dim:(id+1)*e.Dim])
	}
	e.ids = append(e.ids[:0], ids...)
	return out, nil
}

// Backward accumulates grad rows into the table rows selected by the last
// Forward.
func (e *Embedding) Backward(grad *tensor.Tensor) {
	for r, id := range e.ids {
		row := e.Weight.Grad[id*e.Dim : (id+1)*e.Dim]
		g := grad.Data[r*e.Dim : (r+1)*e.Dim]
		for i, v := range g {
			row[i] += v
		}
	}
}

// Params returns the table parameter.
func (e *Embedding) Params() []*Param { return []*Param{e.Weight} }
