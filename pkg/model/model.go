// Package model assembles the adapted segmentation model: a frozen backbone
// with MoE adapters spliced into the encoder's feed-forward slots, the shared
// taxonomy embedding bank, and the selective parameter store that persists
// only what training actually changes.
package model

import (
	"fmt"
	"math/rand"
	"sort"

	"medsegx/pkg/adapter"
	"medsegx/pkg/backbone"
	"medsegx/pkg/nn"
	"medsegx/pkg/taxonomy"
	"medsegx/pkg/tensor"
)

// MedSegX is the adapted model. The backbone's image and prompt encoders are
// frozen at construction; the adapters, the embedding bank and the mask
// decoder remain trainable.
type MedSegX struct {
	Backbone *backbone.Model
	Bank     *adapter.EmbeddingBank

	cfg      adapter.Config
	adapters map[int]*adapter.MoEBlock // keyed by encoder block index
	training bool
}

// New wraps the backbone with MoE adapters at the given encoder block
// positions. An empty positions slice adapts every block. The backbone's
// encoder stages are frozen in place; the caller keeps ownership of the
// backbone but must not reuse it unadapted afterwards.
func New(bb *backbone.Model, cfg adapter.Config, positions []int, seed int64) (*MedSegX, error) {
	if bb == nil {
		return nil, fmt.Errorf("nil backbone")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	depth := len(bb.ImageEncoder.Blocks)
	if len(positions) == 0 {
		positions = make([]int, depth)
		for i := range positions {
			positions[i] = i
		}
	}
	seen := make(map[int]bool, len(positions))
	for _, p := range positions {
		if p < 0 || p >= depth {
			return nil, fmt.Errorf("adapter position %d out of range [0,%d)", p, depth)
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate adapter position %d", p)
		}
		seen[p] = true
	}

	// Freeze the encoder stages before splicing so the adapter parameters
	// created below keep their trainable flag.
	for _, p := range bb.ImageEncoder.Params() {
		p.Freeze()
	}
	for _, p := range bb.PromptEncoder.Params() {
		p.Freeze()
	}

	bank, err := adapter.NewEmbeddingBank(cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("embedding bank: %w", err)
	}

	m := &MedSegX{
		Backbone: bb,
		Bank:     bank,
		cfg:      cfg,
		adapters: make(map[int]*adapter.MoEBlock, len(positions)),
	}
	rng := rand.New(rand.NewSource(seed))
	for _, pos := range positions {
		blk := bb.ImageEncoder.Blocks[pos]
		prefix := fmt.Sprintf("image_encoder.blocks.%d", pos)
		moe, err := adapter.NewMoEBlock(prefix, blk.MLP, bb.Config.Chans, cfg, bank, rng)
		if err != nil {
			return nil, fmt.Errorf("adapter at block %d: %w", pos, err)
		}
		blk.MLP = moe
		m.adapters[pos] = moe
	}
	return m, nil
}

// AdapterPositions returns the adapted block indices in ascending order.
func (m *MedSegX) AdapterPositions() []int {
	pos := make([]int, 0, len(m.adapters))
	for p := range m.adapters {
		pos = append(pos, p)
	}
	sort.Ints(pos)
	return pos
}

// SetTraining toggles dropout in every adapter.
func (m *MedSegX) SetTraining(training bool) {
	m.training = training
	for _, a := range m.adapters {
		a.SetTraining(training)
	}
}

// Forward segments a raw [B,3,H,W] image batch prompted by [B,1,4] boxes,
// conditioned on the batch labels. It returns [B,K,H,W] candidate mask
// logits at image resolution.
func (m *MedSegX) Forward(img, box *tensor.Tensor, labels []taxonomy.Label) (*tensor.Tensor, error) {
	if img.Rank() != 4 || img.Shape[0] != len(labels) {
		return nil, fmt.Errorf("batch mismatch: image %v vs %d labels", img.Shape, len(labels))
	}

	cond, err := m.Bank.Lookup(labels)
	if err != nil {
		return nil, fmt.Errorf("condition lookup: %w", err)
	}
	for _, a := range m.adapters {
		a.SetCondition(cond)
	}

	x, err := m.Backbone.Preprocess(img)
	if err != nil {
		return nil, err
	}
	imgEmb, err := m.Backbone.ImageEncoder.Forward(x)
	if err != nil {
		return nil, err
	}
	sparse, dense, err := m.Backbone.PromptEncoder.Forward(box, m.Backbone.ImageEncoder.GridSize())
	if err != nil {
		return nil, err
	}
	return m.Backbone.MaskDecoder.Forward(imgEmb, sparse, dense)
}

// Backward propagates a [B,K,H,W] mask-logit gradient through the decoder,
// prompt encoder and adapted image encoder. Adapter blocks route their
// embedding gradients into the bank as the encoder unwinds.
func (m *MedSegX) Backward(dMasks *tensor.Tensor) error {
	dImg, dSparse, dDense, err := m.Backbone.MaskDecoder.Backward(dMasks)
	if err != nil {
		return err
	}
	m.Backbone.PromptEncoder.Backward(dSparse, dDense)
	if _, err := m.Backbone.ImageEncoder.Backward(dImg); err != nil {
		return err
	}
	return nil
}

// GateActivations returns the expert-selection distribution of each adapted
// block from the last forward pass, keyed by block index.
func (m *MedSegX) GateActivations() map[int]*tensor.Tensor {
	out := make(map[int]*tensor.Tensor, len(m.adapters))
	for pos, a := range m.adapters {
		if g := a.GateActivation(); g != nil {
			out[pos] = g
		}
	}
	return out
}

// Params returns every parameter of the adapted model: backbone stages
// (adapters included through the spliced FFN slots) plus the embedding bank.
func (m *MedSegX) Params() []*nn.Param {
	params := m.Backbone.ImageEncoder.Params()
	params = append(params, m.Backbone.PromptEncoder.Params()...)
	params = append(params, m.Backbone.MaskDecoder.Params()...)
	return append(params, m.Bank.Params()...)
}

// TrainableParams filters Params down to what the optimizer may touch.
func (m *MedSegX) TrainableParams() []*nn.Param {
	var out []*nn.Param
	for _, p := range m.Params() {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears all parameter gradients.
func (m *MedSegX) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}
