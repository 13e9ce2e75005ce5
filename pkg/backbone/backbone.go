// Package backbone defines the tensor contract of the frozen prompt-based
// segmentation backbone and ships a small reference implementation of it:
// a patch encoder with a replaceable feed-forward sublayer per block, a box
// prompt encoder, and a mask decoder that proposes K candidate masks per
// prompt. The adapter system treats all three stages as given; the only
// thing it reaches into is the encoder's block list.
package backbone

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/nn"
	"medsegx/pkg/tensor"
)

// FFN is a feed-forward sublayer operating on a [B,H,W,C] feature map. The
// adapter wrapper swaps a block's FFN for an adapter that keeps the original
// sublayer invocable inside it.
type FFN interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	Params() []*nn.Param
}

// Config describes the reference backbone geometry.
type Config struct {
	ImgSize     int // input height/width in pixels
	PatchSize   int // square patch edge
	Chans       int // encoder channel width
	Depth       int // number of encoder blocks
	EmbedChans  int // image embedding channels after the neck
	HiddenDim   int // FFN hidden width
	MaskOutputs int // K, the ambiguous-mask candidate count
	Seed        int64
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.ImgSize <= 0 || c.PatchSize <= 0 || c.ImgSize%c.PatchSize != 0 {
		return fmt.Errorf("img size %d must be a positive multiple of patch size %d", c.ImgSize, c.PatchSize)
	}
	if c.Chans <= 0 || c.Depth <= 0 || c.EmbedChans <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("chans=%d depth=%d embed=%d hidden=%d must all be positive",
			c.Chans, c.Depth, c.EmbedChans, c.HiddenDim)
	}
	if c.MaskOutputs <= 0 {
		return fmt.Errorf("mask outputs must be positive, got %d", c.MaskOutputs)
	}
	return nil
}

// DefaultConfig returns a small geometry useful for local runs and tests.
func DefaultConfig() Config {
	return Config{
		ImgSize:     64,
		PatchSize:   8,
		Chans:       32,
		Depth:       4,
		EmbedChans:  32,
		HiddenDim:   64,
		MaskOutputs: 3,
		Seed:        1337,
	}
}

// Model bundles the three frozen stages.
type Model struct {
	Config        Config
	ImageEncoder  *Encoder
	PromptEncoder *PromptEncoder
	MaskDecoder   *MaskDecoder
}

// New constructs the reference backbone with deterministic weights derived
// from the config seed.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	enc, err := NewEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	pe, err := NewPromptEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewMaskDecoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &Model{Config: cfg, ImageEncoder: enc, PromptEncoder: pe, MaskDecoder: dec}, nil
}

// Preprocess normalizes a [B,3,H,W] image to zero mean, unit-ish scale with
// the backbone's fixed constants.
func (m *Model) Preprocess(img *tensor.Tensor) (*tensor.Tensor, error) {
	if img.Rank() != 4 || img.Shape[1] != 3 {
		return nil, fmt.Errorf("image must be [B,3,H,W], got %v", img.Shape)
	}
	if img.Shape[2] != m.Config.ImgSize || img.Shape[3] != m.Config.ImgSize {
		return nil, fmt.Errorf("image must be %dx%d, got %dx%d",
			m.Config.ImgSize, m.Config.ImgSize, img.Shape[2], img.Shape[3])
	}
	mean := [3]float32{123.675, 116.28, 103.53}
	std := [3]float32{58.395, 57.12, 57.375}
	out := tensor.New(img.Shape...)
	b, hw := img.Shape[0], img.Shape[2]*img.Shape[3]
	for bi := 0; bi < b; bi++ {
		for c := 0; c < 3; c++ {
			off := (bi*3 + c) * hw
			for p := 0; p < hw; p++ {
				out.Data[off+p] = (img.Data[off+p] - mean[c]) / std[c]
			}
		}
	}
	return out, nil
}

// Params returns every backbone parameter, encoder first, in construction
// order.
func (m *Model) Params() []*nn.Param {
	params := m.ImageEncoder.Params()
	params = append(params, m.PromptEncoder.Params()...)
	params = append(params, m.MaskDecoder.Params()...)
	return params
}
