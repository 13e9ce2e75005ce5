package backbone

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/nn"
	"medsegx/pkg/tensor"
)

// PromptEncoder turns a box prompt into a sparse embedding vector and a
// dense positional embedding map.
type PromptEncoder struct {
	cfg      Config
	boxEmbed *nn.Linear
	dense    *nn.Param // [EmbedChans], broadcast over the grid
}

// NewPromptEncoder builds the prompt stage.
func NewPromptEncoder(cfg Config, rng *rand.Rand) (*PromptEncoder, error) {
	boxEmbed, err := nn.NewLinear("prompt_encoder.box_embed", 4, cfg.EmbedChans, rng)
	if err != nil {
		return nil, err
	}
	dense := nn.NewParam("prompt_encoder.dense_embed", cfg.EmbedChans)
	for i := range dense.Data {
		dense.Data[i] = (rng.Float32()*2 - 1) * 0.02
	}
	return &PromptEncoder{cfg: cfg, boxEmbed: boxEmbed, dense: dense}, nil
}

// Forward encodes a [B,1,4] box prompt in pixel coordinates. Sparse is
// [B,EmbedChans]; dense is [B,h,w,EmbedChans].
func (p *PromptEncoder) Forward(box *tensor.Tensor, gridSize int) (sparse, dense *tensor.Tensor, err error) {
	if box.Rank() != 3 || box.Shape[1] != 1 || box.Shape[2] != 4 {
		return nil, nil, fmt.Errorf("box prompt must be [B,1,4], got %v", box.Shape)
	}
	b := box.Shape[0]

	// Normalize coordinates into [0,1] before embedding.
	norm := tensor.New(b, 4)
	inv := 1 / float32(p.cfg.ImgSize)
	for i, v := range box.Data {
		norm.Data[i] = v * inv
	}
	sparse = p.boxEmbed.Forward(norm)

	c := p.cfg.EmbedChans
	dense = tensor.New(b, gridSize, gridSize, c)
	for bi := 0; bi < b; bi++ {
		for pos := 0; pos < gridSize*gridSize; pos++ {
			copy(dense.Data[(bi*gridSize*gridSize+pos)*c:(bi*gridSize*gridSize+pos+1)*c], p.dense.Data)
		}
	}
	return sparse, dense, nil
}

// Backward accumulates gradients for the prompt parameters. The prompt
// stage is frozen in the adapted model, so these gradients are only ever
// consumed when training the backbone itself.
func (p *PromptEncoder) Backward(dSparse, dDense *tensor.Tensor) {
	p.boxEmbed.Backward(dSparse)
	c := p.cfg.EmbedChans
	rows := dDense.Numel() / c
	for r := 0; r < rows; r++ {
		g := dDense.Data[r*c : (r+1)*c]
		for i, v := range g {
			p.dense.Grad[i] += v
		}
	}
}

// Params returns the prompt parameters.
func (p *PromptEncoder) Params() []*nn.Param {
	return append(p.boxEmbed.Params(), p.dense)
}
