package backbone

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/nn"
	"medsegx/pkg/tensor"
)

// MLPBlock is the original two-layer feed-forward sublayer of an encoder
// block. Adapters wrap it, they never replace its weights.
type MLPBlock struct {
	Dim, Hidden int
	lin1, lin2  *nn.Linear
	hidden      *tensor.Tensor // pre-activation cache for backward
}

// NewMLPBlock builds the sublayer with parameter names rooted at prefix.
func NewMLPBlock(prefix string, dim, hidden int, rng *rand.Rand) (*MLPBlock, error) {
	lin1, err := nn.NewLinear(prefix+".lin1", dim, hidden, rng)
	if err != nil {
		return nil, err
	}
	lin2, err := nn.NewLinear(prefix+".lin2", hidden, dim, rng)
	if err != nil {
		return nil, err
	}
	return &MLPBlock{Dim: dim, Hidden: hidden, lin1: lin1, lin2: lin2}, nil
}

// Forward computes lin2(gelu(lin1(x))).
func (m *MLPBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	m.hidden = m.lin1.Forward(x)
	return m.lin2.Forward(nn.GELU(m.hidden))
}

// Backward propagates the gradient back to the sublayer input.
func (m *MLPBlock) Backward(grad *tensor.Tensor) *tensor.Tensor {
	dh := m.lin2.Backward(grad)
	dh = nn.GELUBackward(m.hidden, dh)
	return m.lin1.Backward(dh)
}

// Params returns the sublayer parameters.
func (m *MLPBlock) Params() []*nn.Param {
	return append(m.lin1.Params(), m.lin2.Params()...)
}

// Block is one encoder stage: a channel-mixing sublayer and a feed-forward
// sublayer, both residual. MLP is an exported field so the adapter wrapper
// can swap it; everything else in the block stays untouched.
type Block struct {
	attn *nn.Linear
	MLP  FFN
}

// Encoder is the reference image encoder: patch embedding, Depth blocks and
// a channel-projection neck.
type Encoder struct {
	cfg        Config
	patchEmbed *nn.Linear
	Blocks     []*Block
	neck       *nn.Linear

	patches *tensor.Tensor // patch grid cache for backward
}

// NewEncoder builds the encoder with SAM-style parameter names.
func NewEncoder(cfg Config, rng *rand.Rand) (*Encoder, error) {
	patchIn := 3 * cfg.PatchSize * cfg.PatchSize
	patchEmbed, err := nn.NewLinear("image_encoder.patch_embed", patchIn, cfg.Chans, rng)
	if err != nil {
		return nil, err
	}
	blocks := make([]*Block, cfg.Depth)
	for i := range blocks {
		prefix := fmt.Sprintf("image_encoder.blocks.%d", i)
		attn, err := nn.NewLinear(prefix+".attn", cfg.Chans, cfg.Chans, rng)
		if err != nil {
			return nil, err
		}
		mlp, err := NewMLPBlock(prefix+".mlp", cfg.Chans, cfg.HiddenDim, rng)
		if err != nil {
			return nil, err
		}
		blocks[i] = &Block{attn: attn, MLP: mlp}
	}
	neck, err := nn.NewLinear("image_encoder.neck", cfg.Chans, cfg.EmbedChans, rng)
	if err != nil {
		return nil, err
	}
	return &Encoder{cfg: cfg, patchEmbed: patchEmbed, Blocks: blocks, neck: neck}, nil
}

// GridSize returns the spatial edge of the patch grid.
func (e *Encoder) GridSize() int { return e.cfg.ImgSize / e.cfg.PatchSize }

// Forward encodes a preprocessed [B,3,H,W] image into a [B,h,w,EmbedChans]
// feature map.
func (e *Encoder) Forward(img *tensor.Tensor) (*tensor.Tensor, error) {
	patches, err := e.patchify(img)
	if err != nil {
		return nil, err
	}
	e.patches = patches

	x := e.patchEmbed.Forward(patches)
	for _, blk := range e.Blocks {
		// Residual adds allocate: layers cache their input slices for
		// backward, so x must never be mutated in place.
		a := blk.attn.Forward(x)
		x = addNew(x, a)
		f := blk.MLP.Forward(x)
		x = addNew(x, f)
	}
	return e.neck.Forward(x), nil
}

// Backward propagates a gradient at the image embedding back through the
// encoder. The return value is the gradient at the patch grid; callers
// normally discard it since nothing upstream is trainable.
func (e *Encoder) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	dx := e.neck.Backward(grad)
	for i := len(e.Blocks) - 1; i >= 0; i-- {
		blk := e.Blocks[i]
		df := blk.MLP.Backward(dx)
		if err := dx.Add(df); err != nil {
			return nil, err
		}
		da := blk.attn.Backward(dx)
		if err := dx.Add(da); err != nil {
			return nil, err
		}
	}
	return e.patchEmbed.Backward(dx), nil
}

func addNew(a, b *tensor.Tensor) *tensor.Tensor {
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out
}

// patchify rearranges [B,3,H,W] into [B,h,w,3*P*P] patch rows.
func (e *Encoder) patchify(img *tensor.Tensor) (*tensor.Tensor, error) {
	if img.Rank() != 4 || img.Shape[1] != 3 {
		return nil, fmt.Errorf("encoder input must be [B,3,H,W], got %v", img.Shape)
	}
	b := img.Shape[0]
	p := e.cfg.PatchSize
	g := e.GridSize()
	h, w := img.Shape[2], img.Shape[3]
	out := tensor.New(b, g, g, 3*p*p)
	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				dst := out.Data[((bi*g+gy)*g+gx)*3*p*p:]
				di := 0
				for c := 0; c < 3; c++ {
					for py := 0; py < p; py++ {
						row := ((bi*3+c)*h+gy*p+py)*w + gx*p
						copy(dst[di:di+p], img.Data[row:row+p])
						di += p
					}
				}
			}
		}
	}
	return out, nil
}

// Params returns patch embedding, block and neck parameters in order. Block
// FFN params come from whatever currently occupies the MLP slot.
func (e *Encoder) Params() []*nn.Param {
	params := e.patchEmbed.Params()
	for _, blk := range e.Blocks {
		params = append(params, blk.attn.Params()...)
		params = append(params, blk.MLP.Params()...)
	}
	return append(params, e.neck.Params()...)
}
