package backbone

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/nn"
	"medsegx/pkg/tensor"
)

// MaskDecoder fuses the image embedding with the prompt embeddings and
// proposes MaskOutputs candidate mask logit maps per sample. The candidates
// specialize during training through the best-of-K objective; the decoder
// itself never ranks them.
type MaskDecoder struct {
	cfg   Config
	fuse  *nn.Linear
	heads []*nn.Linear

	fused  *tensor.Tensor // pre-activation fuse cache
	geom   []int          // batch/grid geometry of the last forward
}

// NewMaskDecoder builds the decoder with one upscaling head per candidate.
func NewMaskDecoder(cfg Config, rng *rand.Rand) (*MaskDecoder, error) {
	fuse, err := nn.NewLinear("mask_decoder.fuse", cfg.EmbedChans, cfg.EmbedChans, rng)
	if err != nil {
		return nil, err
	}
	up := cfg.PatchSize * cfg.PatchSize
	heads := make([]*nn.Linear, cfg.MaskOutputs)
	for i := range heads {
		h, err := nn.NewLinear(fmt.Sprintf("mask_decoder.heads.%d", i), cfg.EmbedChans, up, rng)
		if err != nil {
			return nil, err
		}
		heads[i] = h
	}
	return &MaskDecoder{cfg: cfg, fuse: fuse, heads: heads}, nil
}

// Forward produces [B,K,H,W] mask logits at full image resolution.
func (d *MaskDecoder) Forward(imgEmb, sparse, dense *tensor.Tensor) (*tensor.Tensor, error) {
	if imgEmb.Rank() != 4 {
		return nil, fmt.Errorf("image embedding must be [B,h,w,C], got %v", imgEmb.Shape)
	}
	b, g, c := imgEmb.Shape[0], imgEmb.Shape[1], imgEmb.Shape[3]
	if !tensor.SameShape(imgEmb, dense) {
		return nil, fmt.Errorf("dense prompt shape %v does not match image embedding %v", dense.Shape, imgEmb.Shape)
	}

	// Fuse image, dense and (broadcast) sparse embeddings.
	f := tensor.New(imgEmb.Shape...)
	for bi := 0; bi < b; bi++ {
		sp := sparse.Data[bi*c : (bi+1)*c]
		for pos := 0; pos < g*g; pos++ {
			off := (bi*g*g + pos) * c
			for i := 0; i < c; i++ {
				f.Data[off+i] = imgEmb.Data[off+i] + dense.Data[off+i] + sp[i]
			}
		}
	}
	d.fused = d.fuse.Forward(f)
	act := nn.GELU(d.fused)

	p := d.cfg.PatchSize
	out := tensor.New(b, d.cfg.MaskOutputs, g*p, g*p)
	for k, head := range d.heads {
		logits := head.Forward(act) // [b,g,g,p*p]
		shuffleToMask(logits, out, k, g, p)
	}
	d.geom = []int{b, g, c}
	return out, nil
}

// Backward maps a [B,K,H,W] gradient back to the image embedding and prompt
// embeddings.
func (d *MaskDecoder) Backward(grad *tensor.Tensor) (dImg, dSparse, dDense *tensor.Tensor, err error) {
	if d.fused == nil {
		return nil, nil, nil, fmt.Errorf("decoder backward before forward")
	}
	b, g, c := d.geom[0], d.geom[1], d.geom[2]
	p := d.cfg.PatchSize

	dAct := tensor.New(b, g, g, c)
	for k, head := range d.heads {
		dLogits := tensor.New(b, g, g, p*p)
		shuffleFromMask(grad, dLogits, k, g, p)
		dh := head.Backward(dLogits)
		if err := dAct.Add(dh); err != nil {
			return nil, nil, nil, err
		}
	}
	dFused := nn.GELUBackward(d.fused, dAct)
	dF := d.fuse.Backward(dFused)

	// The fuse input was imgEmb + dense + broadcast(sparse): the gradient
	// splits additively.
	dImg = dF
	dDense = dF.Clone()
	dSparse = tensor.New(b, c)
	for bi := 0; bi < b; bi++ {
		dst := dSparse.Data[bi*c : (bi+1)*c]
		for pos := 0; pos < g*g; pos++ {
			off := (bi*g*g + pos) * c
			for i := 0; i < c; i++ {
				dst[i] += dF.Data[off+i]
			}
		}
	}
	return dImg, dSparse, dDense, nil
}

// Params returns the decoder parameters.
func (d *MaskDecoder) Params() []*nn.Param {
	params := d.fuse.Params()
	for _, h := range d.heads {
		params = append(params, h.Params()...)
	}
	return params
}

// shuffleToMask rearranges [b,g,g,p*p] head logits into candidate k of a
// [b,K,g*p,g*p] mask tensor.
func shuffleToMask(logits, out *tensor.Tensor, k, g, p int) {
	b := logits.Shape[0]
	kTotal := out.Shape[1]
	side := g * p
	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				src := logits.Data[((bi*g+gy)*g+gx)*p*p:]
				for py := 0; py < p; py++ {
					row := ((bi*kTotal+k)*side+gy*p+py)*side + gx*p
					copy(out.Data[row:row+p], src[py*p:(py+1)*p])
				}
			}
		}
	}
}

// shuffleFromMask is the inverse rearrangement for the backward pass.
func shuffleFromMask(grad, dLogits *tensor.Tensor, k, g, p int) {
	b := dLogits.Shape[0]
	kTotal := grad.Shape[1]
	side := g * p
	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				dst := dLogits.Data[((bi*g+gy)*g+gx)*p*p:]
				for py := 0; py < p; py++ {
					row := ((bi*kTotal+k)*side+gy*p+py)*side + gx*p
					copy(dst[py*p:(py+1)*p], grad.Data[row:row+p])
				}
			}
		}
	}
}
