package nn

import (
	"math/rand"

	"medsegx/pkg/tensor"
)

// Dropout zeroes elements with probability P during training and rescales
// the survivors by 1/(1-P). In eval mode it is the identity, which keeps
// inference deterministic.
type Dropout struct {
	P        float32
	training bool
	rng      *rand.Rand
	mask     []float32
}

// NewDropout creates a dropout layer seeded from rng. The layer starts in
// eval mode.
func NewDropout(p float32, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

// SetTraining toggles train/eval behavior.
func (d *Dropout) SetTraining(training bool) { d.training = training }

// Forward applies the dropout mask. The mask is cached for Backward.
func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	if !d.training || d.P <= 0 {
		d.mask = nil
		return x
	}
	out := tensor.New(x.Shape...)
	if cap(d.mask) < len(x.Data) {
		d.mask = make([]float32, len(x.Data))
	}
	d.mask = d.mask[:len(x.Data)]
	scale := 1 / (1 - d.P)
	for i, v := range x.Data {
		if d.rng.Float32() < d.P {
			d.mask[i] = 0
		} else {
			d.mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return out
}

// Backward applies the cached mask to the gradient.
func (d *Dropout) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if d.mask == nil {
		return grad
	}
	out := tensor.New(grad.Shape...)
	for i, v := range grad.Data {
		out.Data[i] = v * d.mask[i]
	}
	return out
}
