package nn

import (
	"fmt"
	"math"
	"math/rand"

	"medsegx/pkg/tensor"
)

// Linear is a fully connected layer applied along the last axis of its
// input. Weight is stored row-major as [Out][In].
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param

	x    []float32 // cached input rows from the last Forward
	rows int
}

// NewLinear creates a linear layer with fan-in uniform weight init and zero
// bias, seeded from rng.
func NewLinear(name string, in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("linear %s: dimensions must be positive, got in=%d out=%d", name, in, out)
	}
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", out, in),
		Bias:   NewParam(name+".bias", out),
	}
	bound := float32(1.0 / math.Sqrt(float64(in)))
	for i := range l.Weight.Data {
		l.Weight.Data[i] = (rng.Float32()*2 - 1) * bound
	}
	return l, nil
}

// ZeroInit overwrites weight and bias with exact zeros. Used by adapter up
// projections so a fresh adapter contributes a zero residual.
func (l *Linear) ZeroInit() {
	for i := range l.Weight.Data {
		l.Weight.Data[i] = 0
	}
	for i := range l.Bias.Data {
		l.Bias.Data[i] = 0
	}
}

// Forward computes x@W^T + b over the last axis. The input is cached for
// Backward.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	rank := x.Rank()
	rows := x.Numel() / x.Shape[rank-1]
	l.rows = rows
	l.x = x.Data

	shape := append([]int(nil), x.Shape[:rank-1]...)
	shape = append(shape, l.Out)
	out := tensor.New(shape...)

	w := l.Weight.Data
	b := l.Bias.Data
	for r := 0; r < rows; r++ {
		in := x.Data[r*l.In : (r+1)*l.In]
		dst := out.Data[r*l.Out : (r+1)*l.Out]
		for o := 0; o < l.Out; o++ {
			sum := b[o]
			wr := w[o*l.In : (o+1)*l.In]
			for i, v := range in {
				sum += v * wr[i]
			}
			dst[o] = sum
		}
	}
	return out
}

// Backward accumulates weight and bias gradients from the cached input and
// returns the gradient with respect to the layer input.
func (l *Linear) Backward(grad *tensor.Tensor) *tensor.Tensor {
	rank := grad.Rank()
	shape := append([]int(nil), grad.Shape[:rank-1]...)
	shape = append(shape, l.In)
	dx := tensor.New(shape...)

	w := l.Weight.Data
	dw := l.Weight.Grad
	db := l.Bias.Grad
	for r := 0; r < l.rows; r++ {
		in := l.x[r*l.In : (r+1)*l.In]
		g := grad.Data[r*l.Out : (r+1)*l.Out]
		dst := dx.Data[r*l.In : (r+1)*l.In]
		for o := 0; o < l.Out; o++ {
			gv := g[o]
			if gv == 0 {
				continue
			}
			db[o] += gv
			wr := w[o*l.In : (o+1)*l.In]
			dwr := dw[o*l.In : (o+1)*l.In]
			for i, v := range in {
				dwr[i] += gv * v
				dst[i] += gv * wr[i]
			}
		}
	}
	return dx
}

// Params returns the layer parameters.
func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }
