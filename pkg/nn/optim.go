package nn

import "math"

// AdamW implements decoupled weight-decay Adam over a fixed parameter list.
// Only trainable parameters are stepped; frozen ones are skipped entirely so
// the backbone stays bit-identical across training.
type AdamW struct {
	LearningRate float32
	WeightDecay  float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32

	t      int
	params []*Param
	m      [][]float32
	v      [][]float32
}

// NewAdamW creates an optimizer over params with the usual Adam defaults.
func NewAdamW(params []*Param, learningRate, weightDecay float32) *AdamW {
	opt := &AdamW{
		LearningRate: learningRate,
		WeightDecay:  weightDecay,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		params:       params,
		m:            make([][]float32, len(params)),
		v:            make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float32, p.Numel())
		opt.v[i] = make([]float32, p.Numel())
	}
	return opt
}

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.t++
	bc1 := 1 - float32(math.Pow(float64(o.Beta1), float64(o.t)))
	bc2 := 1 - float32(math.Pow(float64(o.Beta2), float64(o.t)))
	for i, p := range o.params {
		if !p.Trainable {
			continue
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= o.LearningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+o.Epsilon) + o.WeightDecay*p.Data[j])
		}
	}
}

// ZeroGrad clears gradients on every managed parameter.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}
