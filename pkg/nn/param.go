// Package nn implements the small set of neural-network layers the adapter
// system is built from. Every layer pairs Forward with an explicit Backward
// so the training loop never depends on an external autograd engine; frozen
// parameters still propagate gradients to their inputs, they just never get
// stepped by the optimizer.
package nn

// Param is a single learnable tensor. Name is the fully qualified parameter
// name used by the selective checkpoint store; Trainable marks whether the
// optimizer may update it.
type Param struct {
	Name      string
	Shape     []int
	Data      []float32
	Grad      []float32
	Trainable bool
}

// NewParam allocates a zero-initialized parameter.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      make([]float32, n),
		Grad:      make([]float32, n),
		Trainable: true,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Freeze marks the parameter as not trainable.
func (p *Param) Freeze() { p.Trainable = false }

// Numel returns the number of elements.
func (p *Param) Numel() int { return len(p.Data) }
