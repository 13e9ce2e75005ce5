// Package tensor provides the dense float32 tensors that the segmentation
// core computes over. Shapes use row-major layout with the last axis
// contiguous, matching the convention of the rest of the model code.
package tensor

import "fmt"

// Tensor is a dense row-major float32 array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a view over the same data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Add accumulates other into t element-wise. Shapes must match.
func (t *Tensor) Add(other *Tensor) error {
	if !SameShape(t, other) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, other.Shape)
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}

// Scale multiplies every element by v in place.
func (t *Tensor) Scale(v float32) {
	for i := range t.Data {
		t.Data[i] *= v
	}
}

// Concat concatenates tensors along the last axis. All inputs must share
// their leading dimensions.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	rank := ts[0].Rank()
	rows := 1
	for _, d := range ts[0].Shape[:rank-1] {
		rows *= d
	}
	total := 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, fmt.Errorf("concat rank mismatch: %d vs %d", rank, t.Rank())
		}
		r := 1
		for _, d := range t.Shape[:rank-1] {
			r *= d
		}
		if r != rows {
			return nil, fmt.Errorf("concat leading dims mismatch: %v vs %v", ts[0].Shape, t.Shape)
		}
		total += t.Shape[rank-1]
	}
	shape := append([]int(nil), ts[0].Shape[:rank-1]...)
	shape = append(shape, total)
	out := New(shape...)
	for r := 0; r < rows; r++ {
		off := r * total
		for _, t := range ts {
			w := t.Shape[rank-1]
			copy(out.Data[off:off+w], t.Data[r*w:(r+1)*w])
			off += w
		}
	}
	return out, nil
}

// SplitLast splits t into chunks of the given widths along the last axis.
// The widths must sum to the last dimension.
func SplitLast(t *Tensor, widths ...int) ([]*Tensor, error) {
	rank := t.Rank()
	last := t.Shape[rank-1]
	sum := 0
	for _, w := range widths {
		sum += w
	}
	if sum != last {
		return nil, fmt.Errorf("split widths %v do not sum to last dim %d", widths, last)
	}
	rows := t.Numel() / last
	outs := make([]*Tensor, len(widths))
	for i, w := range widths {
		shape := append([]int(nil), t.Shape[:rank-1]...)
		shape = append(shape, w)
		outs[i] = New(shape...)
	}
	for r := 0; r < rows; r++ {
		off := r * last
		for i, w := range widths {
			copy(outs[i].Data[r*w:(r+1)*w], t.Data[off:off+w])
			off += w
		}
	}
	return outs, nil
}
