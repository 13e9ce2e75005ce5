package nn

import (
	"math"

	"medsegx/pkg/tensor"
)

// GELU applies the tanh-approximated Gaussian error linear unit.
func GELU(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = gelu(v)
	}
	return out
}

// GELUBackward returns grad scaled by the GELU derivative at the original
// input x.
func GELUBackward(x, grad *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = grad.Data[i] * geluGrad(v)
	}
	return out
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

func gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(geluC*(v+0.044715*v*v*v))))
}

func geluGrad(x float32) float32 {
	v := float64(x)
	inner := geluC * (v + 0.044715*v*v*v)
	t := math.Tanh(inner)
	sech2 := 1 - t*t
	return float32(0.5*(1+t) + 0.5*v*sech2*geluC*(1+3*0.044715*v*v))
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	return out
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Softmax normalizes the last axis of x into a distribution.
func Softmax(x *tensor.Tensor) *tensor.Tensor {
	rank := x.Rank()
	width := x.Shape[rank-1]
	rows := x.Numel() / width
	out := tensor.New(x.Shape...)
	for r := 0; r < rows; r++ {
		in := x.Data[r*width : (r+1)*width]
		dst := out.Data[r*width : (r+1)*width]
		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := float32(0)
		for i, v := range in {
			e := float32(math.Exp(float64(v - maxVal)))
			dst[i] = e
			sum += e
		}
		for i := range dst {
			dst[i] /= sum
		}
	}
	return out
}

// SoftmaxBackward maps the gradient at the softmax output y back to the
// logits: dx_i = y_i * (g_i - sum_j g_j y_j), per row.
func SoftmaxBackward(y, grad *tensor.Tensor) *tensor.Tensor {
	rank := y.Rank()
	width := y.Shape[rank-1]
	rows := y.Numel() / width
	out := tensor.New(y.Shape...)
	for r := 0; r < rows; r++ {
		yv := y.Data[r*width : (r+1)*width]
		g := grad.Data[r*width : (r+1)*width]
		dst := out.Data[r*width : (r+1)*width]
		dot := float32(0)
		for i := range yv {
			dot += g[i] * yv[i]
		}
		for i := range yv {
			dst[i] = yv[i] * (g[i] - dot)
		}
	}
	return out
}

// MeanPoolHW averages a [B,H,W,C] tensor over its two spatial axes,
// producing [B,C].
func MeanPoolHW(x *tensor.Tensor) *tensor.Tensor {
	b, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(b, c)
	inv := 1 / float32(h*w)
	for bi := 0; bi < b; bi++ {
		dst := out.Data[bi*c : (bi+1)*c]
		base := bi * h * w * c
		for p := 0; p < h*w; p++ {
			src := x.Data[base+p*c : base+(p+1)*c]
			for i, v := range src {
				dst[i] += v
			}
		}
		for i := range dst {
			dst[i] *= inv
		}
	}
	return out
}

// MeanPoolHWBackward spreads a [B,C] gradient uniformly back over the
// spatial grid of shape [B,H,W,C].
func MeanPoolHWBackward(grad *tensor.Tensor, h, w int) *tensor.Tensor {
	b, c := grad.Shape[0], grad.Shape[1]
	out := tensor.New(b, h, w, c)
	inv := 1 / float32(h*w)
	for bi := 0; bi < b; bi++ {
		g := grad.Data[bi*c : (bi+1)*c]
		base := bi * h * w * c
		for p := 0; p < h*w; p++ {
			dst := out.Data[base+p*c : base+(p+1)*c]
			for i, v := range g {
				dst[i] = v * inv
			}
		}
	}
	return out
}
