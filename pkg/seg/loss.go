// Package seg holds the segmentation objective and the evaluation metrics:
// a combined Dice and binary cross-entropy loss, the best-of-candidates
// training rule for ambiguous prompts, and the surface-based quality scores.
package seg

import (
	"fmt"
	"math"

	"medsegx/pkg/tensor"
)

// DiceBCE is the combined segmentation loss over mask logits. Dice uses
// squared predictions in the denominator, which keeps its gradient bounded
// near empty masks.
type DiceBCE struct {
	DiceWeight float32
	BCEWeight  float32
	Smooth     float32
}

// NewDiceBCE returns the loss with equal weighting and unit smoothing.
func NewDiceBCE() *DiceBCE {
	return &DiceBCE{DiceWeight: 1, BCEWeight: 1, Smooth: 1}
}

// sample computes the combined loss and its gradient with respect to the
// logits for one candidate of one sample. target values must be 0 or 1.
func (l *DiceBCE) sample(logits, target, grad []float32) float32 {
	n := len(logits)
	invN := 1 / float32(n)

	probs := make([]float32, n)
	var bce float32
	var inter, denom float32
	for i, z := range logits {
		t := target[i]
		p := stableSigmoid(z)
		probs[i] = p

		// Numerically stable BCE on logits.
		zAbs := z
		if zAbs < 0 {
			zAbs = -zAbs
		}
		m := z
		if m < 0 {
			m = 0
		}
		bce += m - z*t + float32(math.Log1p(math.Exp(float64(-zAbs))))

		inter += p * t
		denom += p*p + t*t
	}
	bce *= invN

	num := 2*inter + l.Smooth
	den := denom + l.Smooth
	dice := 1 - num/den

	for i, p := range probs {
		t := target[i]
		dBCE := (p - t) * invN
		// d(dice)/dp = -(2t*den - num*2p) / den^2, chained through sigmoid.
		dDice := -(2*t*den - num*2*p) / (den * den) * p * (1 - p)
		grad[i] = l.BCEWeight*dBCE + l.DiceWeight*dDice
	}
	return l.BCEWeight*bce + l.DiceWeight*dice
}

func stableSigmoid(z float32) float32 {
	if z >= 0 {
		return 1 / (1 + float32(math.Exp(float64(-z))))
	}
	e := float32(math.Exp(float64(z)))
	return e / (1 + e)
}

// BestOfK scores every candidate and keeps, per sample, only the cheapest
// one: its loss enters the batch mean and only its logits receive gradient.
// logits is [B,K,H,W], target is [B,H,W] binary. The returned best slice
// holds the winning candidate index per sample.
func (l *DiceBCE) BestOfK(logits, target *tensor.Tensor) (loss float32, grad *tensor.Tensor, best []int, err error) {
	if logits.Rank() != 4 {
		return 0, nil, nil, fmt.Errorf("logits must be [B,K,H,W], got %v", logits.Shape)
	}
	if target.Rank() != 3 {
		return 0, nil, nil, fmt.Errorf("target must be [B,H,W], got %v", target.Shape)
	}
	b, k, h, w := logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	if target.Shape[0] != b || target.Shape[1] != h || target.Shape[2] != w {
		return 0, nil, nil, fmt.Errorf("target shape %v does not match logits %v", target.Shape, logits.Shape)
	}

	grad = tensor.New(logits.Shape...)
	best = make([]int, b)
	per := h * w
	scratch := make([]float32, per)
	invB := 1 / float32(b)

	for bi := 0; bi < b; bi++ {
		tgt := target.Data[bi*per : (bi+1)*per]
		bestLoss := float32(math.Inf(1))
		for ki := 0; ki < k; ki++ {
			off := (bi*k + ki) * per
			cl := l.sample(logits.Data[off:off+per], tgt, scratch)
			if cl < bestLoss {
				bestLoss = cl
				best[bi] = ki
			}
		}
		// Only the winning candidate carries gradient.
		off := (bi*k + best[bi]) * per
		l.sample(logits.Data[off:off+per], tgt, scratch)
		dst := grad.Data[off : off+per]
		for x, g := range scratch {
			dst[x] = g * invB
		}
		loss += bestLoss
	}
	return loss * invB, grad, best, nil
}
