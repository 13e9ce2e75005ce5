package seg

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"medsegx/pkg/tensor"
)

// Metrics are the per-sample segmentation quality scores. NSD uses a fixed
// 2-pixel boundary tolerance; HD95 is the 95th percentile symmetric surface
// distance, capped at the image diagonal when one mask is empty.
type Metrics struct {
	DSC  float64 `json:"dsc"`
	NSD  float64 `json:"nsd"`
	HD95 float64 `json:"hd95"`
}

// NSDTolerance is the boundary tolerance in pixels.
const NSDTolerance = 2.0

type point struct{ y, x int }

// binarize thresholds logits at zero, which matches sigmoid(z) > 0.5.
func binarize(logits []float32, h, w int) []bool {
	out := make([]bool, h*w)
	for i, z := range logits {
		out[i] = z > 0
	}
	return out
}

func binarizeTarget(target []float32) []bool {
	out := make([]bool, len(target))
	for i, v := range target {
		out[i] = v > 0.5
	}
	return out
}

func dsc(pred, gt []bool) float64 {
	var inter, np, ng int
	for i := range pred {
		if pred[i] {
			np++
		}
		if gt[i] {
			ng++
		}
		if pred[i] && gt[i] {
			inter++
		}
	}
	if np == 0 && ng == 0 {
		return 1
	}
	if np == 0 || ng == 0 {
		return 0
	}
	return 2 * float64(inter) / float64(np+ng)
}

// boundary extracts mask pixels with at least one 4-neighbor outside the
// mask. Image borders count as outside.
func boundary(mask []bool, h, w int) []point {
	var pts []point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			edge := y == 0 || y == h-1 || x == 0 || x == w-1 ||
				!mask[(y-1)*w+x] || !mask[(y+1)*w+x] ||
				!mask[y*w+x-1] || !mask[y*w+x+1]
			if edge {
				pts = append(pts, point{y, x})
			}
		}
	}
	return pts
}

// surfaceDistances returns, for every point in from, the Euclidean distance
// to the nearest point in to.
func surfaceDistances(from, to []point) []float64 {
	out := make([]float64, len(from))
	for i, p := range from {
		best := math.Inf(1)
		for _, q := range to {
			dy := float64(p.y - q.y)
			dx := float64(p.x - q.x)
			d := dy*dy + dx*dx
			if d < best {
				best = d
			}
		}
		out[i] = math.Sqrt(best)
	}
	return out
}

// Score computes all metrics for one predicted candidate against a binary
// ground truth. logits and target are both h*w pixel rows.
func Score(logits, target []float32, h, w int) Metrics {
	pred := binarize(logits, h, w)
	gt := binarizeTarget(target)
	diag := math.Hypot(float64(h), float64(w))

	m := Metrics{DSC: dsc(pred, gt)}

	pb := boundary(pred, h, w)
	gb := boundary(gt, h, w)
	switch {
	case len(pb) == 0 && len(gb) == 0:
		m.NSD, m.HD95 = 1, 0
	case len(pb) == 0 || len(gb) == 0:
		m.NSD, m.HD95 = 0, diag
	default:
		dPG := surfaceDistances(pb, gb)
		dGP := surfaceDistances(gb, pb)

		within := 0
		for _, d := range dPG {
			if d <= NSDTolerance {
				within++
			}
		}
		for _, d := range dGP {
			if d <= NSDTolerance {
				within++
			}
		}
		m.NSD = float64(within) / float64(len(dPG)+len(dGP))

		all := append(dPG, dGP...)
		sort.Float64s(all)
		m.HD95 = stat.Quantile(0.95, stat.Empirical, all, nil)
	}
	return m
}

// EvalBatch scores a [B,K,H,W] candidate batch against [B,H,W] targets.
// Per sample, the candidate with the highest DSC is selected and all
// reported metrics come from that same candidate. best holds the selected
// index per sample.
func EvalBatch(logits, target *tensor.Tensor) (scores []Metrics, best []int, err error) {
	if logits.Rank() != 4 {
		return nil, nil, fmt.Errorf("logits must be [B,K,H,W], got %v", logits.Shape)
	}
	if target.Rank() != 3 {
		return nil, nil, fmt.Errorf("target must be [B,H,W], got %v", target.Shape)
	}
	b, k, h, w := logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	if target.Shape[0] != b || target.Shape[1] != h || target.Shape[2] != w {
		return nil, nil, fmt.Errorf("target shape %v does not match logits %v", target.Shape, logits.Shape)
	}

	per := h * w
	scores = make([]Metrics, b)
	best = make([]int, b)
	for bi := 0; bi < b; bi++ {
		tgt := target.Data[bi*per : (bi+1)*per]
		var bestScore Metrics
		bestDSC := -1.0
		for ki := 0; ki < k; ki++ {
			off := (bi*k + ki) * per
			s := Score(logits.Data[off:off+per], tgt, h, w)
			if s.DSC > bestDSC {
				bestDSC = s.DSC
				bestScore = s
				best[bi] = ki
			}
		}
		scores[bi] = bestScore
	}
	return scores, best, nil
}
