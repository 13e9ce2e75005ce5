package seg

import (
	"math"
	"testing"

	"medsegx/pkg/tensor"
)

func square(h, w, y0, x0, side int, inside, outside float32) []float32 {
	out := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y >= y0 && y < y0+side && x >= x0 && x < x0+side {
				out[y*w+x] = inside
			} else {
				out[y*w+x] = outside
			}
		}
	}
	return out
}

func TestScorePerfectMatch(t *testing.T) {
	h, w := 8, 8
	logits := square(h, w, 2, 2, 4, 5, -5)
	target := square(h, w, 2, 2, 4, 1, 0)

	m := Score(logits, target, h, w)
	if m.DSC != 1 {
		t.Errorf("DSC = %g, want 1", m.DSC)
	}
	if m.NSD != 1 {
		t.Errorf("NSD = %g, want 1", m.NSD)
	}
	if m.HD95 != 0 {
		t.Errorf("HD95 = %g, want 0", m.HD95)
	}
}

func TestScoreEmptyMasks(t *testing.T) {
	h, w := 8, 8
	empty := square(h, w, 0, 0, 0, 0, -5)
	emptyTarget := make([]float32, h*w)
	full := square(h, w, 2, 2, 4, 5, -5)
	diag := math.Hypot(float64(h), float64(w))

	t.Run("both empty", func(t *testing.T) {
		m := Score(empty, emptyTarget, h, w)
		if m.DSC != 1 || m.NSD != 1 || m.HD95 != 0 {
			t.Errorf("both-empty metrics = %+v, want perfect", m)
		}
	})
	t.Run("prediction empty", func(t *testing.T) {
		m := Score(empty, square(h, w, 2, 2, 4, 1, 0), h, w)
		if m.DSC != 0 || m.NSD != 0 || m.HD95 != diag {
			t.Errorf("empty-pred metrics = %+v, want zero scores and capped HD95", m)
		}
	})
	t.Run("target empty", func(t *testing.T) {
		m := Score(full, emptyTarget, h, w)
		if m.DSC != 0 || m.NSD != 0 || m.HD95 != diag {
			t.Errorf("empty-target metrics = %+v, want zero scores and capped HD95", m)
		}
	})
}

func TestScoreShiftedSquare(t *testing.T) {
	h, w := 8, 8
	// A 4x4 square shifted down one row: overlap is 3x4.
	logits := square(h, w, 3, 2, 4, 5, -5)
	target := square(h, w, 2, 2, 4, 1, 0)

	m := Score(logits, target, h, w)
	want := 2.0 * 12 / (16 + 16)
	if math.Abs(m.DSC-want) > 1e-9 {
		t.Errorf("DSC = %g, want %g", m.DSC, want)
	}
	// Every surface point is within one pixel of the other surface.
	if m.NSD != 1 {
		t.Errorf("NSD = %g, want 1 under the 2px tolerance", m.NSD)
	}
	if m.HD95 > 1 {
		t.Errorf("HD95 = %g, want at most 1", m.HD95)
	}
}

func TestEvalBatchSharesBestIndexAcrossMetrics(t *testing.T) {
	h, w := 8, 8
	target := tensor.New(1, h, w)
	copy(target.Data, square(h, w, 2, 2, 4, 1, 0))

	logits := tensor.New(1, 3, h, w)
	per := h * w
	copy(logits.Data[0*per:], square(h, w, 5, 5, 3, 5, -5)) // far off
	copy(logits.Data[1*per:], square(h, w, 2, 2, 4, 5, -5)) // exact
	copy(logits.Data[2*per:], square(h, w, 3, 2, 4, 5, -5)) // shifted

	scores, best, err := EvalBatch(logits, target)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if best[0] != 1 {
		t.Fatalf("best index = %d, want the exact candidate 1", best[0])
	}
	// All reported metrics must come from the DSC winner, not per-metric
	// winners.
	ref := Score(logits.Data[1*per:2*per], target.Data, h, w)
	if scores[0] != ref {
		t.Errorf("reported metrics %+v differ from winner's own %+v", scores[0], ref)
	}
}

func TestEvalBatchShapeMismatch(t *testing.T) {
	if _, _, err := EvalBatch(tensor.New(1, 2, 4, 4), tensor.New(2, 4, 4)); err == nil {
		t.Error("expected error for batch mismatch")
	}
	if _, _, err := EvalBatch(tensor.New(1, 4, 4), tensor.New(1, 4, 4)); err == nil {
		t.Error("expected error for rank-3 logits")
	}
}
