package train

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"medsegx/pkg/model"
)

// FinetuneResult is the outcome of one few-shot run.
type FinetuneResult struct {
	Percent float64 `json:"percent"`
	Samples int     `json:"samples"`
	BestDSC float64 `json:"best_dsc"`
}

// FinetuneSweep measures few-shot adaptation: for each percentage it builds
// a fresh model, restores the base snapshot, fine-tunes on that fraction of
// the training set and records the best validation DSC. build must return
// an independent model each call so the runs cannot contaminate each other.
func FinetuneSweep(
	build func() (*model.MedSegX, error),
	base map[string]model.SavedParam,
	trainSet, valSet []Sample,
	percents []float64,
	cfg Config,
	logger *zap.Logger,
) ([]FinetuneResult, error) {
	if len(percents) == 0 {
		return nil, fmt.Errorf("no percentages given")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// One fixed shuffle decides the few-shot subsets, so a 5% run always
	// uses a prefix of the 10% run's data.
	order := make([]Sample, len(trainSet))
	copy(order, trainSet)
	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := len(order) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	results := make([]FinetuneResult, 0, len(percents))
	for _, pct := range percents {
		if pct <= 0 || pct > 100 {
			return nil, fmt.Errorf("percentage %g out of (0,100]", pct)
		}
		n := int(float64(len(order)) * pct / 100)
		if n < 1 {
			n = 1
		}

		m, err := build()
		if err != nil {
			return nil, fmt.Errorf("build model for %g%%: %w", pct, err)
		}
		if base != nil {
			if _, err := m.LoadParameters(base); err != nil {
				return nil, fmt.Errorf("restore base snapshot: %w", err)
			}
		}

		runCfg := cfg
		runCfg.CheckpointPath = "" // sweep runs never overwrite the main checkpoint
		tr, err := NewTrainer(m, runCfg, order[:n], valSet, logger)
		if err != nil {
			return nil, fmt.Errorf("trainer for %g%%: %w", pct, err)
		}
		logger.Info("finetune run",
			zap.Float64("percent", pct),
			zap.Int("samples", n),
		)
		if err := tr.Train(); err != nil {
			return nil, fmt.Errorf("finetune at %g%%: %w", pct, err)
		}
		results = append(results, FinetuneResult{Percent: pct, Samples: n, BestDSC: tr.State.BestDSC})
	}
	return results, nil
}
