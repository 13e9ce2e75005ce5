package train

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"medsegx/pkg/model"
	"medsegx/pkg/nn"
	"medsegx/pkg/seg"
)

// Config defines the training hyperparameters.
type Config struct {
	Epochs         int
	BatchSize      int
	LearningRate   float32
	WeightDecay    float32
	WarmupSteps    int
	ValidationFreq int // validate every N epochs
	LogFreq        int // log every N steps
	CheckpointPath string
	Seed           int64
	BoxJitter      bool
}

// Validate checks the hyperparameters.
func (c Config) Validate() error {
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("epochs=%d batchSize=%d must be positive", c.Epochs, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 || c.WarmupSteps < 0 {
		return fmt.Errorf("weight decay and warmup steps must be non-negative")
	}
	return nil
}

// DefaultConfig returns the hyperparameters used by the demo runs.
func DefaultConfig() Config {
	return Config{
		Epochs:         10,
		BatchSize:      4,
		LearningRate:   1e-3,
		WeightDecay:    1e-4,
		WarmupSteps:    50,
		ValidationFreq: 1,
		LogFreq:        10,
		Seed:           1337,
		BoxJitter:      true,
	}
}

// State tracks training progress. EpochLoss and EpochDSC accumulate the
// per-epoch history that ends up in the run report.
type State struct {
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	TrainLoss    float32   `json:"train_loss"`
	ValDSC       float64   `json:"val_dsc"`
	BestDSC      float64   `json:"best_dsc"`
	LearningRate float32   `json:"learning_rate"`
	EpochLoss    []float32 `json:"epoch_loss"`
	EpochDSC     []float64 `json:"epoch_dsc"`
}

// Trainer runs adapter training over a frozen backbone.
type Trainer struct {
	Model  *model.MedSegX
	Config Config
	State  *State
	Loader *DataLoader
	Val    *DataLoader

	loss       *seg.DiceBCE
	optimizer  *nn.AdamW
	store      *model.Store
	log        *zap.Logger
	jitter     *rand.Rand
	totalSteps int
}

// NewTrainer wires the optimizer over the model's trainable parameters
// only; frozen backbone weights never enter the update.
func NewTrainer(m *model.MedSegX, cfg Config, trainSet, valSet []Sample, logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, err := NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	var val *DataLoader
	if len(valSet) > 0 {
		if val, err = NewDataLoader(valSet, cfg.BatchSize, false, cfg.Seed); err != nil {
			return nil, fmt.Errorf("validation loader: %w", err)
		}
	}

	t := &Trainer{
		Model:     m,
		Config:    cfg,
		State:     &State{},
		Loader:    loader,
		Val:       val,
		loss:      seg.NewDiceBCE(),
		optimizer: nn.NewAdamW(m.TrainableParams(), cfg.LearningRate, cfg.WeightDecay),
		log:       logger,
	}
	if cfg.CheckpointPath != "" {
		t.store = model.NewStore(cfg.CheckpointPath)
	}
	if cfg.BoxJitter {
		t.jitter = rand.New(rand.NewSource(cfg.Seed + 1))
	}
	stepsPerEpoch := (len(trainSet) + cfg.BatchSize - 1) / cfg.BatchSize
	t.totalSteps = stepsPerEpoch * cfg.Epochs
	return t, nil
}

// lrAt is the warmup-then-cosine schedule: linear ramp over WarmupSteps,
// cosine decay to a tenth of the base rate by the final step.
func (t *Trainer) lrAt(step int) float32 {
	base := t.Config.LearningRate
	if t.Config.WarmupSteps > 0 && step < t.Config.WarmupSteps {
		return base * float32(step+1) / float32(t.Config.WarmupSteps)
	}
	decaySteps := t.totalSteps - t.Config.WarmupSteps
	if decaySteps <= 0 {
		return base
	}
	progress := float64(step-t.Config.WarmupSteps) / float64(decaySteps)
	if progress > 1 {
		progress = 1
	}
	minLR := base * 0.1
	return minLR + (base-minLR)*float32(0.5*(1+math.Cos(math.Pi*progress)))
}

// Train runs the full loop: forward, best-of-candidates loss, backward,
// AdamW over the trainable partitions, periodic validation and best-model
// checkpointing by mean validation DSC.
func (t *Trainer) Train() error {
	imgSize := t.Model.Backbone.Config.ImgSize
	t.log.Info("training started",
		zap.Int("epochs", t.Config.Epochs),
		zap.Int("batch_size", t.Config.BatchSize),
		zap.Int("total_steps", t.totalSteps),
		zap.Int("trainable_params", countValues(t.Model)),
	)

	for epoch := 0; epoch < t.Config.Epochs; epoch++ {
		t.State.Epoch = epoch
		t.Model.SetTraining(true)

		epochLoss := float32(0)
		epochSteps := 0
		for {
			batch := t.Loader.NextBatch()
			if batch == nil {
				break
			}
			img, box, mask, labels, err := Collate(batch, imgSize, t.jitter)
			if err != nil {
				return fmt.Errorf("collate: %w", err)
			}

			t.Model.ZeroGrad()
			logits, err := t.Model.Forward(img, box, labels)
			if err != nil {
				return fmt.Errorf("forward at step %d: %w", t.State.Step, err)
			}
			batchLoss, grad, _, err := t.loss.BestOfK(logits, mask)
			if err != nil {
				return fmt.Errorf("loss at step %d: %w", t.State.Step, err)
			}
			if err := t.Model.Backward(grad); err != nil {
				return fmt.Errorf("backward at step %d: %w", t.State.Step, err)
			}

			t.optimizer.LearningRate = t.lrAt(t.State.Step)
			t.optimizer.Step()

			epochLoss += batchLoss
			epochSteps++
			t.State.Step++
			t.State.TrainLoss = epochLoss / float32(epochSteps)
			t.State.LearningRate = t.optimizer.LearningRate

			if t.Config.LogFreq > 0 && t.State.Step%t.Config.LogFreq == 0 {
				t.log.Info("step",
					zap.Int("epoch", epoch),
					zap.Int("step", t.State.Step),
					zap.Float32("loss", t.State.TrainLoss),
					zap.Float32("lr", t.State.LearningRate),
				)
			}
		}
		t.State.EpochLoss = append(t.State.EpochLoss, t.State.TrainLoss)

		if t.Val != nil && (t.Config.ValidationFreq <= 0 || epoch%t.Config.ValidationFreq == 0) {
			dsc, err := t.Validate()
			if err != nil {
				return fmt.Errorf("validation at epoch %d: %w", epoch, err)
			}
			t.State.ValDSC = dsc
			t.State.EpochDSC = append(t.State.EpochDSC, dsc)
			t.log.Info("validation",
				zap.Int("epoch", epoch),
				zap.Float64("mean_dsc", dsc),
				zap.Float64("best_dsc", t.State.BestDSC),
			)

			if dsc > t.State.BestDSC {
				t.State.BestDSC = dsc
				if t.store != nil {
					ck := model.NewCheckpoint(t.Model, epoch, dsc)
					if err := t.store.Save(ck); err != nil {
						t.log.Warn("best checkpoint save failed", zap.Error(err))
					} else {
						t.log.Info("best checkpoint saved",
							zap.String("run_id", ck.RunID),
							zap.String("path", t.store.Path()),
						)
					}
				}
			}
		}
	}

	t.log.Info("training completed",
		zap.Float64("best_dsc", t.State.BestDSC),
		zap.Float32("final_loss", t.State.TrainLoss),
	)
	return nil
}

// Validate computes the mean DSC over the validation set with exact boxes
// and dropout disabled.
func (t *Trainer) Validate() (float64, error) {
	if t.Val == nil {
		return 0, fmt.Errorf("no validation set")
	}
	t.Model.SetTraining(false)
	defer t.Model.SetTraining(true)

	imgSize := t.Model.Backbone.Config.ImgSize
	var sum float64
	var n int
	for {
		batch := t.Val.NextBatch()
		if batch == nil {
			break
		}
		img, box, mask, labels, err := Collate(batch, imgSize, nil)
		if err != nil {
			return 0, err
		}
		logits, err := t.Model.Forward(img, box, labels)
		if err != nil {
			return 0, err
		}
		scores, _, err := seg.EvalBatch(logits, mask)
		if err != nil {
			return 0, err
		}
		for _, s := range scores {
			sum += s.DSC
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("validation set produced no samples")
	}
	return sum / float64(n), nil
}

func countValues(m *model.MedSegX) int {
	n := 0
	for _, p := range m.TrainableParams() {
		n += p.Numel()
	}
	return n
}
