// Package config provides configuration loading, defaults, and validation
// for the medsegx commands.
package config

import (
	"fmt"

	"medsegx/pkg/adapter"
	"medsegx/pkg/backbone"
	"medsegx/pkg/train"
)

// Config is the full runtime configuration.
type Config struct {
	Backbone BackboneConfig `mapstructure:"backbone"`
	Adapter  AdapterConfig  `mapstructure:"adapter"`
	Train    TrainConfig    `mapstructure:"train"`
	Data     DataConfig     `mapstructure:"data"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BackboneConfig mirrors the backbone geometry.
type BackboneConfig struct {
	ImgSize     int   `mapstructure:"img_size"`
	PatchSize   int   `mapstructure:"patch_size"`
	Chans       int   `mapstructure:"chans"`
	Depth       int   `mapstructure:"depth"`
	EmbedChans  int   `mapstructure:"embed_chans"`
	HiddenDim   int   `mapstructure:"hidden_dim"`
	MaskOutputs int   `mapstructure:"mask_outputs"`
	Seed        int64 `mapstructure:"seed"`
}

// AdapterConfig mirrors the MoE adapter hyperparameters. Empty Positions
// adapts every encoder block.
type AdapterConfig struct {
	ExpertNum     int     `mapstructure:"expert_num"`
	BottleneckDim int     `mapstructure:"bottleneck_dim"`
	EmbeddingDim  int     `mapstructure:"embedding_dim"`
	Dropout       float32 `mapstructure:"dropout"`
	Scale         float32 `mapstructure:"scale"`
	LearnedScale  bool    `mapstructure:"learned_scale"`
	Positions     []int   `mapstructure:"positions"`
	Seed          int64   `mapstructure:"seed"`
}

// TrainConfig mirrors the training hyperparameters.
type TrainConfig struct {
	Epochs           int       `mapstructure:"epochs"`
	BatchSize        int       `mapstructure:"batch_size"`
	LearningRate     float32   `mapstructure:"learning_rate"`
	WeightDecay      float32   `mapstructure:"weight_decay"`
	WarmupSteps      int       `mapstructure:"warmup_steps"`
	ValidationFreq   int       `mapstructure:"validation_freq"`
	LogFreq          int       `mapstructure:"log_freq"`
	CheckpointPath   string    `mapstructure:"checkpoint_path"`
	Seed             int64     `mapstructure:"seed"`
	BoxJitter        bool      `mapstructure:"box_jitter"`
	FinetunePercents []float64 `mapstructure:"finetune_percents"`
}

// DataConfig controls the synthetic demo dataset.
type DataConfig struct {
	TrainSamples int      `mapstructure:"train_samples"`
	ValSamples   int      `mapstructure:"val_samples"`
	Tasks        []string `mapstructure:"tasks"`
	Seed         int64    `mapstructure:"seed"`
	ReportPath   string   `mapstructure:"report_path"`
	HoldoutSites []string `mapstructure:"holdout_sites"`
}

// ServerConfig controls the inference server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Validate delegates to the package-level validators so a bad config fails
// before any model is built.
func (c *Config) Validate() error {
	if err := c.ToBackbone().Validate(); err != nil {
		return fmt.Errorf("backbone: %w", err)
	}
	if err := c.ToAdapter().Validate(); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	if err := c.ToTrain().Validate(); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if c.Data.TrainSamples <= 0 || c.Data.ValSamples <= 0 {
		return fmt.Errorf("data: sample counts must be positive")
	}
	if len(c.Data.Tasks) == 0 {
		return fmt.Errorf("data: no tasks configured")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server: empty listen address")
	}
	return nil
}

// ToBackbone converts to the backbone config.
func (c *Config) ToBackbone() backbone.Config {
	return backbone.Config{
		ImgSize:     c.Backbone.ImgSize,
		PatchSize:   c.Backbone.PatchSize,
		Chans:       c.Backbone.Chans,
		Depth:       c.Backbone.Depth,
		EmbedChans:  c.Backbone.EmbedChans,
		HiddenDim:   c.Backbone.HiddenDim,
		MaskOutputs: c.Backbone.MaskOutputs,
		Seed:        c.Backbone.Seed,
	}
}

// ToAdapter converts to the adapter config.
func (c *Config) ToAdapter() adapter.Config {
	return adapter.Config{
		ExpertNum:     c.Adapter.ExpertNum,
		BottleneckDim: c.Adapter.BottleneckDim,
		EmbeddingDim:  c.Adapter.EmbeddingDim,
		Dropout:       c.Adapter.Dropout,
		Scale:         c.Adapter.Scale,
		LearnedScale:  c.Adapter.LearnedScale,
	}
}

// ToTrain converts to the training config.
func (c *Config) ToTrain() train.Config {
	return train.Config{
		Epochs:         c.Train.Epochs,
		BatchSize:      c.Train.BatchSize,
		LearningRate:   c.Train.LearningRate,
		WeightDecay:    c.Train.WeightDecay,
		WarmupSteps:    c.Train.WarmupSteps,
		ValidationFreq: c.Train.ValidationFreq,
		LogFreq:        c.Train.LogFreq,
		CheckpointPath: c.Train.CheckpointPath,
		Seed:           c.Train.Seed,
		BoxJitter:      c.Train.BoxJitter,
	}
}
