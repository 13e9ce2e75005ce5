// medsegx is the command-line entry point: adapter training, few-shot
// finetuning, generalization evaluation and the inference server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"medsegx/internal/config"
	"medsegx/internal/server"
	"medsegx/pkg/backbone"
	"medsegx/pkg/eval"
	"medsegx/pkg/model"
	"medsegx/pkg/train"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "medsegx",
	Short: "Hierarchical MoE adapter system for prompted medical image segmentation",
	Long: `medsegx trains and serves a mixture-of-experts adapter stack over a
frozen prompt-based segmentation backbone. The backbone stays untouched;
training moves only the adapters, the taxonomy embeddings and the mask
decoder, and checkpoints persist exactly that subset.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadFromEnv()
		}
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Development {
			zcfg = zap.NewDevelopmentConfig()
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else if level, perr := zapcore.ParseLevel(cfg.Logging.Level); perr == nil {
			zcfg.Level = zap.NewAtomicLevelAt(level)
		}
		if logger, err = zcfg.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildModel constructs a fresh adapted model from the loaded config.
func buildModel() (*model.MedSegX, error) {
	bb, err := backbone.New(cfg.ToBackbone())
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	m, err := model.New(bb, cfg.ToAdapter(), cfg.Adapter.Positions, cfg.Adapter.Seed)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return m, nil
}

func loadData() (trainSet, valSet []train.Sample, err error) {
	trainSet, err = train.Synthetic(cfg.Data.TrainSamples, cfg.Backbone.ImgSize, cfg.Data.Tasks, cfg.Data.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("train data: %w", err)
	}
	valSet, err = train.Synthetic(cfg.Data.ValSamples, cfg.Backbone.ImgSize, cfg.Data.Tasks, cfg.Data.Seed+1)
	if err != nil {
		return nil, nil, fmt.Errorf("validation data: %w", err)
	}
	return trainSet, valSet, nil
}

// restoreCheckpoint loads the configured checkpoint into m when the file
// exists; a missing file is not an error.
func restoreCheckpoint(m *model.MedSegX) error {
	if _, err := os.Stat(cfg.Train.CheckpointPath); os.IsNotExist(err) {
		return nil
	}
	ck, err := model.NewStore(cfg.Train.CheckpointPath).Load()
	if err != nil {
		return err
	}
	applied, err := m.LoadParameters(ck.Params)
	if err != nil {
		return err
	}
	logger.Info("checkpoint restored",
		zap.String("run_id", ck.RunID),
		zap.Int("epoch", ck.Epoch),
		zap.Int("params", applied),
	)
	return nil
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the adapters over the frozen backbone",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildModel()
		if err != nil {
			return err
		}
		trainSet, valSet, err := loadData()
		if err != nil {
			return err
		}
		tr, err := train.NewTrainer(m, cfg.ToTrain(), trainSet, valSet, logger)
		if err != nil {
			return err
		}
		return tr.Train()
	},
}

var finetuneCmd = &cobra.Command{
	Use:   "finetune",
	Short: "Run the few-shot finetune sweep from the saved checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		var base map[string]model.SavedParam
		store := model.NewStore(cfg.Train.CheckpointPath)
		if ck, err := store.Load(); err == nil {
			base = ck.Params
			logger.Info("sweeping from checkpoint", zap.String("run_id", ck.RunID))
		} else {
			logger.Warn("no checkpoint found, sweeping from scratch", zap.Error(err))
		}

		trainSet, valSet, err := loadData()
		if err != nil {
			return err
		}
		results, err := train.FinetuneSweep(buildModel, base, trainSet, valSet,
			cfg.Train.FinetunePercents, cfg.ToTrain(), logger)
		if err != nil {
			return err
		}
		for _, r := range results {
			logger.Info("finetune result",
				zap.Float64("percent", r.Percent),
				zap.Int("samples", r.Samples),
				zap.Float64("best_dsc", r.BestDSC),
			)
		}
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate internal and held-out generalization, writing a JSON report",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildModel()
		if err != nil {
			return err
		}
		if err := restoreCheckpoint(m); err != nil {
			return err
		}
		_, valSet, err := loadData()
		if err != nil {
			return err
		}

		holdout := make(map[string]bool, len(cfg.Data.HoldoutSites))
		for _, s := range cfg.Data.HoldoutSites {
			holdout[s] = true
		}
		internal, external := eval.SplitSites(valSet, holdout)

		report, err := eval.Run(m, internal, cfg.Train.BatchSize, "internal", logger)
		if err != nil {
			return err
		}
		if err := report.Write(cfg.Data.ReportPath); err != nil {
			return err
		}
		logger.Info("internal report written", zap.String("path", cfg.Data.ReportPath))

		if len(external) > 0 {
			extReport, err := eval.Run(m, external, cfg.Train.BatchSize, "external", logger)
			if err != nil {
				return err
			}
			extPath := cfg.Data.ReportPath + ".external"
			if err := extReport.Write(extPath); err != nil {
				return err
			}
			logger.Info("external report written", zap.String("path", extPath))
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve prompted inference over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildModel()
		if err != nil {
			return err
		}
		if err := restoreCheckpoint(m); err != nil {
			return err
		}
		srv, err := server.New(m, logger)
		if err != nil {
			return err
		}
		return srv.Run(cfg.Server.Addr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(trainCmd, finetuneCmd, evaluateCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
