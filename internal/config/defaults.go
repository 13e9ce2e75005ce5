package config

// ApplyDefaults fills unset fields with the demo-scale defaults. The zero
// checks keep explicit config values untouched.
func ApplyDefaults(c *Config) {
	if c.Backbone.ImgSize == 0 {
		c.Backbone.ImgSize = 64
	}
	if c.Backbone.PatchSize == 0 {
		c.Backbone.PatchSize = 8
	}
	if c.Backbone.Chans == 0 {
		c.Backbone.Chans = 32
	}
	if c.Backbone.Depth == 0 {
		c.Backbone.Depth = 4
	}
	if c.Backbone.EmbedChans == 0 {
		c.Backbone.EmbedChans = 32
	}
	if c.Backbone.HiddenDim == 0 {
		c.Backbone.HiddenDim = 64
	}
	if c.Backbone.MaskOutputs == 0 {
		c.Backbone.MaskOutputs = 3
	}
	if c.Backbone.Seed == 0 {
		c.Backbone.Seed = 1337
	}

	if c.Adapter.ExpertNum == 0 {
		c.Adapter.ExpertNum = 4
	}
	if c.Adapter.BottleneckDim == 0 {
		c.Adapter.BottleneckDim = 8
	}
	if c.Adapter.EmbeddingDim == 0 {
		c.Adapter.EmbeddingDim = 16
	}
	if c.Adapter.Scale == 0 {
		c.Adapter.Scale = 0.5
	}
	if c.Adapter.Seed == 0 {
		c.Adapter.Seed = 42
	}

	if c.Train.Epochs == 0 {
		c.Train.Epochs = 10
	}
	if c.Train.BatchSize == 0 {
		c.Train.BatchSize = 4
	}
	if c.Train.LearningRate == 0 {
		c.Train.LearningRate = 1e-3
	}
	if c.Train.WeightDecay == 0 {
		c.Train.WeightDecay = 1e-4
	}
	if c.Train.WarmupSteps == 0 {
		c.Train.WarmupSteps = 50
	}
	if c.Train.ValidationFreq == 0 {
		c.Train.ValidationFreq = 1
	}
	if c.Train.LogFreq == 0 {
		c.Train.LogFreq = 10
	}
	if c.Train.CheckpointPath == "" {
		c.Train.CheckpointPath = "medsegx.checkpoint.json"
	}
	if c.Train.Seed == 0 {
		c.Train.Seed = 7
	}
	if len(c.Train.FinetunePercents) == 0 {
		c.Train.FinetunePercents = []float64{1, 5, 10, 25, 50, 100}
	}

	if c.Data.TrainSamples == 0 {
		c.Data.TrainSamples = 64
	}
	if c.Data.ValSamples == 0 {
		c.Data.ValSamples = 16
	}
	if len(c.Data.Tasks) == 0 {
		c.Data.Tasks = []string{
			"CT_Liver_01", "CT_Kidney_01", "MR_Brain_Tumor_01",
			"US_Thyroid_Nodule_01", "XRay_Lung_01",
		}
	}
	if c.Data.Seed == 0 {
		c.Data.Seed = 11
	}
	if c.Data.ReportPath == "" {
		c.Data.ReportPath = "medsegx.report.json"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
