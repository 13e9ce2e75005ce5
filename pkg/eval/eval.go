// Package eval runs the generalization evaluation protocol: scoring a model
// over a sample set, aggregating DSC/NSD/HD95 per task and per site, and
// writing the run report.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"medsegx/pkg/model"
	"medsegx/pkg/seg"
	"medsegx/pkg/train"
)

// GroupResult aggregates the metrics of one task or site group.
type GroupResult struct {
	Name     string  `json:"name"`
	Samples  int     `json:"samples"`
	DSCMean  float64 `json:"dsc_mean"`
	DSCStd   float64 `json:"dsc_std"`
	NSDMean  float64 `json:"nsd_mean"`
	NSDStd   float64 `json:"nsd_std"`
	HD95Mean float64 `json:"hd95_mean"`
	HD95Std  float64 `json:"hd95_std"`
}

// Report is the evaluation run output. Protocol names the split the caller
// evaluated: "internal" for seen sites/tasks, "external" for held-out ones.
type Report struct {
	RunID     string        `json:"run_id"`
	Protocol  string        `json:"protocol"`
	CreatedAt int64         `json:"created_at"`
	Samples   int           `json:"samples"`
	Overall   GroupResult   `json:"overall"`
	ByTask    []GroupResult `json:"by_task"`
	BySite    []GroupResult `json:"by_site"`
}

// Run scores every sample with exact boxes and dropout disabled. Metrics
// come from the DSC-selected candidate per sample.
func Run(m *model.MedSegX, samples []train.Sample, batchSize int, protocol string, logger *zap.Logger) (*Report, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty evaluation set")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m.SetTraining(false)
	imgSize := m.Backbone.Config.ImgSize

	type scored struct {
		m    seg.Metrics
		task string
		site string
	}
	results := make([]scored, 0, len(samples))

	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		batch := samples[start:end]

		img, box, mask, labels, err := train.Collate(batch, imgSize, nil)
		if err != nil {
			return nil, fmt.Errorf("collate: %w", err)
		}
		logits, err := m.Forward(img, box, labels)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		scores, _, err := seg.EvalBatch(logits, mask)
		if err != nil {
			return nil, fmt.Errorf("score: %w", err)
		}
		for i, s := range scores {
			results = append(results, scored{m: s, task: batch[i].TaskName, site: batch[i].Site})
		}
	}

	byTask := make(map[string][]seg.Metrics)
	bySite := make(map[string][]seg.Metrics)
	all := make([]seg.Metrics, len(results))
	for i, r := range results {
		all[i] = r.m
		byTask[r.task] = append(byTask[r.task], r.m)
		bySite[r.site] = append(bySite[r.site], r.m)
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Protocol:  protocol,
		CreatedAt: time.Now().Unix(),
		Samples:   len(results),
		Overall:   aggregate("overall", all),
		ByTask:    aggregateGroups(byTask),
		BySite:    aggregateGroups(bySite),
	}
	logger.Info("evaluation finished",
		zap.String("run_id", report.RunID),
		zap.String("protocol", protocol),
		zap.Int("samples", report.Samples),
		zap.Float64("mean_dsc", report.Overall.DSCMean),
	)
	return report, nil
}

func aggregate(name string, ms []seg.Metrics) GroupResult {
	dsc := make([]float64, len(ms))
	nsd := make([]float64, len(ms))
	hd := make([]float64, len(ms))
	for i, m := range ms {
		dsc[i], nsd[i], hd[i] = m.DSC, m.NSD, m.HD95
	}
	g := GroupResult{Name: name, Samples: len(ms)}
	g.DSCMean, g.DSCStd = stat.MeanStdDev(dsc, nil)
	g.NSDMean, g.NSDStd = stat.MeanStdDev(nsd, nil)
	g.HD95Mean, g.HD95Std = stat.MeanStdDev(hd, nil)
	if len(ms) < 2 {
		g.DSCStd, g.NSDStd, g.HD95Std = 0, 0, 0
	}
	return g
}

func aggregateGroups(groups map[string][]seg.Metrics) []GroupResult {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]GroupResult, len(names))
	for i, name := range names {
		out[i] = aggregate(name, groups[name])
	}
	return out
}

// SplitSites partitions samples into internal and external sets by held-out
// site names.
func SplitSites(samples []train.Sample, holdout map[string]bool) (internal, external []train.Sample) {
	for _, s := range samples {
		if holdout[s.Site] {
			external = append(external, s)
		} else {
			internal = append(internal, s)
		}
	}
	return internal, external
}

// SplitTasks partitions samples by held-out task names.
func SplitTasks(samples []train.Sample, holdout map[string]bool) (internal, external []train.Sample) {
	for _, s := range samples {
		if holdout[s.TaskName] {
			external = append(external, s)
		} else {
			internal = append(internal, s)
		}
	}
	return internal, external
}

// Write saves the report as JSON via a temp file rename.
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}
