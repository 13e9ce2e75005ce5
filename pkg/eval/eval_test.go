package eval

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"medsegx/pkg/adapter"
	"medsegx/pkg/backbone"
	"medsegx/pkg/model"
	"medsegx/pkg/train"
)

func tinyModel(t *testing.T) *model.MedSegX {
	t.Helper()
	bb, err := backbone.New(backbone.Config{
		ImgSize:     16,
		PatchSize:   4,
		Chans:       8,
		Depth:       2,
		EmbedChans:  8,
		HiddenDim:   16,
		MaskOutputs: 2,
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	m, err := model.New(bb, adapter.Config{
		ExpertNum:     2,
		BottleneckDim: 4,
		EmbeddingDim:  8,
		Scale:         0.5,
	}, nil, 2)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

func TestRunAggregatesGroups(t *testing.T) {
	m := tinyModel(t)
	samples, err := train.Synthetic(9, 16, []string{"CT_Liver_01", "MR_Brain_Tumor_01"}, 7)
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}

	report, err := Run(m, samples, 4, "internal", zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.RunID == "" {
		t.Error("report has no run id")
	}
	if report.Samples != 9 {
		t.Errorf("report covers %d samples, want 9", report.Samples)
	}
	if report.Overall.DSCMean < 0 || report.Overall.DSCMean > 1 {
		t.Errorf("overall DSC mean %g out of [0,1]", report.Overall.DSCMean)
	}

	taskCount, siteCount := 0, 0
	for _, g := range report.ByTask {
		taskCount += g.Samples
	}
	for _, g := range report.BySite {
		siteCount += g.Samples
	}
	if taskCount != 9 || siteCount != 9 {
		t.Errorf("group sample counts %d/%d, want 9/9", taskCount, siteCount)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	m := tinyModel(t)
	if _, err := Run(m, nil, 4, "internal", nil); err == nil {
		t.Error("expected error for empty sample set")
	}
	samples, _ := train.Synthetic(2, 16, []string{"CT_Liver_01"}, 7)
	if _, err := Run(m, samples, 0, "internal", nil); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestSplits(t *testing.T) {
	samples := []train.Sample{
		{TaskName: "CT_Liver_01", Site: "site_0"},
		{TaskName: "CT_Liver_01", Site: "site_1"},
		{TaskName: "MR_Brain_01", Site: "site_0"},
	}
	in, ext := SplitSites(samples, map[string]bool{"site_1": true})
	if len(in) != 2 || len(ext) != 1 {
		t.Errorf("site split %d/%d, want 2/1", len(in), len(ext))
	}
	in, ext = SplitTasks(samples, map[string]bool{"MR_Brain_01": true})
	if len(in) != 2 || len(ext) != 1 {
		t.Errorf("task split %d/%d, want 2/1", len(in), len(ext))
	}
}

func TestReportWrite(t *testing.T) {
	r := &Report{RunID: "test", Protocol: "external", Samples: 1}
	path := filepath.Join(t.TempDir(), "report.json")
	if err := r.Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("report file is empty")
	}
}
