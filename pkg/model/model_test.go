package model

import (
	"math/rand"
	"path/filepath"
	"testing"

	"medsegx/pkg/adapter"
	"medsegx/pkg/backbone"
	"medsegx/pkg/taxonomy"
	"medsegx/pkg/tensor"
)

func testConfig() adapter.Config {
	return adapter.Config{
		ExpertNum:     4,
		BottleneckDim: 8,
		EmbeddingDim:  16,
		Dropout:       0.1,
		Scale:         0.5,
	}
}

func testLabels(t *testing.T, n int) []taxonomy.Label {
	t.Helper()
	names := []string{"CT_Liver_01", "MR_Brain_Tumor_02", "US_Thyroid_Nodule_01"}
	labels := make([]taxonomy.Label, n)
	for i := range labels {
		l, err := taxonomy.Resolver{}.Resolve(names[i%len(names)])
		if err != nil {
			t.Fatalf("resolve %s: %v", names[i%len(names)], err)
		}
		labels[i] = l
	}
	return labels
}

func testBatch(t *testing.T, cfg backbone.Config, n int) (img, box *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	img = tensor.New(n, 3, cfg.ImgSize, cfg.ImgSize)
	for i := range img.Data {
		img.Data[i] = rng.Float32() * 255
	}
	box = tensor.New(n, 1, 4)
	for bi := 0; bi < n; bi++ {
		box.Data[bi*4+0] = 8
		box.Data[bi*4+1] = 8
		box.Data[bi*4+2] = float32(cfg.ImgSize - 8)
		box.Data[bi*4+3] = float32(cfg.ImgSize - 8)
	}
	return img, box
}

func newTestModel(t *testing.T) *MedSegX {
	t.Helper()
	bb, err := backbone.New(backbone.DefaultConfig())
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	m, err := New(bb, testConfig(), nil, 42)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

func TestPartitionOf(t *testing.T) {
	cases := []struct {
		name string
		want Partition
	}{
		{"image_encoder.blocks.0.adapter_gate.weight", PartitionAdapter},
		{"image_encoder.blocks.3.adapter_up.2.weight", PartitionAdapter},
		{"image_encoder.blocks.1.adapter_scale", PartitionAdapter},
		{"image_encoder.modal_embed.weight", PartitionTaxonomy},
		{"image_encoder.organ_embed.4.weight", PartitionTaxonomy},
		{"mask_decoder.heads.1.bias", PartitionTaskHead},
		{"image_encoder.blocks.0.mlp.lin1.weight", PartitionFrozen},
		{"image_encoder.patch_embed.weight", PartitionFrozen},
		{"prompt_encoder.box_embed.weight", PartitionFrozen},
	}
	for _, c := range cases {
		if got := PartitionOf(c.name); got != c.want {
			t.Errorf("PartitionOf(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPartitionMatchesTrainableFlags(t *testing.T) {
	m := newTestModel(t)
	names := make(map[string]bool)
	for _, p := range m.Params() {
		if names[p.Name] {
			t.Errorf("duplicate parameter name %s", p.Name)
		}
		names[p.Name] = true

		frozen := PartitionOf(p.Name) == PartitionFrozen
		if frozen == p.Trainable {
			t.Errorf("param %s: partition %v but trainable=%v",
				p.Name, PartitionOf(p.Name), p.Trainable)
		}
	}
}

func TestForwardShapeAndZeroResidualAtInit(t *testing.T) {
	cfg := backbone.DefaultConfig()
	plain, err := backbone.New(cfg)
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	adaptedBB, err := backbone.New(cfg)
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	m, err := New(adaptedBB, testConfig(), nil, 42)
	if err != nil {
		t.Fatalf("model: %v", err)
	}

	img, box := testBatch(t, cfg, 2)
	labels := testLabels(t, 2)

	masks, err := m.Forward(img, box, labels)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := []int{2, cfg.MaskOutputs, cfg.ImgSize, cfg.ImgSize}
	for i, d := range want {
		if masks.Shape[i] != d {
			t.Fatalf("mask shape %v, want %v", masks.Shape, want)
		}
	}

	// At init every embedding table and adapter up projection is zero, so
	// the adapted model must reproduce the plain backbone bit for bit.
	x, err := plain.Preprocess(img)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	emb, err := plain.ImageEncoder.Forward(x)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sparse, dense, err := plain.PromptEncoder.Forward(box, plain.ImageEncoder.GridSize())
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	ref, err := plain.MaskDecoder.Forward(emb, sparse, dense)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range ref.Data {
		if masks.Data[i] != ref.Data[i] {
			t.Fatalf("adapted output diverges from frozen backbone at %d: %v vs %v",
				i, masks.Data[i], ref.Data[i])
		}
	}
}

func TestForwardBatchMismatch(t *testing.T) {
	m := newTestModel(t)
	img, box := testBatch(t, m.Backbone.Config, 2)
	if _, err := m.Forward(img, box, testLabels(t, 3)); err == nil {
		t.Fatal("expected error for label count mismatch")
	}
}

func TestBackwardReachesTrainablePartitions(t *testing.T) {
	m := newTestModel(t)
	img, box := testBatch(t, m.Backbone.Config, 2)
	labels := testLabels(t, 2)

	masks, err := m.Forward(img, box, labels)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	grad := tensor.New(masks.Shape...)
	for i := range grad.Data {
		grad.Data[i] = 0.01
	}
	if err := m.Backward(grad); err != nil {
		t.Fatalf("backward: %v", err)
	}

	var adapterGrad, headGrad bool
	for _, p := range m.TrainableParams() {
		for _, g := range p.Grad {
			if g != 0 {
				switch PartitionOf(p.Name) {
				case PartitionAdapter:
					adapterGrad = true
				case PartitionTaskHead:
					headGrad = true
				}
				break
			}
		}
	}
	if !headGrad {
		t.Error("no gradient reached the mask decoder")
	}
	if !adapterGrad {
		t.Error("no gradient reached the adapter parameters")
	}
}

func TestSelectiveSaveLoadRoundTrip(t *testing.T) {
	src := newTestModel(t)

	// Perturb every non-frozen parameter so the snapshot is distinguishable
	// from init.
	rng := rand.New(rand.NewSource(99))
	for _, p := range src.TrainableParams() {
		for i := range p.Data {
			p.Data[i] = rng.Float32() - 0.5
		}
	}
	saved := src.SaveParameters()
	for name := range saved {
		if PartitionOf(name) == PartitionFrozen {
			t.Fatalf("frozen parameter %s leaked into snapshot", name)
		}
	}

	dst := newTestModel(t)
	// Out-of-band change to a frozen weight: loading must not revert it.
	var frozen *float32
	for _, p := range dst.Params() {
		if PartitionOf(p.Name) == PartitionFrozen {
			p.Data[0] = 123.5
			frozen = &p.Data[0]
			break
		}
	}

	applied, err := dst.LoadParameters(saved)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applied != len(saved) {
		t.Fatalf("applied %d of %d snapshot entries", applied, len(saved))
	}
	if *frozen != 123.5 {
		t.Error("load touched a frozen backbone weight")
	}

	srcByName := make(map[string][]float32)
	for _, p := range src.TrainableParams() {
		srcByName[p.Name] = p.Data
	}
	for _, p := range dst.TrainableParams() {
		want := srcByName[p.Name]
		for i := range p.Data {
			if p.Data[i] != want[i] {
				t.Fatalf("param %s not restored at %d", p.Name, i)
			}
		}
	}
}

func TestLoadParametersShapeMismatch(t *testing.T) {
	m := newTestModel(t)
	saved := m.SaveParameters()
	for name, sp := range saved {
		sp.Data = sp.Data[:len(sp.Data)-1]
		saved[name] = sp
		break
	}
	if _, err := m.LoadParameters(saved); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestLoadParametersSkipsUnknownKeys(t *testing.T) {
	m := newTestModel(t)
	saved := map[string]SavedParam{
		"image_encoder.blocks.9.adapter_gate.weight": {Shape: []int{1}, Data: []float32{1}},
	}
	applied, err := m.LoadParameters(saved)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applied != 0 {
		t.Fatalf("applied %d entries from a disjoint snapshot", applied)
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	m := newTestModel(t)
	store := NewStore(filepath.Join(t.TempDir(), "medsegx.checkpoint.json"))

	ck := NewCheckpoint(m, 3, 0.87)
	if ck.RunID == "" {
		t.Fatal("checkpoint has no run id")
	}
	if err := store.Save(ck); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != ck.RunID || loaded.Epoch != 3 || loaded.Metric != 0.87 {
		t.Fatalf("checkpoint metadata mangled: %+v", loaded)
	}
	if _, err := m.LoadParameters(loaded.Params); err != nil {
		t.Fatalf("apply loaded params: %v", err)
	}
}

func TestAdapterPositions(t *testing.T) {
	bb, err := backbone.New(backbone.DefaultConfig())
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	m, err := New(bb, testConfig(), []int{2, 0}, 42)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	got := m.AdapterPositions()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("positions %v, want [0 2]", got)
	}

	bb2, _ := backbone.New(backbone.DefaultConfig())
	if _, err := New(bb2, testConfig(), []int{0, 0}, 42); err == nil {
		t.Fatal("expected error for duplicate positions")
	}
	bb3, _ := backbone.New(backbone.DefaultConfig())
	if _, err := New(bb3, testConfig(), []int{99}, 42); err == nil {
		t.Fatal("expected error for out-of-range position")
	}
}
