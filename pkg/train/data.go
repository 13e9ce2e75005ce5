// Package train contains the data pipeline and the training loops: batching
// with box-prompt jitter, the adapter training run, and the few-shot
// finetune sweep.
package train

import (
	"fmt"
	"math/rand"

	"medsegx/pkg/taxonomy"
	"medsegx/pkg/tensor"
)

// Sample is one prompted segmentation example. Site identifies the source
// hospital/scanner for generalization grouping.
type Sample struct {
	Image    *tensor.Tensor // [3,H,W] raw intensities
	Box      [4]float32     // x0,y0,x1,y1 in pixels
	Mask     *tensor.Tensor // [H,W] binary
	TaskName string
	Label    taxonomy.Label
	Site     string
}

// DataLoader hands out batches of samples, reshuffling between epochs.
type DataLoader struct {
	Samples   []Sample
	BatchSize int
	Shuffle   bool

	currentIdx int
	rand       *rand.Rand
}

// NewDataLoader creates a loader. The seed keeps shuffling reproducible
// across runs.
func NewDataLoader(samples []Sample, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty sample set")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &DataLoader{
		Samples:   samples,
		BatchSize: batchSize,
		Shuffle:   shuffle,
		rand:      rand.New(rand.NewSource(seed)),
	}, nil
}

// NextBatch returns the next batch, or nil at the end of an epoch. The next
// call after nil starts a fresh, reshuffled epoch.
func (dl *DataLoader) NextBatch() []Sample {
	if dl.currentIdx >= len(dl.Samples) {
		if dl.Shuffle {
			dl.shuffle()
		}
		dl.currentIdx = 0
		return nil
	}
	end := dl.currentIdx + dl.BatchSize
	if end > len(dl.Samples) {
		end = len(dl.Samples)
	}
	batch := dl.Samples[dl.currentIdx:end]
	dl.currentIdx = end
	return batch
}

func (dl *DataLoader) shuffle() {
	for i := len(dl.Samples) - 1; i > 0; i-- {
		j := dl.rand.Intn(i + 1)
		dl.Samples[i], dl.Samples[j] = dl.Samples[j], dl.Samples[i]
	}
}

// BoxJitterMax is the maximum random expansion of a training box prompt in
// pixels per side.
const BoxJitterMax = 20

// PerturbBox expands a box by up to BoxJitterMax pixels per side, clamped
// to the image bounds. Training only; evaluation uses exact boxes.
func PerturbBox(box [4]float32, imgSize int, rng *rand.Rand) [4]float32 {
	out := [4]float32{
		box[0] - float32(rng.Intn(BoxJitterMax+1)),
		box[1] - float32(rng.Intn(BoxJitterMax+1)),
		box[2] + float32(rng.Intn(BoxJitterMax+1)),
		box[3] + float32(rng.Intn(BoxJitterMax+1)),
	}
	limit := float32(imgSize - 1)
	for i := range out {
		if out[i] < 0 {
			out[i] = 0
		}
		if out[i] > limit {
			out[i] = limit
		}
	}
	return out
}

// Collate assembles a batch into model-ready tensors. When rng is non-nil
// the box prompts are jittered.
func Collate(batch []Sample, imgSize int, rng *rand.Rand) (img, box, mask *tensor.Tensor, labels []taxonomy.Label, err error) {
	if len(batch) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("empty batch")
	}
	n := len(batch)
	img = tensor.New(n, 3, imgSize, imgSize)
	box = tensor.New(n, 1, 4)
	mask = tensor.New(n, imgSize, imgSize)
	labels = make([]taxonomy.Label, n)

	per := 3 * imgSize * imgSize
	for i, s := range batch {
		if s.Image.Numel() != per {
			return nil, nil, nil, nil, fmt.Errorf("sample %d: image has %d values, want %d", i, s.Image.Numel(), per)
		}
		if s.Mask.Numel() != imgSize*imgSize {
			return nil, nil, nil, nil, fmt.Errorf("sample %d: mask has %d values, want %d", i, s.Mask.Numel(), imgSize*imgSize)
		}
		copy(img.Data[i*per:(i+1)*per], s.Image.Data)
		copy(mask.Data[i*imgSize*imgSize:(i+1)*imgSize*imgSize], s.Mask.Data)

		b := s.Box
		if rng != nil {
			b = PerturbBox(b, imgSize, rng)
		}
		copy(box.Data[i*4:(i+1)*4], b[:])
		labels[i] = s.Label
	}
	return img, box, mask, labels, nil
}

// Synthetic generates a reproducible prompted-segmentation dataset: each
// sample is a noisy image with one bright rectangular lesion, its binary
// mask, a tight box and a label resolved from a real task name. Used by the
// demo CLI and the tests; real datasets plug in through the same Sample
// type.
func Synthetic(n, imgSize int, taskNames []string, seed int64) ([]Sample, error) {
	if n <= 0 || imgSize < 16 {
		return nil, fmt.Errorf("need n>0 and imgSize>=16, got n=%d imgSize=%d", n, imgSize)
	}
	if len(taskNames) == 0 {
		return nil, fmt.Errorf("no task names")
	}
	rng := rand.New(rand.NewSource(seed))
	resolver := taxonomy.Resolver{OpenWorldTask: true}

	samples := make([]Sample, n)
	for i := range samples {
		name := taskNames[rng.Intn(len(taskNames))]
		label, err := resolver.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}

		img := tensor.New(3, imgSize, imgSize)
		for j := range img.Data {
			img.Data[j] = rng.Float32() * 60
		}
		side := imgSize/4 + rng.Intn(imgSize/4)
		y0 := rng.Intn(imgSize - side)
		x0 := rng.Intn(imgSize - side)

		mask := tensor.New(imgSize, imgSize)
		for y := y0; y < y0+side; y++ {
			for x := x0; x < x0+side; x++ {
				mask.Data[y*imgSize+x] = 1
				for c := 0; c < 3; c++ {
					img.Data[(c*imgSize+y)*imgSize+x] = 180 + rng.Float32()*60
				}
			}
		}

		samples[i] = Sample{
			Image:    img,
			Box:      [4]float32{float32(x0), float32(y0), float32(x0 + side - 1), float32(y0 + side - 1)},
			Mask:     mask,
			TaskName: name,
			Label:    label,
			Site:     fmt.Sprintf("site_%d", rng.Intn(3)),
		}
	}
	return samples, nil
}
