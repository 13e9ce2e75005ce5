package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Partition classifies a parameter by its role in the adapted model. The
// classification is purely name-based so it survives serialization and stays
// stable across model rebuilds.
type Partition int

const (
	PartitionFrozen Partition = iota
	PartitionAdapter
	PartitionTaxonomy
	PartitionTaskHead
)

func (p Partition) String() string {
	switch p {
	case PartitionAdapter:
		return "adapter"
	case PartitionTaxonomy:
		return "taxonomy"
	case PartitionTaskHead:
		return "task_head"
	default:
		return "frozen"
	}
}

// PartitionOf maps a parameter name to its partition. Adapter markers win
// over everything else; the embedding tables and the mask decoder form their
// own partitions; anything unrecognized is frozen backbone weight.
func PartitionOf(name string) Partition {
	switch {
	case strings.Contains(name, "adapter"):
		return PartitionAdapter
	case strings.Contains(name, "modal_embed"), strings.Contains(name, "organ_embed"):
		return PartitionTaxonomy
	case strings.HasPrefix(name, "mask_decoder"):
		return PartitionTaskHead
	default:
		return PartitionFrozen
	}
}

// SavedParam is one serialized parameter tensor.
type SavedParam struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// SaveParameters snapshots every non-frozen parameter by name. Frozen
// backbone weights are reproducible from the backbone itself and never
// persisted.
func (m *MedSegX) SaveParameters() map[string]SavedParam {
	out := make(map[string]SavedParam)
	for _, p := range m.Params() {
		if PartitionOf(p.Name) == PartitionFrozen {
			continue
		}
		out[p.Name] = SavedParam{
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		}
	}
	return out
}

// LoadParameters applies a snapshot to the live model. Only the
// intersection of snapshot keys and live parameter names is applied; extra
// snapshot entries and missing live parameters are skipped silently, which
// lets a checkpoint trained with more adapter positions partially restore a
// smaller model. A shape mismatch on a matched name is a hard error.
func (m *MedSegX) LoadParameters(saved map[string]SavedParam) (applied int, err error) {
	for _, p := range m.Params() {
		sp, ok := saved[p.Name]
		if !ok {
			continue
		}
		if len(sp.Data) != len(p.Data) {
			return applied, fmt.Errorf("parameter %s: checkpoint has %d values, model expects %d",
				p.Name, len(sp.Data), len(p.Data))
		}
		copy(p.Data, sp.Data)
		applied++
	}
	return applied, nil
}

// Checkpoint is the on-disk training snapshot: run identity, progress and
// the non-frozen parameters.
type Checkpoint struct {
	RunID   string                `json:"run_id"`
	Epoch   int                   `json:"epoch"`
	Metric  float64               `json:"metric"`
	SavedAt int64                 `json:"saved_at"`
	Params  map[string]SavedParam `json:"params"`
}

// NewCheckpoint snapshots the model under a fresh run id.
func NewCheckpoint(m *MedSegX, epoch int, metric float64) *Checkpoint {
	return &Checkpoint{
		RunID:   uuid.NewString(),
		Epoch:   epoch,
		Metric:  metric,
		SavedAt: time.Now().Unix(),
		Params:  m.SaveParameters(),
	}
}

// Store reads and writes checkpoints at a fixed path.
type Store struct {
	path string
}

// NewStore returns a store for the given checkpoint file path.
func NewStore(path string) *Store { return &Store{path: path} }

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Save writes the checkpoint atomically via a temp file rename.
func (s *Store) Save(ck *Checkpoint) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// Load reads and parses the checkpoint file.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &ck, nil
}
