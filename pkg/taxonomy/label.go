package taxonomy

import (
	"fmt"
	"strings"
	"unicode"
)

// Label is the immutable taxonomy tuple attached to every sample. Modal and
// the three organ levels carry raw category ids (the model's dense index
// maps them to embedding rows); Task is already a direct row index into the
// task embedding table.
type Label struct {
	Modal  int
	Organ1 int
	Organ2 int
	Organ3 int
	Task   int
}

// Resolver derives labels from task name strings. With OpenWorldTask set,
// tasks unseen at training time map to the sentinel row instead of failing;
// organ levels 1-3 always fail hard on unknown names, since a mis-mapped
// anatomical category is a correctness hazard.
type Resolver struct {
	OpenWorldTask bool
}

// ParseTaskName splits a task name of the form "<MODAL>_<Organ...>" into its
// modality prefix and normalized organ name.
func ParseTaskName(name string) (modal, organ string, err error) {
	i := strings.Index(name, "_")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("task name %q is not of the form MODAL_Organ", name)
	}
	return name[:i], NormalizeOrgan(name[i+1:]), nil
}

// NormalizeOrgan maps a raw organ suffix onto its canonical spelling:
// underscores removed, trailing digits stripped. "Liver_Tumor_01" and
// "LiverTumor3" both normalize to "LiverTumor".
func NormalizeOrgan(organ string) string {
	organ = strings.ReplaceAll(organ, "_", "")
	return strings.TrimRightFunc(organ, unicode.IsDigit)
}

// Resolve derives the full label tuple for a task name.
func (r Resolver) Resolve(taskName string) (Label, error) {
	modalName, organ, err := ParseTaskName(taskName)
	if err != nil {
		return Label{}, err
	}

	modal, ok := modalRawID[modalName]
	if !ok {
		return Label{}, fmt.Errorf("unknown modality %q in task %q", modalName, taskName)
	}

	organ1, err := classify(organ, organLevel1Groups, organLevel1RawID, 1)
	if err != nil {
		return Label{}, err
	}
	organ2, err := classify(organ, organLevel2Groups, organLevel2RawID, 2)
	if err != nil {
		return Label{}, err
	}
	organ3, err := classify(organ, organLevel3Groups, organLevel3RawID, 3)
	if err != nil {
		return Label{}, err
	}

	task, ok := taskIndex[organ]
	if !ok {
		if !r.OpenWorldTask {
			return Label{}, fmt.Errorf("unknown task %q (organ %q) and open-world fallback disabled", taskName, organ)
		}
		task = SentinelTaskID()
	}

	return Label{
		Modal:  modal,
		Organ1: organ1,
		Organ2: organ2,
		Organ3: organ3,
		Task:   task,
	}, nil
}

func classify(organ string, groups map[string][]string, rawIDs map[string]int, level int) (int, error) {
	for category, members := range groups {
		for _, m := range members {
			if m == organ {
				return rawIDs[category], nil
			}
		}
	}
	return 0, fmt.Errorf("organ %q has no level-%d category", organ, level)
}
