// Package taxonomy maps task names onto the four-level entity taxonomy that
// conditions the adapter gates: imaging modality, three nested organ levels,
// and a flat task index. Raw category ids are deliberately sparse (gapped);
// the dense index built at model construction maps them onto compact
// embedding rows.
package taxonomy

// modalRawID assigns each imaging modality its raw category id. The gaps are
// real: ids retired from earlier dataset revisions are never reused.
var modalRawID = map[string]int{
	"CT":             1,
	"MR":             2,
	"PET":            3,
	"US":             5,
	"XRay":           6,
	"Endoscopy":      8,
	"Dermoscopy":     9,
	"Fundus":         10,
	"Histopathology": 12,
}

// modalCanonical maps raw modality ids onto compact embedding rows.
// Row 0 stays reserved for "none".
var modalCanonical = map[int]int{
	1: 1, 2: 2, 3: 3, 5: 4, 6: 5, 8: 6, 9: 7, 10: 8, 12: 9,
}

// Organ names are normalized task remainders: underscores removed, trailing
// digits stripped (see NormalizeOrgan).

// organLevel1Groups partitions organs by body region.
var organLevel1Groups = map[string][]string{
	"HeadNeck": {"Brain", "BrainTumor", "BrainVentricle", "OpticCup", "OpticDisc", "Thyroid", "ThyroidNodule"},
	"Thorax":   {"Lung", "LungCancer", "LungInfection", "Heart", "LeftAtrium", "Breast", "BreastTumor"},
	"Abdomen": {"Liver", "LiverTumor", "Gallbladder", "Stomach", "Colon", "ColonPolyp",
		"Pancreas", "PancreasTumor", "Kidney", "KidneyTumor", "KidneyCyst", "Spleen"},
	"Pelvis": {"Bladder", "Prostate"},
	"Tissue": {"SkinLesion", "Gland", "Nuclei"},
}

var organLevel1RawID = map[string]int{
	"HeadNeck": 1,
	"Thorax":   3,
	"Abdomen":  4,
	"Pelvis":   6,
	"Tissue":   8,
}

var organLevel1Canonical = map[int]int{
	1: 1, 3: 2, 4: 3, 6: 4, 8: 5,
}

// organLevel2Groups partitions organs by organ system.
var organLevel2Groups = map[string][]string{
	"Neuro":         {"Brain", "BrainTumor", "BrainVentricle"},
	"Ocular":        {"OpticCup", "OpticDisc"},
	"Endocrine":     {"Thyroid", "ThyroidNodule"},
	"Respiratory":   {"Lung", "LungCancer", "LungInfection"},
	"Cardiac":       {"Heart", "LeftAtrium"},
	"Mammary":       {"Breast", "BreastTumor"},
	"Hepatobiliary": {"Liver", "LiverTumor", "Gallbladder"},
	"Digestive":     {"Stomach", "Colon", "ColonPolyp", "Pancreas", "PancreasTumor"},
	"Urinary":       {"Kidney", "KidneyTumor", "KidneyCyst", "Bladder"},
	"Lymphatic":     {"Spleen"},
	"Reproductive":  {"Prostate"},
	"Dermal":        {"SkinLesion"},
	"Cellular":      {"Gland", "Nuclei"},
}

var organLevel2RawID = map[string]int{
	"Neuro":         1,
	"Ocular":        2,
	"Endocrine":     4,
	"Respiratory":   5,
	"Cardiac":       6,
	"Mammary":       8,
	"Hepatobiliary": 9,
	"Digestive":     10,
	"Urinary":       12,
	"Lymphatic":     13,
	"Reproductive":  15,
	"Dermal":        16,
	"Cellular":      18,
}

var organLevel2Canonical = map[int]int{
	1: 1, 2: 2, 4: 3, 5: 4, 6: 5, 8: 6, 9: 7,
	10: 8, 12: 9, 13: 10, 15: 11, 16: 12, 18: 13,
}

// organLevel3Groups partitions segmentation targets by concrete organ.
var organLevel3Groups = map[string][]string{
	"Brain":       {"Brain", "BrainTumor", "BrainVentricle"},
	"Eye":         {"OpticCup", "OpticDisc"},
	"Thyroid":     {"Thyroid", "ThyroidNodule"},
	"Lung":        {"Lung", "LungCancer", "LungInfection"},
	"Heart":       {"Heart", "LeftAtrium"},
	"Breast":      {"Breast", "BreastTumor"},
	"Liver":       {"Liver", "LiverTumor"},
	"Gallbladder": {"Gallbladder"},
	"Stomach":     {"Stomach"},
	"Colon":       {"Colon", "ColonPolyp"},
	"Pancreas":    {"Pancreas", "PancreasTumor"},
	"Kidney":      {"Kidney", "KidneyTumor", "KidneyCyst"},
	"Bladder":     {"Bladder"},
	"Spleen":      {"Spleen"},
	"Prostate":    {"Prostate"},
	"Skin":        {"SkinLesion"},
	"Gland":       {"Gland"},
	"Nuclei":      {"Nuclei"},
}

var organLevel3RawID = map[string]int{
	"Brain":       1,
	"Eye":         2,
	"Thyroid":     3,
	"Lung":        5,
	"Heart":       6,
	"Breast":      7,
	"Liver":       9,
	"Gallbladder": 10,
	"Stomach":     11,
	"Colon":       12,
	"Pancreas":    14,
	"Kidney":      15,
	"Bladder":     16,
	"Spleen":      17,
	"Prostate":    19,
	"Skin":        20,
	"Gland":       21,
	"Nuclei":      23,
}

var organLevel3Canonical = map[int]int{
	1: 1, 2: 2, 3: 3, 5: 4, 6: 5, 7: 6, 9: 7, 10: 8, 11: 9,
	12: 10, 14: 11, 15: 12, 16: 13, 17: 14, 19: 15, 20: 16, 21: 17, 23: 18,
}

// taskList is the flat level-4 index. Order is load-bearing: task ids are
// positions in this slice and persist into checkpoints.
var taskList = []string{
	"Brain", "BrainTumor", "BrainVentricle",
	"OpticCup", "OpticDisc",
	"Thyroid", "ThyroidNodule",
	"Lung", "LungCancer", "LungInfection",
	"Heart", "LeftAtrium",
	"Breast", "BreastTumor",
	"Liver", "LiverTumor",
	"Gallbladder", "Stomach",
	"Colon", "ColonPolyp",
	"Pancreas", "PancreasTumor",
	"Kidney", "KidneyTumor",
	"Bladder", "Spleen", "Prostate",
	"SkinLesion", "Gland", "Nuclei",
}

var taskIndex = func() map[string]int {
	m := make(map[string]int, len(taskList))
	for i, name := range taskList {
		m[name] = i
	}
	return m
}()

// ModalCanonical returns the raw-to-canonical modality mapping.
func ModalCanonical() map[int]int { return modalCanonical }

// OrganCanonical returns the raw-to-canonical mapping for organ level 1, 2
// or 3.
func OrganCanonical(level int) map[int]int {
	switch level {
	case 1:
		return organLevel1Canonical
	case 2:
		return organLevel2Canonical
	case 3:
		return organLevel3Canonical
	}
	return nil
}

// NumModalCategories returns the modality embedding row count (canonical ids
// plus the reserved "none" row).
func NumModalCategories() int { return maxValue(modalCanonical) + 1 }

// NumOrganCategories returns the embedding row count for an organ level.
func NumOrganCategories(level int) int { return maxValue(OrganCanonical(level)) + 1 }

// NumTasks returns the number of known tasks, excluding the sentinel row.
func NumTasks() int { return len(taskList) }

// SentinelTaskID is the open-world fallback row for tasks unseen at training
// time. It is the one place in the taxonomy where silent defaulting is
// allowed.
func SentinelTaskID() int { return len(taskList) }

// TaskNames returns the known task names in id order.
func TaskNames() []string { return append([]string(nil), taskList...) }

func maxValue(m map[int]int) int {
	max := 0
	for _, v := range m {
		if v > max {
			max = v
		}
	}
	return max
}
