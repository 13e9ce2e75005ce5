package taxonomy

import (
	"fmt"
	"sort"
)

// BuildIndex converts a sparse raw-id to canonical-id mapping into a dense
// lookup table covering every integer from 0 to the maximum raw key. Keys
// absent from the mapping resolve to 0, the "none" category. The result
// depends only on the key/value set, never on map iteration order.
func BuildIndex(mapping map[int]int) ([]int, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("cannot build index from empty mapping")
	}
	keys := make([]int, 0, len(mapping))
	for k := range mapping {
		if k < 0 {
			return nil, fmt.Errorf("negative raw id %d in mapping", k)
		}
		keys = append(keys, k)
	}
	sort.Ints(keys)
	maxKey := keys[len(keys)-1]

	idx := make([]int, maxKey+1)
	for _, k := range keys {
		idx[k] = mapping[k]
	}
	return idx, nil
}
