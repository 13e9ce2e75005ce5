package taxonomy

import "testing"

func TestBuildIndex(t *testing.T) {
	t.Run("dense over gapped keys", func(t *testing.T) {
		idx, err := BuildIndex(map[int]int{1: 1, 3: 2, 7: 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(idx) != 8 {
			t.Fatalf("expected length 8, got %d", len(idx))
		}
		want := []int{0, 1, 0, 2, 0, 0, 0, 3}
		for i, v := range want {
			if idx[i] != v {
				t.Errorf("idx[%d] = %d, want %d", i, idx[i], v)
			}
		}
	})

	t.Run("empty mapping fails", func(t *testing.T) {
		if _, err := BuildIndex(map[int]int{}); err == nil {
			t.Fatal("expected error for empty mapping")
		}
	})

	t.Run("negative key fails", func(t *testing.T) {
		if _, err := BuildIndex(map[int]int{-1: 2}); err == nil {
			t.Fatal("expected error for negative key")
		}
	})

	t.Run("insertion order irrelevant", func(t *testing.T) {
		a, err := BuildIndex(map[int]int{5: 2, 2: 1})
		if err != nil {
			t.Fatal(err)
		}
		b, err := BuildIndex(map[int]int{2: 1, 5: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(a) != len(b) {
			t.Fatalf("length mismatch: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("index mismatch at %d: %d vs %d", i, a[i], b[i])
			}
		}
	})

	t.Run("builtin taxonomy tables are buildable", func(t *testing.T) {
		for _, m := range []map[int]int{ModalCanonical(), OrganCanonical(1), OrganCanonical(2), OrganCanonical(3)} {
			idx, err := BuildIndex(m)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for k, v := range m {
				if idx[k] != v {
					t.Errorf("idx[%d] = %d, want %d", k, idx[k], v)
				}
			}
		}
	})
}
