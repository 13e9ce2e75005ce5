package taxonomy

import "testing"

func TestNormalizeOrgan(t *testing.T) {
	cases := map[string]string{
		"Liver_Tumor_01": "LiverTumor",
		"LiverTumor3":    "LiverTumor",
		"Brain":          "Brain",
		"Optic_Cup":      "OpticCup",
	}
	for in, want := range cases {
		if got := NormalizeOrgan(in); got != want {
			t.Errorf("NormalizeOrgan(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTaskName(t *testing.T) {
	modal, organ, err := ParseTaskName("CT_Liver_Tumor_01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if modal != "CT" {
		t.Errorf("modal = %q, want CT", modal)
	}
	if organ != "LiverTumor" {
		t.Errorf("organ = %q, want LiverTumor", organ)
	}

	if _, _, err := ParseTaskName("NoUnderscore"); err == nil {
		t.Fatal("expected error for malformed task name")
	}
}

func TestResolve(t *testing.T) {
	r := Resolver{}

	t.Run("known task", func(t *testing.T) {
		label, err := r.Resolve("CT_Liver_Tumor_01")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if label.Modal != modalRawID["CT"] {
			t.Errorf("modal = %d, want %d", label.Modal, modalRawID["CT"])
		}
		if label.Organ1 != organLevel1RawID["Abdomen"] {
			t.Errorf("organ1 = %d, want %d", label.Organ1, organLevel1RawID["Abdomen"])
		}
		if label.Organ2 != organLevel2RawID["Hepatobiliary"] {
			t.Errorf("organ2 = %d, want %d", label.Organ2, organLevel2RawID["Hepatobiliary"])
		}
		if label.Organ3 != organLevel3RawID["Liver"] {
			t.Errorf("organ3 = %d, want %d", label.Organ3, organLevel3RawID["Liver"])
		}
		if label.Task != taskIndex["LiverTumor"] {
			t.Errorf("task = %d, want %d", label.Task, taskIndex["LiverTumor"])
		}
	})

	t.Run("unknown modality fails", func(t *testing.T) {
		if _, err := r.Resolve("SPECT_Liver"); err == nil {
			t.Fatal("expected error for unknown modality")
		}
	})

	t.Run("unknown organ fails hard", func(t *testing.T) {
		if _, err := r.Resolve("CT_Unicorn"); err == nil {
			t.Fatal("expected error for unknown organ")
		}
		open := Resolver{OpenWorldTask: true}
		if _, err := open.Resolve("CT_Unicorn"); err == nil {
			t.Fatal("open-world mode must still reject unknown organs")
		}
	})

	t.Run("open-world task falls back to sentinel", func(t *testing.T) {
		// KidneyCyst classifies at all three organ levels but is not in the
		// training task list.
		if _, err := r.Resolve("CT_Kidney_Cyst"); err == nil {
			t.Fatal("strict resolver must reject out-of-taxonomy tasks")
		}
		open := Resolver{OpenWorldTask: true}
		label, err := open.Resolve("CT_Kidney_Cyst")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if label.Task != SentinelTaskID() {
			t.Errorf("task = %d, want sentinel %d", label.Task, SentinelTaskID())
		}
		if label.Organ3 != organLevel3RawID["Kidney"] {
			t.Errorf("organ3 = %d, want %d", label.Organ3, organLevel3RawID["Kidney"])
		}
	})

	t.Run("every task name resolves", func(t *testing.T) {
		for _, name := range TaskNames() {
			if _, err := r.Resolve("CT_" + name); err != nil {
				t.Errorf("task %q failed to resolve: %v", name, err)
			}
		}
	})
}
