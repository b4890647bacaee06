package approval

import "testing"

func TestChecksumDeterministic(t *testing.T) {
	p := purchase(5_000_000, "S1")
	p.Extra = map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": false}}

	first, err := Checksum(p)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("checksum length = %d, want 32 hex chars", len(first))
	}
	for i := 0; i < 50; i++ {
		again, err := Checksum(p.Clone())
		if err != nil {
			t.Fatalf("checksum: %v", err)
		}
		if again != first {
			t.Fatalf("checksum unstable: %s vs %s", again, first)
		}
	}
}

func TestChecksumSensitivity(t *testing.T) {
	a, err := Checksum(purchase(5_000_000, "S1"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	b, err := Checksum(purchase(5_000_001, "S1"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if a == b {
		t.Fatal("different payloads share a checksum")
	}
}
