package hash

import (
	"testing"
)

func TestCalculate(t *testing.T) {
	data := map[string]interface{}{
		"id":   1,
		"name": "test",
	}

	hash1, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	hash2, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if hash1 != hash2 {
		t.Error("Same data should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestCalculateString(t *testing.T) {
	str := "test string"

	hash1 := CalculateString(str)
	hash2 := CalculateString(str)

	if hash1 != hash2 {
		t.Error("Same string should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestHashChain(t *testing.T) {
	hc := NewHashChain(Genesis)

	hash1 := hc.Extend(CalculateString("first block"))
	if hash1 == "" {
		t.Error("Hash should not be empty")
	}

	hash2 := hc.Extend(CalculateString("second block"))
	if hash1 == hash2 {
		t.Error("Different blocks should produce different hashes")
	}

	if hc.GetPreviousHash() != hash2 {
		t.Error("Previous hash should be updated to latest hash")
	}
}

func TestExtendMatchesLink(t *testing.T) {
	data := map[string]interface{}{"seq": 1, "kind": "RecordPublished"}

	dataHash, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	hc := NewHashChain(Genesis)
	h := hc.Extend(dataHash)

	if Link(Genesis, dataHash) != h {
		t.Errorf("Extend(%s) = %s, want Link of genesis", dataHash, h)
	}
}

func TestHashChainOrderSensitive(t *testing.T) {
	a := NewHashChain(Genesis)
	a.Extend("x")
	a.Extend("y")

	b := NewHashChain(Genesis)
	b.Extend("y")
	b.Extend("x")

	if a.GetPreviousHash() == b.GetPreviousHash() {
		t.Error("Reordered entries should produce a different head")
	}
}
