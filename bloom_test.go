package emberkv

import (
	"strconv"
	"testing"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, "k"+strconv.Itoa(i))
	}
	bf := NewBloomFilterForRun(len(keys))
	for _, k := range keys {
		bf.Add(k)
	}
	for _, k := range keys {
		if !bf.Contains(k) {
			t.Fatalf("false negative for key %q", k)
		}
	}
}

func TestBloomFilterAbsentKeyCanReturnFalse(t *testing.T) {
	bf := NewBloomFilterForRun(4)
	bf.Add("present")
	if bf.Contains("definitely-absent-key-xyz") {
		t.Fatalf("unexpected false positive for an unrelated key at this low load factor")
	}
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilterForRun(10)
	for _, k := range []string{"a", "b", "c"} {
		bf.Add(k)
	}
	buf := bf.Marshal()
	restored := UnmarshalBloomFilter(buf)
	if restored == nil {
		t.Fatalf("UnmarshalBloomFilter returned nil")
	}
	for _, k := range []string{"a", "b", "c"} {
		if !restored.Contains(k) {
			t.Fatalf("restored filter lost key %q", k)
		}
	}
}

func TestBloomFilterEstimatedFPRateIncreasesWithLoad(t *testing.T) {
	bf := NewBloomFilter(80, 3)
	before := bf.EstimatedFPRate()
	for i := 0; i < 50; i++ {
		bf.Add("k" + strconv.Itoa(i))
	}
	after := bf.EstimatedFPRate()
	if after <= before {
		t.Fatalf("expected FP rate to rise after adding entries: before=%v after=%v", before, after)
	}
}
