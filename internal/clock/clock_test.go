package clock

import (
	"testing"
	"time"
)

func TestFakeNowMsAdvance(t *testing.T) {
	f := &Fake{Ms: 1000}
	if got := f.NowMs(); got != 1000 {
		t.Fatalf("NowMs() = %d, want 1000", got)
	}

	f.Advance(2500 * time.Millisecond)
	if got := f.NowMs(); got != 3500 {
		t.Fatalf("NowMs() after advance = %d, want 3500", got)
	}
}

func TestFakeFloat64Scripted(t *testing.T) {
	f := &Fake{Samples: []float64{0.1, 0.9}}

	if got := f.Float64(); got != 0.1 {
		t.Fatalf("first sample = %v, want 0.1", got)
	}
	if got := f.Float64(); got != 0.9 {
		t.Fatalf("second sample = %v, want 0.9", got)
	}
	// Exhausted: repeats the last value.
	if got := f.Float64(); got != 0.9 {
		t.Fatalf("exhausted sample = %v, want repeated 0.9", got)
	}
}

func TestFakeFloat64Empty(t *testing.T) {
	f := &Fake{}
	if got := f.Float64(); got != 0 {
		t.Fatalf("empty sample = %v, want 0", got)
	}
}
