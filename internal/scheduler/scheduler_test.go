package scheduler

import (
	"testing"
	"time"

	"github.com/ehrlich-b/nyx/internal/config"
)

func newRegistry() *Registry {
	return NewRegistry(config.Default().Scheduler)
}

func TestNextPathWithSinglePathAlwaysReturnsIt(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	for i := 0; i < 10; i++ {
		id, ok := r.NextPath()
		if !ok || id != 1 {
			t.Fatalf("NextPath() = (%d,%v), want (1,true)", id, ok)
		}
	}
}

func TestNextPathIgnoresOutOfRangePathID(t *testing.T) {
	r := newRegistry()
	r.AddPath(0)
	r.AddPath(240)
	if _, ok := r.NextPath(); ok {
		t.Fatal("expected no eligible path for out-of-range IDs")
	}
}

// TestProportionalShare asserts the WSRR contract: over N selections
// with weights W_i, path i is chosen approximately N·W_i/ΣW_j times,
// tolerance ±20% for N ≥ 400.
func TestProportionalShare(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	r.AddPath(2)
	// Path 1 has half the RTT of path 2, so roughly double the weight.
	r.ObserveRTT(1, 50*time.Millisecond)
	r.ObserveRTT(2, 100*time.Millisecond)

	const n = 3000
	counts := map[uint8]int{}
	for i := 0; i < n; i++ {
		id, ok := r.NextPath()
		if !ok {
			t.Fatal("expected an eligible path")
		}
		counts[id]++
	}

	snap := r.Snapshot()
	var w1, w2 uint32
	for _, p := range snap {
		switch p.PathID {
		case 1:
			w1 = p.Weight
		case 2:
			w2 = p.Weight
		}
	}
	total := float64(w1 + w2)
	want1 := float64(n) * float64(w1) / total
	got1 := float64(counts[1])
	tolerance := want1 * 0.2
	if got1 < want1-tolerance || got1 > want1+tolerance {
		t.Errorf("path 1 selected %d times, want ~%.0f (±20%%)", counts[1], want1)
	}
}

func TestDegradedPathRetainsMinimalShare(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	r.AddPath(2)
	r.ObserveRTT(1, 10*time.Millisecond)
	// Push path 2 well past the degradation RTT threshold.
	r.ObserveRTT(2, 2*time.Second)

	snap := r.Snapshot()
	var degraded, healthy *PathEntry
	for i := range snap {
		switch snap[i].PathID {
		case 1:
			healthy = &snap[i]
		case 2:
			degraded = &snap[i]
		}
	}
	if degraded == nil || degraded.State != Degraded {
		t.Fatalf("path 2 state = %v, want Degraded", degraded)
	}
	if degraded.Weight == 0 || degraded.Weight >= healthy.Weight {
		t.Errorf("degraded weight = %d, want non-zero and below healthy path's %d", degraded.Weight, healthy.Weight)
	}
}

func TestFailedPathExcludedFromSelection(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	r.AddPath(2)
	r.MarkFailed(2)

	for i := 0; i < 20; i++ {
		id, ok := r.NextPath()
		if !ok || id != 1 {
			t.Fatalf("NextPath() = (%d,%v), want (1,true) with path 2 failed", id, ok)
		}
	}
}

func TestReactivateRestoresEligibility(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	r.MarkFailed(1)
	if _, ok := r.NextPath(); ok {
		t.Fatal("expected no eligible path while failed")
	}
	r.Reactivate(1)
	if _, ok := r.NextPath(); !ok {
		t.Fatal("expected path to be eligible again after reactivation")
	}
}

func TestHopCountBaseAndClamping(t *testing.T) {
	r := newRegistry()
	r.AddPath(1)
	if got := r.HopCount(1); got != 5 {
		t.Errorf("base hop count = %d, want 5", got)
	}

	r.ObserveRTT(1, 250*time.Millisecond)
	if got := r.HopCount(1); got != 6 {
		t.Errorf("hop count with high rtt = %d, want 6", got)
	}

	r.ObserveLoss(1, true)
	r.ObserveLoss(1, true)
	r.ObserveLoss(1, true)
	r.ObserveLoss(1, true)
	if got := r.HopCount(1); got != 7 {
		t.Errorf("hop count with high rtt+loss = %d, want 7 (clamped)", got)
	}
}

func TestHopCountUnknownPathDefaultsToFive(t *testing.T) {
	r := newRegistry()
	if got := r.HopCount(99); got != 5 {
		t.Errorf("hop count for unknown path = %d, want 5", got)
	}
}
