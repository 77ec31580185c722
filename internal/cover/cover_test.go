package cover

import (
	"testing"

	"github.com/ehrlich-b/nyx/internal/config"
)

func TestLambdaMonotonicity(t *testing.T) {
	prev := Lambda(10, 0, 1)
	for _, u := range []float64{0.1, 0.25, 0.5, 0.75, 1.0} {
		got := Lambda(10, u, 1)
		if got < prev {
			t.Errorf("lambda(%v) = %v, not monotone vs prev %v", u, got, prev)
		}
		prev = got
	}
}

func TestLambdaBoundedResponseRatio(t *testing.T) {
	l0 := Lambda(10, 0, 1)
	l1 := Lambda(10, 1, 1)
	if l1/l0 != 2 {
		t.Errorf("lambda(1)/lambda(0) = %v, want exactly 2", l1/l0)
	}
}

func TestLambdaClampsUtilization(t *testing.T) {
	if Lambda(10, -5, 1) != Lambda(10, 0, 1) {
		t.Error("negative utilization should clamp to 0")
	}
	if Lambda(10, 5, 1) != Lambda(10, 1, 1) {
		t.Error("utilization > 1 should clamp to 1")
	}
}

func TestLowPowerReducesRate(t *testing.T) {
	c := New(config.CoverConfig{BaseLambda: 10, LowPowerRatio: 0.25})
	normal := c.Rate(0.5)
	c.SetPowerMode(LowPower)
	lowPower := c.Rate(0.5)
	if lowPower >= normal {
		t.Errorf("low power rate %v should be less than normal rate %v", lowPower, normal)
	}
	if lowPower != normal*0.25 {
		t.Errorf("low power rate = %v, want %v", lowPower, normal*0.25)
	}
}

func TestNextIntervalIsPositive(t *testing.T) {
	c := New(config.CoverConfig{BaseLambda: 100, LowPowerRatio: 0.25})
	for i := 0; i < 100; i++ {
		d := c.NextInterval(0.5)
		if d <= 0 {
			t.Fatalf("NextInterval() = %v, want > 0", d)
		}
	}
}

func TestAllowRespectsBucket(t *testing.T) {
	c := New(config.CoverConfig{BaseLambda: 0.001, LowPowerRatio: 1})
	// With a near-zero rate and burst 1, the first call should succeed
	// (initial burst) but an immediate second call should not.
	first := c.Allow(0)
	second := c.Allow(0)
	if !first {
		t.Error("expected the initial burst token to be available")
	}
	if second {
		t.Error("expected the token bucket to reject an immediate second emission at near-zero rate")
	}
}
