// Package cover implements the adaptive cover-traffic controller
// (component C8): a utilization- and power-aware Poisson padding
// rate, with inter-arrival sampling and a token-bucket ceiling so a
// misbehaving utilization feed can't stampede the transport.
package cover

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/nyx/internal/config"
)

// PowerMode selects the power_factor applied to the base rate.
type PowerMode int

const (
	// Normal applies a power_factor of 1.0.
	Normal PowerMode = iota
	// LowPower applies cfg.LowPowerRatio as the power_factor, following
	// a screen-off-ratio signal from the supervisor.
	LowPower
)

// Controller derives the current cover-traffic Poisson rate from
// measured channel utilization and power mode, and shapes emission
// through a token bucket ceiling.
type Controller struct {
	mu            sync.Mutex
	baseLambda    float64
	lowPowerRatio float64
	mode          PowerMode

	limiter *rate.Limiter
}

// New creates a Controller seeded from cfg. The limiter burst is set
// to 1 so padding emission stays paced rather than bursty.
func New(cfg config.CoverConfig) *Controller {
	c := &Controller{
		baseLambda:    cfg.BaseLambda,
		lowPowerRatio: cfg.LowPowerRatio,
	}
	c.limiter = rate.NewLimiter(rate.Limit(c.rateCeiling()), 1)
	return c
}

// SetPowerMode updates the controller's power mode, following a
// screen-off-ratio signal from the supervisor.
func (c *Controller) SetPowerMode(mode PowerMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.limiter.SetLimit(rate.Limit(c.rateCeilingLocked()))
}

// powerFactorLocked returns the multiplier for the current mode. Caller
// must hold c.mu.
func (c *Controller) powerFactorLocked() float64 {
	if c.mode == LowPower {
		return c.lowPowerRatio
	}
	return 1.0
}

// rateCeilingLocked returns λ at full utilization (u=1), the worst
// case burst rate the limiter must tolerate. Caller must hold c.mu.
func (c *Controller) rateCeilingLocked() float64 {
	return Lambda(c.baseLambda, 1.0, c.powerFactorLocked())
}

func (c *Controller) rateCeiling() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateCeilingLocked()
}

// Lambda computes the adaptive Poisson rate λ(u, power) = λ_base ·
// (1 + u) · power_factor, clamping u to [0,1]. At u=0, λ =
// λ_base·power_factor; at u=1, λ = 2·λ_base·power_factor.
func Lambda(baseLambda, utilization, powerFactor float64) float64 {
	u := utilization
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	return baseLambda * (1 + u) * powerFactor
}

// Rate returns the current adaptive rate for the given measured
// utilization (clamped to [0,1] internally).
func (c *Controller) Rate(utilization float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Lambda(c.baseLambda, utilization, c.powerFactorLocked())
}

// NextInterval draws the next padding inter-arrival time from an
// exponential distribution with the rate derived from utilization,
// matching original_source's Poisson-based cover traffic generator.
// A non-positive rate yields time.Duration(math.MaxInt64) (never
// fire) rather than dividing by zero.
func (c *Controller) NextInterval(utilization float64) time.Duration {
	lambda := c.Rate(utilization)
	if lambda <= 0 {
		return time.Duration(math.MaxInt64)
	}
	// Inverse-CDF sampling: -ln(U)/λ gives an Exp(λ) interarrival time
	// in seconds when λ is a per-second rate.
	u := rand.Float64()
	for u == 0 {
		u = rand.Float64()
	}
	seconds := -math.Log(u) / lambda
	return time.Duration(seconds * float64(time.Second))
}

// Allow reports whether a padding packet may be emitted right now
// without exceeding the token-bucket ceiling derived from the current
// utilization and power mode.
func (c *Controller) Allow(utilization float64) bool {
	c.mu.Lock()
	c.limiter.SetLimit(rate.Limit(Lambda(c.baseLambda, utilization, c.powerFactorLocked())))
	c.mu.Unlock()
	return c.limiter.Allow()
}
