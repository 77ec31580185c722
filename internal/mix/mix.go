// Package mix implements the cMix-style batcher (component C9):
// fixed-size or timer-driven batch sealing with an accumulator,
// per-member membership witnesses, and a VDF delay proof, with a
// degraded-emission fallback when proof generation overruns its
// deadline.
package mix

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/nyx/internal/config"
	"github.com/ehrlich-b/nyx/internal/logger"
)

// ErrTampered is returned by Verify when a member's witness doesn't
// reconcile with the batch's published accumulator.
var ErrTampered = errors.New("mix: tampering detected")

// ErrBadProof is returned by Verify when the VDF proof fails to
// verify against the batch's accumulator-derived seed.
var ErrBadProof = errors.New("mix: vdf proof invalid")

// Batch is a sealed set of members with its accumulator, per-member
// witnesses, and VDF delay proof.
type Batch struct {
	ID          uuid.UUID
	Members     [][]byte
	Accumulator [32]byte
	Witnesses   [][32]byte
	Iterations  uint64
	Proof       Proof
	Degraded    bool
	SealedAt    time.Time
}

// Stats tallies batcher lifetime counters.
type Stats struct {
	BatchesEmitted    uint64
	TotalVDFTime      time.Duration
	Errors            uint64
	TamperingDetected uint64
	VDFTimeouts       uint64
}

// Batcher accumulates pushed packets into batches, sealing each once
// it reaches cfg.BatchSize or cfg.FlushInterval elapses since the
// first pending push.
type Batcher struct {
	mu       sync.Mutex
	cfg      config.MixConfig
	pending  [][]byte
	openedAt time.Time

	iterations uint64
	stats      Stats
}

// New creates a Batcher whose VDF iteration count is pre-calibrated
// to cfg.VDFDelayMS via CalibrateIterations.
func New(cfg config.MixConfig) *Batcher {
	target := time.Duration(cfg.VDFDelayMS) * time.Millisecond
	iterations := CalibrateIterations(target)
	logger.Component("mix").Info("vdf calibrated", "target", target, "iterations", iterations)
	return &Batcher{
		cfg:        cfg,
		iterations: iterations,
	}
}

// Push appends packet to the current batch. It returns a sealed Batch
// once size or interval thresholds are crossed, or nil if the batch
// is still accumulating.
func (b *Batcher) Push(packet []byte) *Batch {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.openedAt = time.Now()
	}
	b.pending = append(b.pending, packet)

	sizeReady := len(b.pending) >= b.cfg.BatchSize
	timeReady := time.Since(b.openedAt) >= b.cfg.FlushInterval
	if !sizeReady && !timeReady {
		b.mu.Unlock()
		return nil
	}

	members := b.pending
	b.pending = nil
	b.mu.Unlock()

	return b.seal(members)
}

// Flush force-seals whatever is currently pending, even if below
// cfg.BatchSize and before cfg.FlushInterval has elapsed. Returns nil
// if nothing is pending.
func (b *Batcher) Flush() *Batch {
	b.mu.Lock()
	members := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(members) == 0 {
		return nil
	}
	return b.seal(members)
}

func (b *Batcher) seal(members [][]byte) *Batch {
	acc := accumulate(members)
	witnesses := make([][32]byte, len(members))
	for i := range members {
		witnesses[i] = witness(members, i)
	}

	seed := acc[:]
	deadline := b.cfg.VDFDeadline

	var proof Proof
	degraded := false

	start := time.Now()
	done := make(chan Proof, 1)
	go func() { done <- Prove(seed, b.iterations) }()

	select {
	case proof = <-done:
	case <-time.After(deadline):
		// Best-effort: fall back to a proof over fewer iterations so the
		// batch still emits instead of stalling indefinitely on the VDF.
		degraded = true
		proof = Prove(seed, b.iterations/4+1)
		logger.Component("mix").Warn("vdf deadline exceeded, emitting degraded batch", "deadline", deadline)
	}
	elapsed := time.Since(start)

	b.mu.Lock()
	b.stats.BatchesEmitted++
	b.stats.TotalVDFTime += elapsed
	if degraded {
		b.stats.VDFTimeouts++
	}
	b.mu.Unlock()

	return &Batch{
		ID:          uuid.New(),
		Members:     members,
		Accumulator: acc,
		Witnesses:   witnesses,
		Iterations:  b.iterations,
		Proof:       proof,
		Degraded:    degraded,
		SealedAt:    time.Now(),
	}
}

// Verify recomputes the accumulator and each witness, then checks the
// VDF proof. A non-nil error identifies the first failure found.
func Verify(batch *Batch) error {
	acc := accumulate(batch.Members)
	if acc != batch.Accumulator {
		return fmt.Errorf("%w: recomputed accumulator mismatch", ErrTampered)
	}
	for i, m := range batch.Members {
		if i >= len(batch.Witnesses) {
			return fmt.Errorf("%w: missing witness for member %d", ErrTampered, i)
		}
		if !verifyWitness(batch.Accumulator, batch.Witnesses[i], m) {
			return fmt.Errorf("%w: witness mismatch for member %d", ErrTampered, i)
		}
	}

	iterations := batch.Iterations
	if batch.Degraded {
		iterations = batch.Iterations/4 + 1
	}
	if !VerifyProof(batch.Accumulator[:], iterations, batch.Proof) {
		return ErrBadProof
	}
	return nil
}

// Stats returns a snapshot of the batcher's lifetime counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// IncrementErrors records a caller-observed error (e.g. a transport
// failure while emitting a sealed batch) against the batcher's
// lifetime error counter.
func (b *Batcher) IncrementErrors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Errors++
}

// IncrementTampering records a caller-observed Verify failure against
// the batcher's lifetime tampering counter.
func (b *Batcher) IncrementTampering() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TamperingDetected++
}
