// Package pathvalidator implements path liveness validation
// (component C6): a challenge/response probe with bounded retries,
// exponential backoff, cooperative cancellation, and outcome
// counters.
package pathvalidator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/nyx/internal/config"
	"github.com/ehrlich-b/nyx/internal/logger"
)

// ErrCancelled is returned by Validate when Cancel interrupts an
// in-flight or not-yet-started validation.
var ErrCancelled = errors.New("pathvalidator: cancelled")

// ErrTimeout is returned when no matching response arrives before the
// configured timeout, after exhausting retries.
var ErrTimeout = errors.New("pathvalidator: timeout")

// Challenge is a PathChallenge probe: a random 16-byte nonce the peer
// must echo back in a matching PathResponse.
type Challenge struct {
	PathID uint8
	Nonce  [16]byte
}

// Sender transmits an encoded PathChallenge frame for pathID and
// nonce. It is supplied by the caller (the session's transport sink)
// so this package stays transport-agnostic.
type Sender func(pathID uint8, nonce [16]byte) error

// Counters tallies validation outcomes, matching the {success,
// failure, timeout, cancelled} counters original_source's path
// validation tests exercise.
type Counters struct {
	Success   uint64
	Failure   uint64
	Timeout   uint64
	Cancelled uint64
}

// Validator issues challenges and waits for matching responses.
type Validator struct {
	send Sender
	cfg  config.PathProbeConfig

	mu      sync.Mutex
	pending map[uint8]chan [16]byte

	cancelCh   chan struct{}
	cancelOnce sync.Once

	success, failure, timeout, cancelled atomic.Uint64
}

// New creates a Validator that transmits challenges via send.
func New(send Sender, cfg config.PathProbeConfig) *Validator {
	return &Validator{
		send:     send,
		cfg:      cfg,
		pending:  make(map[uint8]chan [16]byte),
		cancelCh: make(chan struct{}),
	}
}

// Cancel interrupts every outstanding and future Validate call until
// a new Validator is constructed. Safe to call multiple times and
// concurrently with Validate.
func (v *Validator) Cancel() {
	v.cancelOnce.Do(func() { close(v.cancelCh) })
}

// OnResponse delivers a PathResponse nonce observed on the wire for
// pathID. Responses for a path with no pending challenge are dropped.
func (v *Validator) OnResponse(pathID uint8, nonce [16]byte) {
	v.mu.Lock()
	ch, ok := v.pending[pathID]
	v.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- nonce:
	default:
	}
}

// Validate issues a PathChallenge for pathID and waits for a matching
// PathResponse until cfg.Timeout elapses or Cancel is called. A
// non-matching response triggers a fresh challenge, waiting a backoff
// that doubles each attempt (capped at cfg.MaxBackoff). The first wait
// spans the whole timeout, so no challenge is re-sent on silence.
func (v *Validator) Validate(ctx context.Context, pathID uint8) error {
	respCh := make(chan [16]byte, 1)
	v.mu.Lock()
	v.pending[pathID] = respCh
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pending, pathID)
		v.mu.Unlock()
	}()

	deadline := time.Now().Add(v.cfg.Timeout)
	backoff := v.cfg.Timeout
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; ; attempt++ {
		var nonce [16]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			v.failure.Add(1)
			return fmt.Errorf("pathvalidator: generate nonce: %w", err)
		}
		if err := v.send(pathID, nonce); err != nil {
			v.failure.Add(1)
			return fmt.Errorf("pathvalidator: send challenge: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			v.timeout.Add(1)
			logger.Component("pathvalidator").Warn("validation timed out", "path_id", pathID)
			return ErrTimeout
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)

		select {
		case got := <-respCh:
			timer.Stop()
			if got == nonce {
				v.success.Add(1)
				return nil
			}
			// stale echo from an earlier attempt; fall through to retry
		case <-timer.C:
		case <-v.cancelCh:
			timer.Stop()
			v.cancelled.Add(1)
			return ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			v.cancelled.Add(1)
			return ctx.Err()
		}

		if time.Now().After(deadline) {
			v.timeout.Add(1)
			logger.Component("pathvalidator").Warn("validation timed out", "path_id", pathID)
			return ErrTimeout
		}
		backoff *= 2
		if backoff > v.cfg.MaxBackoff {
			backoff = v.cfg.MaxBackoff
		}
	}
}

// Counters returns a snapshot of the outcome tallies.
func (v *Validator) Counters() Counters {
	return Counters{
		Success:   v.success.Load(),
		Failure:   v.failure.Load(),
		Timeout:   v.timeout.Load(),
		Cancelled: v.cancelled.Load(),
	}
}
