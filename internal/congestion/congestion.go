// Package congestion implements reliability and congestion control
// (component C4): an RFC 6298-inspired RTT estimator, an additive-
// increase/multiplicative-decrease window controller, and ACK
// coalescing with duplicate-ACK fast-retransmit signaling.
package congestion

import (
	"sort"
	"sync"
	"time"
)

const (
	alpha = 0.125 // SRTT smoothing factor
	beta  = 0.25  // RTTVAR smoothing factor
)

// RTTEstimator tracks smoothed RTT and RTO per RFC 6298, clamped to
// [minRTO, maxRTO].
type RTTEstimator struct {
	mu        sync.Mutex
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool
	minRTO    time.Duration
	maxRTO    time.Duration
}

// NewRTTEstimator creates an estimator whose RTO starts at minRTO
// until the first sample arrives.
func NewRTTEstimator(minRTO, maxRTO time.Duration) *RTTEstimator {
	return &RTTEstimator{minRTO: minRTO, maxRTO: maxRTO, rto: minRTO}
}

// Sample feeds an observed RTT. Per Karn's rule, callers must never
// sample from a retransmitted segment's ACK — only from an ACK that
// unambiguously corresponds to an original transmission.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = time.Duration((1-beta)*float64(e.rttvar) + beta*float64(diff))
		e.srtt = time.Duration((1-alpha)*float64(e.srtt) + alpha*float64(rtt))
	}
	e.rto = clamp(e.srtt+4*e.rttvar, e.minRTO, e.maxRTO)
}

// Timeout doubles the RTO (exponential backoff) without taking an RTT
// sample, per Karn's rule.
func (e *RTTEstimator) Timeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rto = clamp(e.rto*2, e.minRTO, e.maxRTO)
}

// RTO returns the current retransmission timeout.
func (e *RTTEstimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

// SRTT returns the current smoothed RTT estimate (0 before the first sample).
func (e *RTTEstimator) SRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// WindowController maintains the congestion window (cwnd) and the
// lowest unacknowledged sequence (base).
type WindowController struct {
	mu      sync.Mutex
	cwnd    int
	maxCwnd int
	base    uint64
	hasBase bool
	sacked  map[uint64]bool
}

// NewWindowController creates a controller starting at cwnd=1.
func NewWindowController(maxCwnd int) *WindowController {
	return &WindowController{cwnd: 1, maxCwnd: maxCwnd, sacked: make(map[uint64]bool)}
}

// OnAck records seq as acknowledged, advances base across any now-
// contiguous run starting at base, and grows cwnd by one (additive
// increase).
func (w *WindowController) OnAck(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasBase {
		w.base = seq
		w.hasBase = true
	}
	w.sacked[seq] = true
	for w.sacked[w.base] {
		delete(w.sacked, w.base)
		w.base++
	}
	if w.cwnd < w.maxCwnd {
		w.cwnd++
	}
}

// OnLossOrTimeout halves cwnd (multiplicative decrease), floor 1.
func (w *WindowController) OnLossOrTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cwnd = max(w.cwnd/2, 1)
}

// CanSend reports whether another segment may be sent given the
// current number of in-flight (unacknowledged) segments.
func (w *WindowController) CanSend(inflight int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return inflight < w.cwnd
}

// Cwnd returns the current congestion window.
func (w *WindowController) Cwnd() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cwnd
}

// Base returns the lowest unacknowledged sequence.
func (w *WindowController) Base() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.base
}

// Range is an inclusive, contiguous run of received sequence numbers.
type Range struct{ Start, End uint64 }

// AckGenerator coalesces received sequence numbers into contiguous
// ranges for emission on a timer, over a configurable window
// (default 40ms).
type AckGenerator struct {
	mu       sync.Mutex
	received map[uint64]bool
}

// NewAckGenerator creates an empty coalescer. The caller drives the
// coalescing window itself (e.g. a time.Ticker at cfg.AckCoalesce)
// and calls Flush on each tick.
func NewAckGenerator() *AckGenerator {
	return &AckGenerator{received: make(map[uint64]bool)}
}

// Receive records seq as received, pending the next Flush.
func (g *AckGenerator) Receive(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.received[seq] = true
}

// Flush returns the coalesced ranges of everything recorded since the
// last Flush and clears the pending set.
func (g *AckGenerator) Flush() []Range {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.received) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(g.received))
	for s := range g.received {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var ranges []Range
	start, end := seqs[0], seqs[0]
	for _, s := range seqs[1:] {
		if s == end+1 {
			end = s
			continue
		}
		ranges = append(ranges, Range{start, end})
		start, end = s, s
	}
	ranges = append(ranges, Range{start, end})

	g.received = make(map[uint64]bool)
	return ranges
}

// DupAckTracker signals a fast retransmit once the same ACK value has
// been observed `threshold` times in a row (duplicate ACKs trigger
// fast retransmit signals after 3 repeats by default).
type DupAckTracker struct {
	threshold int
	lastAck   uint64
	hasLast   bool
	count     int
}

// NewDupAckTracker creates a tracker that fires once the same ACK
// value has been observed `threshold` times in a row.
func NewDupAckTracker(threshold int) *DupAckTracker {
	return &DupAckTracker{threshold: threshold}
}

// Observe feeds the latest cumulative ACK value and reports whether
// this observation just crossed the fast-retransmit threshold.
func (d *DupAckTracker) Observe(ack uint64) bool {
	if d.hasLast && ack == d.lastAck {
		d.count++
	} else {
		d.lastAck = ack
		d.hasLast = true
		d.count = 1
	}
	return d.count == d.threshold
}
