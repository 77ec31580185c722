// Package telemetry exposes lock-free counters for the datapath's
// observable outcomes (rekeys, replay drops, path validation results,
// mix batches) and a pluggable Sink interface for exporting them.
package telemetry

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Counters holds every lifetime counter the datapath components
// increment. All fields are safe for concurrent use without external
// locking.
type Counters struct {
	RekeyInitiated  atomic.Uint64
	RekeyApplied    atomic.Uint64
	ReplayDropped   atomic.Uint64
	StaleDropped    atomic.Uint64
	TagMismatches   atomic.Uint64
	PathSuccess     atomic.Uint64
	PathFailure     atomic.Uint64
	PathTimeout     atomic.Uint64
	PathCancelled   atomic.Uint64
	BatchesEmitted  atomic.Uint64
	VDFTimeouts     atomic.Uint64
	TamperingEvents atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	ChannelDrops    atomic.Uint64
}

// Snapshot is a point-in-time copy of every counter, suitable for
// serialization to a Sink.
type Snapshot struct {
	RekeyInitiated  uint64
	RekeyApplied    uint64
	ReplayDropped   uint64
	StaleDropped    uint64
	TagMismatches   uint64
	PathSuccess     uint64
	PathFailure     uint64
	PathTimeout     uint64
	PathCancelled   uint64
	BatchesEmitted  uint64
	VDFTimeouts     uint64
	TamperingEvents uint64
	BytesSent       uint64
	BytesReceived   uint64
	ChannelDrops    uint64
}

// Snapshot reads every counter into a plain value type.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RekeyInitiated:  c.RekeyInitiated.Load(),
		RekeyApplied:    c.RekeyApplied.Load(),
		ReplayDropped:   c.ReplayDropped.Load(),
		StaleDropped:    c.StaleDropped.Load(),
		TagMismatches:   c.TagMismatches.Load(),
		PathSuccess:     c.PathSuccess.Load(),
		PathFailure:     c.PathFailure.Load(),
		PathTimeout:     c.PathTimeout.Load(),
		PathCancelled:   c.PathCancelled.Load(),
		BatchesEmitted:  c.BatchesEmitted.Load(),
		VDFTimeouts:     c.VDFTimeouts.Load(),
		TamperingEvents: c.TamperingEvents.Load(),
		BytesSent:       c.BytesSent.Load(),
		BytesReceived:   c.BytesReceived.Load(),
		ChannelDrops:    c.ChannelDrops.Load(),
	}
}

// Sink receives periodic telemetry snapshots. adapters/metricsws
// implements one concrete Sink over a websocket.
type Sink interface {
	Emit(Snapshot) error
}

// LogLine renders a one-line summary of a snapshot: bytes sent and
// received as human-readable sizes via go-humanize, and batches
// emitted and rekeys applied as exact counts. Other counters are not
// included.
func (s Snapshot) LogLine() string {
	return "sent=" + humanize.Bytes(s.BytesSent) +
		" recv=" + humanize.Bytes(s.BytesReceived) +
		" batches=" + humanize.Comma(int64(s.BatchesEmitted)) +
		" rekeys=" + humanize.Comma(int64(s.RekeyApplied))
}
