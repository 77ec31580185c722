// Package session implements the session supervisor (component C12):
// the state machine that owns a Nyx session's lifecycle, mounts the
// AEAD directions on open, and drives the scheduler, cover traffic,
// and mix batcher subtasks until close.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/nyx/internal/aead"
	"github.com/ehrlich-b/nyx/internal/checkpoint"
	"github.com/ehrlich-b/nyx/internal/config"
	"github.com/ehrlich-b/nyx/internal/cover"
	"github.com/ehrlich-b/nyx/internal/frame"
	"github.com/ehrlich-b/nyx/internal/logger"
	"github.com/ehrlich-b/nyx/internal/mix"
	"github.com/ehrlich-b/nyx/internal/scheduler"
	"github.com/ehrlich-b/nyx/internal/telemetry"
)

// State is a position in the session lifecycle.
type State int

const (
	Handshaking State = iota
	Open
	Rekeying
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	case Rekeying:
		return "rekeying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrAlreadyRekeying is returned by Rekey when the same direction
// already has a rekey in flight — the supervisor allows at most one
// per direction at a time.
var ErrAlreadyRekeying = errors.New("session: rekey already in flight for this direction")

// ErrorKind classifies a CloseReason into spec.md §7's error
// taxonomy: Protocol, Cryptographic, Transport, Resource, or
// Cancellation. Only Cryptographic (AEAD tag mismatch) and Protocol
// failures are fatal on the classification path the supervisor drives
// in ClassifyAEADError; the others are informational on a CloseReason
// produced for some other reason (e.g. a caller-initiated close).
type ErrorKind int

const (
	KindUnspecified ErrorKind = iota
	KindProtocol
	KindCryptographic
	KindTransport
	KindResource
	KindCancellation
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCryptographic:
		return "cryptographic"
	case KindTransport:
		return "transport"
	case KindResource:
		return "resource"
	case KindCancellation:
		return "cancellation"
	default:
		return "unspecified"
	}
}

// CloseReason describes why a session reached Closed. It is also the
// wire payload of a CLOSE frame: error_code:u16_be ‖ details:bytes,
// per spec.md §6.
type CloseReason struct {
	Code    uint16
	Kind    ErrorKind
	Details string
}

// Bytes encodes the reason as spec.md §6's CLOSE payload: a 2-byte
// big-endian error code followed by the (UTF-8) details.
func (r CloseReason) Bytes() []byte {
	buf := make([]byte, 2+len(r.Details))
	buf[0] = byte(r.Code >> 8)
	buf[1] = byte(r.Code)
	copy(buf[2:], r.Details)
	return buf
}

// decodeCloseReason parses a CLOSE frame's payload back into a
// CloseReason. Details is kept as opaque bytes rendered as a string;
// callers that need the 4-byte cap_id form (capability.CloseReason)
// decode payload themselves instead.
func decodeCloseReason(payload []byte) (CloseReason, error) {
	if len(payload) < 2 {
		return CloseReason{}, fmt.Errorf("session: close payload too short: %d bytes", len(payload))
	}
	code := uint16(payload[0])<<8 | uint16(payload[1])
	return CloseReason{Code: code, Details: string(payload[2:])}, nil
}

// Transport is the byte-level sink a Supervisor sends its CLOSE frame
// on. adapters/dctransport.Transport is a concrete example of the
// boundary this interface narrows to just what Close needs: handing a
// pre-encoded frame to the wire.
type Transport interface {
	Send(encoded []byte) error
}

// KeySource supplies a fresh 32-byte key for a direction when a rekey
// threshold fires. In production this wraps the handshake driver's
// rekey round trip; tests can supply a deterministic stub.
type KeySource func(ctx context.Context, directionID uint32) (aead.Key, error)

// Supervisor owns one session's lifecycle: its AEAD directions, the
// multipath scheduler, cover-traffic controller, and mix batcher, plus
// the subtasks that drive them.
type Supervisor struct {
	cfg config.SessionConfig

	mu            sync.Mutex
	state         State
	sessionID     string
	directions    map[uint32]*aead.Session
	rekeyInFlight map[uint32]bool
	util          float64

	Scheduler  *scheduler.Registry
	Cover      *cover.Controller
	Batcher    *mix.Batcher
	Telemetry  *telemetry.Counters
	Checkpoint *checkpoint.Store

	keySource KeySource
	transport Transport

	cancel  context.CancelFunc
	closeCh chan struct{}
	closed  chan struct{}
	group   *errgroup.Group

	peerClosed      chan struct{}
	peerClosedOnce  sync.Once
	peerCloseReason *CloseReason
}

// New creates a Supervisor in the Handshaking state. Call
// MountDirection once the handshake driver has produced tx/rx session
// keys.
func New(sessionID string, cfg config.SessionConfig, keySource KeySource) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		state:         Handshaking,
		sessionID:     sessionID,
		directions:    make(map[uint32]*aead.Session),
		rekeyInFlight: make(map[uint32]bool),
		Scheduler:     scheduler.NewRegistry(cfg.Scheduler),
		Cover:         cover.New(cfg.Cover),
		Batcher:       mix.New(cfg.Mix),
		Telemetry:     &telemetry.Counters{},
		keySource:     keySource,
		closeCh:       make(chan struct{}),
		closed:        make(chan struct{}),
		peerClosed:    make(chan struct{}),
	}
}

// WithCheckpoint attaches a persisted checkpoint store. Optional: a
// Supervisor with no checkpoint store simply never persists or resumes
// replay-window state across restarts.
func (s *Supervisor) WithCheckpoint(store *checkpoint.Store) *Supervisor {
	s.Checkpoint = store
	return s
}

// WithTransport attaches the sink Close uses to emit its CLOSE frame.
// Optional: a Supervisor with no transport attached closes without a
// frame exchange (e.g. a unit test that only exercises subtask
// shutdown).
func (s *Supervisor) WithTransport(t Transport) *Supervisor {
	s.transport = t
	return s
}

// HandleInboundFrame lets the transport boundary hand the supervisor
// any frame that might be its peer's CLOSE. Non-CLOSE frames are
// ignored — the supervisor does not own general frame dispatch, only
// the close handshake spec.md §4.12 requires it to wait on. Safe to
// call from the transport's receive goroutine; idempotent.
func (s *Supervisor) HandleInboundFrame(f frame.Frame) {
	if f.Type != frame.TypeClose {
		return
	}
	reason, err := decodeCloseReason(f.Payload)
	if err != nil {
		logger.Component("session").Warn("malformed close frame", "session_id", s.sessionID, "error", err)
		return
	}
	s.mu.Lock()
	if s.peerCloseReason == nil {
		s.peerCloseReason = &reason
	}
	s.mu.Unlock()
	s.peerClosedOnce.Do(func() { close(s.peerClosed) })
}

// PeerCloseReason returns the peer's CLOSE reason, if one has been
// received.
func (s *Supervisor) PeerCloseReason() (CloseReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerCloseReason == nil {
		return CloseReason{}, false
	}
	return *s.peerCloseReason, true
}

// ClassifyAEADError increments the telemetry counter spec.md §7
// assigns to an aead.Open failure and reports whether the failure is
// fatal. Replay and stale sequences are silently dropped with a
// counter increment; a tag mismatch is a possible active attacker and
// is fatal, per spec.md §7: "Replay/stale silently dropped with
// counter increment; tag mismatch is fatal ... and triggers CLOSE."
// Callers should call Close with a Cryptographic-kind CloseReason
// when this returns true.
func (s *Supervisor) ClassifyAEADError(err error) (fatal bool) {
	switch {
	case errors.Is(err, aead.ErrReplay):
		s.Telemetry.ReplayDropped.Add(1)
		logger.Component("aead").Warn("replay dropped", "session_id", s.sessionID)
		return false
	case errors.Is(err, aead.ErrStale):
		s.Telemetry.StaleDropped.Add(1)
		logger.Component("aead").Warn("stale sequence dropped", "session_id", s.sessionID)
		return false
	case errors.Is(err, aead.ErrTagMismatch):
		s.Telemetry.TagMismatches.Add(1)
		logger.Component("aead").Error("AEAD tag mismatch", "session_id", s.sessionID, "error", err)
		return true
	default:
		return true
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MountDirection installs an established AEAD session for directionID,
// transitioning Handshaking → Open on the first direction mounted.
func (s *Supervisor) MountDirection(directionID uint32, sess *aead.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directions[directionID] = sess
	if s.state == Handshaking {
		s.state = Open
	}
}

// Direction returns the mounted AEAD session for directionID, if any.
func (s *Supervisor) Direction(directionID uint32) (*aead.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.directions[directionID]
	return sess, ok
}

// Run spawns the scheduler tick, cover-traffic, and batch-flush
// subtasks on an errgroup and blocks until ctx is cancelled or Close is
// called. Call this once, after Open.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	group.Go(func() error { return s.schedulerLoop(gctx) })
	group.Go(func() error { return s.coverLoop(gctx) })
	group.Go(func() error { return s.batchLoop(gctx) })
	group.Go(func() error { return s.rekeyWatchLoop(gctx) })

	err := group.Wait()
	close(s.closed)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) schedulerLoop(ctx context.Context) error {
	tick := s.cfg.Supervisor.SchedulerTick
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closeCh:
			return nil
		case <-ticker.C:
			// NextPath advances WSRR credit bookkeeping even when no send
			// is pending, keeping path weights live for the next real
			// selection.
			s.Scheduler.NextPath()
		}
	}
}

func (s *Supervisor) coverLoop(ctx context.Context) error {
	for {
		interval := s.Cover.NextInterval(s.utilization())
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.closeCh:
			timer.Stop()
			return nil
		case <-timer.C:
			if !s.Cover.Allow(s.utilization()) {
				s.Telemetry.ChannelDrops.Add(1)
			}
		}
	}
}

func (s *Supervisor) batchLoop(ctx context.Context) error {
	flush := s.cfg.Mix.FlushInterval
	if flush <= 0 {
		flush = 200 * time.Millisecond
	}
	ticker := time.NewTicker(flush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closeCh:
			return nil
		case <-ticker.C:
			if batch := s.Batcher.Flush(); batch != nil {
				stats := s.Batcher.Stats()
				s.Telemetry.BatchesEmitted.Store(stats.BatchesEmitted)
				s.Telemetry.VDFTimeouts.Store(stats.VDFTimeouts)
			}
		}
	}
}

// rekeyWatchLoop polls each mounted direction's ShouldRekey and drives
// the rekey state machine, honoring "at most one rekey in flight per
// direction".
func (s *Supervisor) rekeyWatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closeCh:
			return nil
		case <-ticker.C:
			s.checkRekeys(ctx)
		}
	}
}

func (s *Supervisor) checkRekeys(ctx context.Context) {
	s.mu.Lock()
	due := make([]uint32, 0, len(s.directions))
	for id, sess := range s.directions {
		if s.rekeyInFlight[id] {
			continue
		}
		if sess.ShouldRekey() {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.Rekey(ctx, id); err != nil {
			logger.Component("session").Warn("rekey failed", "direction", id, "error", err)
		}
	}
}

// Rekey drives a single-direction rekey: derives a fresh key via
// keySource, installs it atomically via aead.Session.Install, and
// updates telemetry. Returns ErrAlreadyRekeying if that direction
// already has one in flight.
func (s *Supervisor) Rekey(ctx context.Context, directionID uint32) error {
	s.mu.Lock()
	if s.rekeyInFlight[directionID] {
		s.mu.Unlock()
		return ErrAlreadyRekeying
	}
	sess, ok := s.directions[directionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session: no direction %d mounted", directionID)
	}
	s.rekeyInFlight[directionID] = true
	prevState := s.state
	s.state = Rekeying
	s.mu.Unlock()

	s.Telemetry.RekeyInitiated.Add(1)

	defer func() {
		s.mu.Lock()
		s.rekeyInFlight[directionID] = false
		if s.state == Rekeying && !s.anyRekeyInFlightLocked() {
			s.state = prevState
		}
		s.mu.Unlock()
	}()

	newKey, err := s.keySource(ctx, directionID)
	if err != nil {
		return fmt.Errorf("session: derive rekey for direction %d: %w", directionID, err)
	}
	if err := sess.Install(newKey); err != nil {
		return fmt.Errorf("session: install rekey for direction %d: %w", directionID, err)
	}

	s.Telemetry.RekeyApplied.Add(1)
	return nil
}

func (s *Supervisor) anyRekeyInFlightLocked() bool {
	for _, v := range s.rekeyInFlight {
		if v {
			return true
		}
	}
	return false
}

// utilization returns the value last given to SetUtilization (0 until
// then), which the cover-traffic loop reads.
func (s *Supervisor) utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.util
}

// SetUtilization updates the value the cover-traffic loop reads when
// computing its next interval, clamped to [0, 1].
func (s *Supervisor) SetUtilization(u float64) {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	s.mu.Lock()
	s.util = u
	s.mu.Unlock()
}

// Close transitions the session to Closing, emits a CLOSE frame on
// the attached transport, signals every subtask via closeCh, waits up
// to cfg.Supervisor.CloseGracePeriod for them to exit before
// cancelling the run context outright, then waits up to the same
// grace period for the peer's own CLOSE before zeroizing — per
// spec.md §4.12: "On Closing, flushes pending ACKs, emits CLOSE
// frame, waits for peer CLOSE or timeout, then zeroizes." (ACK
// flushing is C4's concern and is not mounted on the supervisor
// directly; callers that own a congestion.AckGenerator flush it
// before calling Close.)
func (s *Supervisor) Close(reason CloseReason) {
	s.mu.Lock()
	if s.state == Closing || s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	cancel := s.cancel
	hasGroup := s.group != nil
	transport := s.transport
	s.mu.Unlock()

	grace := s.cfg.Supervisor.CloseGracePeriod
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}

	if transport != nil {
		closeFrame := frame.Frame{
			Version: frame.Version,
			Type:    frame.TypeClose,
			Payload: reason.Bytes(),
		}
		if encoded, err := frame.Encode(closeFrame); err != nil {
			logger.Component("session").Warn("encode close frame failed", "session_id", s.sessionID, "error", err)
		} else if err := transport.Send(encoded); err != nil {
			logger.Component("session").Warn("send close frame failed", "session_id", s.sessionID, "error", err)
		}
	}

	close(s.closeCh)

	if hasGroup {
		select {
		case <-s.closed:
		case <-time.After(grace):
			if cancel != nil {
				cancel()
			}
			<-s.closed
		}
	}

	if transport != nil {
		select {
		case <-s.peerClosed:
		case <-time.After(grace):
			logger.Component("session").Warn("timed out waiting for peer CLOSE", "session_id", s.sessionID)
		}
	}

	s.mu.Lock()
	for _, sess := range s.directions {
		sess.Close()
	}
	s.state = Closed
	s.mu.Unlock()

	logger.Component("session").Info("session closed", "session_id", s.sessionID, "code", reason.Code, "kind", reason.Kind.String(), "details", reason.Details)
}

// SaveCheckpoint persists the supervisor's recovery state: direction IDs
// and receive high-water marks, never key material.
func (s *Supervisor) SaveCheckpoint(ctx context.Context) error {
	if s.Checkpoint == nil {
		return nil
	}
	s.mu.Lock()
	rec := checkpoint.Record{
		SessionID:     s.sessionID,
		InstalledAtMS: time.Now().UnixMilli(),
		RxHighWaters:  make(map[uint32]uint64, len(s.directions)),
	}
	for id, sess := range s.directions {
		rec.DirectionIDs = append(rec.DirectionIDs, id)
		rec.RxHighWaters[id] = sess.RxHighWater()
	}
	s.mu.Unlock()
	return s.Checkpoint.Save(ctx, rec)
}
