// Package capability implements the SETTINGS-driven capability
// negotiation state machine (component C7): each endpoint advertises
// its required and optional capability IDs, checks the peer's
// advertisement for mutual satisfiability, and emits a CLOSE on
// mismatch.
package capability

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/nyx/internal/frame"
	"github.com/ehrlich-b/nyx/internal/logger"
)

// Setting IDs for capability advertisement.
const (
	IDPluginRequiredLegacy uint16 = 0x05 // single cap_id scalar, accepted on receipt only
	IDPluginRequiredCBOR   uint16 = 0x10 // CBOR array of required cap IDs
	IDPluginOptionalCBOR   uint16 = 0x11 // CBOR array of optional cap IDs
)

// ErrUnsupportedCap is the CLOSE error code emitted when negotiation
// fails.
const ErrUnsupportedCap uint16 = 0x07

// State is the negotiator's current position in the state machine.
type State int

const (
	Pending State = iota
	Negotiating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Negotiating:
		return "negotiating"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Advertisement is one endpoint's SETTINGS declaration of capability
// IDs.
type Advertisement struct {
	Required []uint32
	Optional []uint32
}

// CloseReason is the 6-byte CLOSE payload emitted on negotiation
// failure: 2-byte error code followed by the 4-byte offending cap_id.
type CloseReason struct {
	Code  uint16
	CapID uint32
}

// Bytes encodes the reason as 2B code ‖ 4B cap_id, big-endian.
func (r CloseReason) Bytes() []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], r.Code)
	binary.BigEndian.PutUint32(buf[2:6], r.CapID)
	return buf
}

// Negotiator drives one endpoint's side of capability negotiation.
// Both endpoints of a session run an identical, symmetric instance.
type Negotiator struct {
	local     Advertisement
	supported map[uint32]bool

	peerRequired map[uint32]bool

	state     State
	failedCap uint32
}

// New creates a Negotiator in the Pending state. supported is the
// full set of capability IDs this endpoint can handle, used to check
// the peer's required set against local support.
func New(local Advertisement, supported []uint32) *Negotiator {
	set := make(map[uint32]bool, len(supported))
	for _, id := range supported {
		set[id] = true
	}
	return &Negotiator{local: local, supported: set, state: Pending}
}

// Start transitions Pending → Negotiating and returns the local
// SETTINGS advertisement to send.
func (n *Negotiator) Start() (Advertisement, error) {
	if n.state != Pending {
		return Advertisement{}, fmt.Errorf("capability: Start called in state %s, want Pending", n.state)
	}
	n.state = Negotiating
	return n.local, nil
}

// ReceivePeerSettings processes the peer's SETTINGS advertisement.
// It returns (Ready, nil, nil) on success, or (Failed, reason, nil)
// on mismatch — the caller is responsible for emitting the CLOSE frame
// built from reason. The error is non-nil only when called outside
// the Negotiating state.
//
// missing = local.required \ (peer.required ∪ peer.optional)
// unmet_peer = peer.required \ local.supported
// If either is non-empty, negotiation fails on one cap_id drawn from
// their union.
func (n *Negotiator) ReceivePeerSettings(peer Advertisement) (State, *CloseReason, error) {
	if n.state != Negotiating {
		return n.state, nil, fmt.Errorf("capability: ReceivePeerSettings called in state %s, want Negotiating", n.state)
	}

	peerOffered := make(map[uint32]bool, len(peer.Required)+len(peer.Optional))
	for _, id := range peer.Required {
		peerOffered[id] = true
	}
	for _, id := range peer.Optional {
		peerOffered[id] = true
	}

	n.peerRequired = make(map[uint32]bool, len(peer.Required))
	for _, id := range peer.Required {
		n.peerRequired[id] = true
	}

	var missing, unmetPeer []uint32
	for _, id := range n.local.Required {
		if !peerOffered[id] {
			missing = append(missing, id)
		}
	}
	for _, id := range peer.Required {
		if !n.supported[id] {
			unmetPeer = append(unmetPeer, id)
		}
	}

	if len(missing) > 0 || len(unmetPeer) > 0 {
		var capID uint32
		switch {
		case len(missing) > 0:
			capID = missing[0]
		default:
			capID = unmetPeer[0]
		}
		n.state = Failed
		n.failedCap = capID
		reason := &CloseReason{Code: ErrUnsupportedCap, CapID: capID}
		logger.Component("capability").Error("capability negotiation failed", "cap_id", capID)
		return n.state, reason, nil
	}

	n.state = Ready
	return n.state, nil, nil
}

// State returns the negotiator's current state.
func (n *Negotiator) State() State { return n.state }

// FailedCapID returns the capability ID that triggered a Failed
// transition; only meaningful when State() == Failed.
func (n *Negotiator) FailedCapID() uint32 { return n.failedCap }

// DispatchPlugin decodes an inbound plugin-range frame and looks its
// plugin_id up against this endpoint's known plugins. A recognized ID
// is reported for the caller to route; an unrecognized one that the
// peer advertised as required yields a CloseReason the caller must
// turn into a CLOSE frame (ERR_UNSUPPORTED_CAP, cap_id = plugin_id).
// An unrecognized optional plugin_id is reported as neither — the
// caller drops the frame silently.
func (n *Negotiator) DispatchPlugin(f frame.Frame) (recognized bool, reason *CloseReason, err error) {
	p, err := frame.DecodePluginFrame(f)
	if err != nil {
		return false, nil, err
	}
	if n.supported[p.PluginID] {
		return true, nil, nil
	}
	if n.peerRequired[p.PluginID] {
		logger.Component("capability").Error("required plugin unsupported", "plugin_id", p.PluginID)
		return false, &CloseReason{Code: ErrUnsupportedCap, CapID: p.PluginID}, nil
	}
	return false, nil, nil
}

// DecodeLegacyRequired extracts a single required cap_id from the
// legacy 0x05 scalar SETTINGS value, accepted on receipt for backward
// compatibility with older peers.
func DecodeLegacyRequired(value []byte) (uint32, error) {
	if len(value) != 4 {
		return 0, fmt.Errorf("capability: legacy required setting must be 4 bytes, got %d", len(value))
	}
	return binary.BigEndian.Uint32(value), nil
}
