// Package frame implements the Nyx wire frame: a length-prefixed,
// versioned, CBOR-bodied envelope (component C1 of the datapath).
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies the frame body. Values 0x50..0x5F are reserved for
// plugin frames and are accepted without being individually named.
type Type uint8

const (
	TypeData Type = iota + 1
	TypeAck
	TypeClose
	TypeSettings
	TypePathChallenge
	TypePathResponse
	TypeHeartbeat
)

// PluginTypeMin and PluginTypeMax bound the reserved plugin frame
// range (inclusive).
const (
	PluginTypeMin Type = 0x50
	PluginTypeMax Type = 0x5F
)

// IsPlugin reports whether t falls in the reserved plugin range.
func (t Type) IsPlugin() bool { return t >= PluginTypeMin && t <= PluginTypeMax }

// PluginFrame is the CBOR payload carried by a Frame whose Type falls
// in the plugin range: a numeric plugin identifier, a plugin-defined
// flags byte, and an opaque data blob. Dispatch on PluginID is a
// match on the tag, not dynamic loading.
type PluginFrame struct {
	_        struct{} `cbor:",toarray"`
	PluginID uint32
	Flags    uint8
	Data     []byte
}

// EncodePluginFrame serializes p to CBOR for use as a plugin-range
// Frame's Payload.
func EncodePluginFrame(p PluginFrame) ([]byte, error) {
	enc, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("frame: encode plugin frame: %w", err)
	}
	return enc, nil
}

// DecodePluginFrame parses f.Payload as a PluginFrame. f.Type must
// fall in the plugin range.
func DecodePluginFrame(f Frame) (PluginFrame, error) {
	if !f.Type.IsPlugin() {
		return PluginFrame{}, fmt.Errorf("frame: decode plugin frame: %w: type 0x%02x is not in the plugin range", ErrUnknownType, f.Type)
	}
	var p PluginFrame
	if err := cbor.Unmarshal(f.Payload, &p); err != nil {
		return PluginFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// DefaultMaxFrameLen (8 MiB) bounds a frame's body length, the value
// of its length prefix. Encode enforces it; Decode checks the prefix
// against it before any allocation when called with maxLen 0.
const DefaultMaxFrameLen = 8 << 20

// Version is the only wire protocol version this codec understands.
const Version uint8 = 1

// Frame is the decoded representation of a Nyx wire frame.
type Frame struct {
	Version   uint8
	Type      Type
	Flags     uint8
	StreamID  uint32
	Seq       uint64
	PathID    *uint8 // nil when absent
	Payload   []byte
}

// wireBody mirrors Frame's field order for CBOR array encoding so the
// encoded bytes have a stable, spec-mandated field order rather than
// depending on Go map iteration or struct-tag key ordering.
type wireBody struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	Type      uint8
	Flags     uint8
	StreamID  uint32
	Seq       uint64
	PathID    *uint8
	Payload   []byte
}

var (
	// ErrFrameTooLarge is returned when the length prefix (or the
	// decoded body) exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame: too large")
	// ErrMalformed is returned when the CBOR body cannot be decoded.
	ErrMalformed = errors.New("frame: malformed body")
	// ErrUnknownType is returned for a frame_type outside the known
	// set and outside the plugin range.
	ErrUnknownType = errors.New("frame: unknown type")
)

// Encode serializes f as len:u32_be ‖ cbor_body.
func Encode(f Frame) ([]byte, error) {
	body := wireBody{
		Version:  f.Version,
		Type:     uint8(f.Type),
		Flags:    f.Flags,
		StreamID: f.StreamID,
		Seq:      f.Seq,
		PathID:   f.PathID,
		Payload:  f.Payload,
	}
	enc, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	if len(enc) > DefaultMaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(enc))
	binary.BigEndian.PutUint32(out[:4], uint32(len(enc)))
	copy(out[4:], enc)
	return out, nil
}

// DecodeResult tags the outcome of a single Decode call.
type DecodeResult int

const (
	// Incomplete means buf did not contain a full frame; Need reports
	// how many additional bytes are required before retrying.
	Incomplete DecodeResult = iota
	Complete
	DecodeError
)

// Decode attempts to read one frame from the front of buf. It never
// allocates the body buffer before validating the declared length
// against maxLen (0 selects DefaultMaxFrameLen).
//
// Returns the result tag, the decoded frame (when Complete), the
// number of bytes consumed from buf (when Complete), the shortfall in
// bytes (when Incomplete), and an error (when DecodeError).
func Decode(buf []byte, maxLen uint32) (DecodeResult, Frame, int, int, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxFrameLen
	}
	if len(buf) < 4 {
		return Incomplete, Frame{}, 0, 4 - len(buf), nil
	}
	bodyLen := binary.BigEndian.Uint32(buf[:4])
	if bodyLen > maxLen {
		return DecodeError, Frame{}, 0, 0, ErrFrameTooLarge
	}
	total := 4 + int(bodyLen)
	if len(buf) < total {
		return Incomplete, Frame{}, 0, total - len(buf), nil
	}

	var body wireBody
	if err := cbor.Unmarshal(buf[4:total], &body); err != nil {
		return DecodeError, Frame{}, 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	t := Type(body.Type)
	if t > TypeHeartbeat && !t.IsPlugin() {
		return DecodeError, Frame{}, 0, 0, ErrUnknownType
	}
	if t == 0 {
		return DecodeError, Frame{}, 0, 0, ErrUnknownType
	}

	f := Frame{
		Version:  body.Version,
		Type:     t,
		Flags:    body.Flags,
		StreamID: body.StreamID,
		Seq:      body.Seq,
		PathID:   body.PathID,
		Payload:  body.Payload,
	}
	return Complete, f, total, 0, nil
}

// DecodeAll decodes every complete frame concatenated in buf, returning
// the frames and the number of trailing bytes left unconsumed (an
// Incomplete tail, not an error).
func DecodeAll(buf []byte, maxLen uint32) ([]Frame, int, error) {
	var frames []Frame
	offset := 0
	for offset < len(buf) {
		res, f, n, _, err := Decode(buf[offset:], maxLen)
		switch res {
		case Complete:
			frames = append(frames, f)
			offset += n
		case Incomplete:
			return frames, len(buf) - offset, nil
		case DecodeError:
			return frames, len(buf) - offset, err
		}
	}
	return frames, 0, nil
}
