// Package dctransport adapts a pion WebRTC DataChannel into the byte
// sink the datapath's transport boundary needs: send raw frame bytes,
// decode whatever arrives back into complete Nyx frames.
package dctransport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/nyx/internal/frame"
)

// FrameHandler receives one fully decoded frame at a time, in arrival
// order.
type FrameHandler func(frame.Frame)

// Transport wraps one DataChannel as a path's transport sink. Each
// mounted path in the multipath scheduler gets its own Transport.
type Transport struct {
	dc      *webrtc.DataChannel
	maxLen  uint32
	onFrame FrameHandler
	onError func(error)

	mu  sync.Mutex
	buf []byte
}

// New wraps dc, decoding inbound binary messages as Nyx frames and
// invoking onFrame for each complete one. maxLen of 0 selects
// frame.DefaultMaxFrameLen. Messages that don't decode cleanly invoke
// onError (if non-nil) and are otherwise dropped — a single corrupt
// message must not wedge the buffer for subsequent ones.
func New(dc *webrtc.DataChannel, maxLen uint32, onFrame FrameHandler, onError func(error)) *Transport {
	t := &Transport{dc: dc, maxLen: maxLen, onFrame: onFrame, onError: onError}
	dc.OnMessage(t.handleMessage)
	return t
}

func (t *Transport) handleMessage(msg webrtc.DataChannelMessage) {
	t.mu.Lock()
	frames, remaining, err := appendAndDecode(t.buf, msg.Data, t.maxLen)
	t.buf = remaining
	t.mu.Unlock()

	if err != nil && t.onError != nil {
		t.onError(fmt.Errorf("dctransport: decode: %w", err))
	}
	for _, f := range frames {
		t.onFrame(f)
	}
}

// appendAndDecode appends incoming to buf and decodes every complete
// frame from the front. On success, any trailing bytes are a genuine
// incomplete tail and are kept for the next call. On a decode error,
// the whole buffer is dropped — there's no reliable resync point in a
// corrupted byte stream, and keeping it would wedge the buffer on the
// same offending bytes forever.
func appendAndDecode(buf, incoming []byte, maxLen uint32) ([]frame.Frame, []byte, error) {
	buf = append(buf, incoming...)
	frames, trailing, err := frame.DecodeAll(buf, maxLen)
	if err != nil {
		return frames, nil, err
	}
	if trailing <= 0 || trailing > len(buf) {
		return frames, nil, nil
	}
	return frames, buf[len(buf)-trailing:], nil
}

// Send writes a pre-encoded frame (frame.Encode's output) onto the
// DataChannel as a binary message.
func (t *Transport) Send(encoded []byte) error {
	if err := t.dc.Send(encoded); err != nil {
		return fmt.Errorf("dctransport: send: %w", err)
	}
	return nil
}

// Label reports the underlying DataChannel's label, used by callers
// to recover the path ID encoded in it (e.g. "nyx-path-3").
func (t *Transport) Label() string {
	return t.dc.Label()
}

// Close closes the underlying DataChannel.
func (t *Transport) Close() error {
	return t.dc.Close()
}
