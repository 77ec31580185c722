package dctransport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/nyx/internal/logger"
)

// pathLabelPrefix is the DataChannel label convention this adapter
// uses to recover a path ID from an incoming channel: "nyx-path-<id>".
const pathLabelPrefix = "nyx-path-"

// PathHandler is invoked once a new path's Transport is ready, whether
// the channel was opened locally via OpenPath or accepted from the
// peer via OnDataChannel.
type PathHandler func(pathID uint8, t *Transport)

// Manager owns one peer's WebRTC connection and mounts one Transport
// per negotiated DataChannel, mirroring the session supervisor's "one
// transport per path" model.
type Manager struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	transports map[uint8]*Transport
	maxLen     uint32
	onPath     PathHandler
	onFrame    FrameHandler
	onError    func(error)
}

// NewManager creates a PeerConnection with the given ICE servers.
// onFrame/onError apply to every path's Transport, local or
// peer-initiated; onPath fires once a path's Transport is ready to
// send.
func NewManager(iceServers []webrtc.ICEServer, maxLen uint32, onPath PathHandler, onFrame FrameHandler, onError func(error)) (*Manager, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("dctransport: new peer connection: %w", err)
	}
	m := &Manager{
		pc:         pc,
		transports: make(map[uint8]*Transport),
		maxLen:     maxLen,
		onPath:     onPath,
		onFrame:    onFrame,
		onError:    onError,
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		pathID, ok := parsePathLabel(dc.Label())
		if !ok {
			logger.Component("dctransport").Warn("ignoring data channel with unrecognized label", "label", dc.Label())
			return
		}
		dc.OnOpen(func() { m.mount(pathID, dc) })
	})

	return m, nil
}

func (m *Manager) mount(pathID uint8, dc *webrtc.DataChannel) {
	t := New(dc, m.maxLen, m.onFrame, m.onError)
	m.mu.Lock()
	m.transports[pathID] = t
	m.mu.Unlock()
	if m.onPath != nil {
		m.onPath(pathID, t)
	}
}

func parsePathLabel(label string) (uint8, bool) {
	if !strings.HasPrefix(label, pathLabelPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, pathLabelPrefix))
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return uint8(n), true
}

// OpenPath creates a new labeled DataChannel for pathID and mounts a
// Transport on it once the channel finishes opening.
func (m *Manager) OpenPath(pathID uint8) error {
	dc, err := m.pc.CreateDataChannel(pathLabelPrefix+strconv.Itoa(int(pathID)), nil)
	if err != nil {
		return fmt.Errorf("dctransport: create data channel for path %d: %w", pathID, err)
	}
	dc.OnOpen(func() { m.mount(pathID, dc) })
	return nil
}

// Transport returns the mounted Transport for pathID, if any.
func (m *Manager) Transport(pathID uint8) (*Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transports[pathID]
	return t, ok
}

// PeerConnection exposes the underlying pion PeerConnection for SDP
// offer/answer exchange, which this package deliberately doesn't wrap
// — signaling transport (WebSocket, HTTP) is the caller's concern.
func (m *Manager) PeerConnection() *webrtc.PeerConnection {
	return m.pc
}

// Close tears down every mounted transport and the peer connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	transports := m.transports
	m.transports = make(map[uint8]*Transport)
	m.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return m.pc.Close()
}
