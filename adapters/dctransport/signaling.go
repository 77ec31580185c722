package dctransport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/nyx/internal/logger"
)

// SignalingManager is the relay side of path establishment: it accepts
// one SDP offer per remote node and keeps that node's Manager alive
// for the life of the PeerConnection, tearing it down on failure or
// explicit close.
type SignalingManager struct {
	mu         sync.Mutex
	peers      map[string]*Manager // nodeID -> per-peer path Manager
	iceServers []webrtc.ICEServer
	maxLen     uint32
	onPath     PathHandler
	onFrame    FrameHandler
	onError    func(error)
}

// NewSignalingManager creates a SignalingManager. onPath/onFrame/
// onError are forwarded to every per-node Manager it creates.
func NewSignalingManager(iceServers []webrtc.ICEServer, maxLen uint32, onPath PathHandler, onFrame FrameHandler, onError func(error)) *SignalingManager {
	return &SignalingManager{
		peers:      make(map[string]*Manager),
		iceServers: iceServers,
		maxLen:     maxLen,
		onPath:     onPath,
		onFrame:    onFrame,
		onError:    onError,
	}
}

// HandleOffer processes an SDP offer from nodeID, replacing any
// existing Manager for that node, and returns the SDP answer once ICE
// gathering completes.
func (sm *SignalingManager) HandleOffer(nodeID, sdpOffer string) (string, error) {
	mgr, err := NewManager(sm.iceServers, sm.maxLen, sm.onPath, sm.onFrame, sm.onError)
	if err != nil {
		return "", fmt.Errorf("dctransport: new manager for node %s: %w", nodeID, err)
	}
	pc := mgr.PeerConnection()

	sm.mu.Lock()
	if old, ok := sm.peers[nodeID]; ok {
		old.Close()
	}
	sm.peers[nodeID] = mgr
	sm.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		sm.mu.Lock()
		if sm.peers[nodeID] == mgr {
			delete(sm.peers, nodeID)
		}
		sm.mu.Unlock()
		logger.Component("dctransport").Info("peer connection torn down", "node", nodeID, "state", state)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		mgr.Close()
		return "", fmt.Errorf("dctransport: set remote description for node %s: %w", nodeID, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		mgr.Close()
		return "", fmt.Errorf("dctransport: create answer for node %s: %w", nodeID, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		mgr.Close()
		return "", fmt.Errorf("dctransport: set local description for node %s: %w", nodeID, err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		mgr.Close()
		return "", fmt.Errorf("dctransport: no local description for node %s after ICE gathering", nodeID)
	}
	return local.SDP, nil
}

// Peer returns the Manager for nodeID, if a connection is live.
func (sm *SignalingManager) Peer(nodeID string) (*Manager, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	mgr, ok := sm.peers[nodeID]
	return mgr, ok
}

// Close tears down every peer's Manager.
func (sm *SignalingManager) Close() {
	sm.mu.Lock()
	peers := sm.peers
	sm.peers = make(map[string]*Manager)
	sm.mu.Unlock()

	for _, mgr := range peers {
		mgr.Close()
	}
}
