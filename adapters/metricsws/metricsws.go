// Package metricsws exports a session's telemetry.Snapshot stream over
// a websocket, one JSON message per snapshot, using a
// write-with-deadline idiom for each emitted frame.
package metricsws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/nyx/internal/logger"
	"github.com/ehrlich-b/nyx/internal/telemetry"
)

const writeTimeout = 5 * time.Second

// Sink implements telemetry.Sink over one accepted websocket
// connection.
type Sink struct {
	conn *websocket.Conn
}

// Accept upgrades an incoming HTTP request to a websocket and returns
// a Sink that writes telemetry.Snapshot values to it as JSON text
// frames.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*Sink, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("metricsws: accept: %w", err)
	}
	return &Sink{conn: conn}, nil
}

// Emit implements telemetry.Sink.
func (s *Sink) Emit(snap telemetry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("metricsws: marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("metricsws: write: %w", err)
	}
	return nil
}

// Close closes the underlying connection with a normal closure status.
func (s *Sink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}

// Run periodically emits the counters' snapshot until ctx is
// cancelled, logging (but not aborting on) transient write failures —
// a disconnected metrics viewer must never affect the session it's
// observing.
func Run(ctx context.Context, sink *Sink, counters *telemetry.Counters, interval time.Duration) {
	log := logger.Component("metricsws")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.Emit(counters.Snapshot()); err != nil {
				log.Warn("emit failed", "error", err)
			}
		}
	}
}
