package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/nyx/internal/aead"
	"github.com/ehrlich-b/nyx/internal/config"
	"github.com/ehrlich-b/nyx/internal/frame"
	"github.com/ehrlich-b/nyx/internal/handshake"
	"github.com/ehrlich-b/nyx/internal/reorder"
	"github.com/ehrlich-b/nyx/internal/session"
)

func loopbackCmd() *cobra.Command {
	var (
		frameCount int
		hybrid     bool
		shuffle    bool
	)

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run a local handshake + AEAD + frame loopback and report telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := handshake.Classic
			if hybrid {
				mode = handshake.HybridPQ
			}
			return runLoopback(cmd, mode, frameCount, shuffle)
		},
	}

	cmd.Flags().IntVar(&frameCount, "frames", 64, "Number of data frames to push through the loopback")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "Use the hybrid X25519+ML-KEM-768 handshake instead of classic X25519")
	cmd.Flags().BoolVar(&shuffle, "shuffle", false, "Deliver frames out of order to exercise the reorder buffer")
	return cmd
}

// runLoopback performs a full two-party handshake, mounts one AEAD
// direction on each side's session supervisor, seals frameCount data
// frames on the initiator side, and delivers them to the responder
// through the wire frame codec and a reorder buffer, printing the
// resulting telemetry snapshot.
func runLoopback(cmd *cobra.Command, mode handshake.Mode, frameCount int, shuffle bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var initStatic, respStatic [32]byte
	if _, err := rand.Read(initStatic[:]); err != nil {
		return fmt.Errorf("generate initiator static key: %w", err)
	}
	if _, err := rand.Read(respStatic[:]); err != nil {
		return fmt.Errorf("generate responder static key: %w", err)
	}

	initDriver := handshake.New(mode, initStatic, respStatic, true)
	respDriver := handshake.New(mode, respStatic, initStatic, true)

	msg1, pending, err := initDriver.Initiate()
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	msg2, respKey, err := respDriver.Respond(msg1)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	initKey, err := initDriver.Finalize(pending, msg2)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	initKey.Zeroize()
	defer respKey.Zeroize()

	cfg := config.Default()
	cfg.Supervisor.SchedulerTick = 10 * time.Millisecond
	cfg.Mix.FlushInterval = 20 * time.Millisecond

	zeroKeySource := func(context.Context, uint32) (aead.Key, error) { return aead.Key{}, nil }

	initSup := session.New("loopback-init", cfg, zeroKeySource)
	respSup := session.New("loopback-resp", cfg, zeroKeySource)
	initSup.WithTransport(&directTransport{peer: respSup})
	respSup.WithTransport(&directTransport{peer: initSup})

	const directionID = 0
	aeadKey, err := aead.NewKey(respKey[:])
	if err != nil {
		return fmt.Errorf("wrap session key: %w", err)
	}
	baseNonce := make([]byte, 12)
	if _, err := rand.Read(baseNonce); err != nil {
		return fmt.Errorf("generate base nonce: %w", err)
	}

	txSess, err := aead.New(aeadKey, baseNonce, directionID, cfg.AEAD)
	if err != nil {
		return fmt.Errorf("new tx session: %w", err)
	}
	rxSess, err := aead.New(aeadKey, baseNonce, directionID, cfg.AEAD)
	if err != nil {
		return fmt.Errorf("new rx session: %w", err)
	}
	initSup.MountDirection(directionID, txSess)
	respSup.MountDirection(directionID, rxSess)

	runErrs := make(chan error, 2)
	go func() { runErrs <- initSup.Run(ctx) }()
	go func() { runErrs <- respSup.Run(ctx) }()

	buf := reorder.New[frame.Frame](0)

	encoded := make([][]byte, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		seq, ct := txSess.Seal(nil, []byte(fmt.Sprintf("payload-%d", i)))
		initSup.Telemetry.BytesSent.Add(uint64(len(ct)))

		f := frame.Frame{Version: frame.Version, Type: frame.TypeData, StreamID: 1, Seq: seq, Payload: ct}
		enc, err := frame.Encode(f)
		if err != nil {
			return fmt.Errorf("encode frame %d: %w", seq, err)
		}
		encoded = append(encoded, enc)
	}

	if shuffle {
		// Swap adjacent pairs so the reorder buffer sees real
		// out-of-order arrivals instead of a pass-through stream.
		for i := 0; i+1 < len(encoded); i += 2 {
			encoded[i], encoded[i+1] = encoded[i+1], encoded[i]
		}
	}

	delivered := 0
	for _, enc := range encoded {
		decoded, _, err := frame.DecodeAll(enc, 0)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		for _, df := range decoded {
			if _, err := rxSess.Open(df.Seq, nil, df.Payload); err != nil {
				// Replay and stale sequences are dropped, not aborted; a
				// genuine tag mismatch is the only thing fatal here, per
				// spec.md §7.
				if respSup.ClassifyAEADError(err) {
					return fmt.Errorf("open frame %d: %w", df.Seq, err)
				}
				continue
			}
			respSup.Telemetry.BytesReceived.Add(uint64(len(df.Payload)))
			delivered += len(buf.Push(df.Seq, df))
		}
	}

	modeName := "classic"
	if mode == handshake.HybridPQ {
		modeName = "hybrid-pq"
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "mode\t%s\n", modeName)
	fmt.Fprintf(w, "frames sent\t%d\n", frameCount)
	fmt.Fprintf(w, "frames delivered in order\t%d\n", delivered)
	fmt.Fprintf(w, "initiator telemetry\t%s\n", initSup.Telemetry.Snapshot().LogLine())
	fmt.Fprintf(w, "responder telemetry\t%s\n", respSup.Telemetry.Snapshot().LogLine())
	w.Flush()

	// Close both sides concurrently so each one's CLOSE frame is in
	// flight while the other is waiting for it, instead of serializing
	// the exchange and paying the full grace-period timeout twice.
	closeDone := make(chan struct{}, 2)
	go func() {
		initSup.Close(session.CloseReason{Code: 0, Kind: session.KindCancellation, Details: "loopback complete"})
		closeDone <- struct{}{}
	}()
	go func() {
		respSup.Close(session.CloseReason{Code: 0, Kind: session.KindCancellation, Details: "loopback complete"})
		closeDone <- struct{}{}
	}()
	<-closeDone
	<-closeDone
	<-runErrs
	<-runErrs

	return nil
}

// directTransport hands a Supervisor's outgoing CLOSE frame straight
// to its peer's HandleInboundFrame, standing in for a real network
// transport in this loopback harness.
type directTransport struct {
	peer *session.Supervisor
}

func (t *directTransport) Send(encoded []byte) error {
	frames, _, err := frame.DecodeAll(encoded, 0)
	if err != nil {
		return err
	}
	for _, f := range frames {
		t.peer.HandleInboundFrame(f)
	}
	return nil
}
