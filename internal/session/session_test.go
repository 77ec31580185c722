package session

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ehrlich-b/nyx/internal/aead"
	"github.com/ehrlich-b/nyx/internal/checkpoint"
	"github.com/ehrlich-b/nyx/internal/config"
	"github.com/ehrlich-b/nyx/internal/frame"
)

func newMountedSupervisor(t *testing.T) (*Supervisor, *aead.Session) {
	t.Helper()
	cfg := config.Default()
	cfg.AEAD.MinCooldown = 0
	cfg.AEAD.RekeyRecords = 2
	cfg.Supervisor.SchedulerTick = 5 * time.Millisecond
	cfg.Supervisor.CloseGracePeriod = 200 * time.Millisecond
	cfg.Mix.FlushInterval = 5 * time.Millisecond

	keySource := func(ctx context.Context, directionID uint32) (aead.Key, error) {
		raw := make([]byte, 32)
		rand.Read(raw)
		return aead.NewKey(raw)
	}

	sup := New("test-session", cfg, keySource)

	rawKey := make([]byte, 32)
	key, err := aead.NewKey(rawKey)
	if err != nil {
		t.Fatalf("NewKey() = %v", err)
	}
	sess, err := aead.New(key, make([]byte, 12), 0, cfg.AEAD)
	if err != nil {
		t.Fatalf("aead.New() = %v", err)
	}
	sup.MountDirection(0, sess)
	return sup, sess
}

func TestMountDirectionTransitionsToOpen(t *testing.T) {
	sup, _ := newMountedSupervisor(t)
	if sup.State() != Open {
		t.Errorf("State() = %v, want Open", sup.State())
	}
}

func TestRekeyAppliesNewKeyAndUpdatesTelemetry(t *testing.T) {
	sup, sess := newMountedSupervisor(t)

	seqBefore := sess.TxSeq()
	_, _ = sess.Seal([]byte("aad"), []byte("hello"))
	if seqBefore != 0 {
		t.Fatalf("unexpected starting seq")
	}

	if err := sup.Rekey(context.Background(), 0); err != nil {
		t.Fatalf("Rekey() = %v", err)
	}
	if sup.Telemetry.RekeyInitiated.Load() != 1 {
		t.Errorf("RekeyInitiated = %d, want 1", sup.Telemetry.RekeyInitiated.Load())
	}
	if sup.Telemetry.RekeyApplied.Load() != 1 {
		t.Errorf("RekeyApplied = %d, want 1", sup.Telemetry.RekeyApplied.Load())
	}
	if sup.State() != Open {
		t.Errorf("State() after rekey completes = %v, want Open", sup.State())
	}
}

func TestRekeyRejectsSecondInFlightForSameDirection(t *testing.T) {
	sup, _ := newMountedSupervisor(t)

	blockingKeySource := func(ctx context.Context, directionID uint32) (aead.Key, error) {
		<-ctx.Done()
		return aead.Key{}, ctx.Err()
	}
	sup.keySource = blockingKeySource

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		sup.Rekey(ctx, 0)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if err := sup.Rekey(context.Background(), 0); err != ErrAlreadyRekeying {
		t.Fatalf("Rekey() = %v, want ErrAlreadyRekeying", err)
	}
	cancel()
}

func TestRunAndCloseShutsDownCleanly(t *testing.T) {
	sup, _ := newMountedSupervisor(t)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	sup.Close(CloseReason{Code: 0, Details: "test shutdown"})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Close()")
	}
	if sup.State() != Closed {
		t.Errorf("State() = %v, want Closed", sup.State())
	}
}

func TestSaveCheckpointPersistsRxHighWater(t *testing.T) {
	sup, sess := newMountedSupervisor(t)

	if _, err := sess.Open(0, []byte("aad"), mustSeal(t, sess, []byte("aad"), []byte("payload"))); err != nil {
		t.Fatalf("Open() = %v", err)
	}

	store, err := checkpoint.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("checkpoint.Open() = %v", err)
	}
	defer store.Close()
	sup.WithCheckpoint(store)

	if err := sup.SaveCheckpoint(context.Background()); err != nil {
		t.Fatalf("SaveCheckpoint() = %v", err)
	}

	rec, err := store.Load(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if rec.RxHighWaters[0] != sess.RxHighWater() {
		t.Errorf("RxHighWaters[0] = %d, want %d", rec.RxHighWaters[0], sess.RxHighWater())
	}
}

func mustSeal(t *testing.T, sess *aead.Session, aad, plaintext []byte) []byte {
	t.Helper()
	_, ct := sess.Seal(aad, plaintext)
	return ct
}

// pairedTransport hands everything Sent straight to peer's
// HandleInboundFrame, simulating a direct wire between two
// supervisors for the CLOSE-frame exchange.
type pairedTransport struct {
	peer *Supervisor
}

func (p *pairedTransport) Send(encoded []byte) error {
	frames, _, err := frame.DecodeAll(encoded, 0)
	if err != nil {
		return err
	}
	for _, f := range frames {
		p.peer.HandleInboundFrame(f)
	}
	return nil
}

func TestCloseExchangesCloseFrameWithPeer(t *testing.T) {
	supA, _ := newMountedSupervisor(t)
	supB, _ := newMountedSupervisor(t)
	supA.WithTransport(&pairedTransport{peer: supB})
	supB.WithTransport(&pairedTransport{peer: supA})

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- supA.Run(context.Background()) }()
	go func() { doneB <- supB.Run(context.Background()) }()

	closed := make(chan struct{}, 2)
	go func() {
		supA.Close(CloseReason{Code: 1, Kind: KindCancellation, Details: "bye"})
		closed <- struct{}{}
	}()
	go func() {
		supB.Close(CloseReason{Code: 2, Kind: KindCancellation, Details: "bye back"})
		closed <- struct{}{}
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("first Close() did not return")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("second Close() did not return")
	}
	<-doneA
	<-doneB

	reasonFromB, ok := supA.PeerCloseReason()
	if !ok {
		t.Fatal("supA never received supB's CLOSE frame")
	}
	if reasonFromB.Code != 2 || reasonFromB.Details != "bye back" {
		t.Errorf("supA.PeerCloseReason() = %+v, want code 2 details %q", reasonFromB, "bye back")
	}

	reasonFromA, ok := supB.PeerCloseReason()
	if !ok {
		t.Fatal("supB never received supA's CLOSE frame")
	}
	if reasonFromA.Code != 1 || reasonFromA.Details != "bye" {
		t.Errorf("supB.PeerCloseReason() = %+v, want code 1 details %q", reasonFromA, "bye")
	}
}

func TestClassifyAEADErrorDropsReplayAndStaleButNotTagMismatch(t *testing.T) {
	sup, _ := newMountedSupervisor(t)

	if fatal := sup.ClassifyAEADError(aead.ErrReplay); fatal {
		t.Error("ClassifyAEADError(ErrReplay) = fatal, want dropped")
	}
	if sup.Telemetry.ReplayDropped.Load() != 1 {
		t.Errorf("ReplayDropped = %d, want 1", sup.Telemetry.ReplayDropped.Load())
	}

	if fatal := sup.ClassifyAEADError(aead.ErrStale); fatal {
		t.Error("ClassifyAEADError(ErrStale) = fatal, want dropped")
	}
	if sup.Telemetry.StaleDropped.Load() != 1 {
		t.Errorf("StaleDropped = %d, want 1", sup.Telemetry.StaleDropped.Load())
	}

	if fatal := sup.ClassifyAEADError(aead.ErrTagMismatch); !fatal {
		t.Error("ClassifyAEADError(ErrTagMismatch) = dropped, want fatal")
	}
	if sup.Telemetry.TagMismatches.Load() != 1 {
		t.Errorf("TagMismatches = %d, want 1", sup.Telemetry.TagMismatches.Load())
	}
}

func TestSetUtilizationClamps(t *testing.T) {
	sup, _ := newMountedSupervisor(t)
	sup.SetUtilization(-5)
	if sup.utilization() != 0 {
		t.Errorf("utilization() = %f, want 0", sup.utilization())
	}
	sup.SetUtilization(5)
	if sup.utilization() != 1 {
		t.Errorf("utilization() = %f, want 1", sup.utilization())
	}
}
