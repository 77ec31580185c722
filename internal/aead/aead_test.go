package aead

import (
	"bytes"
	"testing"
	"time"

	"github.com/ehrlich-b/nyx/internal/config"
)

func testKey(t *testing.T) Key {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = 42
	}
	k, err := NewKey(raw)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return k
}

func newPair(t *testing.T) (tx, rx *Session) {
	t.Helper()
	cfg := config.Default().AEAD
	baseNonce := make([]byte, 12)
	key := testKey(t)

	tx, err := New(key, baseNonce, 0, cfg)
	if err != nil {
		t.Fatalf("new tx session: %v", err)
	}
	rx, err = New(key, baseNonce, 0, cfg)
	if err != nil {
		t.Fatalf("new rx session: %v", err)
	}
	return tx, rx
}

func TestLoopbackRoundtrip(t *testing.T) {
	tx, rx := newPair(t)

	seq, ct := tx.Seal([]byte("aad"), []byte("hello nyx"))
	if seq != 0 {
		t.Errorf("tx_seq = %d, want 0", seq)
	}

	pt, err := rx.Open(seq, []byte("aad"), ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello nyx")) {
		t.Errorf("plaintext = %q, want %q", pt, "hello nyx")
	}
	if rx.rx.bitmap[0]&1 == 0 {
		t.Error("receiver window bit 0 not set")
	}
}

func TestReplayDetection(t *testing.T) {
	tx, rx := newPair(t)

	seq, ct := tx.Seal(nil, []byte("msg"))
	if _, err := rx.Open(seq, nil, ct); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := rx.Open(seq, nil, ct); err != ErrReplay {
		t.Errorf("second open err = %v, want ErrReplay", err)
	}
}

func TestStaleSequenceRejected(t *testing.T) {
	tx, rx := newPair(t)

	// Advance rx's high_water to 4.
	for i := 0; i < 5; i++ {
		seq, ct := tx.Seal(nil, []byte("x"))
		if _, err := rx.Open(seq, nil, ct); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	// An old sequence that is still inside the replay window.
	if err := rx.rx.check(0); err != nil {
		t.Fatalf("seq 0 should still be in-window after only 5 advances: %v", err)
	}

	// Force the high water far ahead to push seq 5 out of the window.
	rx.rx.set(windowBits + 10)
	if err := rx.rx.check(5); err != ErrStale {
		t.Errorf("check(5) = %v, want ErrStale", err)
	}
}

func TestOutOfOrderOpenWithinWindow(t *testing.T) {
	tx, rx := newPair(t)

	var seqs []uint64
	var cts [][]byte
	for i := 0; i < 3; i++ {
		seq, ct := tx.Seal(nil, []byte{byte(i)})
		seqs = append(seqs, seq)
		cts = append(cts, ct)
	}

	// Open out of order: 2, 0, 1.
	order := []int{2, 0, 1}
	for _, idx := range order {
		if _, err := rx.Open(seqs[idx], nil, cts[idx]); err != nil {
			t.Fatalf("open seq %d: %v", seqs[idx], err)
		}
	}
}

func TestTagMismatchIsFatal(t *testing.T) {
	tx, rx := newPair(t)
	seq, ct := tx.Seal(nil, []byte("payload"))
	ct[len(ct)-1] ^= 0xFF // corrupt the tag

	if _, err := rx.Open(seq, nil, ct); err == nil {
		t.Fatal("expected tag mismatch error")
	}
}

func TestShouldRekeyThresholds(t *testing.T) {
	cfg := config.AEADConfig{RekeyRecords: 2, MinCooldown: 0}
	key := testKey(t)
	s, err := New(key, make([]byte, 12), 0, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if s.ShouldRekey() {
		t.Fatal("should not need rekey yet")
	}
	s.Seal(nil, []byte("a"))
	s.Seal(nil, []byte("b"))
	if !s.ShouldRekey() {
		t.Error("expected rekey after reaching record threshold")
	}
}

func TestShouldRekeyRespectsCooldown(t *testing.T) {
	cfg := config.AEADConfig{RekeyRecords: 1, MinCooldown: time.Hour}
	key := testKey(t)
	s, err := New(key, make([]byte, 12), 0, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Seal(nil, []byte("a"))
	if s.ShouldRekey() {
		t.Error("cooldown should suppress rekey request")
	}
}

func TestInstallResetsCountersAndKeepsSequencing(t *testing.T) {
	cfg := config.Default().AEAD
	key := testKey(t)
	s, err := New(key, make([]byte, 12), 0, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Seal(nil, []byte("a"))
	s.Seal(nil, []byte("b"))

	newRaw := make([]byte, 32)
	for i := range newRaw {
		newRaw[i] = 7
	}
	newKey, err := NewKey(newRaw)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if err := s.Install(newKey); err != nil {
		t.Fatalf("install: %v", err)
	}

	if s.recordCount != 0 || s.byteCount != 0 {
		t.Errorf("counters not reset: records=%d bytes=%d", s.recordCount, s.byteCount)
	}
	if s.TxSeq() != 2 {
		t.Errorf("tx_seq = %d, want 2 (sequencing preserved across rekey)", s.TxSeq())
	}
}

func TestCrossDirectionReplayPrevented(t *testing.T) {
	cfg := config.Default().AEAD
	key := testKey(t)
	baseNonce := make([]byte, 12)

	txA, err := New(key, baseNonce, 0, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	txB, err := New(key, baseNonce, 1, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, ctA := txA.Seal(nil, []byte("from A"))
	_, ctB := txB.Seal(nil, []byte("from B"))
	if bytes.Equal(ctA, ctB) {
		t.Error("same seq in different directions produced identical ciphertext")
	}
}
