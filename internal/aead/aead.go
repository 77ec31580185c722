// Package aead implements the per-direction sequenced AEAD session
// (component C2): ChaCha20-Poly1305 sealing keyed off a monotonic
// sequence number, with a sliding replay window on the receive side
// and threshold-driven rekey.
package aead

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ehrlich-b/nyx/internal/config"
)

// windowBits is the size of the replay sliding window in bits
// (1,048,576 bits).
const windowBits = 1 << 20
const windowWords = windowBits / 64

var (
	ErrReplay      = errors.New("aead: replay")
	ErrStale       = errors.New("aead: stale sequence")
	ErrTagMismatch = errors.New("aead: tag mismatch")
)

// Key is a 32-byte session key held behind a wrapper whose unexported
// zeroize method overwrites the backing array. The key bytes are not
// exposed outside this package.
type Key struct {
	b [32]byte
}

// NewKey copies raw into a Key. raw must be exactly 32 bytes.
func NewKey(raw []byte) (Key, error) {
	var k Key
	if len(raw) != 32 {
		return k, fmt.Errorf("aead: key must be 32 bytes, got %d", len(raw))
	}
	copy(k.b[:], raw)
	return k, nil
}

func (k *Key) zeroize() {
	for i := range k.b {
		k.b[i] = 0
	}
}

// replayWindow is a fixed-capacity sliding bitmap keyed by absolute
// sequence number, using the same circular-index-plus-shift approach
// WireGuard-style replay filters use.
type replayWindow struct {
	highWater uint64
	seenAny   bool
	bitmap    [windowWords]uint64
}

func (w *replayWindow) check(seq uint64) error {
	if !w.seenAny {
		return nil
	}
	if seq+windowBits <= w.highWater {
		return ErrStale
	}
	if seq > w.highWater {
		return nil
	}
	pos := seq % windowBits
	word, bit := pos/64, uint64(1)<<(pos%64)
	if w.bitmap[word]&bit != 0 {
		return ErrReplay
	}
	return nil
}

func (w *replayWindow) set(seq uint64) {
	if !w.seenAny || seq > w.highWater {
		if w.seenAny {
			w.advance(seq)
		}
		w.highWater = seq
		w.seenAny = true
	}
	pos := seq % windowBits
	word, bit := pos/64, uint64(1)<<(pos%64)
	w.bitmap[word] |= bit
}

// advance clears the bitmap positions that enter the window between
// the current high_water and newHigh, so stale bits from a prior trip
// around the circular bitmap don't read back as "already seen".
func (w *replayWindow) advance(newHigh uint64) {
	diff := newHigh - w.highWater
	if diff >= windowBits {
		w.bitmap = [windowWords]uint64{}
		return
	}
	start := w.highWater + 1
	for remaining := diff; remaining > 0; {
		pos := start % windowBits
		word, bitOff := pos/64, pos%64
		n := uint64(64) - bitOff
		if n > remaining {
			n = remaining
		}
		var mask uint64
		if n == 64 {
			mask = ^uint64(0)
		} else {
			mask = (uint64(1)<<n - 1) << bitOff
		}
		w.bitmap[word] &^= mask
		start += n
		remaining -= n
	}
}

// Session is one direction's AEAD state. A stream carries two
// Sessions (tx and rx) or, for a loopback pair, one session in each
// direction across two endpoints.
type Session struct {
	mu sync.Mutex

	key         Key
	aead        cipher.AEAD
	baseNonce   [chacha20poly1305.NonceSize]byte
	directionID uint32

	txSeq uint64

	rx replayWindow

	recordCount uint64
	byteCount   uint64
	installedAt time.Time

	cfg config.AEADConfig
}

// New creates a Session for one traffic direction. baseNonce must be
// exactly chacha20poly1305.NonceSize (12) bytes; directionID separates
// the two directions of a bidirectional stream so seq 0 in one
// direction never collides with seq 0 in the other, preventing
// cross-direction replay.
func New(key Key, baseNonce []byte, directionID uint32, cfg config.AEADConfig) (*Session, error) {
	if len(baseNonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("aead: base nonce must be %d bytes, got %d", chacha20poly1305.NonceSize, len(baseNonce))
	}
	a, err := chacha20poly1305.New(key.b[:])
	if err != nil {
		return nil, fmt.Errorf("aead: init cipher: %w", err)
	}
	s := &Session{
		key:         key,
		aead:        a,
		directionID: directionID,
		installedAt: time.Now(),
		cfg:         cfg,
	}
	copy(s.baseNonce[:], baseNonce)
	return s, nil
}

// nonce derives the per-record nonce: the low 4 bytes are overwritten
// with the big-endian direction ID, and the high 8 bytes are XORed
// with the big-endian sequence number.
func (s *Session) nonce(seq uint64) [chacha20poly1305.NonceSize]byte {
	n := s.baseNonce
	binary.BigEndian.PutUint32(n[0:4], s.directionID)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8; i++ {
		n[4+i] ^= seqBytes[i]
	}
	return n
}

// Seal encrypts plaintext under a freshly assigned sequence number,
// returning that sequence and the ciphertext (with the 16-byte
// authentication tag appended). Safe for concurrent use.
func (s *Session) Seal(aad, plaintext []byte) (uint64, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.txSeq
	s.txSeq++

	nonce := s.nonce(seq)
	ct := s.aead.Seal(nil, nonce[:], plaintext, aad)

	s.recordCount++
	s.byteCount += uint64(len(plaintext))
	return seq, ct
}

// Open authenticates and decrypts ciphertext sent under seq, enforcing
// the replay window: Stale if seq is older than the window, Replay if
// seq was already accepted, otherwise the tag is verified before the
// window state is updated (so a forged ciphertext for a fresh seq
// never marks that seq as consumed).
func (s *Session) Open(seq uint64, aad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rx.check(seq); err != nil {
		return nil, err
	}

	nonce := s.nonce(seq)
	pt, err := s.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTagMismatch, err)
	}

	s.rx.set(seq)
	s.recordCount++
	s.byteCount += uint64(len(pt))
	return pt, nil
}

// ShouldRekey reports whether any rekey threshold has been crossed,
// honoring the minimum cooldown so consecutive checks don't request a
// rekey more often than MinCooldown allows.
func (s *Session) ShouldRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.installedAt) < s.cfg.MinCooldown {
		return false
	}
	if s.cfg.RekeyRecords > 0 && s.recordCount >= s.cfg.RekeyRecords {
		return true
	}
	if s.cfg.RekeyBytes > 0 && s.byteCount >= s.cfg.RekeyBytes {
		return true
	}
	if s.cfg.RekeyInterval > 0 && time.Since(s.installedAt) >= s.cfg.RekeyInterval {
		return true
	}
	return false
}

// Install atomically replaces the session key, zeroizing the old one
// and resetting the record/byte counters and install timestamp. The
// sequence counters and replay window are left untouched — rekey does
// not reset sequencing, only the key material. No frame is emitted
// with the old key once the new key is installed.
func (s *Session) Install(newKey Key) error {
	a, err := chacha20poly1305.New(newKey.b[:])
	if err != nil {
		return fmt.Errorf("aead: init cipher: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.key
	old.zeroize()

	s.key = newKey
	s.aead = a
	s.recordCount = 0
	s.byteCount = 0
	s.installedAt = time.Now()
	return nil
}

// Close zeroizes the session key. Call once the session is retired.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key.zeroize()
}

// TxSeq returns the next sequence number that will be assigned by
// Seal (test/telemetry observability only).
func (s *Session) TxSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txSeq
}

// RxHighWater returns the highest sequence number accepted by Open so
// far, for persisting into a supervisor checkpoint so a restarted
// session can resume replay-window tracking without re-handshaking.
func (s *Session) RxHighWater() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.highWater
}
