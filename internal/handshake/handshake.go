// Package handshake implements the key-agreement driver (component
// C11): a two-round-trip classic X25519 exchange or a hybrid
// post-quantum exchange combining X25519 with ML-KEM-768, both
// deriving a session key via HKDF-SHA256 bound to a peer-identifying
// prologue.
package handshake

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"crypto/mlkem"
)

// Mode selects the key-exchange algorithm combination.
type Mode int

const (
	Classic Mode = iota
	HybridPQ
)

// ErrBadMAC is returned when the responder's confirmation tag doesn't
// match what the initiator derives, indicating a corrupted or
// adversarial msg2.
var ErrBadMAC = errors.New("handshake: bad confirmation MAC")

// ErrUnsupportedAlgorithm is returned when a peer's message doesn't
// match the driver's configured Mode (e.g. a hybrid KEM key is
// missing from msg1 but Mode is HybridPQ).
var ErrUnsupportedAlgorithm = errors.New("handshake: unsupported algorithm")

// ErrStaticKeyMismatch is returned when the peer's declared identity
// doesn't match the one this driver was configured to expect.
var ErrStaticKeyMismatch = errors.New("handshake: static key mismatch")

// SessionKey is the opaque 32-byte key produced for one direction,
// consumed exactly once by aead.New before the driver forgets it.
type SessionKey [32]byte

// Zeroize overwrites the key material. Call once the key has been
// installed into an AEAD session.
func (k *SessionKey) Zeroize() {
	for i := range k {
		k[i] = 0
	}
}

// Msg1 is the initiator's first handshake message.
type Msg1 struct {
	StaticPub    [32]byte // sender's declared static identity
	EphemeralPub [32]byte
	KEMEncapKey  []byte // populated only in HybridPQ mode
}

// Msg2 is the responder's reply, confirming the derived key.
type Msg2 struct {
	StaticPub     [32]byte // sender's declared static identity
	EphemeralPub  [32]byte
	KEMCiphertext []byte // populated only in HybridPQ mode
	Confirm       [32]byte
}

// pendingInit holds the initiator's ephemeral secrets between sending
// msg1 and receiving msg2.
type pendingInit struct {
	ephemeralPriv *ecdh.PrivateKey
	kemDecapKey   *mlkem.DecapsulationKey768
}

// Driver runs one side of the handshake for one direction. Both
// endpoints of a session run a Driver in the complementary role.
type Driver struct {
	mode Mode

	localStaticPub  [32]byte
	peerStaticPub   [32]byte
	haveStaticCheck bool
}

// New creates a Driver in the given Mode. localStaticPub and
// peerStaticPub bind the prologue to both parties' identities; pass
// checkPeerStatic=false to skip the explicit check of the peer's
// declared identity. The prologue still includes peerStaticPub, so the
// confirmation only verifies when both sides configure the same pair
// of identities.
func New(mode Mode, localStaticPub, peerStaticPub [32]byte, checkPeerStatic bool) *Driver {
	return &Driver{
		mode:            mode,
		localStaticPub:  localStaticPub,
		peerStaticPub:   peerStaticPub,
		haveStaticCheck: checkPeerStatic,
	}
}

// prologue binds the derivation to both static identities, placed in
// byte order so that initiator and responder (which hold them in
// opposite local/peer roles) produce the same bytes.
func (d *Driver) prologue() []byte {
	a, b := d.localStaticPub, d.peerStaticPub
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	p := make([]byte, 0, 64)
	p = append(p, a[:]...)
	p = append(p, b[:]...)
	return p
}

// Initiate generates the initiator's ephemeral keys and returns msg1
// to send, along with the opaque state that must be given back to
// Finalize.
func (d *Driver) Initiate() (*Msg1, *pendingInit, error) {
	ephPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	msg1 := &Msg1{StaticPub: d.localStaticPub}
	copy(msg1.EphemeralPub[:], ephPriv.PublicKey().Bytes())

	pending := &pendingInit{ephemeralPriv: ephPriv}

	if d.mode == HybridPQ {
		dk, err := mlkem.GenerateKey768()
		if err != nil {
			return nil, nil, fmt.Errorf("handshake: generate ML-KEM keypair: %w", err)
		}
		pending.kemDecapKey = dk
		msg1.KEMEncapKey = dk.EncapsulationKey().Bytes()
	}

	return msg1, pending, nil
}

// Respond processes msg1 and returns msg2 to send back, along with the
// derived SessionKey for this direction.
func (d *Driver) Respond(msg1 *Msg1) (*Msg2, SessionKey, error) {
	var zero SessionKey

	if d.mode == HybridPQ && len(msg1.KEMEncapKey) == 0 {
		return nil, zero, ErrUnsupportedAlgorithm
	}
	if d.mode == Classic && len(msg1.KEMEncapKey) != 0 {
		return nil, zero, ErrUnsupportedAlgorithm
	}
	if d.haveStaticCheck && msg1.StaticPub != d.peerStaticPub {
		return nil, zero, ErrStaticKeyMismatch
	}

	peerEphPub, err := ecdh.X25519().NewPublicKey(msg1.EphemeralPub[:])
	if err != nil {
		return nil, zero, fmt.Errorf("handshake: invalid peer ephemeral key: %w", err)
	}
	ownEphPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, zero, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	ecdhSecret, err := ownEphPriv.ECDH(peerEphPub)
	if err != nil {
		return nil, zero, fmt.Errorf("handshake: ECDH: %w", err)
	}

	msg2 := &Msg2{StaticPub: d.localStaticPub}
	copy(msg2.EphemeralPub[:], ownEphPriv.PublicKey().Bytes())

	ikm := ecdhSecret
	if d.mode == HybridPQ {
		ek, err := mlkem.NewEncapsulationKey768(msg1.KEMEncapKey)
		if err != nil {
			return nil, zero, fmt.Errorf("handshake: invalid ML-KEM encapsulation key: %w", err)
		}
		sharedSecret, ciphertext := ek.Encapsulate()
		msg2.KEMCiphertext = ciphertext
		ikm = append(append([]byte{}, ecdhSecret...), sharedSecret...)
	}

	key, confirm, err := deriveKeyAndConfirm(ikm, d.prologue())
	if err != nil {
		return nil, zero, err
	}
	msg2.Confirm = confirm

	return msg2, key, nil
}

// Finalize processes msg2 using the state returned by Initiate,
// verifies the responder's confirmation tag, and returns the derived
// SessionKey for this direction.
func (d *Driver) Finalize(pending *pendingInit, msg2 *Msg2) (SessionKey, error) {
	var zero SessionKey

	if d.mode == HybridPQ && len(msg2.KEMCiphertext) == 0 {
		return zero, ErrUnsupportedAlgorithm
	}
	if d.mode == Classic && len(msg2.KEMCiphertext) != 0 {
		return zero, ErrUnsupportedAlgorithm
	}
	if d.haveStaticCheck && msg2.StaticPub != d.peerStaticPub {
		return zero, ErrStaticKeyMismatch
	}

	peerEphPub, err := ecdh.X25519().NewPublicKey(msg2.EphemeralPub[:])
	if err != nil {
		return zero, fmt.Errorf("handshake: invalid peer ephemeral key: %w", err)
	}
	ecdhSecret, err := pending.ephemeralPriv.ECDH(peerEphPub)
	if err != nil {
		return zero, fmt.Errorf("handshake: ECDH: %w", err)
	}

	ikm := ecdhSecret
	if d.mode == HybridPQ {
		sharedSecret, err := pending.kemDecapKey.Decapsulate(msg2.KEMCiphertext)
		if err != nil {
			return zero, fmt.Errorf("handshake: ML-KEM decapsulate: %w", err)
		}
		ikm = append(append([]byte{}, ecdhSecret...), sharedSecret...)
	}

	key, confirm, err := deriveKeyAndConfirm(ikm, d.prologue())
	if err != nil {
		return zero, err
	}
	if subtle.ConstantTimeCompare(confirm[:], msg2.Confirm[:]) != 1 {
		return zero, ErrBadMAC
	}
	return key, nil
}

// deriveKeyAndConfirm runs HKDF-SHA256 over ikm with prologue as info
// to produce a 32-byte session key, then computes a 32-byte
// confirmation tag as HMAC-SHA256, keyed by that session key, over the
// prologue and a fixed label.
func deriveKeyAndConfirm(ikm, prologue []byte) (SessionKey, [32]byte, error) {
	var key SessionKey
	var confirm [32]byte

	r := hkdf.New(sha256.New, ikm, nil, prologue)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, confirm, fmt.Errorf("handshake: derive session key: %w", err)
	}

	mac := hmac.New(sha256.New, key[:])
	mac.Write(prologue)
	mac.Write([]byte("nyx-handshake-confirm"))
	copy(confirm[:], mac.Sum(nil))

	return key, confirm, nil
}
