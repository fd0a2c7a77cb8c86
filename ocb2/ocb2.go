// Package ocb2 implements Mumble's OCB2-AES128 authenticated channel for UDP
// voice datagrams: nonce management, the OCB2 AEAD construction over
// AES-128, a 256-entry replay window, and good/late/lost/resync statistics.
package ocb2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the raw key / nonce size in bytes (AES-128 block size).
	KeySize = 16

	// TagSize is the full internal OCB2 tag size; only the first
	// HeaderTagSize bytes are carried on the wire.
	TagSize = 16

	// HeaderSize is the UDP datagram header: nonce byte + truncated tag.
	HeaderSize = 4
	// HeaderTagSize is how much of the 128-bit tag rides on the wire.
	HeaderTagSize = 3
)

// ErrReplay names a datagram whose nonce byte has already been accepted
// within the 256-entry replay window. Decrypt does not return it: a
// replay is reported as a false result and counted in Stats.Lost.
var ErrReplay = errors.New("ocb2: replayed or duplicate nonce")

// ErrForgery is returned by Encrypt when the plaintext hits the published
// OCB2 all-zero-block weak-plaintext pattern Mumble mitigates against. The
// same check on the decrypt side makes Decrypt return false.
var ErrForgery = errors.New("ocb2: refused unsafe (weak) plaintext block")

// ErrTagMismatch names an authentication failure. Decrypt does not return
// it: a tag mismatch is reported as a false result and counted in
// Stats.Lost.
var ErrTagMismatch = errors.New("ocb2: tag verification failed")

// ErrNotKeyed is returned by Encrypt before SetKey/GenKey has run; Decrypt
// returns false in that case.
var ErrNotKeyed = errors.New("ocb2: crypt state has no key")

// Stats holds the locally-observed and peer-reported datagram counters.
// All fields are plain (non-atomic); whoever owns the CryptState
// serializes access to them; see its doc comment.
type Stats struct {
	Good, Late, Lost, Resync                         uint32
	RemoteGood, RemoteLate, RemoteLost, RemoteResync uint32
}

// CryptState is Mumble's per-connection OCB2-AES128 channel. The zero value
// is not ready for use; call SetKey or GenKey first.
//
// CryptState is not safe for concurrent use; the transport package
// serializes access to it behind a mutex.
type CryptState struct {
	block cipher.Block

	rawKey       [KeySize]byte
	encryptNonce [KeySize]byte
	decryptNonce [KeySize]byte

	// history[b] is the high byte (decryptNonce[1]) that was in effect the
	// last time decryptNonce[0] == b was accepted; used for replay detection.
	history [256]byte
	haveHistory [256]bool

	lastByte byte // decryptNonce[0] at the time of the last accepted packet
	initialized bool

	Stats Stats
}

// New returns an unkeyed CryptState.
func New() *CryptState {
	return &CryptState{}
}

// Valid reports whether the state has been keyed.
func (cs *CryptState) Valid() bool { return cs.initialized }

// GenKey fills the raw key and both nonces with cryptographically secure
// random bytes. Used only server-side in testing per the Mumble protocol;
// real clients receive their key material via a CryptSetup control message.
func (cs *CryptState) GenKey() error {
	var key, eiv, div [KeySize]byte
	for _, b := range [][]byte{key[:], eiv[:], div[:]} {
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("ocb2: generate key material: %w", err)
		}
	}
	return cs.SetKey(key[:], eiv[:], div[:])
}

// SetKey installs the raw key and both nonces. Any argument may be nil to
// leave that field at its current value (used when a CryptSetup message
// only updates a subset of fields).
func (cs *CryptState) SetKey(key, encryptNonce, decryptNonce []byte) error {
	if key != nil {
		if len(key) != KeySize {
			return fmt.Errorf("ocb2: key must be %d bytes, got %d", KeySize, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("ocb2: new AES cipher: %w", err)
		}
		cs.block = block
		copy(cs.rawKey[:], key)
	}
	if encryptNonce != nil {
		if len(encryptNonce) != KeySize {
			return fmt.Errorf("ocb2: encrypt nonce must be %d bytes, got %d", KeySize, len(encryptNonce))
		}
		copy(cs.encryptNonce[:], encryptNonce)
	}
	if decryptNonce != nil {
		if len(decryptNonce) != KeySize {
			return fmt.Errorf("ocb2: decrypt nonce must be %d bytes, got %d", KeySize, len(decryptNonce))
		}
		copy(cs.decryptNonce[:], decryptNonce)
		cs.lastByte = cs.decryptNonce[0]
		cs.history = [256]byte{}
		cs.haveHistory = [256]bool{}
	}
	if cs.block != nil {
		cs.initialized = true
	}
	return nil
}

// SetDecryptIV forcibly resynchronizes the decrypt nonce, used when a
// CryptSetup message carries fresh nonce material mid-session. The
// resync counter is bumped by the caller, not here.
func (cs *CryptState) SetDecryptIV(iv []byte) error {
	if len(iv) != KeySize {
		return fmt.Errorf("ocb2: decrypt IV must be %d bytes, got %d", KeySize, len(iv))
	}
	copy(cs.decryptNonce[:], iv)
	cs.lastByte = cs.decryptNonce[0]
	cs.history = [256]byte{}
	cs.haveHistory = [256]bool{}
	return nil
}

// EncryptNonce returns a copy of the current encrypt nonce (for CryptSetup
// resync replies).
func (cs *CryptState) EncryptNonce() [KeySize]byte { return cs.encryptNonce }

// DecryptNonce returns a copy of the current decrypt nonce.
func (cs *CryptState) DecryptNonce() [KeySize]byte { return cs.decryptNonce }

// incrementNonceLE advances the 16-byte encrypt nonce as a little-endian
// (byte 0 first) bignum, in place.
func incrementNonceLE(n *[KeySize]byte) {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Encrypt authenticates and encrypts plaintext, returning a wire-format
// datagram: nonce[0] (1 byte) ∥ tag[0:3] (3 bytes) ∥ ciphertext.
func (cs *CryptState) Encrypt(plaintext []byte) ([]byte, error) {
	if !cs.initialized {
		return nil, ErrNotKeyed
	}

	incrementNonceLE(&cs.encryptNonce)

	ciphertext, tag, err := ocbEncrypt(cs.block, cs.encryptNonce, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+len(ciphertext))
	out[0] = cs.encryptNonce[0]
	copy(out[1:HeaderSize], tag[:HeaderTagSize])
	copy(out[HeaderSize:], ciphertext)
	return out, nil
}

// Decrypt verifies and decrypts a wire-format datagram produced by Encrypt.
// It returns (plaintext, true) on success. On failure it returns (nil,
// false) and leaves Stats consistent either way; the nonce never advances
// on a rejected packet.
func (cs *CryptState) Decrypt(datagram []byte) ([]byte, bool) {
	if !cs.initialized || len(datagram) < HeaderSize {
		return nil, false
	}

	s := datagram[0]
	wireTag := datagram[1:HeaderSize]
	ciphertext := datagram[HeaderSize:]

	saved := cs.decryptNonce
	late := false

	diff := int(s) - int(cs.lastByte)
	diff &= 0xFF

	if diff < 0x80 {
		// Monotonic forward (within 128 of the last accepted byte).
		cs.decryptNonce[0] = s
		if s < cs.lastByte {
			// Wrapped past 0xFF; cascade the increment into byte 1+.
			cascadeIncrement(&cs.decryptNonce, 1)
		}
	} else {
		// Out of order: replay the history.
		late = true
		cs.decryptNonce[0] = s
		if s < cs.lastByte {
			// keep byte[1..] as-is
		} else {
			cascadeDecrement(&cs.decryptNonce, 1)
		}
	}

	if cs.haveHistory[s] && cs.history[s] == cs.decryptNonce[1] {
		// This exact nonce has already been accepted: replay.
		cs.decryptNonce = saved
		cs.Stats.Lost++
		return nil, false
	}

	plaintext, tag, err := ocbDecrypt(cs.block, cs.decryptNonce, ciphertext)
	if err != nil || !tagMatches(tag, wireTag) {
		cs.decryptNonce = saved
		cs.Stats.Lost++
		return nil, false
	}

	cs.history[s] = cs.decryptNonce[1]
	cs.haveHistory[s] = true
	cs.lastByte = s

	cs.Stats.Good++
	if late {
		cs.Stats.Late++
	}
	return plaintext, true
}

func tagMatches(full [TagSize]byte, wire []byte) bool {
	for i := 0; i < HeaderTagSize; i++ {
		if full[i] != wire[i] {
			return false
		}
	}
	return true
}

// cascadeIncrement increments n as a little-endian bignum starting at byte
// index start (used when byte0 wraps forward past 0xFF).
func cascadeIncrement(n *[KeySize]byte, start int) {
	for i := start; i < len(n); i++ {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// cascadeDecrement decrements n as a little-endian bignum starting at byte
// index start (used when replaying history backward past a byte1 boundary).
func cascadeDecrement(n *[KeySize]byte, start int) {
	for i := start; i < len(n); i++ {
		n[i]--
		if n[i] != 0xFF {
			return
		}
	}
}
