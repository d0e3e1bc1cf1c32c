// Package vcrypto implements the handshake crypto primitives from spec
// §3/§4.1/§4.8: Curve25519 ephemeral key agreement, Ed25519 transcript
// signing, HMAC-SHA256-based session key derivation, and AES-GCM AEAD
// record encryption keyed off a 64-bit per-direction packet number.
//
// Grounded on golang.org/x/crypto/curve25519 and golang.org/x/crypto/hkdf
// (already indirect deps of the teacher's own go.mod, promoted to direct
// use here) for key agreement and derivation, and on
// original_source/src/external/curve25519-donna and
// original_source/src/external/ed25519-donna for which primitives the
// handshake actually needs — we use Go's own crypto/ed25519 and
// crypto/aes+crypto/cipher in place of the bundled "-donna" C
// implementations, per spec §1's explicit Go-native replacement list.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/vnet-io/velum/verr"
)

var (
	ErrShortKey      = errors.New("vcrypto: key material too short")
	ErrAEADOpen      = errors.New("vcrypto: AEAD authentication failed")
	ErrBadSharedSecr = errors.New("vcrypto: shared secret is the all-zero contributory point")
)

// EphemeralKeyPair is a Curve25519 key pair used for one handshake.
type EphemeralKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateEphemeralKeyPair creates a fresh Curve25519 key pair for the
// ClientHello/ServerHello exchange (spec §4.1).
func GenerateEphemeralKeyPair() (EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return EphemeralKeyPair{}, verr.Wrap(verr.ReasonInternalError, "generate ephemeral private key", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return EphemeralKeyPair{}, verr.Wrap(verr.ReasonInternalError, "derive ephemeral public key", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ComputeSharedSecret runs X25519 between a local private key and a
// peer's public key, rejecting the degenerate all-zero result (an
// attacker-supplied low-order point).
func ComputeSharedSecret(localPrivate, peerPublic [32]byte) ([32]byte, error) {
	var secret [32]byte
	out, err := curve25519.X25519(localPrivate[:], peerPublic[:])
	if err != nil {
		return secret, verr.Wrap(verr.ReasonAuthenticationFailure, "X25519 agreement", err)
	}
	copy(secret[:], out)
	if isAllZero(secret[:]) {
		return [32]byte{}, verr.New(verr.ReasonAuthenticationFailure, ErrBadSharedSecr.Error())
	}
	return secret, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// SessionKeys holds the four AEAD keys produced by the handshake (spec
// §4.1): one data key and one ack key per direction.
type SessionKeys struct {
	ClientToServerData [32]byte
	ClientToServerAck  [32]byte
	ServerToClientData [32]byte
	ServerToClientAck  [32]byte
}

// DeriveSessionKeys expands the Curve25519 shared secret over the full
// handshake transcript via HKDF-SHA256 (an HMAC-SHA256-based
// extract-then-expand KDF, matching spec §4.1's "session keys derive
// deterministically from HMAC-SHA256 over the transcript") into the
// four independent per-direction keys.
func DeriveSessionKeys(sharedSecret [32]byte, transcript []byte) (SessionKeys, error) {
	reader := hkdf.New(sha256.New, sharedSecret[:], transcript, []byte("velum session keys v1"))

	var keys SessionKeys
	for _, dst := range []*[32]byte{
		&keys.ClientToServerData,
		&keys.ClientToServerAck,
		&keys.ServerToClientData,
		&keys.ServerToClientAck,
	} {
		if _, err := io.ReadFull(reader, dst[:]); err != nil {
			return SessionKeys{}, verr.Wrap(verr.ReasonInternalError, "HKDF expand session keys", err)
		}
	}
	return keys, nil
}

// RecordCipher wraps one direction's AES-GCM AEAD key, sealing and
// opening packets with a nonce derived from the 64-bit per-direction
// packet number (spec §4.1, §4.2 step 4).
type RecordCipher struct {
	aead cipher.AEAD
}

// NewRecordCipher builds the AES-GCM AEAD for a 256-bit key (spec §1:
// "AES-GCM AEAD for record encryption").
func NewRecordCipher(key [32]byte) (*RecordCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, verr.Wrap(verr.ReasonInternalError, "aes.NewCipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, verr.Wrap(verr.ReasonInternalError, "cipher.NewGCM", err)
	}
	return &RecordCipher{aead: aead}, nil
}

// nonce builds the 12-byte GCM nonce from the 64-bit packet number,
// left-padded with four zero bytes (spec §4.1: "64-bit per-direction
// packet number as nonce contribution").
func nonce(packetNumber uint64) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint64(n[4:], packetNumber)
	return n
}

// Seal encrypts and authenticates plaintext, binding aad (typically the
// cleartext packet header) into the tag. dst may be nil; the sealed
// record (ciphertext || tag) is appended to dst and returned.
func (c *RecordCipher) Seal(dst []byte, packetNumber uint64, plaintext, aad []byte) []byte {
	n := nonce(packetNumber)
	return c.aead.Seal(dst, n[:], plaintext, aad)
}

// Open verifies and decrypts a sealed record. dst may be nil.
func (c *RecordCipher) Open(dst []byte, packetNumber uint64, sealed, aad []byte) ([]byte, error) {
	n := nonce(packetNumber)
	out, err := c.aead.Open(dst, n[:], sealed, aad)
	if err != nil {
		return nil, verr.Wrap(verr.ReasonAuthenticationFailure, "AEAD open", ErrAEADOpen)
	}
	return out, nil
}

// Overhead is the number of bytes Seal adds beyond len(plaintext).
func (c *RecordCipher) Overhead() int { return c.aead.Overhead() }

// GenerateSigningKeyPair creates an Ed25519 key pair, used by
// certstore for CA and leaf certificate signatures and by the
// handshake for signing the transcript (spec §4.1 ServerHello,
// §4.8).
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, verr.Wrap(verr.ReasonInternalError, "generate Ed25519 key", err)
	}
	return pub, priv, nil
}

// SignTranscript signs the handshake transcript with a certificate's
// private key (spec §4.1 step 2: "signed handshake transcript").
func SignTranscript(priv ed25519.PrivateKey, transcript []byte) []byte {
	return ed25519.Sign(priv, transcript)
}

// VerifyTranscript checks a transcript signature against a public key.
func VerifyTranscript(pub ed25519.PublicKey, transcript, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, transcript, sig)
}
