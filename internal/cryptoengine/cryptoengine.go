// Package cryptoengine implements the X25519/ChaCha20-Poly1305/Ed25519
// primitives the enclave RPC protocol is built from: key agreement,
// direction-salted key derivation, AEAD seal/open, and attestation
// signature verification. Nothing in this package talks to the network or
// the database; it is pure transform over bytes so the protocol logic in
// internal/enclaverpc and internal/attestation can be tested without a
// running enclave.
package cryptoengine

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// Direction distinguishes the two keys derived from one handshake so a
// captured request envelope can never be replayed back as a response.
type Direction string

const (
	DirectionRequest      Direction = "request"
	DirectionResponse     Direction = "response"
	DirectionNotification Direction = "notification"
)

// NonceSize and KeySize match the wire sizes spec'd for ChaCha20-Poly1305.
const (
	NonceSize = chacha20poly1305.NonceSize // 12
	KeySize   = chacha20poly1305.KeySize   // 32
)

// Secret is a byte slice holding key material that should not outlive its
// call site. Zero is best-effort: Go gives no guarantee the runtime hasn't
// copied the backing array during a GC move, but overwriting on drop still
// shrinks the window an adversary with heap access has to find it.
type Secret []byte

// Zero overwrites s in place.
func (s Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// GenerateKeypair returns a fresh X25519 private/public key pair.
func GenerateKeypair() (priv Secret, pub []byte, err error) {
	priv = make(Secret, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate private scalar: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		priv.Zero()
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return priv, pub, nil
}

// Agree computes the X25519 shared secret between priv and peerPublic.
func Agree(priv Secret, peerPublic []byte) (Secret, error) {
	shared, err := curve25519.X25519(priv, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	return Secret(shared), nil
}

// Derive computes the direction-salted symmetric key
// SHA-256(shared || "|" || requestID || "|" || direction [ || "|" || extra]).
// SHA-256 already produces a 256-bit digest, so "truncated to 256 bits" in
// the formula is the identity operation on this output; no slicing occurs.
func Derive(shared Secret, requestID string, direction Direction, extra string) Secret {
	h := sha256.New()
	h.Write(shared)
	h.Write([]byte("|"))
	h.Write([]byte(requestID))
	h.Write([]byte("|"))
	h.Write([]byte(direction))
	if extra != "" {
		h.Write([]byte("|"))
		h.Write([]byte(extra))
	}
	return Secret(h.Sum(nil))
}

// Seal encrypts plaintext under key with a fresh random nonce and aad bound
// to the ciphertext. It returns the 12-byte nonce and the combined
// ciphertext||tag.
func Seal(key Secret, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext under key, verifying it against nonce and aad.
// A failure here always means tampering or the wrong key — never exposed
// to callers as anything but EnvelopeAuthFailed.
func Open(key Secret, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, svcerr.EnvelopeAuthFailed(err)
	}
	return plaintext, nil
}

// VerifySignature reports whether sig is a valid Ed25519 signature over
// payload under publicKey.
func VerifySignature(publicKey ed25519.PublicKey, payload, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, payload, sig)
}

// ConstantTimeEqual compares two byte strings without leaking timing
// information about where they first differ. Used for the challenge_nonce
// echo comparison in the attestation checklist.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
