// Package attestation verifies the enclave's attestation evidence against
// a fixed trust policy. Every check is fail-closed: the first failing
// check aborts verification with a permanent error, there is no fallback
// identity source and no partial credit for a document that satisfies most
// but not all checks.
package attestation

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"

	"github.com/R3E-Network/service_layer/internal/cryptoengine"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// ExpectedAlgorithm is the only key-agreement/AEAD combination this engine
// accepts from an enclave.
const ExpectedAlgorithm = "x25519-chacha20poly1305"

// Challenge is the nonce/request_id/validity window the client sent to
// /attested-key.
type Challenge struct {
	Nonce     []byte
	RequestID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Evidence is the attested key and its supporting attestation document, as
// returned by the enclave.
type Evidence struct {
	Algorithm        string
	PublicKey        []byte
	KeyID            string
	KeyExpiresAt      time.Time
	Runtime          string
	Measurement      string
	EchoedNonce      []byte
	EchoedRequestID  string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	EvidenceIssuedAt time.Time
	Signature        []byte
}

// Policy is the fixed trust configuration loaded at startup.
type Policy struct {
	ExpectedRuntime      string
	AllowedMeasurements  []string
	AttestationPublicKey ed25519.PublicKey
	MaxAttestationAge    time.Duration
}

func (p Policy) allows(measurement string) bool {
	for _, m := range p.AllowedMeasurements {
		if m == measurement {
			return true
		}
	}
	return false
}

// check is one named item in the fail-closed checklist.
type check struct {
	name string
	ok   func() bool
}

// Verify runs the full checklist from spec §4.6 step 3 in order, returning
// the first failing check as a permanent svcerr.AttestationFailed. A nil
// return means every check passed.
func Verify(policy Policy, challenge Challenge, ev Evidence, now time.Time) error {
	checks := []check{
		{"algorithm", func() bool { return ev.Algorithm == ExpectedAlgorithm }},
		{"nonce_echo", func() bool { return cryptoengine.ConstantTimeEqual(challenge.Nonce, ev.EchoedNonce) }},
		{"request_id_echo", func() bool { return challenge.RequestID == ev.EchoedRequestID }},
		{"validity_window_ordering", func() bool { return ev.ExpiresAt.After(ev.IssuedAt) }},
		{"challenge_not_expired", func() bool { return !now.After(ev.ExpiresAt) }},
		{"runtime", func() bool { return ev.Runtime == policy.ExpectedRuntime }},
		{"measurement_allowed", func() bool { return policy.allows(ev.Measurement) }},
		{"evidence_within_validity_window", func() bool {
			return !ev.EvidenceIssuedAt.Before(ev.IssuedAt) && !ev.EvidenceIssuedAt.After(ev.ExpiresAt)
		}},
		{"evidence_age", func() bool { return absDuration(now.Sub(ev.EvidenceIssuedAt)) <= policy.MaxAttestationAge }},
		{"key_not_expired", func() bool { return !ev.KeyExpiresAt.Before(now) }},
		{"signature", func() bool {
			return cryptoengine.VerifySignature(policy.AttestationPublicKey, canonicalPayload(ev), ev.Signature)
		}},
	}

	for _, c := range checks {
		if !c.ok() {
			return svcerr.AttestationFailed(c.name, nil)
		}
	}
	return nil
}

// canonicalPayload reproduces the pipe-joined byte string the enclave
// signs: runtime|measurement|challenge_nonce|issued_at|expires_at|
// request_id|evidence_issued_at|key_id|algorithm|public_key|key_expires_at.
func canonicalPayload(ev Evidence) []byte {
	fields := []string{
		ev.Runtime,
		ev.Measurement,
		fmt.Sprintf("%x", ev.EchoedNonce),
		strconv.FormatInt(ev.IssuedAt.UTC().Unix(), 10),
		strconv.FormatInt(ev.ExpiresAt.UTC().Unix(), 10),
		ev.EchoedRequestID,
		strconv.FormatInt(ev.EvidenceIssuedAt.UTC().Unix(), 10),
		ev.KeyID,
		ev.Algorithm,
		fmt.Sprintf("%x", ev.PublicKey),
		strconv.FormatInt(ev.KeyExpiresAt.UTC().Unix(), 10),
	}
	out := fields[0]
	for _, f := range fields[1:] {
		out += "|" + f
	}
	return []byte(out)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
