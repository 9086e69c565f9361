// Package enclaverpc implements the six-step attested request/response
// protocol between the worker and the enclave runtime: acquire an attested
// ephemeral key, verify the attestation evidence against a fixed policy,
// seal a request envelope under a key derived from the X25519 agreement,
// invoke the enclave, and open the response envelope. Production transport
// and test fakes share the Transport interface so the protocol logic never
// depends on a live enclave.
package enclaverpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_layer/internal/attestation"
	"github.com/R3E-Network/service_layer/internal/cryptoengine"
	"github.com/R3E-Network/service_layer/internal/ratelimit"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// Envelope is the wire shape of a sealed request or response, matching the
// field names of spec §6's prompt envelope.
type Envelope struct {
	Version                  string `json:"version"`
	Algorithm                string `json:"algorithm"`
	KeyID                    string `json:"key_id"`
	RequestID                string `json:"request_id"`
	ClientEphemeralPublicKey []byte `json:"client_ephemeral_public_key,omitempty"`
	Nonce                    []byte `json:"nonce"`
	Ciphertext               []byte `json:"ciphertext"`
}

// Config controls the protocol's timing and challenge shape.
type Config struct {
	BaseURL         string
	SharedSecret    string
	RequestTimeout  time.Duration
	ChallengeWindow time.Duration
}

// DefaultConfig returns the conventional 10s request timeout and 30s
// challenge validity window named in spec §4.6.
func DefaultConfig(baseURL, sharedSecret string) Config {
	return Config{
		BaseURL:         baseURL,
		SharedSecret:    sharedSecret,
		RequestTimeout:  10 * time.Second,
		ChallengeWindow: 30 * time.Second,
	}
}

// Transport is the host-facing side of the protocol: issuing the
// challenge/attested-key round trip and invoking an already-sealed
// envelope against an enclave path.
type Transport interface {
	AcquireKey(ctx context.Context, challenge attestation.Challenge) (attestation.Evidence, error)
	Invoke(ctx context.Context, path string, envelope Envelope) (Envelope, error)
}

// Client drives the six-step protocol over an injected Transport.
type Client struct {
	transport Transport
	policy    attestation.Policy
	cfg       Config
}

// New creates a Client.
func New(transport Transport, policy attestation.Policy, cfg Config) *Client {
	return &Client{transport: transport, policy: policy, cfg: cfg}
}

// Call performs one attested request/response exchange against path,
// sending plaintext as the sealed request body and returning the decrypted
// response body. Attestation, key-agreement and AEAD failures are returned
// as permanent *svcerr.Error values; transport failures raised by Transport
// are passed through (Production wraps timeouts/5xx as transient). Local
// failures generating the nonce or keypair, or sealing the request, are
// returned as plain errors, which svcerr.KindOf treats as transient.
func (c *Client) Call(ctx context.Context, path string, plaintext []byte) ([]byte, error) {
	now := time.Now().UTC()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	requestID := uuid.NewString()
	challenge := attestation.Challenge{
		Nonce:     nonce,
		RequestID: requestID,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.cfg.ChallengeWindow),
	}

	evidence, err := c.transport.AcquireKey(ctx, challenge)
	if err != nil {
		return nil, err
	}

	if err := attestation.Verify(c.policy, challenge, evidence, time.Now().UTC()); err != nil {
		return nil, err
	}

	clientPriv, clientPub, err := cryptoengine.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate client keypair: %w", err)
	}
	defer clientPriv.Zero()

	shared, err := cryptoengine.Agree(clientPriv, evidence.PublicKey)
	if err != nil {
		return nil, svcerr.EnvelopeAuthFailed(fmt.Errorf("key agreement: %w", err))
	}
	defer shared.Zero()

	reqKey := cryptoengine.Derive(shared, requestID, cryptoengine.DirectionRequest, "")
	defer reqKey.Zero()

	reqNonce, reqCiphertext, err := cryptoengine.Seal(reqKey, plaintext, []byte(requestID))
	if err != nil {
		return nil, fmt.Errorf("seal request: %w", err)
	}

	requestEnvelope := Envelope{
		Version:                  "v1",
		Algorithm:                attestation.ExpectedAlgorithm,
		KeyID:                    evidence.KeyID,
		RequestID:                requestID,
		ClientEphemeralPublicKey: clientPub,
		Nonce:                    reqNonce,
		Ciphertext:               reqCiphertext,
	}

	responseEnvelope, err := c.transport.Invoke(ctx, path, requestEnvelope)
	if err != nil {
		return nil, err
	}

	if responseEnvelope.KeyID != evidence.KeyID || responseEnvelope.RequestID != requestID {
		return nil, svcerr.EnvelopeAuthFailed(fmt.Errorf("response key_id/request_id mismatch"))
	}

	resKey := cryptoengine.Derive(shared, requestID, cryptoengine.DirectionResponse, "")
	defer resKey.Zero()

	responsePlaintext, err := cryptoengine.Open(resKey, responseEnvelope.Nonce, responseEnvelope.Ciphertext, []byte(requestID))
	if err != nil {
		return nil, err
	}
	return responsePlaintext, nil
}

// attestedKeyWire is the JSON shape of the /attested-key response.
type attestedKeyWire struct {
	PublicKey        []byte `json:"public_key"`
	KeyID            string `json:"key_id"`
	KeyExpiresAt     int64  `json:"key_expires_at"`
	Runtime          string `json:"runtime"`
	Measurement      string `json:"measurement"`
	Algorithm        string `json:"algorithm"`
	EchoedNonce      []byte `json:"challenge_nonce"`
	EchoedRequestID  string `json:"request_id"`
	IssuedAt         int64  `json:"issued_at"`
	ExpiresAt        int64  `json:"expires_at"`
	EvidenceIssuedAt int64  `json:"evidence_issued_at"`
	Signature        []byte `json:"signature"`
}

type challengeWire struct {
	ChallengeNonce []byte `json:"challenge_nonce"`
	RequestID      string `json:"request_id"`
	IssuedAt       int64  `json:"issued_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

// Production is the real HTTP transport, rate-limited per
// internal/ratelimit and bounded by Config.RequestTimeout.
type Production struct {
	client *ratelimit.Client
	cfg    Config
}

// NewProduction wraps http with the rate limiter and returns a Production
// transport against cfg.BaseURL.
func NewProduction(http *http.Client, rateCfg ratelimit.Config, cfg Config) *Production {
	return &Production{client: ratelimit.NewClient(http, rateCfg), cfg: cfg}
}

func (p *Production) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.SharedSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return svcerr.EnclaveTransient(path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return svcerr.EnclaveTransient(path, err)
	}

	if resp.StatusCode >= 500 {
		return svcerr.EnclaveTransient(path, fmt.Errorf("enclave returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return svcerr.AttestationFailed(fmt.Sprintf("enclave returned %d", resp.StatusCode), nil)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// AcquireKey implements Transport against the real enclave host.
func (p *Production) AcquireKey(ctx context.Context, challenge attestation.Challenge) (attestation.Evidence, error) {
	req := challengeWire{
		ChallengeNonce: challenge.Nonce,
		RequestID:      challenge.RequestID,
		IssuedAt:       challenge.IssuedAt.Unix(),
		ExpiresAt:      challenge.ExpiresAt.Unix(),
	}
	var wire attestedKeyWire
	if err := p.post(ctx, "/attested-key", req, &wire); err != nil {
		return attestation.Evidence{}, err
	}
	return evidenceFromWire(wire), nil
}

// Invoke implements Transport against the real enclave host.
func (p *Production) Invoke(ctx context.Context, path string, envelope Envelope) (Envelope, error) {
	var out Envelope
	if err := p.post(ctx, path, envelope, &out); err != nil {
		return Envelope{}, err
	}
	return out, nil
}

func evidenceFromWire(w attestedKeyWire) attestation.Evidence {
	return attestation.Evidence{
		Algorithm:        w.Algorithm,
		PublicKey:        w.PublicKey,
		KeyID:            w.KeyID,
		KeyExpiresAt:     time.Unix(w.KeyExpiresAt, 0).UTC(),
		Runtime:          w.Runtime,
		Measurement:      w.Measurement,
		EchoedNonce:      w.EchoedNonce,
		EchoedRequestID:  w.EchoedRequestID,
		IssuedAt:         time.Unix(w.IssuedAt, 0).UTC(),
		ExpiresAt:        time.Unix(w.ExpiresAt, 0).UTC(),
		EvidenceIssuedAt: time.Unix(w.EvidenceIssuedAt, 0).UTC(),
		Signature:        w.Signature,
	}
}
