package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/push"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

type fakeStore struct {
	run     repo.Run
	rule    repo.Rule
	devices []repo.Device
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (repo.Run, error)   { return f.run, nil }
func (f *fakeStore) GetRule(ctx context.Context, ruleID string) (repo.Rule, error) { return f.rule, nil }
func (f *fakeStore) ListDevicesForUser(ctx context.Context, userID string) ([]repo.Device, error) {
	return f.devices, nil
}

type fakeEnclaveClient struct {
	response []byte
	err      error
	lastReq  []byte
}

func (f *fakeEnclaveClient) Call(ctx context.Context, path string, plaintext []byte) ([]byte, error) {
	f.lastReq = plaintext
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeSender struct {
	called    bool
	envelopes []push.Envelope
	tokens    map[string]string
}

func (f *fakeSender) Deliver(ctx context.Context, userID, runID string, envelopes []push.Envelope, tokens map[string]string) error {
	f.called = true
	f.envelopes = envelopes
	f.tokens = tokens
	return nil
}

type fakeAuditStore struct {
	events []repo.AuditEvent
}

func (f *fakeAuditStore) InsertAuditEvent(ctx context.Context, ev repo.AuditEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func testStore() *fakeStore {
	return &fakeStore{
		run:  repo.Run{ID: "run-1", RuleID: "rule-1", UserID: "user-1", ScheduledFor: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)},
		rule: repo.Rule{ID: "rule-1", UserID: "user-1", PromptCiphertext: []byte("opaque-ciphertext"), PromptSHA256: "deadbeef"},
		devices: []repo.Device{
			{UserID: "user-1", DeviceID: "device-1", TransportToken: "token-1"},
			{UserID: "user-1", DeviceID: "device-2", TransportToken: "token-2"},
		},
	}
}

func TestExecuteDeliversToAllDevicesReturned(t *testing.T) {
	store := testStore()
	resp, _ := json.Marshal(executionResponse{Devices: []deviceEnvelopeWire{
		{DeviceID: "device-1", KeyID: "key-1", Nonce: []byte("nonce1"), Ciphertext: []byte("ct1")},
		{DeviceID: "device-2", KeyID: "key-1", Nonce: []byte("nonce2"), Ciphertext: []byte("ct2")},
	}})
	enclave := &fakeEnclaveClient{response: resp}
	sender := &fakeSender{}
	auditStore := &fakeAuditStore{}
	exec := New(store, enclave, sender, audit.New(auditStore))

	job := repo.Job{ID: "job-1", UserID: "user-1", PayloadRef: "run-1"}
	if err := exec.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !sender.called {
		t.Fatal("expected sender.Deliver to be called")
	}
	if len(sender.envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(sender.envelopes))
	}
	if sender.tokens["device-1"] != "token-1" {
		t.Errorf("expected device-1 token resolved, got %q", sender.tokens["device-1"])
	}

	var req executionRequest
	if err := json.Unmarshal(enclave.lastReq, &req); err != nil {
		t.Fatalf("unmarshal request sent to enclave: %v", err)
	}
	if req.RuleID != "rule-1" || string(req.PromptCiphertext) != "opaque-ciphertext" {
		t.Errorf("unexpected request payload: %+v", req)
	}

	foundVerified := false
	for _, ev := range auditStore.events {
		if ev.EventType == audit.EventAttestationVerified {
			foundVerified = true
		}
	}
	if !foundVerified {
		t.Error("expected attestation.verified audit event")
	}
}

func TestExecuteSucceedsWithNoRegisteredDevices(t *testing.T) {
	store := testStore()
	resp, _ := json.Marshal(executionResponse{Devices: nil})
	enclave := &fakeEnclaveClient{response: resp}
	sender := &fakeSender{}
	exec := New(store, enclave, sender, nil)

	job := repo.Job{ID: "job-1", UserID: "user-1", PayloadRef: "run-1"}
	if err := exec.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if sender.called {
		t.Fatal("expected sender not to be called when no devices are returned")
	}
}

func TestExecutePropagatesAttestationFailureAndAudits(t *testing.T) {
	store := testStore()
	enclave := &fakeEnclaveClient{err: svcerr.AttestationFailed("measurement_allowed", nil)}
	sender := &fakeSender{}
	auditStore := &fakeAuditStore{}
	exec := New(store, enclave, sender, audit.New(auditStore))

	job := repo.Job{ID: "job-1", UserID: "user-1", PayloadRef: "run-1"}
	err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected attestation failure to propagate")
	}
	if svcerr.KindOf(err) != svcerr.KindPermanent {
		t.Fatalf("expected permanent kind, got %v", svcerr.KindOf(err))
	}

	foundFailed := false
	for _, ev := range auditStore.events {
		if ev.EventType == audit.EventAttestationFailed {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Error("expected attestation.failed audit event")
	}
}

func TestExecutePropagatesTransientEnclaveFailure(t *testing.T) {
	store := testStore()
	enclave := &fakeEnclaveClient{err: svcerr.EnclaveTransient("invoke", errors.New("timeout"))}
	sender := &fakeSender{}
	exec := New(store, enclave, sender, nil)

	job := repo.Job{ID: "job-1", UserID: "user-1", PayloadRef: "run-1"}
	err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected transient failure to propagate")
	}
	if svcerr.KindOf(err) != svcerr.KindTransient {
		t.Fatalf("expected transient kind, got %v", svcerr.KindOf(err))
	}
}
