// Package executor orchestrates one materialized run: it acquires an
// attested key and invokes the enclave's /automation/execute endpoint
// through internal/enclaverpc, then hands the resulting per-device
// envelopes to internal/push. It implements internal/jobqueue.Handler, so
// it plugs directly into the job engine's claim/execute/complete loop.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/enclaverpc"
	"github.com/R3E-Network/service_layer/internal/push"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// Store is the subset of *repo.Repo the executor needs to resolve a job's
// run, rule, and device set.
type Store interface {
	GetRun(ctx context.Context, runID string) (repo.Run, error)
	GetRule(ctx context.Context, ruleID string) (repo.Rule, error)
	ListDevicesForUser(ctx context.Context, userID string) ([]repo.Device, error)
}

// EnclaveClient is the subset of *enclaverpc.Client the executor drives.
type EnclaveClient interface {
	Call(ctx context.Context, path string, plaintext []byte) ([]byte, error)
}

// Sender is the subset of *push.Sender the executor hands results to.
type Sender interface {
	Deliver(ctx context.Context, userID, runID string, envelopes []push.Envelope, tokens map[string]string) error
}

// Executor drives one automation run end to end.
type Executor struct {
	store   Store
	enclave EnclaveClient
	sender  Sender
	auditor *audit.Recorder
}

// New creates an Executor.
func New(store Store, enclave EnclaveClient, sender Sender, auditor *audit.Recorder) *Executor {
	return &Executor{store: store, enclave: enclave, sender: sender, auditor: auditor}
}

// executionRequest is the plaintext the host seals to the enclave, visible
// only inside the enclave after the inner decrypt.
type executionRequest struct {
	RuleID           string    `json:"rule_id"`
	UserID           string    `json:"user_id"`
	ScheduledFor     time.Time `json:"scheduled_for"`
	PromptCiphertext []byte    `json:"prompt_ciphertext"`
	PromptKeyMetadata string   `json:"prompt_key_metadata"`
}

type deviceEnvelopeWire struct {
	DeviceID   string `json:"device_id"`
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type executionResponse struct {
	Devices []deviceEnvelopeWire `json:"devices"`
}

// Execute implements internal/jobqueue.Handler. job.PayloadRef is the
// run_id materialized by the scheduler.
func (e *Executor) Execute(ctx context.Context, job repo.Job) error {
	run, err := e.store.GetRun(ctx, job.PayloadRef)
	if err != nil {
		return err
	}
	rule, err := e.store.GetRule(ctx, run.RuleID)
	if err != nil {
		return err
	}

	req := executionRequest{
		RuleID:           rule.ID,
		UserID:           rule.UserID,
		ScheduledFor:     run.ScheduledFor,
		PromptCiphertext: rule.PromptCiphertext,
		PromptKeyMetadata: rule.PromptSHA256,
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal execution request: %w", err)
	}

	respBytes, err := e.enclave.Call(ctx, "/automation/execute", reqBytes)
	if err != nil {
		e.auditAttestation(ctx, rule.UserID, run.ID, err)
		return err
	}
	e.auditAttestation(ctx, rule.UserID, run.ID, nil)

	var resp executionResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return fmt.Errorf("unmarshal execution response: %w", err)
	}

	if len(resp.Devices) == 0 {
		if e.auditor != nil {
			_ = e.auditor.Record(ctx, rule.UserID, audit.EventRunMaterialized, audit.ResultSuccess, "", audit.Metadata{
				"run_id": audit.StringValue(run.ID),
				"reason": audit.StringValue("no_registered_devices"),
			})
		}
		return nil
	}

	devices, err := e.store.ListDevicesForUser(ctx, rule.UserID)
	if err != nil {
		return err
	}
	tokens := make(map[string]string, len(devices))
	for _, d := range devices {
		tokens[d.DeviceID] = d.TransportToken
	}

	envelopes := make([]push.Envelope, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		envelopes = append(envelopes, push.Envelope{
			DeviceID:   d.DeviceID,
			KeyID:      d.KeyID,
			Nonce:      d.Nonce,
			Ciphertext: d.Ciphertext,
		})
	}

	return e.sender.Deliver(ctx, rule.UserID, run.ID, envelopes, tokens)
}

func (e *Executor) auditAttestation(ctx context.Context, userID, runID string, callErr error) {
	if e.auditor == nil {
		return
	}
	if callErr == nil {
		_ = e.auditor.Record(ctx, userID, audit.EventAttestationVerified, audit.ResultSuccess, "", audit.Metadata{
			"run_id": audit.StringValue(runID),
		})
		return
	}
	svcErr, ok := svcerr.As(callErr)
	if ok && svcErr.Code == svcerr.CodeAttestationFailed {
		_ = e.auditor.Record(ctx, userID, audit.EventAttestationFailed, audit.ResultFailure, "", audit.Metadata{
			"run_id": audit.StringValue(runID),
			"reason": audit.StringValue(fmt.Sprint(svcErr.Details["reason"])),
		})
	}
}
