// Package push fans a materialized run's device-scoped envelopes out to
// each registered device, deduplicating via a per-(user_id, action_key)
// idempotency row so at-least-once delivery from C4's retry loop never
// double-sends. The concrete transport (APNs, FCM, ...) is an external
// collaborator; this package defines the interface it plugs into plus
// LoggingTransport, a placeholder that only logs each send.
package push

import (
	"context"
	"fmt"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/obsmetrics"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// Envelope is one device-scoped sealed notification artifact, as produced
// by the enclave during C7 step 4.
type Envelope struct {
	DeviceID   string
	Ciphertext []byte
	Nonce      []byte
	KeyID      string
}

// Transport delivers one already-sealed envelope to one device. Production
// implementations (APNs HTTP/2, FCM) wrap the platform SDK; Fake
// implementations record calls for tests.
type Transport interface {
	Send(ctx context.Context, deviceID, transportToken string, envelope Envelope) error
}

// Store is the subset of *repo.Repo the sender needs.
type Store interface {
	OutboundIdempotencyExists(ctx context.Context, userID, actionKey string) (bool, error)
	TryInsertOutboundIdempotency(ctx context.Context, userID, actionKey string) (bool, error)
}

// Sender delivers a run's device envelopes, skipping devices already
// recorded as delivered for this run.
type Sender struct {
	store     Store
	transport Transport
	auditor   *audit.Recorder
	metrics   *obsmetrics.Metrics
	service   string
}

// New creates a Sender.
func New(store Store, transport Transport, auditor *audit.Recorder, metrics *obsmetrics.Metrics, service string) *Sender {
	return &Sender{store: store, transport: transport, auditor: auditor, metrics: metrics, service: service}
}

// DeviceToken pairs a device ID with the transport token ListDevicesForUser
// returned for it.
type DeviceToken struct {
	DeviceID       string
	TransportToken string
}

// Deliver sends one envelope per device in envelopes, looked up by
// DeviceID in tokens, skipping any device whose (user_id, action_key) row
// already exists. Devices are checked, then sent to, and only marked
// delivered (idempotency row inserted) after the transport call succeeds —
// so a transient failure after a partial send still leaves the device
// unmarked and eligible for the job engine's retry to actually resend it,
// rather than silently dropping it. A transport-transient failure on any
// device is returned so the job engine retries the whole run; a
// transport-permanent failure (invalid token) is recorded as a
// metadata-only event and does not fail the run.
func (s *Sender) Deliver(ctx context.Context, userID, runID string, envelopes []Envelope, tokens map[string]string) error {
	for _, env := range envelopes {
		actionKey := fmt.Sprintf("%s:%s", runID, env.DeviceID)

		exists, err := s.store.OutboundIdempotencyExists(ctx, userID, actionKey)
		if err != nil {
			return err
		}
		if exists {
			if s.auditor != nil {
				_ = s.auditor.Record(ctx, userID, audit.EventPushSuppressed, audit.ResultSuccess, "", audit.Metadata{
					"run_id":    audit.StringValue(runID),
					"device_id": audit.StringValue(env.DeviceID),
				})
			}
			if s.metrics != nil {
				s.metrics.PushSuppressedTotal.WithLabelValues(s.service, "duplicate").Inc()
			}
			continue
		}

		token := tokens[env.DeviceID]
		if err := s.transport.Send(ctx, env.DeviceID, token, env); err != nil {
			svcErr, ok := svcerr.As(err)
			if ok && svcErr.Kind == svcerr.KindPermanent {
				if s.auditor != nil {
					_ = s.auditor.Record(ctx, userID, audit.EventPushSuppressed, audit.ResultFailure, "", audit.Metadata{
						"run_id":    audit.StringValue(runID),
						"device_id": audit.StringValue(env.DeviceID),
						"reason":    audit.StringValue(string(svcErr.Code)),
					})
				}
				if s.metrics != nil {
					s.metrics.PushSuppressedTotal.WithLabelValues(s.service, "invalid_token").Inc()
				}
				continue
			}
			return err
		}

		// Send succeeded: record the idempotency row now, not before, so a
		// transient failure above never leaves a device falsely marked
		// delivered.
		if _, err := s.store.TryInsertOutboundIdempotency(ctx, userID, actionKey); err != nil {
			return err
		}

		if s.auditor != nil {
			_ = s.auditor.Record(ctx, userID, audit.EventPushSent, audit.ResultSuccess, "", audit.Metadata{
				"run_id":    audit.StringValue(runID),
				"device_id": audit.StringValue(env.DeviceID),
			})
		}
		if s.metrics != nil {
			s.metrics.PushSentTotal.WithLabelValues(s.service).Inc()
		}
	}
	return nil
}
