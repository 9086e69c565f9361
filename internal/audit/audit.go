// Package audit records structured, scalar-only metadata events for every
// state transition C4-C8 care about. MetadataValue is a closed sum type
// over string/int64/float64/bool specifically so a plaintext string (a
// prompt, a notification body) can never be smuggled into an audit event
// through a field that accepts interface{} — the compiler only lets
// callers construct the four scalar kinds below.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_layer/internal/repo"
)

// Event types named in spec §4.9.
const (
	EventRuleClaimed        = "automation.rule.claimed"
	EventRunMaterialized    = "automation.run.materialized"
	EventJobClaimed         = "job.claimed"
	EventJobSucceeded       = "job.succeeded"
	EventJobFailed          = "job.failed"
	EventJobDeadLettered    = "job.dead_lettered"
	EventPushSent           = "push.sent"
	EventPushSuppressed     = "push.suppressed"
	EventAttestationVerified = "attestation.verified"
	EventAttestationFailed  = "attestation.failed"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
	kindBool
)

// MetadataValue is a scalar leaf value: a string, an integer, a float, or
// a boolean. It cannot represent a nested object or array, so a caller
// cannot accidentally attach a structured payload (which could embed
// plaintext) to an audit event.
type MetadataValue struct {
	kind valueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// StringValue wraps a string metadata value.
func StringValue(s string) MetadataValue { return MetadataValue{kind: kindString, s: s} }

// IntValue wraps an integer metadata value.
func IntValue(i int64) MetadataValue { return MetadataValue{kind: kindInt, i: i} }

// FloatValue wraps a floating-point metadata value.
func FloatValue(f float64) MetadataValue { return MetadataValue{kind: kindFloat, f: f} }

// BoolValue wraps a boolean metadata value.
func BoolValue(b bool) MetadataValue { return MetadataValue{kind: kindBool, b: b} }

// MarshalJSON renders the wrapped scalar directly, with no type envelope.
func (v MetadataValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindString:
		return json.Marshal(v.s)
	case kindInt:
		return json.Marshal(v.i)
	case kindFloat:
		return json.Marshal(v.f)
	case kindBool:
		return json.Marshal(v.b)
	default:
		return json.Marshal(nil)
	}
}

// Metadata is the scalar-only key/value set attached to one audit event.
type Metadata map[string]MetadataValue

// Store is the persistence dependency Recorder needs.
type Store interface {
	InsertAuditEvent(ctx context.Context, ev repo.AuditEvent) error
}

// Recorder writes audit events through Store.
type Recorder struct {
	store Store
}

// New creates a Recorder.
func New(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record persists one audit event. userID and connector are optional; pass
// "" to omit either.
func (r *Recorder) Record(ctx context.Context, userID, eventType, result, connector string, metadata Metadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	ev := repo.AuditEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Result:    result,
		Metadata:  encoded,
		CreatedAt: time.Now().UTC(),
	}
	if userID != "" {
		ev.UserID.String, ev.UserID.Valid = userID, true
	}
	if connector != "" {
		ev.Connector.String, ev.Connector.Valid = connector, true
	}
	return r.store.InsertAuditEvent(ctx, ev)
}
