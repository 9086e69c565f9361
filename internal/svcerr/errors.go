// Package svcerr provides the error taxonomy shared by every component of
// the automation engine: a closed set of error codes, an HTTP status for
// the handful of codes that reach the control plane, and a retry Kind that
// the job engine uses to classify failures without inspecting error
// strings.
package svcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a specific failure condition.
type Code string

const (
	// Schedule / rule validation (1xxx)
	CodeScheduleInvalid Code = "AUTOMATION_1001"
	CodeContentTooLarge Code = "AUTOMATION_1002"

	// Repository / persistence (2xxx)
	CodeDatabaseTransient          Code = "DB_2001"
	CodeDatabaseConstraintConflict Code = "DB_2002"
	CodeNotFound                   Code = "DB_2003"

	// Job engine (3xxx)
	CodeLeaseLost    Code = "JOB_3001"
	CodeJobExhausted Code = "JOB_3002"

	// Enclave / attestation (4xxx)
	CodeAttestationFailed Code = "TEE_4001"
	CodeEnvelopeAuthFailed Code = "TEE_4002"
	CodeEnclaveTransient   Code = "TEE_4003"

	// Push delivery (5xxx)
	CodePushTransportTransient Code = "PUSH_5001"
	CodePushTokenInvalid       Code = "PUSH_5002"

	// Configuration / bootstrap (9xxx)
	CodeConfigInvalid Code = "CONFIG_9001"
)

// Kind is the retry classification the job engine acts on. It is distinct
// from Code: several codes can share a Kind, and the same failure can be
// reported with different Kinds depending on context (e.g. a database
// timeout is Transient, a unique-constraint hit is treated as an expected
// branch rather than an error at all).
type Kind int

const (
	// KindPermanent failures never succeed on retry; the caller should
	// fail the job immediately and dead-letter it.
	KindPermanent Kind = iota
	// KindTransient failures may succeed if retried after a backoff.
	KindTransient
	// KindLeaseLost means another worker now owns the resource; the
	// caller must discard its in-flight completion silently.
	KindLeaseLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindLeaseLost:
		return "lease_lost"
	default:
		return "permanent"
	}
}

// Error is the structured error type threaded through the engine. It never
// carries plaintext payload fields — Details is restricted by convention
// (not by the compiler) to identifiers, counts, and error codes; callers in
// this module must not put ciphertext or decrypted content into it.
type Error struct {
	Code       Code
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a scalar-only key/value pair for audit/log context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, kind Kind, message string, httpStatus int) *Error {
	return &Error{Code: code, Kind: kind, Message: message, HTTPStatus: httpStatus}
}

func wrapErr(code Code, kind Kind, message string, httpStatus int, err error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Constructors, one per taxonomy row in spec §7.

func ScheduleInvalid(reason string) *Error {
	return newErr(CodeScheduleInvalid, KindPermanent, "schedule is invalid", http.StatusBadRequest).
		WithDetail("reason", reason)
}

func ContentTooLarge(field string, limit int) *Error {
	return newErr(CodeContentTooLarge, KindPermanent, "content exceeds size limit", http.StatusBadRequest).
		WithDetail("field", field).
		WithDetail("limit", limit)
}

func DatabaseTransient(operation string, err error) *Error {
	return wrapErr(CodeDatabaseTransient, KindTransient, "database operation failed", http.StatusServiceUnavailable, err).
		WithDetail("operation", operation)
}

// DatabaseConstraintConflict is the "already exists" branch of an
// idempotent insert. It is returned as a distinct value, never raised as a
// panic or sentinel-matched driver error, per spec §9.
func DatabaseConstraintConflict(resource, key string) *Error {
	return newErr(CodeDatabaseConstraintConflict, KindPermanent, "resource already exists", http.StatusConflict).
		WithDetail("resource", resource).
		WithDetail("key", key)
}

func NotFound(resource, id string) *Error {
	return newErr(CodeNotFound, KindPermanent, "resource not found", http.StatusNotFound).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func LeaseLost(owner string) *Error {
	return newErr(CodeLeaseLost, KindLeaseLost, "lease no longer held", http.StatusConflict).
		WithDetail("owner", owner)
}

func JobExhausted(attempts, maxAttempts int) *Error {
	return newErr(CodeJobExhausted, KindPermanent, "job exhausted its retry budget", http.StatusOK).
		WithDetail("attempts", attempts).
		WithDetail("max_attempts", maxAttempts)
}

func AttestationFailed(reason string, err error) *Error {
	return wrapErr(CodeAttestationFailed, KindPermanent, "attestation verification failed", http.StatusForbidden, err).
		WithDetail("reason", reason)
}

func EnvelopeAuthFailed(err error) *Error {
	return wrapErr(CodeEnvelopeAuthFailed, KindPermanent, "envelope authentication failed", http.StatusForbidden, err)
}

func EnclaveTransient(operation string, err error) *Error {
	return wrapErr(CodeEnclaveTransient, KindTransient, "enclave call failed transiently", http.StatusBadGateway, err).
		WithDetail("operation", operation)
}

func PushTransportTransient(deviceID string, err error) *Error {
	return wrapErr(CodePushTransportTransient, KindTransient, "push transport failed transiently", http.StatusBadGateway, err).
		WithDetail("device_id", deviceID)
}

func PushTokenInvalid(deviceID string, err error) *Error {
	return wrapErr(CodePushTokenInvalid, KindPermanent, "push token invalid", http.StatusGone, err).
		WithDetail("device_id", deviceID)
}

func ConfigInvalid(field, reason string) *Error {
	return newErr(CodeConfigInvalid, KindPermanent, "configuration is invalid", http.StatusInternalServerError).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// KindOf classifies any error for the job engine. Errors that are not an
// *Error are treated as Transient: an unexpected error must never panic the
// worker loop (spec §7 propagation rule), and a bounded retry budget will
// still dead-letter it eventually if it keeps recurring.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	if svcErr, ok := As(err); ok {
		return svcErr.Kind
	}
	return KindTransient
}
