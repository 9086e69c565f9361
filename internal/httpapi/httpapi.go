// Package httpapi exposes the control-plane routes a caller uses to
// create, list, update, and delete automation rules, plus a debug/run
// escape hatch that materializes a run outside the scheduler's own tick.
// It proves the request/response field contracts round-trip through
// internal/repo's types; ownership checks beyond user-id scoping, OpenAPI
// generation, and the Clerk/OAuth exchange that populates X-User-ID all
// live outside this core.
package httpapi

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/R3E-Network/service_layer/internal/automation"
	"github.com/R3E-Network/service_layer/internal/obslog"
	"github.com/R3E-Network/service_layer/internal/recurrence"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// maxPromptCiphertextBytes bounds the size of the encrypted prompt
// envelope a caller may submit. The enclave's notification artifact on the
// way out (push.Envelope) carries no size bound of its own.
const maxPromptCiphertextBytes = 16 * 1024

// UserIDHeader is the header the upstream gateway is expected to set
// after terminating the caller's OAuth/Clerk session.
const UserIDHeader = "X-User-ID"

// Store is the subset of *repo.Repo the control plane needs.
type Store interface {
	InsertRule(ctx context.Context, id, userID, title, scheduleType, timeZone string, localTimeMinutes int, anchorWeekday, anchorDay, anchorMonth sql.NullInt32, nextRunAt time.Time, promptCiphertext []byte, promptSHA256 string) (repo.Rule, error)
	ListRulesForUser(ctx context.Context, userID string, limit int) ([]repo.Rule, error)
	GetRuleForUser(ctx context.Context, ruleID, userID string) (repo.Rule, error)
	UpdateRule(ctx context.Context, ruleID, userID, title, status, scheduleType, timeZone string, localTimeMinutes int, anchorWeekday, anchorDay, anchorMonth sql.NullInt32, nextRunAt time.Time, promptCiphertext []byte, promptSHA256 string) (repo.Rule, error)
	DeleteRule(ctx context.Context, ruleID, userID string) error
	InsertRunIdempotent(ctx context.Context, id, ruleID, userID string, scheduledFor time.Time, idempotencyKey string) (string, bool, error)
	EnqueueJobIdempotent(ctx context.Context, id, userID, jobType, idempotencyKey string, dueAt time.Time, maxAttempts int, payloadRef string) (string, bool, error)
	LinkRunToJob(ctx context.Context, runID, jobID, state string) error
}

// Handler serves the automation control-plane routes.
type Handler struct {
	store Store
	log   *obslog.Logger
}

// New creates a Handler.
func New(store Store, log *obslog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// Routes mounts every route this package exposes under a chi.Router the
// caller can attach at any prefix (the engine mounts it at /v1/automations).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Patch("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
		r.Post("/debug/run", h.handleDebugRun)
	})
	return r
}

// scheduleRequest is the wire shape of the schedule sub-object in
// spec §6's automation create/update request.
type scheduleRequest struct {
	ScheduleType  string `json:"schedule_type"`
	TimeZone      string `json:"time_zone"`
	LocalTime     string `json:"local_time"`
	AnchorWeekday *int   `json:"anchor_weekday,omitempty"`
	AnchorDay     *int   `json:"anchor_day,omitempty"`
	AnchorMonth   *int   `json:"anchor_month,omitempty"`
}

// promptEnvelopeRequest is the bit-exact prompt envelope wire shape from
// spec §6. The control plane never decrypts it — it stores the combined
// AEAD ciphertext bytes and a hex digest of them.
type promptEnvelopeRequest struct {
	Version                  string `json:"version"`
	Algorithm                string `json:"algorithm"`
	KeyID                    string `json:"key_id"`
	RequestID                string `json:"request_id"`
	ClientEphemeralPublicKey string `json:"client_ephemeral_public_key"`
	Nonce                    string `json:"nonce"`
	Ciphertext               string `json:"ciphertext"`
}

type createRequest struct {
	Title          string                `json:"title"`
	Schedule       scheduleRequest       `json:"schedule"`
	PromptEnvelope promptEnvelopeRequest `json:"prompt_envelope"`
}

type updateRequest struct {
	Title          *string                `json:"title,omitempty"`
	Status         *string                `json:"status,omitempty"`
	Schedule       *scheduleRequest       `json:"schedule,omitempty"`
	PromptEnvelope *promptEnvelopeRequest `json:"prompt_envelope,omitempty"`
}

// ruleSummary is the response shape spec §6 calls "rule summary". It never
// echoes ciphertext back, only the digest and schedule metadata.
type ruleSummary struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	ScheduleType     string  `json:"schedule_type"`
	TimeZone         string  `json:"time_zone"`
	LocalTime        string  `json:"local_time"`
	AnchorWeekday    *int    `json:"anchor_weekday,omitempty"`
	AnchorDay        *int    `json:"anchor_day,omitempty"`
	AnchorMonth      *int    `json:"anchor_month,omitempty"`
	NextRunAt        string  `json:"next_run_at"`
	LastRunAt        *string `json:"last_run_at,omitempty"`
	PromptSHA256     string  `json:"prompt_sha256"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func ruleToSummary(rule repo.Rule) ruleSummary {
	s := ruleSummary{
		ID:           rule.ID,
		Title:        rule.Title,
		Status:       rule.Status,
		ScheduleType: rule.ScheduleType,
		TimeZone:     rule.TimeZone,
		LocalTime:    formatLocalTime(rule.LocalTimeMinutes),
		NextRunAt:    rule.NextRunAt.UTC().Format(time.RFC3339),
		PromptSHA256: rule.PromptSHA256,
		CreatedAt:    rule.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    rule.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rule.AnchorWeekday.Valid {
		v := int(rule.AnchorWeekday.Int32)
		s.AnchorWeekday = &v
	}
	if rule.AnchorDay.Valid {
		v := int(rule.AnchorDay.Int32)
		s.AnchorDay = &v
	}
	if rule.AnchorMonth.Valid {
		v := int(rule.AnchorMonth.Int32)
		s.AnchorMonth = &v
	}
	if rule.LastRunAt.Valid {
		v := rule.LastRunAt.Time.UTC().Format(time.RFC3339)
		s.LastRunAt = &v
	}
	return s
}

func formatLocalTime(minutes int) string {
	return time.Date(0, 1, 1, minutes/60, minutes%60, 0, 0, time.UTC).Format("15:04")
}

func parseLocalTime(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// scheduleFromRequest builds and validates a recurrence.Schedule, and
// returns its first fire instant after now.
func scheduleFromRequest(req scheduleRequest, now time.Time) (recurrence.Schedule, time.Time, error) {
	minutes, err := parseLocalTime(req.LocalTime)
	if err != nil {
		return recurrence.Schedule{}, time.Time{}, svcerr.ScheduleInvalid("local_time must be HH:MM")
	}
	s := recurrence.Schedule{
		Type:             recurrence.ScheduleType(req.ScheduleType),
		TimeZone:         req.TimeZone,
		LocalTimeMinutes: minutes,
	}
	if req.AnchorWeekday != nil {
		s.Weekday = *req.AnchorWeekday
	}
	if req.AnchorDay != nil {
		s.Day = *req.AnchorDay
	}
	if req.AnchorMonth != nil {
		s.Month = *req.AnchorMonth
	}
	if err := s.Validate(); err != nil {
		return recurrence.Schedule{}, time.Time{}, svcerr.ScheduleInvalid(err.Error())
	}
	nextRunAt, err := recurrence.NextRunAt(s, now)
	if err != nil {
		return recurrence.Schedule{}, time.Time{}, svcerr.ScheduleInvalid(err.Error())
	}
	return s, nextRunAt, nil
}

func nullInt32(v int) sql.NullInt32 {
	return sql.NullInt32{Int32: int32(v), Valid: true}
}

func anchorsFromSchedule(s recurrence.Schedule) (weekday, day, month sql.NullInt32) {
	switch s.Type {
	case recurrence.Weekly:
		weekday = nullInt32(s.Weekday)
	case recurrence.Monthly:
		day = nullInt32(s.Day)
	case recurrence.Annually:
		day = nullInt32(s.Day)
		month = nullInt32(s.Month)
	}
	return
}

// decodeCiphertext base64-decodes the envelope's ciphertext field and
// enforces the size cap; it never inspects the plaintext it wraps.
func decodeCiphertext(field string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, svcerr.ScheduleInvalid("prompt_envelope.ciphertext is not valid base64")
	}
	if len(raw) > maxPromptCiphertextBytes {
		return nil, svcerr.ContentTooLarge("prompt_envelope.ciphertext", maxPromptCiphertextBytes)
	}
	return raw, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if svcErr, ok := err.(*svcerr.Error); ok {
		writeJSON(w, svcErr.HTTPStatus, map[string]any{
			"error": map[string]any{
				"code":    string(svcErr.Code),
				"message": svcErr.Message,
			},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{"code": "INTERNAL", "message": "internal error"},
	})
}

func userIDFromRequest(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		writeError(w, svcerr.ScheduleInvalid("missing "+UserIDHeader+" header"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, svcerr.ScheduleInvalid("malformed request body"))
		return
	}

	now := time.Now().UTC()
	schedule, nextRunAt, err := scheduleFromRequest(req.Schedule, now)
	if err != nil {
		writeError(w, err)
		return
	}

	ciphertext, err := decodeCiphertext(req.PromptEnvelope.Ciphertext)
	if err != nil {
		writeError(w, err)
		return
	}

	weekday, day, month := anchorsFromSchedule(schedule)
	rule, err := h.store.InsertRule(r.Context(), uuid.NewString(), userID, req.Title,
		string(schedule.Type), schedule.TimeZone, schedule.LocalTimeMinutes,
		weekday, day, month, nextRunAt, ciphertext, sha256Hex(ciphertext))
	if err != nil {
		h.log.WithError(err).Error("create automation rule failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ruleToSummary(rule))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		writeError(w, svcerr.ScheduleInvalid("missing "+UserIDHeader+" header"))
		return
	}

	limit := 100
	rules, err := h.store.ListRulesForUser(r.Context(), userID, limit)
	if err != nil {
		h.log.WithError(err).Error("list automation rules failed")
		writeError(w, err)
		return
	}

	items := make([]ruleSummary, 0, len(rules))
	for _, rule := range rules {
		items = append(items, ruleToSummary(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		writeError(w, svcerr.ScheduleInvalid("missing "+UserIDHeader+" header"))
		return
	}
	ruleID := chi.URLParam(r, "id")

	existing, err := h.store.GetRuleForUser(r.Context(), ruleID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, svcerr.ScheduleInvalid("malformed request body"))
		return
	}

	title := existing.Title
	if req.Title != nil {
		title = *req.Title
	}
	status := existing.Status
	if req.Status != nil {
		status = *req.Status
	}

	scheduleType, timeZone, localMinutes := existing.ScheduleType, existing.TimeZone, existing.LocalTimeMinutes
	weekday, day, month := existing.AnchorWeekday, existing.AnchorDay, existing.AnchorMonth
	nextRunAt := existing.NextRunAt
	if req.Schedule != nil {
		schedule, newNextRunAt, err := scheduleFromRequest(*req.Schedule, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		scheduleType, timeZone, localMinutes = string(schedule.Type), schedule.TimeZone, schedule.LocalTimeMinutes
		weekday, day, month = anchorsFromSchedule(schedule)
		nextRunAt = newNextRunAt
	}

	ciphertext, sha := existing.PromptCiphertext, existing.PromptSHA256
	if req.PromptEnvelope != nil {
		decoded, err := decodeCiphertext(req.PromptEnvelope.Ciphertext)
		if err != nil {
			writeError(w, err)
			return
		}
		ciphertext, sha = decoded, sha256Hex(decoded)
	}

	rule, err := h.store.UpdateRule(r.Context(), ruleID, userID, title, status, scheduleType, timeZone,
		localMinutes, weekday, day, month, nextRunAt, ciphertext, sha)
	if err != nil {
		h.log.WithError(err).Error("update automation rule failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ruleToSummary(rule))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		writeError(w, svcerr.ScheduleInvalid("missing "+UserIDHeader+" header"))
		return
	}
	ruleID := chi.URLParam(r, "id")

	if err := h.store.DeleteRule(r.Context(), ruleID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDebugRun materializes a run for "now" outside the scheduler's own
// tick, for operability: an operator can force a rule to fire immediately
// without waiting for next_run_at.
func (h *Handler) handleDebugRun(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if userID == "" {
		writeError(w, svcerr.ScheduleInvalid("missing "+UserIDHeader+" header"))
		return
	}
	ruleID := chi.URLParam(r, "id")

	rule, err := h.store.GetRuleForUser(r.Context(), ruleID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	idempotencyKey := ruleID + ":" + now.Format(time.RFC3339)

	runID, _, err := h.store.InsertRunIdempotent(r.Context(), uuid.NewString(), rule.ID, rule.UserID, now, idempotencyKey)
	if err != nil {
		h.log.WithError(err).Error("debug run insert failed")
		writeError(w, err)
		return
	}

	jobID, _, err := h.store.EnqueueJobIdempotent(r.Context(), uuid.NewString(), rule.UserID, automation.JobType,
		idempotencyKey, now, automation.DefaultMaxAttempts, runID)
	if err != nil {
		h.log.WithError(err).Error("debug run enqueue failed")
		writeError(w, err)
		return
	}

	if err := h.store.LinkRunToJob(r.Context(), runID, jobID, "ENQUEUED"); err != nil {
		h.log.WithError(err).Error("debug run link failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued_job_id": jobID,
		"status":        "ENQUEUED",
	})
}
