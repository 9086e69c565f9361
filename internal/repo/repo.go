// Package repo is the persistence layer for the automation engine: it
// wraps a *sqlx.DB over lib/pq and exposes the transactional operations the
// scheduler, job engine, and push sender are built from. Every query is
// parameterised, and every claim operation uses FOR UPDATE SKIP LOCKED so
// concurrent workers never block on or double-claim the same row. No
// function here calls the enclave, a clock, or any external service —
// repo is business-logic-free on purpose.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// Repo wraps the database handle every repository method operates on.
type Repo struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// Open opens a new connection pool against dsn using the lib/pq driver.
func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Repo, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Repo{db: db}, nil
}

// Close closes the underlying connection pool.
func (r *Repo) Close() error { return r.db.Close() }

// Rule is an automation_rules row.
type Rule struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	Title            string         `db:"title"`
	Status           string         `db:"status"`
	ScheduleType     string         `db:"schedule_type"`
	TimeZone         string         `db:"time_zone"`
	LocalTimeMinutes int            `db:"local_time_minutes"`
	AnchorWeekday    sql.NullInt32  `db:"anchor_weekday"`
	AnchorDay        sql.NullInt32  `db:"anchor_day"`
	AnchorMonth      sql.NullInt32  `db:"anchor_month"`
	NextRunAt        time.Time      `db:"next_run_at"`
	LastRunAt        sql.NullTime   `db:"last_run_at"`
	PromptCiphertext []byte         `db:"prompt_ciphertext"`
	PromptSHA256     string         `db:"prompt_sha256"`
	LeaseOwner       sql.NullString `db:"lease_owner"`
	LeaseExpiresAt   sql.NullTime   `db:"lease_expires_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// Run is an automation_runs row.
type Run struct {
	ID             string         `db:"id"`
	RuleID         string         `db:"rule_id"`
	UserID         string         `db:"user_id"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	JobID          sql.NullString `db:"job_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	State          string         `db:"state"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Job is a jobs row.
type Job struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	Type              string         `db:"type"`
	PayloadRef        string         `db:"payload_ref"`
	State             string         `db:"state"`
	DueAt             time.Time      `db:"due_at"`
	Attempts          int            `db:"attempts"`
	MaxAttempts       int            `db:"max_attempts"`
	IdempotencyKey    string         `db:"idempotency_key"`
	LeaseOwner        sql.NullString `db:"lease_owner"`
	LeaseExpiresAt    sql.NullTime   `db:"lease_expires_at"`
	LastErrorCode     sql.NullString `db:"last_error_code"`
	LastErrorMessage  sql.NullString `db:"last_error_message"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Device is a registered push destination for a user.
type Device struct {
	UserID                          string         `db:"user_id"`
	DeviceID                        string         `db:"device_id"`
	TransportToken                  string         `db:"transport_token"`
	Environment                     string         `db:"environment"`
	NotificationKeyAlgorithm        sql.NullString `db:"notification_key_algorithm"`
	NotificationPublicKeyCiphertext []byte         `db:"notification_public_key_ciphertext"`
	CreatedAt                       time.Time      `db:"created_at"`
	UpdatedAt                       time.Time      `db:"updated_at"`
}

// AuditEvent is a scalar-only metadata record. Metadata is pre-serialized
// JSON built by internal/audit's MetadataValue sum type; repo never
// inspects or validates its content beyond storing it.
type AuditEvent struct {
	ID        string
	UserID    sql.NullString
	EventType string
	Result    string
	Connector sql.NullString
	Metadata  []byte
	CreatedAt time.Time
}

func dbErr(op string, err error) error {
	return svcerr.DatabaseTransient(op, err)
}

// ClaimDueRules atomically claims up to limit ACTIVE rules whose
// next_run_at has passed and whose lease (if any) has expired, ordered by
// next_run_at then id. The lease read and write happen in a single
// round-trip via FOR UPDATE SKIP LOCKED so concurrent schedulers never
// block on or double-claim a rule.
func (r *Repo) ClaimDueRules(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]Rule, error) {
	var rules []Rule
	err := r.db.SelectContext(ctx, &rules, `
		UPDATE automation_rules
		SET lease_owner = $1, lease_expires_at = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM automation_rules
			WHERE status = 'ACTIVE'
			  AND next_run_at <= $3
			  AND (lease_expires_at IS NULL OR lease_expires_at < $3)
			ORDER BY next_run_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
	`, owner, now.Add(leaseTTL), now, limit)
	if err != nil {
		return nil, dbErr("claim_due_rules", err)
	}
	return rules, nil
}

// AdvanceRule clears a rule's lease and advances its schedule. It succeeds
// only if owner still holds the lease; otherwise the caller lost the lease
// to another scheduler and must discard its in-flight advancement.
func (r *Repo) AdvanceRule(ctx context.Context, ruleID, owner string, newNextRunAt, lastRunAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET next_run_at = $1, last_run_at = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $3 AND lease_owner = $4
	`, newNextRunAt, lastRunAt, ruleID, owner)
	if err != nil {
		return dbErr("advance_rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("advance_rule", err)
	}
	if n == 0 {
		return svcerr.LeaseLost(owner)
	}
	return nil
}

// InsertRunIdempotent materializes an automation run for one occurrence.
// inserted is false when another scheduler already materialized this
// occurrence; the existing run's ID is still returned so the caller can
// proceed through the remaining scheduler steps using it.
func (r *Repo) InsertRunIdempotent(ctx context.Context, id, ruleID, userID string, scheduledFor time.Time, idempotencyKey string) (runID string, inserted bool, err error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO automation_runs (id, rule_id, user_id, scheduled_for, idempotency_key, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'MATERIALIZED', now(), now())
		ON CONFLICT (rule_id, scheduled_for) DO NOTHING
		RETURNING id
	`, id, ruleID, userID, scheduledFor, idempotencyKey)
	if scanErr := row.Scan(&runID); scanErr != nil {
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return "", false, dbErr("insert_run_idempotent", scanErr)
		}
		existing := r.db.QueryRowContext(ctx, `
			SELECT id FROM automation_runs WHERE rule_id = $1 AND scheduled_for = $2
		`, ruleID, scheduledFor)
		if scanErr := existing.Scan(&runID); scanErr != nil {
			return "", false, dbErr("insert_run_idempotent:lookup_existing", scanErr)
		}
		return runID, false, nil
	}
	return runID, true, nil
}

// EnqueueJobIdempotent enqueues an AUTOMATION_RUN job for a materialized
// run. inserted is false when the job already exists for this
// (user_id, type, idempotency_key).
func (r *Repo) EnqueueJobIdempotent(ctx context.Context, id, userID, jobType, idempotencyKey string, dueAt time.Time, maxAttempts int, payloadRef string) (jobID string, inserted bool, err error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, user_id, type, payload_ref, state, due_at, attempts, max_attempts, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, 0, $6, $7, now(), now())
		ON CONFLICT (user_id, type, idempotency_key) DO NOTHING
		RETURNING id
	`, id, userID, jobType, payloadRef, dueAt, maxAttempts, idempotencyKey)
	if scanErr := row.Scan(&jobID); scanErr != nil {
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return "", false, dbErr("enqueue_job_idempotent", scanErr)
		}
		existing := r.db.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE user_id = $1 AND type = $2 AND idempotency_key = $3
		`, userID, jobType, idempotencyKey)
		if scanErr := existing.Scan(&jobID); scanErr != nil {
			return "", false, dbErr("enqueue_job_idempotent:lookup_existing", scanErr)
		}
		return jobID, false, nil
	}
	return jobID, true, nil
}

// LinkRunToJob records which job was enqueued for a materialized run.
func (r *Repo) LinkRunToJob(ctx context.Context, runID, jobID, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_runs SET job_id = $1, state = $2, updated_at = now() WHERE id = $3
	`, jobID, state, runID)
	if err != nil {
		return dbErr("link_run_to_job", err)
	}
	return nil
}

// ClaimJob atomically claims up to limit jobs that are PENDING, or RUNNING
// with an expired lease, and due. Same skip-locked semantics as
// ClaimDueRules.
func (r *Repo) ClaimJob(ctx context.Context, now time.Time, owner string, leaseTTL time.Duration, limit int) ([]Job, error) {
	var jobs []Job
	err := r.db.SelectContext(ctx, &jobs, `
		UPDATE jobs
		SET state = 'RUNNING', lease_owner = $1, lease_expires_at = $2, attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE due_at <= $3
			  AND (state = 'PENDING' OR (state = 'RUNNING' AND lease_expires_at < $3))
			ORDER BY due_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, type, payload_ref, state, due_at, attempts, max_attempts,
			idempotency_key, lease_owner, lease_expires_at, last_error_code, last_error_message,
			created_at, updated_at
	`, owner, now.Add(leaseTTL), now, limit)
	if err != nil {
		return nil, dbErr("claim_job", err)
	}
	return jobs, nil
}

// RenewLease extends a job's lease. Returns LeaseLost if owner no longer
// holds it.
func (r *Repo) RenewLease(ctx context.Context, jobID, owner string, newExpiry time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $1, updated_at = now()
		WHERE id = $2 AND lease_owner = $3 AND state = 'RUNNING'
	`, newExpiry, jobID, owner)
	if err != nil {
		return dbErr("renew_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("renew_lease", err)
	}
	if n == 0 {
		return svcerr.LeaseLost(owner)
	}
	return nil
}

// CompleteJobSuccess marks a job SUCCEEDED. Returns LeaseLost if owner no
// longer holds the lease.
func (r *Repo) CompleteJobSuccess(ctx context.Context, jobID, owner string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'SUCCEEDED', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, jobID, owner)
	if err != nil {
		return dbErr("complete_job_success", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("complete_job_success", err)
	}
	if n == 0 {
		return svcerr.LeaseLost(owner)
	}
	return nil
}

// CompleteJobFailure records a failed attempt. When terminal is true the
// job moves to FAILED and a dead_letter_jobs row is inserted in the same
// transaction; otherwise it returns to PENDING with nextDueAt as its new
// due_at. Returns LeaseLost if owner no longer holds the lease.
func (r *Repo) CompleteJobFailure(ctx context.Context, jobID, owner, errorCode, errorMessage string, nextDueAt time.Time, terminal bool, attempts, maxAttempts int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("complete_job_failure", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if terminal {
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'FAILED', lease_owner = NULL, lease_expires_at = NULL,
			    last_error_code = $1, last_error_message = $2, updated_at = now()
			WHERE id = $3 AND lease_owner = $4
		`, errorCode, errorMessage, jobID, owner)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'PENDING', due_at = $1, lease_owner = NULL, lease_expires_at = NULL,
			    last_error_code = $2, last_error_message = $3, updated_at = now()
			WHERE id = $4 AND lease_owner = $5
		`, nextDueAt, errorCode, errorMessage, jobID, owner)
	}
	if err != nil {
		return dbErr("complete_job_failure", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("complete_job_failure", err)
	}
	if n == 0 {
		return svcerr.LeaseLost(owner)
	}

	if terminal {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letter_jobs (job_id, reason_code, reason_message, attempts, failed_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (job_id) DO NOTHING
		`, jobID, errorCode, errorMessage, attempts)
		if err != nil {
			return dbErr("complete_job_failure:dead_letter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbErr("complete_job_failure:commit", err)
	}
	return nil
}

// ListDevicesForUser returns every device registered to userID, the set
// C8 fans a run's artifact out to.
func (r *Repo) ListDevicesForUser(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT user_id, device_id, transport_token, environment,
		       notification_key_algorithm, notification_public_key_ciphertext,
		       created_at, updated_at
		FROM devices
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, dbErr("list_devices_for_user", err)
	}
	return devices, nil
}

// TryInsertOutboundIdempotency inserts the (user_id, action_key) row that
// guards against a duplicate push send for a given (run_id, device_id).
// inserted is false when the row already exists. The push sender calls
// this only after a successful send, to mark the device delivered.
func (r *Repo) TryInsertOutboundIdempotency(ctx context.Context, userID, actionKey string) (inserted bool, err error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO outbound_action_idempotency (user_id, action_key, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, action_key) DO NOTHING
	`, userID, actionKey)
	if err != nil {
		return false, dbErr("try_insert_outbound_idempotency", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("try_insert_outbound_idempotency", err)
	}
	return n > 0, nil
}

// OutboundIdempotencyExists reports whether a (user_id, action_key) row has
// already been recorded, without inserting one. The push sender calls this
// before transmitting so a device already marked delivered for a run is
// skipped; it records the row only after a successful send.
func (r *Repo) OutboundIdempotencyExists(ctx context.Context, userID, actionKey string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM outbound_action_idempotency WHERE user_id = $1 AND action_key = $2
		)
	`, userID, actionKey)
	if err != nil {
		return false, dbErr("outbound_idempotency_exists", err)
	}
	return exists, nil
}

// GetRun fetches one automation_runs row by id, for the executor to read
// back the occurrence it was handed a job for.
func (r *Repo) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := r.db.GetContext(ctx, &run, `
		SELECT id, rule_id, user_id, scheduled_for, job_id, idempotency_key, state, created_at, updated_at
		FROM automation_runs WHERE id = $1
	`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, svcerr.NotFound("automation_run", runID)
		}
		return Run{}, dbErr("get_run", err)
	}
	return run, nil
}

// GetRule fetches one automation_rules row by id, for the executor to read
// the ciphertext prompt it must hand to the enclave.
func (r *Repo) GetRule(ctx context.Context, ruleID string) (Rule, error) {
	var rule Rule
	err := r.db.GetContext(ctx, &rule, `
		SELECT id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
		FROM automation_rules WHERE id = $1
	`, ruleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, svcerr.NotFound("automation_rule", ruleID)
		}
		return Rule{}, dbErr("get_rule", err)
	}
	return rule, nil
}

// InsertRule creates a new automation_rules row in ACTIVE status with the
// given initial nextRunAt, computed by the caller from the schedule before
// any lease has ever been taken.
func (r *Repo) InsertRule(ctx context.Context, id, userID, title, scheduleType, timeZone string, localTimeMinutes int, anchorWeekday, anchorDay, anchorMonth sql.NullInt32, nextRunAt time.Time, promptCiphertext []byte, promptSHA256 string) (Rule, error) {
	var rule Rule
	err := r.db.GetContext(ctx, &rule, `
		INSERT INTO automation_rules (
			id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at,
			prompt_ciphertext, prompt_sha256, created_at, updated_at
		) VALUES ($1, $2, $3, 'ACTIVE', $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		RETURNING id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
	`, id, userID, title, scheduleType, timeZone, localTimeMinutes,
		anchorWeekday, anchorDay, anchorMonth, nextRunAt, promptCiphertext, promptSHA256)
	if err != nil {
		return Rule{}, dbErr("insert_rule", err)
	}
	return rule, nil
}

// ListRulesForUser returns every rule owned by userID, most recently
// created first, capped at limit.
func (r *Repo) ListRulesForUser(ctx context.Context, userID string, limit int) ([]Rule, error) {
	var rules []Rule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
		FROM automation_rules
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, dbErr("list_rules_for_user", err)
	}
	return rules, nil
}

// GetRuleForUser fetches one rule, scoped to userID so a caller can never
// read another user's rule by guessing an id.
func (r *Repo) GetRuleForUser(ctx context.Context, ruleID, userID string) (Rule, error) {
	var rule Rule
	err := r.db.GetContext(ctx, &rule, `
		SELECT id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
		FROM automation_rules WHERE id = $1 AND user_id = $2
	`, ruleID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, svcerr.NotFound("automation_rule", ruleID)
		}
		return Rule{}, dbErr("get_rule_for_user", err)
	}
	return rule, nil
}

// UpdateRule applies a partial update to a rule the caller already owns.
// Pass the rule's current values for fields the request didn't touch —
// this mirrors a full-row UPDATE rather than a dynamic column list, which
// keeps the query static and injection-proof.
func (r *Repo) UpdateRule(ctx context.Context, ruleID, userID, title, status, scheduleType, timeZone string, localTimeMinutes int, anchorWeekday, anchorDay, anchorMonth sql.NullInt32, nextRunAt time.Time, promptCiphertext []byte, promptSHA256 string) (Rule, error) {
	var rule Rule
	err := r.db.GetContext(ctx, &rule, `
		UPDATE automation_rules
		SET title = $3, status = $4, schedule_type = $5, time_zone = $6, local_time_minutes = $7,
			anchor_weekday = $8, anchor_day = $9, anchor_month = $10, next_run_at = $11,
			prompt_ciphertext = $12, prompt_sha256 = $13, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, status, schedule_type, time_zone, local_time_minutes,
			anchor_weekday, anchor_day, anchor_month, next_run_at, last_run_at,
			prompt_ciphertext, prompt_sha256, lease_owner, lease_expires_at, created_at, updated_at
	`, ruleID, userID, title, status, scheduleType, timeZone, localTimeMinutes,
		anchorWeekday, anchorDay, anchorMonth, nextRunAt, promptCiphertext, promptSHA256)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, svcerr.NotFound("automation_rule", ruleID)
		}
		return Rule{}, dbErr("update_rule", err)
	}
	return rule, nil
}

// DeleteRule removes a rule the caller owns. Associated runs cascade via
// the automation_runs foreign key.
func (r *Repo) DeleteRule(ctx context.Context, ruleID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM automation_rules WHERE id = $1 AND user_id = $2
	`, ruleID, userID)
	if err != nil {
		return dbErr("delete_rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr("delete_rule", err)
	}
	if n == 0 {
		return svcerr.NotFound("automation_rule", ruleID)
	}
	return nil
}

// InsertAuditEvent persists a scalar-metadata-only event.
func (r *Repo) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, event_type, result, connector, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.UserID, ev.EventType, ev.Result, ev.Connector, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return dbErr("insert_audit_event", err)
	}
	return nil
}
