// Package jobqueue drives the job state machine
// PENDING → RUNNING → (SUCCEEDED | FAILED) against internal/repo's leased
// claim operations. It classifies executor failures via svcerr.KindOf and
// applies exponential backoff with full jitter, dead-lettering a job once
// it exhausts its retry budget.
package jobqueue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/obslog"
	"github.com/R3E-Network/service_layer/internal/obsmetrics"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/internal/svcerr"
	"github.com/R3E-Network/service_layer/system/framework"
)

// Handler executes one job's side effects. Implemented by
// internal/executor for the AUTOMATION_RUN job type.
type Handler interface {
	Execute(ctx context.Context, job repo.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job repo.Job) error

func (f HandlerFunc) Execute(ctx context.Context, job repo.Job) error { return f(ctx, job) }

// Config controls claim batch size, lease duration, and backoff shape.
type Config struct {
	Owner          string
	ClaimBatch     int
	LeaseTTL       time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ExecuteTimeout time.Duration
}

// DefaultConfig returns the backoff schedule spec'd for transient retries:
// base ~30s, cap ~15m.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:          owner,
		ClaimBatch:     50,
		LeaseTTL:       5 * time.Minute,
		BackoffBase:    30 * time.Second,
		BackoffCap:     15 * time.Minute,
		ExecuteTimeout: 2 * time.Minute,
	}
}

// Store is the subset of *repo.Repo the engine needs, narrowed to an
// interface so tests can exercise the retry/backoff state machine against
// an in-memory fake instead of a database.
type Store interface {
	ClaimJob(ctx context.Context, now time.Time, owner string, leaseTTL time.Duration, limit int) ([]repo.Job, error)
	CompleteJobSuccess(ctx context.Context, jobID, owner string) error
	CompleteJobFailure(ctx context.Context, jobID, owner, errorCode, errorMessage string, nextDueAt time.Time, terminal bool, attempts, maxAttempts int) error
}

// Engine claims and executes jobs against one repository.
type Engine struct {
	*framework.ServiceBase

	repo    Store
	metrics *obsmetrics.Metrics
	log     *obslog.Logger
	auditor *audit.Recorder
	cfg     Config
	service string
}

// New creates an Engine. auditor may be nil, in which case job state
// transitions are not recorded as audit events.
func New(r Store, metrics *obsmetrics.Metrics, log *obslog.Logger, auditor *audit.Recorder, service string, cfg Config) *Engine {
	if log == nil {
		log = obslog.NewDefault(service)
	}
	engine := &Engine{
		ServiceBase: framework.NewServiceBase(service, "jobqueue"),
		repo:        r,
		metrics:     metrics,
		log:         log,
		auditor:     auditor,
		cfg:         cfg,
		service:     service,
	}
	engine.MarkStarted()
	engine.SetLeaseOwner(cfg.Owner)
	// A claim cycle should happen at least once per lease TTL; going
	// longer than that without one means the caller's RunOnce loop has
	// stalled and any lease this owner held is about to (or already did)
	// expire out from under it.
	engine.SetStaleAfter(cfg.LeaseTTL)
	return engine
}

// RunOnce claims up to cfg.ClaimBatch due jobs and executes each
// concurrently through handler, returning the number claimed.
func (e *Engine) RunOnce(ctx context.Context, handler Handler, now time.Time) (int, error) {
	e.MarkActivity()

	jobs, err := e.repo.ClaimJob(ctx, now, e.cfg.Owner, e.cfg.LeaseTTL, e.cfg.ClaimBatch)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	e.metrics.JobsClaimedTotal.WithLabelValues(e.service, jobs[0].Type).Add(float64(len(jobs)))

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job repo.Job) {
			defer wg.Done()
			if e.auditor != nil {
				_ = e.auditor.Record(ctx, job.UserID, audit.EventJobClaimed, audit.ResultSuccess, "", audit.Metadata{
					"job_id": audit.StringValue(job.ID),
					"type":   audit.StringValue(job.Type),
				})
			}
			e.execute(ctx, handler, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (e *Engine) execute(ctx context.Context, handler Handler, job repo.Job) {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()

	start := time.Now()
	err := handler.Execute(execCtx, job)
	duration := time.Since(start)

	reasonCode := ""
	if svcErr, ok := svcerr.As(err); ok {
		reasonCode = string(svcErr.Code)
	}
	e.metrics.RecordJobOutcome(e.service, job.Type, duration, err, reasonCode)

	if err == nil {
		if completeErr := e.repo.CompleteJobSuccess(ctx, job.ID, e.cfg.Owner); completeErr != nil {
			if isLeaseLost(completeErr) {
				e.log.WithField("job_id", job.ID).Info("lease lost before success could be recorded, discarding")
				return
			}
			e.log.WithField("job_id", job.ID).WithError(completeErr).Error("failed to record job success")
			return
		}
		if e.auditor != nil {
			_ = e.auditor.Record(ctx, job.UserID, audit.EventJobSucceeded, audit.ResultSuccess, "", audit.Metadata{
				"job_id": audit.StringValue(job.ID),
			})
		}
		return
	}

	e.fail(ctx, job, err)
}

func (e *Engine) fail(ctx context.Context, job repo.Job, execErr error) {
	kind := svcerr.KindOf(execErr)
	code, message := errorDetail(execErr)

	terminal := kind == svcerr.KindPermanent || job.Attempts >= job.MaxAttempts
	var nextDueAt time.Time
	if !terminal {
		nextDueAt = time.Now().UTC().Add(backoff(job.Attempts, e.cfg.BackoffBase, e.cfg.BackoffCap))
	}

	completeErr := e.repo.CompleteJobFailure(ctx, job.ID, e.cfg.Owner, code, message, nextDueAt, terminal, job.Attempts, job.MaxAttempts)
	if completeErr != nil {
		if isLeaseLost(completeErr) {
			e.log.WithField("job_id", job.ID).Info("lease lost before failure could be recorded, discarding")
			return
		}
		e.log.WithField("job_id", job.ID).WithError(completeErr).Error("failed to record job failure")
		return
	}

	if e.auditor != nil {
		_ = e.auditor.Record(ctx, job.UserID, audit.EventJobFailed, audit.ResultFailure, "", audit.Metadata{
			"job_id":      audit.StringValue(job.ID),
			"reason_code": audit.StringValue(code),
			"terminal":    audit.BoolValue(terminal),
		})
	}

	if terminal {
		e.metrics.JobsDeadLetteredTotal.WithLabelValues(e.service, job.Type, code).Inc()
		if e.auditor != nil {
			_ = e.auditor.Record(ctx, job.UserID, audit.EventJobDeadLettered, audit.ResultFailure, "", audit.Metadata{
				"job_id":      audit.StringValue(job.ID),
				"reason_code": audit.StringValue(code),
			})
		}
	}
}

func isLeaseLost(err error) bool {
	svcErr, ok := svcerr.As(err)
	return ok && svcErr.Kind == svcerr.KindLeaseLost
}

func errorDetail(err error) (code, message string) {
	if svcErr, ok := svcerr.As(err); ok {
		return string(svcErr.Code), svcErr.Message
	}
	return "UNCLASSIFIED", err.Error()
}

// backoff computes min(cap, base*2^(attempts-1)) * uniform(0.5, 1.0), the
// exponential-with-full-jitter schedule spec'd for transient retries.
func backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	raw := float64(base) * math.Pow(2, float64(attempts-1))
	if raw > float64(cap) || math.IsInf(raw, 1) {
		raw = float64(cap)
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(raw * jitter)
}
