// Package automation implements the scheduler (C5): on each tick it claims
// due rules, materializes the occurrence being serviced, enqueues the
// corresponding job, and advances the rule to its next occurrence. Any
// number of scheduler instances may run concurrently against the same
// database; the repository's lease and idempotent-insert contracts make
// convergence safe without a leader election.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/obslog"
	"github.com/R3E-Network/service_layer/internal/obsmetrics"
	"github.com/R3E-Network/service_layer/internal/recurrence"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/system/framework"
)

// Store is the subset of *repo.Repo the scheduler drives.
type Store interface {
	ClaimDueRules(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]repo.Rule, error)
	InsertRunIdempotent(ctx context.Context, id, ruleID, userID string, scheduledFor time.Time, idempotencyKey string) (string, bool, error)
	EnqueueJobIdempotent(ctx context.Context, id, userID, jobType, idempotencyKey string, dueAt time.Time, maxAttempts int, payloadRef string) (string, bool, error)
	LinkRunToJob(ctx context.Context, runID, jobID, state string) error
	AdvanceRule(ctx context.Context, ruleID, owner string, newNextRunAt, lastRunAt time.Time) error
}

// JobType is the only job kind C5 enqueues.
const JobType = "AUTOMATION_RUN"

// DefaultMaxAttempts is the retry budget given to every materialized run's
// job, per spec §3.
const DefaultMaxAttempts = 5

// Config controls claim batch size, lease duration, and tick cadence.
type Config struct {
	Owner      string
	ClaimBatch int
	LeaseTTL   time.Duration
	Tick       time.Duration
}

// DefaultConfig returns the conventional scheduler settings.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:      owner,
		ClaimBatch: 100,
		LeaseTTL:   5 * time.Minute,
		Tick:       30 * time.Second,
	}
}

// Scheduler ticks on a fixed cadence, claiming and advancing due rules.
type Scheduler struct {
	*framework.ServiceBase

	store   Store
	metrics *obsmetrics.Metrics
	log     *obslog.Logger
	auditor *audit.Recorder
	cfg     Config
	service string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Scheduler.
func New(store Store, metrics *obsmetrics.Metrics, log *obslog.Logger, auditor *audit.Recorder, service string, cfg Config) *Scheduler {
	if log == nil {
		log = obslog.NewDefault(service)
	}
	s := &Scheduler{
		ServiceBase: framework.NewServiceBase(service, "automation"),
		store:       store,
		metrics:     metrics,
		log:         log,
		auditor:     auditor,
		cfg:         cfg,
		service:     service,
	}
	s.SetLeaseOwner(cfg.Owner)
	// Tolerate a couple of missed ticks (a slow claim query, a brief stall)
	// before /readyz reports this scheduler as degraded.
	s.SetStaleAfter(3 * cfg.Tick)
	return s
}

// Start begins the background polling loop. Calling Start on an
// already-running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx, time.Now().UTC())
			}
		}
	}()

	s.MarkStarted()
	s.log.Info("automation scheduler started")
	return nil
}

// Stop halts the polling loop, surrendering any in-flight lease by simply
// not renewing it — another scheduler will reclaim the rule once its
// lease expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.MarkStopped()
	s.log.Info("automation scheduler stopped")
	return nil
}

// Tick claims due rules and processes each one, returning the number
// claimed. Exported so tests (and a one-shot debug/run CLI) can drive a
// single tick deterministically without the ticker loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		}
	}()
	s.MarkActivity()

	rules, err := s.store.ClaimDueRules(ctx, now, s.cfg.ClaimBatch, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		s.log.WithError(err).Warn("claim due rules failed")
		return 0
	}
	if len(rules) == 0 {
		return 0
	}
	if s.metrics != nil {
		s.metrics.RulesClaimedTotal.WithLabelValues(s.service).Add(float64(len(rules)))
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		wg.Add(1)
		go func(rule repo.Rule) {
			defer wg.Done()
			s.processRule(ctx, rule, now)
		}(rule)
	}
	wg.Wait()
	return len(rules)
}

func (s *Scheduler) processRule(ctx context.Context, rule repo.Rule, now time.Time) {
	if s.auditor != nil {
		_ = s.auditor.Record(ctx, rule.UserID, audit.EventRuleClaimed, audit.ResultSuccess, "", audit.Metadata{
			"rule_id": audit.StringValue(rule.ID),
		})
	}

	schedule := scheduleFromRule(rule)

	// Catch-up policy: collapse any occurrences missed while the rule was
	// paused or the system was down to the single most recent one.
	occurrence, err := recurrence.CoalesceMissed(schedule, rule.NextRunAt, now)
	if err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Error("coalesce missed occurrences failed")
		return
	}

	idempotencyKey := fmt.Sprintf("%s:%s", rule.ID, occurrence.UTC().Format(time.RFC3339))

	runID, _, err := s.store.InsertRunIdempotent(ctx, uuid.NewString(), rule.ID, rule.UserID, occurrence, idempotencyKey)
	if err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Error("insert run failed")
		return
	}

	jobID, jobInserted, err := s.store.EnqueueJobIdempotent(ctx, uuid.NewString(), rule.UserID, JobType, idempotencyKey, now, DefaultMaxAttempts, runID)
	if err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Error("enqueue job failed")
		return
	}

	if err := s.store.LinkRunToJob(ctx, runID, jobID, "ENQUEUED"); err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Error("link run to job failed")
		return
	}

	if s.auditor != nil && jobInserted {
		_ = s.auditor.Record(ctx, rule.UserID, audit.EventRunMaterialized, audit.ResultSuccess, "", audit.Metadata{
			"rule_id": audit.StringValue(rule.ID),
			"run_id":  audit.StringValue(runID),
		})
	}

	newNextRunAt, err := recurrence.NextRunAt(schedule, occurrence)
	if err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Error("compute next run failed")
		return
	}

	if err := s.store.AdvanceRule(ctx, rule.ID, s.cfg.Owner, newNextRunAt, occurrence); err != nil {
		s.log.WithField("rule_id", rule.ID).WithError(err).Warn("advance rule failed, likely lost lease")
		return
	}

	if s.metrics != nil {
		s.metrics.RunsMaterializedTotal.WithLabelValues(s.service, "success").Inc()
	}
}

func scheduleFromRule(rule repo.Rule) recurrence.Schedule {
	s := recurrence.Schedule{
		Type:             recurrence.ScheduleType(rule.ScheduleType),
		TimeZone:         rule.TimeZone,
		LocalTimeMinutes: rule.LocalTimeMinutes,
	}
	if rule.AnchorWeekday.Valid {
		s.Weekday = int(rule.AnchorWeekday.Int32)
	}
	if rule.AnchorDay.Valid {
		s.Day = int(rule.AnchorDay.Int32)
	}
	if rule.AnchorMonth.Valid {
		s.Month = int(rule.AnchorMonth.Int32)
	}
	return s
}
