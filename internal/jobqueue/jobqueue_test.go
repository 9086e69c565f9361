package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/obsmetrics"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/internal/svcerr"
)

type fakeAuditStore struct {
	mu     sync.Mutex
	events []repo.AuditEvent
}

func (f *fakeAuditStore) InsertAuditEvent(ctx context.Context, ev repo.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeStore struct {
	mu            sync.Mutex
	claimQueue    []repo.Job
	succeeded     []string
	failed        []string
	terminalCalls []bool
	completeErr   error
}

func (f *fakeStore) ClaimJob(ctx context.Context, now time.Time, owner string, leaseTTL time.Duration, limit int) ([]repo.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := f.claimQueue
	f.claimQueue = nil
	return claimed, nil
}

func (f *fakeStore) CompleteJobSuccess(ctx context.Context, jobID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.succeeded = append(f.succeeded, jobID)
	return nil
}

func (f *fakeStore) CompleteJobFailure(ctx context.Context, jobID, owner, errorCode, errorMessage string, nextDueAt time.Time, terminal bool, attempts, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.failed = append(f.failed, jobID)
	f.terminalCalls = append(f.terminalCalls, terminal)
	return nil
}

func testEngine(store *fakeStore) *Engine {
	cfg := DefaultConfig("worker-1")
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	return New(store, obsmetrics.NewWithRegistry("test", nil), nil, nil, "test", cfg)
}

func TestNewEngineIsImmediatelyReady(t *testing.T) {
	engine := testEngine(&fakeStore{})
	if err := engine.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() = %v, want nil", err)
	}
}

func TestNewEngineRecordsLeaseOwnerAndRunOnceMarksActivity(t *testing.T) {
	engine := testEngine(&fakeStore{})

	if owner := engine.LeaseOwner(); owner != "worker-1" {
		t.Fatalf("LeaseOwner() = %q, want %q", owner, "worker-1")
	}
	if !engine.LastActivityAt().IsZero() {
		t.Fatal("LastActivityAt() should be zero before the first RunOnce")
	}

	if _, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return nil
	}), time.Now().UTC()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if engine.LastActivityAt().IsZero() {
		t.Fatal("LastActivityAt() should be set after RunOnce")
	}
}

func TestRunOnceRecordsSuccess(t *testing.T) {
	store := &fakeStore{claimQueue: []repo.Job{{ID: "job-1", Type: "AUTOMATION_RUN", Attempts: 1, MaxAttempts: 5}}}
	engine := testEngine(store)

	n, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return nil
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce() claimed = %d, want 1", n)
	}
	if len(store.succeeded) != 1 || store.succeeded[0] != "job-1" {
		t.Fatalf("succeeded = %v", store.succeeded)
	}
}

func TestRunOnceRetriesTransientFailureBeforeExhaustion(t *testing.T) {
	store := &fakeStore{claimQueue: []repo.Job{{ID: "job-1", Type: "AUTOMATION_RUN", Attempts: 1, MaxAttempts: 5}}}
	engine := testEngine(store)

	_, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return svcerr.EnclaveTransient("invoke", errors.New("timeout"))
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(store.failed) != 1 {
		t.Fatalf("failed = %v", store.failed)
	}
	if store.terminalCalls[0] {
		t.Fatal("expected non-terminal failure before exhausting retry budget")
	}
}

func TestRunOnceDeadLettersOnceAttemptsExhausted(t *testing.T) {
	store := &fakeStore{claimQueue: []repo.Job{{ID: "job-1", Type: "AUTOMATION_RUN", Attempts: 5, MaxAttempts: 5}}}
	engine := testEngine(store)

	_, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return svcerr.EnclaveTransient("invoke", errors.New("timeout"))
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !store.terminalCalls[0] {
		t.Fatal("expected terminal failure once attempts reach max_attempts")
	}
}

func TestRunOnceDeadLettersPermanentFailureImmediately(t *testing.T) {
	store := &fakeStore{claimQueue: []repo.Job{{ID: "job-1", Type: "AUTOMATION_RUN", Attempts: 1, MaxAttempts: 5}}}
	engine := testEngine(store)

	_, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return svcerr.AttestationFailed("disallowed measurement", nil)
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !store.terminalCalls[0] {
		t.Fatal("expected permanent failure to dead-letter on attempt 1 of 5")
	}
}

func TestRunOnceDiscardsCompletionOnLeaseLoss(t *testing.T) {
	store := &fakeStore{
		claimQueue:  []repo.Job{{ID: "job-1", Type: "AUTOMATION_RUN", Attempts: 1, MaxAttempts: 5}},
		completeErr: svcerr.LeaseLost("worker-2"),
	}
	engine := testEngine(store)

	_, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return nil
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(store.succeeded) != 0 {
		t.Fatalf("expected no recorded success after lease loss, got %v", store.succeeded)
	}
}

func TestRunOnceRecordsAuditEventsWhenAuditorConfigured(t *testing.T) {
	store := &fakeStore{claimQueue: []repo.Job{{ID: "job-1", UserID: "user-1", Type: "AUTOMATION_RUN", Attempts: 1, MaxAttempts: 5}}}
	auditStore := &fakeAuditStore{}
	cfg := DefaultConfig("worker-1")
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	engine := New(store, obsmetrics.NewWithRegistry("test", nil), nil, audit.New(auditStore), "test", cfg)

	_, err := engine.RunOnce(context.Background(), HandlerFunc(func(ctx context.Context, job repo.Job) error {
		return nil
	}), time.Now())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	auditStore.mu.Lock()
	defer auditStore.mu.Unlock()
	if len(auditStore.events) != 2 {
		t.Fatalf("expected job.claimed and job.succeeded events, got %d: %v", len(auditStore.events), auditStore.events)
	}
	if auditStore.events[0].EventType != audit.EventJobClaimed {
		t.Errorf("events[0] = %s, want %s", auditStore.events[0].EventType, audit.EventJobClaimed)
	}
	if auditStore.events[1].EventType != audit.EventJobSucceeded {
		t.Errorf("events[1] = %s, want %s", auditStore.events[1].EventType, audit.EventJobSucceeded)
	}
}

func TestBackoffIsBoundedByCapAndJitterRange(t *testing.T) {
	base := 30 * time.Second
	cap := 15 * time.Minute

	for attempts := 1; attempts <= 10; attempts++ {
		d := backoff(attempts, base, cap)
		if d > cap {
			t.Fatalf("backoff(%d) = %v, exceeds cap %v", attempts, d, cap)
		}
		if d < 0 {
			t.Fatalf("backoff(%d) = %v, negative", attempts, d)
		}
	}
}
