// Command alfred-worker runs the scheduler (C5) and job engine (C4)
// against one automation_rules/jobs database, driving materialized runs
// through the executor (C7) and push sender (C8). Any number of worker
// processes may run against the same database concurrently; the
// repository's lease and idempotent-insert contracts make convergence safe
// without a leader election.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/service_layer/internal/attestation"
	"github.com/R3E-Network/service_layer/internal/audit"
	"github.com/R3E-Network/service_layer/internal/automation"
	"github.com/R3E-Network/service_layer/internal/config"
	"github.com/R3E-Network/service_layer/internal/enclaverpc"
	"github.com/R3E-Network/service_layer/internal/executor"
	"github.com/R3E-Network/service_layer/internal/jobqueue"
	"github.com/R3E-Network/service_layer/internal/obslog"
	"github.com/R3E-Network/service_layer/internal/obsmetrics"
	"github.com/R3E-Network/service_layer/internal/platform/migrations"
	"github.com/R3E-Network/service_layer/internal/push"
	"github.com/R3E-Network/service_layer/internal/ratelimit"
	"github.com/R3E-Network/service_layer/internal/repo"
	"github.com/R3E-Network/service_layer/system/framework"
)

const serviceName = "alfred-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(obslog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	metrics := obsmetrics.New(serviceName)

	rootCtx := context.Background()

	store, err := repo.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	if cfg.Database.MigrateOnStart {
		sqlDB, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open migration connection: %v", err)
		}
		if err := migrations.Apply(rootCtx, sqlDB, log); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		sqlDB.Close()
	}

	auditor := audit.New(store)

	policy, err := buildAttestationPolicy(cfg.Attestation)
	if err != nil {
		log.Fatalf("build attestation policy: %v", err)
	}

	rpcCfg := enclaverpc.Config{
		BaseURL:         cfg.Enclave.BaseURL,
		SharedSecret:    cfg.Enclave.SharedSecret,
		RequestTimeout:  cfg.Enclave.RequestTimeout(),
		ChallengeWindow: cfg.Attestation.MaxAge(),
	}
	enclaveTransport := enclaverpc.NewProduction(&http.Client{Timeout: cfg.Enclave.RequestTimeout()}, ratelimit.DefaultConfig(), rpcCfg)
	enclaveClient := enclaverpc.New(enclaveTransport, policy, rpcCfg)

	transport := push.NewLoggingTransport(log)
	sender := push.New(store, transport, auditor, metrics, serviceName)

	exec := executor.New(store, enclaveClient, sender, auditor)

	owner := workerOwner()

	schedCfg := automation.DefaultConfig(owner)
	schedCfg.Tick = cfg.Worker.Tick()
	schedCfg.ClaimBatch = cfg.Worker.RuleClaimBatch
	schedCfg.LeaseTTL = cfg.Worker.LeaseTTL()
	scheduler := automation.New(store, metrics, log, auditor, serviceName, schedCfg)

	jobCfg := jobqueue.DefaultConfig(owner)
	jobCfg.ClaimBatch = cfg.Worker.JobClaimBatch
	jobCfg.LeaseTTL = cfg.Worker.LeaseTTL()
	engine := jobqueue.New(store, metrics, log, auditor, serviceName, jobCfg)

	if err := scheduler.Start(rootCtx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(rootCtx)
	done := make(chan struct{})
	go runJobLoop(runCtx, engine, exec, log, cfg.Worker.Tick(), done)

	metricsServer := &http.Server{Addr: metricsAddr(), Handler: metricsMux(scheduler, engine)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	log.Info("alfred-worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("alfred-worker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Errorf("stop scheduler: %v", err)
	}

	// Stop claiming new jobs; a RunOnce already in progress keeps running
	// its claimed jobs to completion (each bounded by the engine's execute
	// timeout) before runJobLoop returns.
	cancelRun()
	<-done

	_ = metricsServer.Shutdown(shutdownCtx)
}

// runJobLoop hand-rolls the ticker loop jobqueue.Engine itself does not
// provide; automation.Scheduler manages its own internal ticker, but the
// job engine is driven externally so callers can choose a one-shot
// RunOnce (tests) or a continuous loop (here). Each RunOnce gets a context
// detached from ctx's cancellation, so stopping the loop never aborts jobs
// it has already claimed.
func runJobLoop(ctx context.Context, engine *jobqueue.Engine, handler jobqueue.Handler, log *obslog.Logger, tick time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.RunOnce(context.WithoutCancel(ctx), handler, time.Now().UTC()); err != nil {
				log.Errorf("job engine run: %v", err)
			}
		}
	}
}

func buildAttestationPolicy(cfg config.AttestationConfig) (attestation.Policy, error) {
	pubKey, err := base64.StdEncoding.DecodeString(cfg.PublicKeyBase64)
	if err != nil {
		return attestation.Policy{}, fmt.Errorf("decode attestation public key: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return attestation.Policy{}, fmt.Errorf("attestation public key: expected %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
	}
	return attestation.Policy{
		ExpectedRuntime:      cfg.ExpectedRuntime,
		AllowedMeasurements:  cfg.AllowedMeasurements,
		AttestationPublicKey: ed25519.PublicKey(pubKey),
		MaxAttestationAge:    cfg.MaxAge(),
	}, nil
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "alfred-worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func metricsAddr() string {
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		return addr
	}
	return ":9090"
}

// readier is satisfied by anything embedding *framework.ServiceBase; both
// the scheduler and the job engine report their own lifecycle through it.
type readier interface {
	Ready(ctx context.Context) error
	Detail() framework.Detail
}

// readyzResponse reports one component per claiming service (scheduler,
// job engine), including the lease owner identity and last claim-loop
// activity so an operator can tell which worker process, and which
// component within it, went stale.
type readyzResponse struct {
	Components []framework.Detail `json:"components"`
}

func metricsMux(checks ...readier) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := readyzResponse{Components: make([]framework.Detail, 0, len(checks))}
		for _, c := range checks {
			resp.Components = append(resp.Components, c.Detail())
		}

		for _, c := range checks {
			if err := c.Ready(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(struct {
					Error      string             `json:"error"`
					Components []framework.Detail `json:"components"`
				}{Error: err.Error(), Components: resp.Components})
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
