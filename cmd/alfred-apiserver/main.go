// Command alfred-apiserver exposes the control-plane HTTP routes
// (internal/httpapi) a caller uses to create, list, update, and delete
// automation rules. It never talks to the enclave; materializing and
// executing runs is cmd/alfred-worker's job.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/service_layer/internal/config"
	"github.com/R3E-Network/service_layer/internal/httpapi"
	"github.com/R3E-Network/service_layer/internal/obslog"
	"github.com/R3E-Network/service_layer/internal/platform/migrations"
	"github.com/R3E-Network/service_layer/internal/repo"
)

const serviceName = "alfred-apiserver"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(obslog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

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

	handler := httpapi.New(store, log)

	router := chi.NewRouter()
	router.Mount("/v1/automations", handler.Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", healthz)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Infof("alfred-apiserver listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("alfred-apiserver shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
