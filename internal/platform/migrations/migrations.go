// Package migrations embeds and applies the automation engine's SQL
// schema: automation_rules, automation_runs, jobs, dead_letter_jobs,
// devices, audit_events, and outbound_action_idempotency. Migrations are
// idempotent (every DDL statement uses IF NOT EXISTS) so Apply is safe to
// call on every process start, by every worker or API server racing to
// initialize the same database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/R3E-Network/service_layer/internal/obslog"
)

//go:embed *.sql
var files embed.FS

// Apply executes every embedded .sql file in lexical order, each inside
// its own transaction so a mid-file failure rolls that file back instead
// of leaving a half-applied schema for the next process restart to retry
// against. log may be nil; when non-nil each applied file name is logged
// so a migration run is visible in the same stream as the rest of process
// startup.
func Apply(ctx context.Context, db *sql.DB, log *obslog.Logger) error {
	names, err := sortedMigrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		sqlBytes, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		if log != nil {
			log.WithField("migration", name).Info("applied migration")
		}
	}
	return nil
}

// sortedMigrationNames lists the embedded .sql file names in the order
// Apply executes them in.
func sortedMigrationNames() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
