package migrations

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/R3E-Network/service_layer/internal/obslog"
)

// expectedTables lists, in the order the embedded migrations create them,
// every table the automation engine's repository layer depends on. A
// migration file added here without also landing in this slice means a
// table the rest of the tree queries would silently never get created.
var expectedTables = []string{
	"automation_rules",
	"automation_runs",
	"jobs",
	"dead_letter_jobs",
	"devices",
	"audit_events",
	"outbound_action_idempotency",
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	names, err := sortedMigrationNames()
	if err != nil {
		t.Fatalf("sortedMigrationNames: %v", err)
	}
	for range names {
		mock.ExpectBegin()
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	if err := Apply(context.Background(), db, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyLogsEachAppliedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	names, err := sortedMigrationNames()
	if err != nil {
		t.Fatalf("sortedMigrationNames: %v", err)
	}
	for range names {
		mock.ExpectBegin()
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	log := obslog.NewDefault("migrations-test")
	if err := Apply(context.Background(), db, log); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := Apply(context.Background(), db, nil); err == nil {
		t.Fatal("expected Apply to return an error when the first migration fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrationsAreSorted(t *testing.T) {
	names, err := sortedMigrationNames()
	if err != nil {
		t.Fatalf("sortedMigrationNames: %v", err)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migration order mismatch: %s should sort before %s", names[i-1], names[i])
		}
	}
}

// TestMigrationsCreateEveryRepoTableInOrder asserts the real embedded SQL
// files (not a generic N-statement fixture) create the exact set of tables
// internal/repo.Repo queries, one CREATE TABLE per file, in the lexical
// order Apply executes them in. A rule/job/device/audit/idempotency table
// renamed or dropped from a migration file breaks this before it ever
// reaches a live database.
func TestMigrationsCreateEveryRepoTableInOrder(t *testing.T) {
	names, err := sortedMigrationNames()
	if err != nil {
		t.Fatalf("sortedMigrationNames: %v", err)
	}

	if len(names) != len(expectedTables) {
		t.Fatalf("expected %d migration files, found %d: %v", len(expectedTables), len(names), names)
	}

	for i, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		want := "CREATE TABLE IF NOT EXISTS " + expectedTables[i]
		if !strings.Contains(string(body), want) {
			t.Fatalf("migration %s: expected to contain %q, got:\n%s", name, want, body)
		}
	}
}

// TestApplyRunsRealMigrationsInTableOrder drives Apply against sqlmock with
// per-statement expectations keyed to the real table names, instead of a
// single ".*" wildcard repeated N times, so a reordering that broke a
// foreign key (e.g. automation_runs created before automation_rules)
// would fail this test even though the wildcard version could not catch it.
func TestApplyRunsRealMigrationsInTableOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	for _, table := range expectedTables {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
	}

	if err := Apply(context.Background(), db, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
