package migration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func sqlOnly(versions ...Version) []SqlStep {
	steps := make([]SqlStep, len(versions))
	for i, v := range versions {
		steps[i] = SqlStep{
			Version:     v,
			Description: "noop",
			Body:        `select 1`,
			Checksum:    []byte{byte(v)},
		}
	}
	return steps
}

func TestMigratorFreshDatabaseAppliesEverything(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	m, err := New([]SqlStep{
		{Version: 1, Description: "t1", Body: `create table t1(id integer primary key)`, Checksum: []byte{1}},
		{Version: 2, Description: "t2", Body: `create table t2(id integer primary key)`, Checksum: []byte{2}},
	})
	wantNoError(t, err)

	result, err := m.Migrate(ctx, db)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate {
		t.Fatalf("got=%v, want UpToDate", result)
	}
	if result.LastVersion != 2 {
		t.Fatalf("got last version=%d, want 2", result.LastVersion)
	}
}

func TestMigratorRerunIsNoOp(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	m, err := New(sqlOnly(1, 2, 3))
	wantNoError(t, err)

	_, err = m.Migrate(ctx, db)
	wantNoError(t, err)

	status, err := m.Status(ctx, db)
	wantNoError(t, err)
	if status.Kind != StatusUpToDate {
		t.Fatalf("got=%v, want UpToDate", status)
	}

	result, err := m.Migrate(ctx, db)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate {
		t.Fatalf("second migrate got=%v, want UpToDate", result)
	}
}

func TestMigratorDirtyVersionReportsFailed(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)
	conn := mustConn(t, ctx, db)

	b := &sqliteBackend{}
	wantNoError(t, b.EnsureMigrationsTable(ctx, conn))
	_, err := conn.ExecContext(ctx, `insert into `+sqlMigrationsTable+`
		(version, description, installed_on, success, checksum, execution_time)
		values (5, 'broken', datetime('now'), 0, x'00', 0)`)
	wantNoError(t, err)
	wantNoError(t, conn.Close())

	m, err := New(sqlOnly(5, 10))
	wantNoError(t, err)

	status, err := m.Status(ctx, db)
	wantNoError(t, err)
	if status.Kind != StatusFailed {
		t.Fatalf("got=%v, want Failed", status)
	}
	if status.FailedVersion != 5 {
		t.Fatalf("got failed version=%d, want 5", status.FailedVersion)
	}
	if _, ok := status.Reason.(*DirtyVersionError); !ok {
		t.Fatalf("got reason=%T, want *DirtyVersionError", status.Reason)
	}
}

// TestMigratorChecksumDriftBlocksMigrateWithHardError checks that
// Migrate's planning pass surfaces checksum drift as a hard error
// before any lock is taken or step applied.
func TestMigratorChecksumDriftBlocksMigrateWithHardError(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	m, err := New(sqlOnly(1))
	wantNoError(t, err)
	_, err = m.Migrate(ctx, db)
	wantNoError(t, err)

	tampered, err := New([]SqlStep{
		{Version: 1, Description: "noop", Body: `select 1`, Checksum: []byte{0xff}},
	})
	wantNoError(t, err)

	_, err = tampered.Migrate(ctx, db)
	if err == nil {
		t.Fatal("want a hard error from Migrate on checksum drift, got nil")
	}
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("got=%T, want *ChecksumMismatchError", err)
	}
}

func TestMigratorChecksumDriftDuringDryRunIsHardError(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	m, err := New(sqlOnly(1))
	wantNoError(t, err)
	_, err = m.Migrate(ctx, db)
	wantNoError(t, err)

	tampered, err := New([]SqlStep{
		{Version: 1, Description: "noop", Body: `select 1`, Checksum: []byte{0xff}},
	})
	wantNoError(t, err)

	_, err = tampered.Status(ctx, db)
	if err == nil {
		t.Fatal("want a hard error from Status on checksum drift, got nil")
	}
}

func TestMigratorRunsCodeMigrationsInOrderWithSql(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	var order []string

	m, err := New([]SqlStep{
		{Version: 10, Description: "create t1", Body: `create table t1(id integer primary key, name text)`, Checksum: []byte{1}},
	})
	wantNoError(t, err)

	wantNoError(t, m.SetCodeSteps([]CodeStep{
		{Version: 10, Name: "seed-t1", Migrate: func(ctx context.Context, _ *LegacySource, conn *sql.Conn) error {
			order = append(order, "code")
			_, err := conn.ExecContext(ctx, `insert into t1(id, name) values (1, 'a')`)
			return err
		}},
	}))

	result, err := m.Migrate(ctx, db)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate {
		t.Fatalf("got=%v, want UpToDate", result)
	}

	conn := mustConn(t, ctx, db)
	var name string
	wantNoError(t, conn.QueryRowContext(ctx, `select name from t1 where id = 1`).Scan(&name))
	if got, want := name, "a"; got != want {
		t.Fatalf("got=%s, want=%s", got, want)
	}
	// Hand the connection back to the pool: each :memory: connection
	// is its own database, so the re-run must reuse this one.
	wantNoError(t, conn.Close())

	// Re-running must not re-invoke Migrate on the code step.
	_, err = m.Migrate(ctx, db)
	wantNoError(t, err)
	if got, want := len(order), 1; got != want {
		t.Fatalf("code migration ran %d times, want %d", got, want)
	}
}

func TestMigratorCodeMigrationFailureIsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	attempts := 0
	m, err := New(nil)
	wantNoError(t, err)
	wantNoError(t, m.SetCodeSteps([]CodeStep{
		{Version: 1, Name: "flaky", Migrate: func(ctx context.Context, _ *LegacySource, conn *sql.Conn) error {
			attempts++
			if attempts == 1 {
				return errBoom
			}
			return nil
		}},
	}))

	_, err = m.Migrate(ctx, db)
	if err == nil {
		t.Fatal("want error on first attempt, got nil")
	}

	result, err := m.Migrate(ctx, db)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate {
		t.Fatalf("got=%v, want UpToDate after retry", result)
	}
	if got, want := attempts, 2; got != want {
		t.Fatalf("got=%d attempts, want=%d", got, want)
	}
}

func TestMigratorUpToStopsAtCeiling(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	m, err := New(sqlOnly(10, 20, 30))
	wantNoError(t, err)

	result, err := m.MigrateUpTo(ctx, db, 20)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate || result.LastVersion != 20 {
		t.Fatalf("got=%v, want UpToDate(20)", result)
	}

	full, err := m.Migrate(ctx, db)
	wantNoError(t, err)
	if full.Kind != StatusUpToDate || full.LastVersion != 30 {
		t.Fatalf("got=%v, want UpToDate(30)", full)
	}
}

// TestMigratorStatusReportsPendingStepVersionNotStreamCeiling exercises
// spec.md's scenario 3: a lower-versioned SQL step inserted after two
// higher-versioned code steps are already applied must report Todo
// against the pending step's own version, not the last version in the
// filtered stream.
func TestMigratorStatusReportsPendingStepVersionNotStreamCeiling(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)

	noopCode := func(version Version, name string) CodeStep {
		return CodeStep{Version: version, Name: name, Migrate: func(context.Context, *LegacySource, *sql.Conn) error { return nil }}
	}

	baseline, err := New([]SqlStep{
		{Version: 100, Description: "t100", Body: `create table t100(id integer primary key)`, Checksum: []byte{1}},
		{Version: 200, Description: "t200", Body: `create table t200(id integer primary key)`, Checksum: []byte{2}},
	})
	wantNoError(t, err)
	wantNoError(t, baseline.SetCodeSteps([]CodeStep{noopCode(100, "code-100"), noopCode(200, "code-200")}))

	result, err := baseline.Migrate(ctx, db)
	wantNoError(t, err)
	if result.Kind != StatusUpToDate || result.LastVersion != 200 {
		t.Fatalf("got=%v, want UpToDate(200)", result)
	}

	// Same registry plus a newly inserted SQL@150 — lower-versioned than
	// the already-applied code@200, but still pending.
	withGap, err := New([]SqlStep{
		{Version: 100, Description: "t100", Body: `create table t100(id integer primary key)`, Checksum: []byte{1}},
		{Version: 150, Description: "gap", Body: `create table gap(id integer primary key)`, Checksum: []byte{3}},
		{Version: 200, Description: "t200", Body: `create table t200(id integer primary key)`, Checksum: []byte{2}},
	})
	wantNoError(t, err)
	wantNoError(t, withGap.SetCodeSteps([]CodeStep{noopCode(100, "code-100"), noopCode(200, "code-200")}))

	status, err := withGap.Status(ctx, db)
	wantNoError(t, err)
	if status.Kind != StatusTodo {
		t.Fatalf("got=%v, want Todo", status)
	}
	if status.LastApplied == nil || *status.LastApplied != 200 {
		t.Fatalf("got last_applied=%v, want 200", status.LastApplied)
	}
	if status.NextPending != 150 {
		t.Fatalf("got next_pending=%d, want 150", status.NextPending)
	}

	full, err := withGap.Migrate(ctx, db)
	wantNoError(t, err)
	if full.Kind != StatusUpToDate || full.LastVersion != 200 {
		t.Fatalf("got=%v, want UpToDate(200) after filling the gap", full)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
