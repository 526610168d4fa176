package migration

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestNewRegistryDuplicateVersion(t *testing.T) {
	_, err := newRegistry([]SqlStep{
		{Version: 1, Description: "a"},
		{Version: 1, Description: "b"},
	})
	wantError(t, err, "duplicate sql version 1")
}

func TestSetCodeStepsDuplicateVersion(t *testing.T) {
	r, err := newRegistry(nil)
	wantNoError(t, err)

	err = r.setCodeSteps([]CodeStep{
		{Version: 1, Name: "a"},
		{Version: 1, Name: "b"},
	})
	wantError(t, err, "duplicate code version 1")
}

func TestSetCodeStepsDuplicateName(t *testing.T) {
	r, err := newRegistry(nil)
	wantNoError(t, err)

	err = r.setCodeSteps([]CodeStep{
		{Version: 1, Name: "same"},
		{Version: 2, Name: "same"},
	})
	wantError(t, err, "duplicate code name same version 2")
}

func TestRegistryOrderedSqlBeforeCode(t *testing.T) {
	r, err := newRegistry([]SqlStep{
		{Version: 10, Description: "create t1"},
		{Version: 30, Description: "create t3"},
		{Version: 20, Description: "down-only", Kind: StepKindDown},
	})
	wantNoError(t, err)

	wantNoError(t, r.setCodeSteps([]CodeStep{
		{Version: 10, Name: "backfill"},
		{Version: 20, Name: "kept-despite-down-sql"},
	}))

	steps := r.ordered(VersionMax)
	if got, want := len(steps), 4; got != want {
		t.Fatalf("got=%d steps, want=%d", got, want)
	}

	if got, want := steps[0].Version(), Version(10); got != want {
		t.Fatalf("steps[0].Version() = %d, want %d", got, want)
	}
	if !steps[0].IsSQL() {
		t.Fatal("steps[0] should be the sql step: sql precedes code at equal version")
	}
	if steps[1].IsSQL() {
		t.Fatal("steps[1] should be the code step")
	}
	if got, want := steps[2].Version(), Version(20); got != want {
		t.Fatalf("steps[2].Version() = %d, want %d", got, want)
	}
	if got, want := steps[3].Version(), Version(30); got != want {
		t.Fatalf("steps[3].Version() = %d, want %d", got, want)
	}
}

func TestRegistryOrderedUpToFilters(t *testing.T) {
	r, err := newRegistry([]SqlStep{
		{Version: 10, Description: "a"},
		{Version: 20, Description: "b"},
		{Version: 30, Description: "c"},
	})
	wantNoError(t, err)

	steps := r.ordered(20)
	if got, want := len(steps), 2; got != want {
		t.Fatalf("got=%d, want=%d", got, want)
	}
	if got, want := steps[len(steps)-1].Version(), Version(20); got != want {
		t.Fatalf("got=%d, want=%d", got, want)
	}
}

func wantNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func wantError(t *testing.T, err error, contains string) {
	t.Helper()
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if contains != "" && !strings.Contains(err.Error(), contains) {
		t.Fatalf("want=%v, got=%v", contains, err.Error())
	}
}

func openSqlite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	wantNoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustConn(t *testing.T, ctx context.Context, db *sql.DB) *sql.Conn {
	t.Helper()
	conn, err := db.Conn(ctx)
	wantNoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}
