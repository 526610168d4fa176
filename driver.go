package migration

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// sqlMigrationsTable and codeMigrationsTable are the persisted
// bookkeeping table names. Both are retained under their historical
// names for compatibility with an existing deployment: sqlx_migrations
// is the name a sqlx-backed Rust node would have created, and
// _rust_migrations is the name the original Go-code migration
// bookkeeping table used before this engine existed.
const (
	sqlMigrationsTable  = "_sqlx_migrations"
	codeMigrationsTable = "_rust_migrations"
)

// backend abstracts the vendor-specific operations the engine needs:
// creating the bookkeeping tables, reading/writing the SQL-family
// history, and acquiring/releasing the backend's exclusive-access
// primitive. Each supported database engine gets one implementation.
type backend interface {
	// Name identifies the backend for error messages and the
	// façade's sqlite-vs-server-backed lock selection.
	Name() string
	packageNames() []string

	EnsureMigrationsTable(ctx context.Context, conn *sql.Conn) error
	DirtyVersion(ctx context.Context, conn *sql.Conn) (*Version, error)
	ListApplied(ctx context.Context, conn *sql.Conn) ([]AppliedSQL, error)

	// Apply executes step's body. A non-nil *SqlApplyError reports a
	// failure in the step's own body (a Failed status, not a thrown
	// error); a non-nil error reports an unexpected failure in the
	// surrounding bookkeeping (connection loss, a constraint
	// violation writing the history row) which must propagate.
	Apply(ctx context.Context, conn *sql.Conn, step SqlStep) (*SqlApplyError, error)

	HasAppliedCode(ctx context.Context, conn *sql.Conn, name string) (bool, error)
	MarkCodeApplied(ctx context.Context, conn *sql.Conn, name string) error

	Lock(ctx context.Context, conn *sql.Conn) error
	Unlock(ctx context.Context, conn *sql.Conn) error
}

// AppliedSQL is one row of the SQL-family history table.
type AppliedSQL struct {
	Version       Version
	Checksum      []byte
	AppliedAt     time.Time
	Success       bool
	ExecutionTime time.Duration
}

var backends = []backend{
	&sqliteBackend{},
	&postgresBackend{},
}

// findBackend probes db's registered driver to select the matching
// backend. The engine refuses to assume a default: an unrecognized
// driver is a hard error.
func findBackend(db *sql.DB) (backend, error) {
	driverType := reflect.TypeOf(db.Driver()).String()
	driverType = strings.TrimLeft(driverType, "*")
	pkgname := strings.SplitN(driverType, ".", 2)[0]

	for _, b := range backends {
		for _, p := range b.packageNames() {
			if p == pkgname {
				return b, nil
			}
		}
	}

	return nil, fmt.Errorf("migration: no backend registered for sql driver package %q", pkgname)
}

func wrapf(err error, format string, args ...interface{}) error {
	return wrappedError{Err: err, Message: fmt.Sprintf(format, args...)}
}

// wrappedError carries a human-readable message alongside the
// underlying driver error, so callers can both read a clear message
// and errors.Is/As through to the original cause.
type wrappedError struct {
	Message string
	Err     error
}

func (e wrappedError) Error() string { return fmt.Sprintf("%s: %v", e.Message, e.Err) }
func (e wrappedError) Unwrap() error { return e.Err }
