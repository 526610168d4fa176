package migration

import (
	"context"
	"database/sql"
)

// hasAppliedCode reports whether the code migration name has already
// run, per _rust_migrations. A missing row means false; a missing
// table propagates as an error, since by the time this is called
// EnsureMigrationsTable must already have run — a missing table here
// means the caller skipped setup, which is a programmer error.
func hasAppliedCode(ctx context.Context, b backend, conn *sql.Conn, name string) (bool, error) {
	return b.HasAppliedCode(ctx, conn, name)
}

// markCodeApplied upserts name's applied-at row. It is idempotent:
// running it twice for the same name just updates run_on.
func markCodeApplied(ctx context.Context, b backend, conn *sql.Conn, name string) error {
	return b.MarkCodeApplied(ctx, conn, name)
}
