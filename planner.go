package migration

import (
	"context"
	"database/sql"
)

// dryRunFailedError wraps a Failed MigrationStatus from a dry run as
// an error, carrying the original status for formatting and
// unwrapping to its Reason.
type dryRunFailedError struct {
	status MigrationStatus
}

func (e *dryRunFailedError) Error() string {
	return "migration status inconsistent: " + e.status.String()
}

func (e *dryRunFailedError) Unwrap() error { return e.status.Reason }

// status computes the full MigrationStatus without applying any step;
// the only write it makes is creating the bookkeeping tables if absent.
func status(ctx context.Context, b backend, conn *sql.Conn, m *Migrator, upTo Version) (MigrationStatus, error) {
	return runMigrationsImpl(ctx, b, conn, m, upTo, modeDryRun)
}
