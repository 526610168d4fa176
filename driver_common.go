package migration

import (
	"context"
	"database/sql"
	"time"
)

// execer is satisfied by both *sql.Conn and *sql.Tx, letting
// markDirty/markSuccess run either outside or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// commonApply implements the shared apply-in-a-transaction logic for
// backends whose driver supports transactional DDL (both sqlite and
// postgres do). markDirty and markSuccess are backend-specific
// because their placeholder syntax differs.
func commonApply(
	ctx context.Context,
	conn *sql.Conn,
	step SqlStep,
	markDirty func(ctx context.Context, ex execer, step SqlStep, now time.Time) error,
	markSuccess func(ctx context.Context, ex execer, step SqlStep, now time.Time, elapsed time.Duration) error,
) (*SqlApplyError, error) {
	start := time.Now()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapf(err, "cannot begin transaction for sql migration %d", step.Version)
	}

	if _, err := tx.ExecContext(ctx, step.Body); err != nil {
		_ = tx.Rollback()
		// The migration's own body failed. The whole transaction
		// rolled back, so the dirty marker is written in a fresh
		// statement outside it, then surfaced as a Failed status
		// rather than a thrown error.
		if markErr := markDirty(ctx, conn, step, start); markErr != nil {
			return nil, wrapf(markErr, "cannot record dirty version %d after failed apply", step.Version)
		}
		return &SqlApplyError{Version: step.Version, Detail: err.Error(), Err: err}, nil
	}

	// The body succeeded. Record the applied row inside the same
	// transaction so the schema change and its bookkeeping commit or
	// roll back together.
	if err := markSuccess(ctx, tx, step, start, time.Since(start)); err != nil {
		_ = tx.Rollback()
		return nil, wrapf(err, "cannot record applied sql migration %d", step.Version)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapf(err, "cannot commit sql migration %d", step.Version)
	}

	return nil, nil
}

func commonHasAppliedCode(ctx context.Context, conn *sql.Conn, name string, placeholder string) (bool, error) {
	query := `select count(*) from ` + codeMigrationsTable + ` where name = ` + placeholder
	var count int64
	err := conn.QueryRowContext(ctx, query, name).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, wrapf(err, "cannot check applied code migration %q", name)
	}
	return count != 0, nil
}

func commonMarkCodeApplied(ctx context.Context, conn *sql.Conn, upsert string, name string) error {
	now, err := monotonicUnixSeconds()
	if err != nil {
		return &ClockError{Err: err}
	}
	if _, err := conn.ExecContext(ctx, upsert, name, now); err != nil {
		return wrapf(err, "cannot mark code migration %q applied", name)
	}
	return nil
}

// monotonicUnixSeconds converts the node's wallclock to unix seconds.
// It is a seam so tests can inject a clock failure; in production
// time.Now() never errors, but the conversion is kept explicit to
// match the spec's ClockError, which models the equivalent fallible
// conversion in the original implementation.
var monotonicUnixSeconds = func() (int64, error) {
	return time.Now().Unix(), nil
}
