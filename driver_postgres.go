package migration

import (
	"context"
	"database/sql"
	"encoding/binary"
	"hash/fnv"
	"time"
)

// postgresBackend targets the server-backed engine
// (github.com/lib/pq). Its exclusive-access primitive is a session
// level advisory lock, acquired and released explicitly on the same
// connection — there is no need to close the connection to release
// it, unlike the embedded backend's PRAGMA.
type postgresBackend struct{}

func (b *postgresBackend) Name() string          { return "postgres" }
func (b *postgresBackend) packageNames() []string { return []string{"pq"} }

// advisoryLockKey is a fixed, arbitrary 64-bit key identifying this
// engine's migration lock within the Postgres advisory-lock
// namespace. Derived once from the SQL history table name so it is
// stable across builds without needing a literal magic number.
var advisoryLockKey = func() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sqlMigrationsTable))
	return int64(binary.LittleEndian.Uint64(h.Sum(nil)))
}()

func (b *postgresBackend) EnsureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	stmts := []string{
		`create table if not exists ` + sqlMigrationsTable + ` (
			version bigint primary key,
			description text not null,
			installed_on timestamptz not null,
			success boolean not null,
			checksum bytea not null,
			execution_time bigint not null
		)`,
		`create table if not exists ` + codeMigrationsTable + ` (
			name text primary key,
			run_on bigint not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return wrapf(err, "cannot create migrations table")
		}
	}
	return nil
}

func (b *postgresBackend) DirtyVersion(ctx context.Context, conn *sql.Conn) (*Version, error) {
	row := conn.QueryRowContext(ctx, `select version from `+sqlMigrationsTable+` where success = false order by version desc limit 1`)
	var v int64
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapf(err, "cannot read dirty version")
	}
	ver := Version(v)
	return &ver, nil
}

func (b *postgresBackend) ListApplied(ctx context.Context, conn *sql.Conn) ([]AppliedSQL, error) {
	rows, err := conn.QueryContext(ctx, `select version, checksum, installed_on, execution_time from `+sqlMigrationsTable+` where success = true order by version asc`)
	if err != nil {
		return nil, wrapf(err, "cannot list applied sql migrations")
	}
	defer rows.Close()

	var out []AppliedSQL
	for rows.Next() {
		var (
			v             int64
			checksum      []byte
			installedOn   time.Time
			executionTime int64
		)
		if err := rows.Scan(&v, &checksum, &installedOn, &executionTime); err != nil {
			return nil, wrapf(err, "cannot scan applied sql migration")
		}
		out = append(out, AppliedSQL{
			Version:       Version(v),
			Checksum:      checksum,
			AppliedAt:     installedOn,
			Success:       true,
			ExecutionTime: time.Duration(executionTime),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf(err, "cannot scan applied sql migrations")
	}
	return out, nil
}

func (b *postgresBackend) Apply(ctx context.Context, conn *sql.Conn, step SqlStep) (*SqlApplyError, error) {
	return commonApply(ctx, conn, step, postgresMarkDirty, postgresMarkSuccess)
}

func postgresMarkDirty(ctx context.Context, ex execer, step SqlStep, now time.Time) error {
	_, err := ex.ExecContext(ctx,
		`insert into `+sqlMigrationsTable+`(version, description, installed_on, success, checksum, execution_time)
		 values ($1, $2, $3, false, $4, 0)
		 on conflict(version) do update set description = excluded.description, installed_on = excluded.installed_on, success = false, checksum = excluded.checksum, execution_time = 0`,
		int64(step.Version), step.Description, now, step.Checksum)
	return err
}

func postgresMarkSuccess(ctx context.Context, ex execer, step SqlStep, now time.Time, elapsed time.Duration) error {
	_, err := ex.ExecContext(ctx,
		`insert into `+sqlMigrationsTable+`(version, description, installed_on, success, checksum, execution_time)
		 values ($1, $2, $3, true, $4, $5)
		 on conflict(version) do update set description = excluded.description, installed_on = excluded.installed_on, success = true, checksum = excluded.checksum, execution_time = excluded.execution_time`,
		int64(step.Version), step.Description, now, step.Checksum, int64(elapsed))
	return err
}

func (b *postgresBackend) HasAppliedCode(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	return commonHasAppliedCode(ctx, conn, name, "$1")
}

func (b *postgresBackend) MarkCodeApplied(ctx context.Context, conn *sql.Conn, name string) error {
	return commonMarkCodeApplied(ctx, conn,
		`insert into `+codeMigrationsTable+`(name, run_on) values ($1, $2)
		 on conflict(name) do update set run_on = excluded.run_on`,
		name)
}

func (b *postgresBackend) Lock(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return &LockUnavailableError{Backend: b.Name(), Err: err}
	}
	return nil
}

func (b *postgresBackend) Unlock(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `select pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
		return &LockUnavailableError{Backend: b.Name(), Err: err}
	}
	return nil
}
