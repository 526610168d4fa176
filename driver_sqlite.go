package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqliteBackend targets the embedded single-file engine
// (github.com/mattn/go-sqlite3). Its exclusive-access primitive is
// PRAGMA locking_mode, which only takes effect on the connection's
// next read or write and is released by switching back to NORMAL
// locking *and* closing the connection.
type sqliteBackend struct{}

func (b *sqliteBackend) Name() string            { return "sqlite" }
func (b *sqliteBackend) packageNames() []string   { return []string{"sqlite3"} }

func (b *sqliteBackend) EnsureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	stmts := []string{
		`create table if not exists ` + sqlMigrationsTable + ` (
			version integer primary key,
			description text not null,
			installed_on text not null,
			success integer not null,
			checksum blob not null,
			execution_time integer not null
		)`,
		`create table if not exists ` + codeMigrationsTable + ` (
			name text primary key,
			run_on integer not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return wrapf(err, "cannot create migrations table")
		}
	}
	return nil
}

func (b *sqliteBackend) DirtyVersion(ctx context.Context, conn *sql.Conn) (*Version, error) {
	row := conn.QueryRowContext(ctx, `select version from `+sqlMigrationsTable+` where success = 0 order by version desc limit 1`)
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

func (b *sqliteBackend) ListApplied(ctx context.Context, conn *sql.Conn) ([]AppliedSQL, error) {
	rows, err := conn.QueryContext(ctx, `select version, checksum, installed_on, execution_time from `+sqlMigrationsTable+` where success = 1 order by version asc`)
	if err != nil {
		return nil, wrapf(err, "cannot list applied sql migrations")
	}
	defer rows.Close()

	var out []AppliedSQL
	for rows.Next() {
		var (
			v             int64
			checksum      []byte
			installedOn   interface{}
			executionTime int64
		)
		if err := rows.Scan(&v, &checksum, &installedOn, &executionTime); err != nil {
			return nil, wrapf(err, "cannot scan applied sql migration")
		}
		appliedAt, err := sqliteTimestamp(installedOn)
		if err != nil {
			return nil, wrapf(err, "cannot parse installed_on for version %d", v)
		}
		out = append(out, AppliedSQL{
			Version:       Version(v),
			Checksum:      checksum,
			AppliedAt:     appliedAt,
			Success:       true,
			ExecutionTime: time.Duration(executionTime),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf(err, "cannot scan applied sql migrations")
	}
	return out, nil
}

// sqliteTimestamp converts a raw installed_on scan value into a
// time.Time. go-sqlite3 hands back a time.Time, a string, or an int64
// depending on the column's declared type affinity and how the driver
// negotiated it, so every shape has to be handled explicitly; unlike
// the Rust node's history reader, an unparseable value here is a hard
// error rather than a silent epoch fallback, since a row this engine
// itself wrote should never fail to parse.
var sqliteTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339Nano,
}

func sqliteTimestamp(src interface{}) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case string:
		for _, layout := range sqliteTimestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported installed_on scan type %T", src)
	}
}

func (b *sqliteBackend) Apply(ctx context.Context, conn *sql.Conn, step SqlStep) (*SqlApplyError, error) {
	return commonApply(ctx, conn, step, sqliteMarkDirty, sqliteMarkSuccess)
}

func sqliteMarkDirty(ctx context.Context, ex execer, step SqlStep, now time.Time) error {
	_, err := ex.ExecContext(ctx,
		`insert into `+sqlMigrationsTable+`(version, description, installed_on, success, checksum, execution_time)
		 values (?, ?, ?, 0, ?, 0)
		 on conflict(version) do update set description = excluded.description, installed_on = excluded.installed_on, success = 0, checksum = excluded.checksum, execution_time = 0`,
		int64(step.Version), step.Description, now, step.Checksum)
	return err
}

func sqliteMarkSuccess(ctx context.Context, ex execer, step SqlStep, now time.Time, elapsed time.Duration) error {
	_, err := ex.ExecContext(ctx,
		`insert into `+sqlMigrationsTable+`(version, description, installed_on, success, checksum, execution_time)
		 values (?, ?, ?, 1, ?, ?)
		 on conflict(version) do update set description = excluded.description, installed_on = excluded.installed_on, success = 1, checksum = excluded.checksum, execution_time = excluded.execution_time`,
		int64(step.Version), step.Description, now, step.Checksum, int64(elapsed))
	return err
}

func (b *sqliteBackend) HasAppliedCode(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	return commonHasAppliedCode(ctx, conn, name, "?")
}

func (b *sqliteBackend) MarkCodeApplied(ctx context.Context, conn *sql.Conn, name string) error {
	return commonMarkCodeApplied(ctx, conn,
		`insert into `+codeMigrationsTable+`(name, run_on) values (?, ?)
		 on conflict(name) do update set run_on = excluded.run_on`,
		name)
}

// Lock acquires SQLite's exclusive locking mode. The caller is
// responsible for also closing the connection after Unlock, since the
// PRAGMA alone does not release the lock — only a subsequent
// read/write combined with closing the connection does.
func (b *sqliteBackend) Lock(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `PRAGMA locking_mode = EXCLUSIVE;`); err != nil {
		return &LockUnavailableError{Backend: b.Name(), Err: err}
	}
	return nil
}

func (b *sqliteBackend) Unlock(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `PRAGMA locking_mode = NORMAL;`); err != nil {
		return &LockUnavailableError{Backend: b.Name(), Err: err}
	}
	return nil
}
