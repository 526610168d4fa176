package migration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dustin/go-humanize"
)

// legacyImportStepName is the distinguished CodeStep.Name that triggers
// the one-shot import of data out of an embedded single-file database
// into the server-backed database this Migrator is running against.
// A step with this name is never driven through the generic
// hasAppliedCode/markCodeApplied path: its applied marker lives in the
// legacy source's own history table, not the destination's, so that a
// node which never had a legacy file to import from never grows a
// meaningless row for it, and a node which already imported once will
// not import again even against a brand-new destination database.
// The converse also holds: a different or recreated source file
// carries no marker, so the import runs again against it.
const legacyImportStepName = "InitializeFromSqlite"

// LegacySource is an embedded single-file database an existing
// deployment may be carrying forward from before it adopted a
// server-backed database. Only sqlite is supported as a legacy source.
type LegacySource struct {
	DB   *sql.DB
	Path string
}

// needsLegacyImport reports whether the legacy import is still
// pending. With no configured source, it is never pending: the step
// is silently skipped and never marked applied, so configuring a
// source later still triggers the import.
func needsLegacyImport(ctx context.Context, b backend, m *Migrator, step CodeStep) (bool, error) {
	if m.legacySource == nil {
		return false, nil
	}
	conn, err := m.legacySource.DB.Conn(ctx)
	if err != nil {
		return false, wrapf(err, "cannot open legacy source connection")
	}
	defer conn.Close()

	done, err := legacySourceHasImported(ctx, conn)
	if err != nil {
		return false, err
	}
	return !done, nil
}

// applyLegacyImport copies every user table's rows from the legacy
// source into the destination connection inside a single transaction,
// then records completion in the legacy source's own bookkeeping table
// so a later run against the same source (even against a different,
// freshly created destination) does not import twice.
func applyLegacyImport(ctx context.Context, b backend, conn *sql.Conn, m *Migrator, step CodeStep) error {
	if m.legacySource == nil {
		return nil
	}

	srcConn, err := m.legacySource.DB.Conn(ctx)
	if err != nil {
		return &CodeMigrateError{Name: step.Name, Err: wrapf(err, "cannot open legacy source connection")}
	}
	defer srcConn.Close()

	done, err := legacySourceHasImported(ctx, srcConn)
	if err != nil {
		return &CodeMigrateError{Name: step.Name, Err: err}
	}
	if done {
		return nil
	}

	tables, err := legacyUserTables(ctx, srcConn)
	if err != nil {
		return &CodeMigrateError{Name: step.Name, Err: err}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return &CodeMigrateError{Name: step.Name, Err: wrapf(err, "cannot begin destination transaction")}
	}

	totalRows := uint64(0)
	for _, table := range tables {
		n, err := copyLegacyTable(ctx, b, srcConn, tx, table)
		if err != nil {
			_ = tx.Rollback()
			return &CodeMigrateError{Name: step.Name, Err: err}
		}
		totalRows += n
	}

	if err := tx.Commit(); err != nil {
		return &CodeMigrateError{Name: step.Name, Err: wrapf(err, "cannot commit legacy import")}
	}

	if err := markLegacySourceImported(ctx, srcConn); err != nil {
		return &BookkeepingError{Name: step.Name, Err: err}
	}

	if m.LogFunc != nil {
		m.LogFunc(fmt.Sprintf("legacy import complete: copied %s rows across %d tables", humanize.Comma(int64(totalRows)), len(tables)))
	}
	return nil
}

// legacySourceHasImported checks the legacy source's own
// _rust_migrations table, not the destination's, for a completed
// legacyImportStepName row.
func legacySourceHasImported(ctx context.Context, srcConn *sql.Conn) (bool, error) {
	var count int
	row := srcConn.QueryRowContext(ctx,
		fmt.Sprintf("select count(*) from %s where name = ?", codeMigrationsTable), legacyImportStepName)
	if err := row.Scan(&count); err != nil {
		return false, wrapf(err, "cannot read legacy import marker")
	}
	return count > 0, nil
}

func markLegacySourceImported(ctx context.Context, srcConn *sql.Conn) error {
	now, err := monotonicUnixSeconds()
	if err != nil {
		return &ClockError{Err: err}
	}
	_, err = srcConn.ExecContext(ctx, fmt.Sprintf(
		"insert into %s (name, run_on) values (?, ?) on conflict(name) do update set run_on = ?",
		codeMigrationsTable), legacyImportStepName, now, now)
	if err != nil {
		return wrapf(err, "cannot record legacy import marker")
	}
	return nil
}

// legacyUserTables enumerates the legacy database's own tables, per
// sqlite_master, excluding sqlite's internal tables and this engine's
// own bookkeeping tables (which must not be copied into the
// destination — the destination tracks its own history independently).
func legacyUserTables(ctx context.Context, srcConn *sql.Conn) ([]string, error) {
	rows, err := srcConn.QueryContext(ctx,
		`select name from sqlite_master where type = 'table' and name not like 'sqlite_%'`)
	if err != nil {
		return nil, wrapf(err, "cannot enumerate legacy tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapf(err, "cannot read legacy table name")
		}
		if name == sqlMigrationsTable || name == codeMigrationsTable {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf(err, "cannot enumerate legacy tables")
	}
	return tables, nil
}

// copyLegacyTable streams every row of table from the legacy source
// into the same-named table on the destination, within tx. Columns
// are matched by name intersection, so a destination schema that has
// since dropped or renamed a column does not fail the whole import;
// it simply leaves that column out of the copy.
func copyLegacyTable(ctx context.Context, b backend, srcConn *sql.Conn, tx *sql.Tx, table string) (uint64, error) {
	srcCols, err := tableColumns(ctx, srcConn.QueryContext, table)
	if err != nil {
		return 0, err
	}
	dstCols, err := tableColumnsTx(ctx, tx, table)
	if err != nil {
		return 0, err
	}

	cols := intersectColumns(srcCols, dstCols)
	if len(cols) == 0 {
		return 0, nil
	}

	colList := joinIdentifiers(cols)
	selectQuery := fmt.Sprintf("select %s from %s", colList, table)
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		if b.Name() == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	insertQuery := fmt.Sprintf("insert into %s (%s) values (%s)", table, colList, joinPlaceholders(placeholders))

	rows, err := srcConn.QueryContext(ctx, selectQuery)
	if err != nil {
		return 0, wrapf(err, "cannot read legacy table %s", table)
	}
	defer rows.Close()

	values := make([]interface{}, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var count uint64
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return count, wrapf(err, "cannot scan legacy row from %s", table)
		}
		if _, err := tx.ExecContext(ctx, insertQuery, values...); err != nil {
			return count, wrapf(err, "cannot insert legacy row into %s", table)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, wrapf(err, "cannot read legacy table %s", table)
	}
	return count, nil
}

type queryContextFunc func(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)

func tableColumns(ctx context.Context, query queryContextFunc, table string) ([]string, error) {
	rows, err := query(ctx, fmt.Sprintf("select * from %s limit 0", table))
	if err != nil {
		return nil, wrapf(err, "cannot inspect columns of %s", table)
	}
	defer rows.Close()
	return rows.Columns()
}

func tableColumnsTx(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("select * from %s limit 0", table))
	if err != nil {
		return nil, wrapf(err, "cannot inspect columns of %s", table)
	}
	defer rows.Close()
	return rows.Columns()
}

func intersectColumns(a, b []string) []string {
	present := make(map[string]bool, len(b))
	for _, c := range b {
		present[c] = true
	}
	var out []string
	for _, c := range a {
		if present[c] {
			out = append(out, c)
		}
	}
	return out
}

func joinIdentifiers(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
