package migration

import (
	"context"
	"database/sql"
	"fmt"
)

// runMode selects whether the shared step walk inspects state
// (dry run, used by the planner) or actually performs each pending
// step (apply, used by the façade's Migrate/MigrateUpTo).
type runMode int

const (
	modeDryRun runMode = iota
	modeApply
)

// runMigrationsImpl is the single walk over the ordered step stream
// that both the planner and the applier use. Keeping one
// implementation guarantees the dry-run's prediction and the real
// run's behavior can never silently diverge.
func runMigrationsImpl(ctx context.Context, b backend, conn *sql.Conn, m *Migrator, upTo Version, mode runMode) (MigrationStatus, error) {
	if err := b.EnsureMigrationsTable(ctx, conn); err != nil {
		return MigrationStatus{}, err
	}

	if dirty, err := b.DirtyVersion(ctx, conn); err != nil {
		return MigrationStatus{}, err
	} else if dirty != nil {
		return failed(*dirty, &DirtyVersionError{Version: *dirty}), nil
	}

	applied, err := b.ListApplied(ctx, conn)
	if err != nil {
		return MigrationStatus{}, err
	}
	appliedByVersion := make(map[Version]AppliedSQL, len(applied))
	for _, a := range applied {
		appliedByVersion[a.Version] = a
	}

	steps := m.registry.ordered(upTo)

	var lastApplied *Version
	if len(applied) > 0 {
		v := applied[len(applied)-1].Version
		lastApplied = &v
	}

	lastMigrated := VersionMin

	for _, step := range steps {
		if sqlStep, ok := step.SQL(); ok {
			switch mode {
			case modeDryRun:
				needs, err := needsSQLMigration(*sqlStep, appliedByVersion)
				if err != nil {
					return MigrationStatus{}, err
				}
				if needs {
					return todo(lastApplied, sqlStep.Version), nil
				}
			case modeApply:
				applyErr, wasApplied, err := applySQLMigration(ctx, b, conn, *sqlStep, appliedByVersion)
				if err != nil {
					return MigrationStatus{}, err
				}
				if applyErr != nil {
					return failed(sqlStep.Version, applyErr), nil
				}
				if wasApplied && m.LogFunc != nil {
					m.LogFunc(fmt.Sprintf("migrated sql version=%d description=%q", sqlStep.Version, sqlStep.Description))
				}
			}
			lastMigrated = sqlStep.Version
			continue
		}

		codeStep, _ := step.Code()
		switch mode {
		case modeDryRun:
			needs, err := needsCodeMigration(ctx, b, conn, m, *codeStep)
			if err != nil {
				return MigrationStatus{}, err
			}
			if needs {
				return todo(lastApplied, codeStep.Version), nil
			}
		case modeApply:
			if err := applyCodeMigration(ctx, b, conn, m, *codeStep); err != nil {
				return MigrationStatus{}, err
			}
		}
		lastMigrated = codeStep.Version
	}

	return upToDate(lastMigrated), nil
}

// needsSQLMigration reports whether step is pending, per spec.md
// §4.5: absent from the applied set is pending; present with a
// mismatched checksum is a hard error (not a Failed status) because
// it indicates the registered script was edited after being applied —
// a programmer error that must abort the process rather than be
// reported as ordinary migration drift.
func needsSQLMigration(step SqlStep, appliedByVersion map[Version]AppliedSQL) (bool, error) {
	applied, ok := appliedByVersion[step.Version]
	if !ok {
		return true, nil
	}
	if !bytesEqual(applied.Checksum, step.Checksum) {
		return false, &ChecksumMismatchError{
			Version:     step.Version,
			Description: step.Description,
			Expected:    step.Checksum,
			Actual:      applied.Checksum,
		}
	}
	return false, nil
}

// applySQLMigration applies step if unseen, or re-checks its checksum
// if already seen. Unlike needsSQLMigration, a checksum mismatch here
// is reported as a Failed status (not a thrown error) per spec.md
// §4.6 — the applier and the planner are intentionally asymmetric on
// this point.
func applySQLMigration(ctx context.Context, b backend, conn *sql.Conn, step SqlStep, appliedByVersion map[Version]AppliedSQL) (applyErr *ChecksumMismatchOrApplyError, wasApplied bool, err error) {
	if applied, ok := appliedByVersion[step.Version]; ok {
		if !bytesEqual(applied.Checksum, step.Checksum) {
			return &ChecksumMismatchOrApplyError{checksum: &ChecksumMismatchError{
				Version:     step.Version,
				Description: step.Description,
				Expected:    step.Checksum,
				Actual:      applied.Checksum,
			}}, false, nil
		}
		return nil, false, nil
	}

	be, err := b.Apply(ctx, conn, step)
	if err != nil {
		return nil, false, err
	}
	if be != nil {
		return &ChecksumMismatchOrApplyError{apply: be}, false, nil
	}
	return nil, true, nil
}

// ChecksumMismatchOrApplyError carries whichever of the two possible
// Failed reasons applySQLMigration produced. Exactly one field is
// non-nil; Error() and Unwrap() delegate to it.
type ChecksumMismatchOrApplyError struct {
	checksum *ChecksumMismatchError
	apply    *SqlApplyError
}

func (e *ChecksumMismatchOrApplyError) Error() string {
	if e.checksum != nil {
		return e.checksum.Error()
	}
	return e.apply.Error()
}

func (e *ChecksumMismatchOrApplyError) Unwrap() error {
	if e.checksum != nil {
		return e.checksum
	}
	return e.apply
}

func needsCodeMigration(ctx context.Context, b backend, conn *sql.Conn, m *Migrator, step CodeStep) (bool, error) {
	if step.Name == legacyImportStepName {
		return needsLegacyImport(ctx, b, m, step)
	}
	applied, err := hasAppliedCode(ctx, b, conn, step.Name)
	if err != nil {
		return false, err
	}
	return !applied, nil
}

func applyCodeMigration(ctx context.Context, b backend, conn *sql.Conn, m *Migrator, step CodeStep) error {
	if step.Name == legacyImportStepName {
		return applyLegacyImport(ctx, b, conn, m, step)
	}

	applied, err := hasAppliedCode(ctx, b, conn, step.Name)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if err := step.Migrate(ctx, m.legacySource, conn); err != nil {
		return &CodeMigrateError{Name: step.Name, Err: err}
	}

	if err := markCodeApplied(ctx, b, conn, step.Name); err != nil {
		return &BookkeepingError{Name: step.Name, Err: err}
	}

	if m.LogFunc != nil {
		m.LogFunc(fmt.Sprintf("migrated code version=%d name=%s", step.Version, step.Name))
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
