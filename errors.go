package migration

import "fmt"

// DuplicateVersionError is returned from New or SetCodeSteps when two
// steps in the same family share a version, or two code steps share a
// name.
type DuplicateVersionError struct {
	Version Version
	Family  string // "sql", "code", or "code name <name>"
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("duplicate %s version %d", e.Family, e.Version)
}

// DirtyVersionError indicates the history table's dirty-version
// marker was set when a migration run started: the body of that SQL
// step failed on a previous apply and the database requires manual
// repair.
type DirtyVersionError struct {
	Version Version
}

func (e *DirtyVersionError) Error() string {
	return fmt.Sprintf("dirty migration version %d: a previous migration attempt did not complete", e.Version)
}

// ChecksumMismatchError indicates an applied SQL migration's checksum
// no longer matches the registered script's checksum: the script was
// edited after being applied.
type ChecksumMismatchError struct {
	Version     Version
	Description string
	Expected    []byte
	Actual      []byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for sql migration %q version %d", e.Description, e.Version)
}

// SqlApplyError wraps a driver error that occurred while executing an
// SQL migration's body. It is carried as the Reason of a Failed
// status, not propagated as a thrown error.
type SqlApplyError struct {
	Version Version
	Detail  string
	Err     error
}

func (e *SqlApplyError) Error() string {
	return fmt.Sprintf("failed to apply sql migration version %d: %s", e.Version, e.Detail)
}

func (e *SqlApplyError) Unwrap() error { return e.Err }

// CodeMigrateError wraps an error returned by a CodeStep's Migrate
// function. It is a hard error: the step remains unmarked and is
// retried on the next migrate call.
type CodeMigrateError struct {
	Name string
	Err  error
}

func (e *CodeMigrateError) Error() string {
	return fmt.Sprintf("code migration %q failed: %v", e.Name, e.Err)
}

func (e *CodeMigrateError) Unwrap() error { return e.Err }

// LockUnavailableError indicates the backend's exclusive-access
// primitive could not be acquired.
type LockUnavailableError struct {
	Backend string
	Err     error
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("cannot acquire %s migration lock: %v", e.Backend, e.Err)
}

func (e *LockUnavailableError) Unwrap() error { return e.Err }

// BookkeepingError indicates the insert into _rust_migrations failed
// after a code step's Migrate function succeeded. The step's effects
// are already visible, but its applied row was not written, so the
// next migrate call will re-execute it — correct only because code
// migrations must be idempotent.
type BookkeepingError struct {
	Name string
	Err  error
}

func (e *BookkeepingError) Error() string {
	return fmt.Sprintf("cannot record code migration %q as applied: %v", e.Name, e.Err)
}

func (e *BookkeepingError) Unwrap() error { return e.Err }

// ClockError indicates the node's wallclock could not be converted to
// a unix-seconds timestamp for a history-table write.
type ClockError struct {
	Err error
}

func (e *ClockError) Error() string {
	return fmt.Sprintf("cannot determine current time: %v", e.Err)
}

func (e *ClockError) Unwrap() error { return e.Err }
