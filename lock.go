package migration

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/flock"
)

// lockPollInterval is how often acquireLock retries the file lock
// while another process holds it; it keeps retrying until ctx is
// done. The backend lock itself blocks according to the backend
// driver's own semantics.
const lockPollInterval = 2 * time.Second

var errLockHeldElsewhere = errors.New("migration lock file held by another process")

// heldLock is the result of acquiring a backend's exclusive-access
// primitive. Release undoes it, including dropping the connection
// for backends (sqlite) whose lock is only fully released by closing
// the connection.
type heldLock struct {
	backend    backend
	conn       *sql.Conn
	fileLock   *flock.Flock
	mustDrop   bool // true for sqlite: PRAGMA NORMAL alone does not release
}

// acquireLock selects the locking strategy for b and takes it. For
// the embedded (sqlite) backend, an additional OS-level file lock is
// taken first when embeddedFilePath is non-empty: PRAGMA
// locking_mode=EXCLUSIVE only protects connections within this
// process's *sql.DB pool, not a second process opening the same file,
// so the file lock closes that gap.
func acquireLock(ctx context.Context, b backend, conn *sql.Conn, embeddedFilePath string) (*heldLock, error) {
	lock := &heldLock{backend: b, conn: conn}

	if b.Name() == "sqlite" && embeddedFilePath != "" {
		fl := flock.New(embeddedFilePath + ".migration-lock")
		ok, err := fl.TryLockContext(ctx, lockPollInterval)
		if err != nil {
			return nil, &LockUnavailableError{Backend: b.Name(), Err: err}
		}
		if !ok {
			return nil, &LockUnavailableError{Backend: b.Name(), Err: errLockHeldElsewhere}
		}
		lock.fileLock = fl
	}

	if err := b.Lock(ctx, conn); err != nil {
		if lock.fileLock != nil {
			_ = lock.fileLock.Unlock()
		}
		return nil, err
	}

	lock.mustDrop = b.Name() == "sqlite"
	return lock, nil
}

// release undoes the lock. For sqlite it also closes the underlying
// connection: the PRAGMA documentation is explicit that switching
// back to NORMAL locking mode is not, by itself, enough to drop the
// lock — an arbitrary read or write combined with closing the
// connection is required, and closing the connection is sufficient on
// its own.
func (l *heldLock) release(ctx context.Context) error {
	unlockErr := l.backend.Unlock(ctx, l.conn)

	if l.mustDrop {
		_ = l.conn.Close()
	}
	if l.fileLock != nil {
		_ = l.fileLock.Unlock()
	}

	return unlockErr
}
