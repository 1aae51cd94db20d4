package flowgatedb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// LockKey derives a stable advisory lock key from a name.
func LockKey(name string) int64 {
	sum := sha256.Sum256([]byte("flowgate:" + name))
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

// RunExclusive runs fn while holding the PostgreSQL advisory lock named name.
// It does not wait: when another session holds the lock fn is skipped and ran
// is false. Advisory locks belong to a connection, so one is pinned for the
// duration of fn. The unlock uses a fresh context so a cancelled ctx still
// releases the lock.
func RunExclusive(ctx context.Context, db *sql.DB, name string, fn func(context.Context) error) (ran bool, err error) {
	if db == nil {
		return false, ErrNotConfigured
	}
	key := LockKey(name)
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("lock %q: %w", name, err)
	}
	if !acquired {
		return false, nil
	}

	fnErr := fn(ctx)

	var released bool
	unlockErr := conn.QueryRowContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	if unlockErr == nil && !released {
		unlockErr = fmt.Errorf("lock %q was not held at unlock", name)
	} else if unlockErr != nil {
		unlockErr = fmt.Errorf("unlock %q: %w", name, unlockErr)
	}
	return true, errors.Join(fnErr, unlockErr)
}
