package load

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/sqlutil"
)

// ErrLockTimeout is returned when another run holds the load lock of the
// same scope and target.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// maxLockName is MySQL's limit on GET_LOCK names.
const maxLockName = 64

// pollInterval paces pg_try_advisory_lock retries.
const pollInterval = 100 * time.Millisecond

// AdvisoryLock is a named, session scoped lock on one target connection.
// It is released explicitly or when the connection closes.
//
// MySQL uses GET_LOCK, PostgreSQL pg_try_advisory_lock and SQL Server
// sp_getapplock. SQLite serializes writers itself, so the lock is a no-op.
type AdvisoryLock struct {
	conn    *sql.Conn
	dialect sqlutil.Dialect
	name    string
	held    bool
}

// NewAdvisoryLock creates a lock on conn. It is not acquired until Acquire.
func NewAdvisoryLock(conn *sql.Conn, d sqlutil.Dialect, name string) *AdvisoryLock {
	return &AdvisoryLock{conn: conn, dialect: d, name: name}
}

// LockName builds the lock name of a scope on a target store:
// "goscope:load:{target}:{key}={value}", hashed when it is too long.
func LockName(target string, scope artifact.Scope) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
				return r
			}
			return '_'
		}, s)
	}
	name := fmt.Sprintf("goscope:load:%s:%s=%s", sanitize(target), sanitize(scope.Key), sanitize(scope.Value))
	if len(name) <= maxLockName {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	return "goscope:load:" + hex.EncodeToString(sum[:])[:maxLockName-len("goscope:load:")]
}

// pgKey maps the lock name onto PostgreSQL's bigint lock space.
func (a *AdvisoryLock) pgKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.name))
	return int64(h.Sum64())
}

// Acquire waits up to timeout for the lock. It returns false when the
// timeout passed with the lock held elsewhere.
func (a *AdvisoryLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if a.held {
		return true, nil
	}
	var err error
	switch a.dialect {
	case sqlutil.MySQL:
		a.held, err = a.acquireMySQL(ctx, timeout)
	case sqlutil.Postgres:
		a.held, err = a.acquirePostgres(ctx, timeout)
	case sqlutil.SQLServer:
		a.held, err = a.acquireSQLServer(ctx, timeout)
	default:
		a.held = true
	}
	return a.held, err
}

// acquireMySQL calls GET_LOCK, which returns 1 when obtained, 0 on timeout
// and NULL on error.
func (a *AdvisoryLock) acquireMySQL(ctx context.Context, timeout time.Duration) (bool, error) {
	var result sql.NullInt64
	secs := int((timeout + time.Second - 1) / time.Second)
	if err := a.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.name, secs).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q", a.name)
	}
	switch result.Int64 {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
}

// acquirePostgres polls pg_try_advisory_lock until the deadline.
func (a *AdvisoryLock) acquirePostgres(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := a.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", a.pgKey()).Scan(&ok); err != nil {
			return false, fmt.Errorf("failed to execute pg_try_advisory_lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// acquireSQLServer calls sp_getapplock, which returns 0 or 1 when granted
// and -1 on timeout.
func (a *AdvisoryLock) acquireSQLServer(ctx context.Context, timeout time.Duration) (bool, error) {
	const q = `DECLARE @r int;
EXEC @r = sp_getapplock @Resource = @p1, @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = @p2;
SELECT @r;`
	var result int64
	if err := a.conn.QueryRowContext(ctx, q, a.name, timeout.Milliseconds()).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute sp_getapplock: %w", err)
	}
	switch {
	case result >= 0:
		return true, nil
	case result == -1:
		return false, nil
	}
	return false, fmt.Errorf("sp_getapplock returned %d for lock %q", result, a.name)
}

// Release releases the lock. Releasing a lock that is not held is a no-op.
func (a *AdvisoryLock) Release(ctx context.Context) error {
	if !a.held {
		return nil
	}
	a.held = false
	var err error
	switch a.dialect {
	case sqlutil.MySQL:
		var result sql.NullInt64
		err = a.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.name).Scan(&result)
	case sqlutil.Postgres:
		var ok bool
		err = a.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", a.pgKey()).Scan(&ok)
	case sqlutil.SQLServer:
		_, err = a.conn.ExecContext(ctx, "EXEC sp_releaseapplock @Resource = @p1, @LockOwner = 'Session'", a.name)
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", a.name, err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (a *AdvisoryLock) IsHeld() bool {
	return a.held
}

// Name returns the lock name.
func (a *AdvisoryLock) Name() string {
	return a.name
}

// WithLock runs fn while holding the lock and releases it afterwards, even
// when fn panics.
func (a *AdvisoryLock) WithLock(ctx context.Context, timeout time.Duration, fn func() error) error {
	acquired, err := a.Acquire(ctx, timeout)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another run", ErrLockTimeout, a.name)
	}
	defer func() {
		// The run context may already be cancelled; the connection still
		// needs the release.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Release(releaseCtx)
	}()
	return fn()
}
