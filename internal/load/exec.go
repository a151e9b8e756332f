package load

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
)

// scopedTx is a store transaction that only accepts scope-bound writes.
type scopedTx struct {
	tx      *sql.Tx
	dialect sqlutil.Dialect
	scope   string
	timeout time.Duration
	log     *logger.Logger
}

func (s *scopedTx) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// exec runs a guarded write and returns the affected row count. A
// statement without the scope predicate is refused before it is sent.
func (s *scopedTx) exec(ctx context.Context, st Statement) (int64, error) {
	if !st.scoped(s.scope) {
		return 0, fmt.Errorf("%w: %s", ErrUnscoped, st.SQL)
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.tx.ExecContext(cctx, st.SQL, st.Args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// count runs a COUNT(*) query.
func (s *scopedTx) count(ctx context.Context, q Query) (int64, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int64
	if err := s.tx.QueryRowContext(cctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// keys runs a key query and returns each row as raw values.
func (s *scopedTx) keys(ctx context.Context, q Query, fn func(vals []any)) error {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.tx.QueryContext(cctx, q.SQL, q.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		fn(vals)
	}
	return rows.Err()
}

// deferForeignKeys relaxes foreign key enforcement for the rest of the
// transaction, for stores whose load order had to break a cycle.
func (s *scopedTx) deferForeignKeys(ctx context.Context) error {
	var stmt string
	switch s.dialect {
	case sqlutil.MySQL:
		stmt = "SET FOREIGN_KEY_CHECKS = 0"
	case sqlutil.Postgres:
		stmt = "SET CONSTRAINTS ALL DEFERRED"
	case sqlutil.SQLite:
		stmt = "PRAGMA defer_foreign_keys = ON"
	default:
		return nil
	}
	s.log.Debugw("Deferring foreign key checks", "statement", stmt)
	if _, err := s.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to defer foreign key checks: %w", err)
	}
	return nil
}

// restoreForeignKeys re-enables session level checks switched off by
// deferForeignKeys. Only MySQL keeps the setting beyond the transaction.
func (s *scopedTx) restoreForeignKeys(ctx context.Context) error {
	if s.dialect != sqlutil.MySQL {
		return nil
	}
	if _, err := s.tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return fmt.Errorf("failed to restore foreign key checks: %w", err)
	}
	return nil
}
