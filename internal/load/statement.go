package load

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// Statement is one write with its bind arguments and the scope predicate
// it carries.
type Statement struct {
	SQL   string
	Args  []any
	Guard string
}

// scoped reports whether st carries a scope predicate that binds scope.
func (st Statement) scoped(scope string) bool {
	if st.Guard == "" || !strings.Contains(st.SQL, " WHERE ") || !strings.Contains(st.SQL, st.Guard) {
		return false
	}
	for _, a := range st.Args {
		if types.KeyString(a) == scope {
			return true
		}
	}
	return false
}

// writer builds the write statements of one entity.
type writer struct {
	d    sqlutil.Dialect
	e    *catalog.Entity
	cols []string
	pred *predicate
}

func newWriter(d sqlutil.Dialect, e *catalog.Entity, pred *predicate) *writer {
	return &writer{d: d, e: e, cols: e.ColumnNames(), pred: pred}
}

func (w *writer) table() string {
	return w.d.QualifiedName(w.e.Schema, w.e.Table)
}

func (w *writer) columnList(alias string) string {
	out := make([]string, len(w.cols))
	for i, c := range w.cols {
		out[i] = w.d.QuoteIdentifier(c)
		if alias != "" {
			out[i] = alias + "." + out[i]
		}
	}
	return strings.Join(out, ", ")
}

// nonKey lists the written columns outside the primary key.
func (w *writer) nonKey() []string {
	pk := make(map[string]bool, len(w.e.PrimaryKey))
	for _, c := range w.e.PrimaryKey {
		pk[c] = true
	}
	var out []string
	for _, c := range w.cols {
		if !pk[c] {
			out = append(out, c)
		}
	}
	return out
}

func (w *writer) values(args *sqlutil.Args, row types.Row) []string {
	marks := make([]string, len(w.cols))
	for i, c := range w.cols {
		marks[i] = args.Add(bindValue(columnOf(w.e, c), row[c]))
	}
	return marks
}

// Insert writes row only when the guard holds.
//
//	INSERT INTO t (a, b) SELECT ?, ? WHERE <guard>
func (w *writer) Insert(row types.Row, anchor string) (Statement, error) {
	args := sqlutil.NewArgs(w.d)
	sql, guard, err := w.insertSelect(args, row, anchor)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql, Args: args.Values(), Guard: guard}, nil
}

func (w *writer) insertSelect(args *sqlutil.Args, row types.Row, anchor string) (sql, guard string, err error) {
	vals := w.values(args, row)
	if guard, err = w.pred.forValues(args, w.e, row, anchor); err != nil {
		return "", "", err
	}
	from := ""
	if w.d == sqlutil.MySQL {
		from = " FROM DUAL"
	}
	sql = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s%s WHERE %s",
		w.table(), w.columnList(""), strings.Join(vals, ", "), from, guard)
	return sql, guard, nil
}

// Upsert inserts row or overwrites the stored row with the same primary
// key, only when the guard holds. PostgreSQL, SQLite and SQL Server also
// guard the stored row, so a conflicting row of another scope is left
// untouched and reported as zero affected rows.
//
//	INSERT INTO t (a, b) SELECT ?, ? WHERE <guard>
//	ON CONFLICT (a) DO UPDATE SET b = excluded.b WHERE <guard on t>
func (w *writer) Upsert(row types.Row, anchor string) (Statement, error) {
	if len(w.e.PrimaryKey) == 0 {
		return Statement{}, fmt.Errorf("%s has no primary key to upsert on", w.e.Ref)
	}
	switch w.d {
	case sqlutil.MySQL:
		return w.upsertMySQL(row, anchor)
	case sqlutil.SQLServer:
		return w.mergeSQLServer(row, anchor)
	}

	args := sqlutil.NewArgs(w.d)
	sql, guard, err := w.insertSelect(args, row, anchor)
	if err != nil {
		return Statement{}, err
	}
	pk := make([]string, len(w.e.PrimaryKey))
	for i, c := range w.e.PrimaryKey {
		pk[i] = w.d.QuoteIdentifier(c)
	}
	update := w.nonKey()
	if len(update) == 0 {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(pk, ", "))
		return Statement{SQL: sql, Args: args.Values(), Guard: guard}, nil
	}
	sets := make([]string, len(update))
	for i, c := range update {
		q := w.d.QuoteIdentifier(c)
		sets[i] = fmt.Sprintf("%s = excluded.%s", q, q)
	}
	stored, err := w.pred.forTarget(args, w.e, anchor)
	if err != nil {
		return Statement{}, err
	}
	sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s WHERE %s", strings.Join(pk, ", "), strings.Join(sets, ", "), stored)
	return Statement{SQL: sql, Args: args.Values(), Guard: guard}, nil
}

// upsertMySQL selects from a derived row so the update clause can refer to
// the incoming values. Each assignment keeps the stored value unless the
// stored row is in scope; assignments run left to right, so the columns
// the guard reads are assigned last.
//
//	INSERT INTO t (a, b) SELECT src.a, src.b FROM (SELECT ? AS a, ? AS b) AS src
//	WHERE <guard> ON DUPLICATE KEY UPDATE b = IF(<guard on t>, src.b, t.b)
func (w *writer) upsertMySQL(row types.Row, anchor string) (Statement, error) {
	args := sqlutil.NewArgs(w.d)
	vals := w.values(args, row)
	derived := make([]string, len(w.cols))
	for i, c := range w.cols {
		derived[i] = vals[i] + " AS " + w.d.QuoteIdentifier(c)
	}
	guard, err := w.pred.forValues(args, w.e, row, anchor)
	if err != nil {
		return Statement{}, err
	}

	update := w.nonKey()
	if len(update) == 0 {
		sql := fmt.Sprintf("INSERT IGNORE INTO %s (%s) SELECT %s FROM (SELECT %s) AS src WHERE %s",
			w.table(), w.columnList(""), w.columnList("src"), strings.Join(derived, ", "), guard)
		return Statement{SQL: sql, Args: args.Values(), Guard: guard}, nil
	}
	read := w.pred.targetColumns()
	sort.SliceStable(update, func(i, j int) bool { return !read[update[i]] && read[update[j]] })

	table := w.table()
	sets := make([]string, len(update))
	for i, c := range update {
		stored, err := w.pred.forTarget(args, w.e, anchor)
		if err != nil {
			return Statement{}, err
		}
		q := w.d.QuoteIdentifier(c)
		sets[i] = fmt.Sprintf("%s = IF(%s, src.%s, %s.%s)", q, stored, q, table, q)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM (SELECT %s) AS src WHERE %s ON DUPLICATE KEY UPDATE %s",
		table, w.columnList(""), w.columnList("src"), strings.Join(derived, ", "), guard, strings.Join(sets, ", "))
	return Statement{SQL: sql, Args: args.Values(), Guard: guard}, nil
}

// mergeSQLServer upserts with MERGE, guarding the source row and the
// matched stored row.
//
//	MERGE INTO t USING (SELECT @p1 AS a, @p2 AS b WHERE <guard>) AS src
//	ON t.a = src.a WHEN MATCHED AND <guard on t> THEN UPDATE SET b = src.b
//	WHEN NOT MATCHED THEN INSERT (a, b) VALUES (src.a, src.b);
func (w *writer) mergeSQLServer(row types.Row, anchor string) (Statement, error) {
	args := sqlutil.NewArgs(w.d)
	vals := w.values(args, row)
	derived := make([]string, len(w.cols))
	for i, c := range w.cols {
		derived[i] = vals[i] + " AS " + w.d.QuoteIdentifier(c)
	}
	guard, err := w.pred.forValues(args, w.e, row, anchor)
	if err != nil {
		return Statement{}, err
	}

	table := w.table()
	on := make([]string, len(w.e.PrimaryKey))
	for i, c := range w.e.PrimaryKey {
		q := w.d.QuoteIdentifier(c)
		on[i] = fmt.Sprintf("%s.%s = src.%s", table, q, q)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s USING (SELECT %s WHERE %s) AS src ON %s",
		table, strings.Join(derived, ", "), guard, strings.Join(on, " AND "))
	if update := w.nonKey(); len(update) > 0 {
		stored, err := w.pred.forTarget(args, w.e, anchor)
		if err != nil {
			return Statement{}, err
		}
		sets := make([]string, len(update))
		for i, c := range update {
			q := w.d.QuoteIdentifier(c)
			sets[i] = fmt.Sprintf("%s = src.%s", q, q)
		}
		fmt.Fprintf(&b, " WHEN MATCHED AND %s THEN UPDATE SET %s", stored, strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", w.columnList(""), w.columnList("src"))
	return Statement{SQL: b.String(), Args: args.Values(), Guard: guard}, nil
}

// Update overwrites the stored row with row's primary key, only when the
// stored row is in scope. ok is false when there is nothing to update.
//
//	UPDATE t SET b = ? WHERE t.a = ? AND <guard on t>
func (w *writer) Update(row types.Row, anchor string) (st Statement, ok bool, err error) {
	update := w.nonKey()
	if len(update) == 0 || len(w.e.PrimaryKey) == 0 {
		return Statement{}, false, nil
	}
	args := sqlutil.NewArgs(w.d)
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = %s", w.d.QuoteIdentifier(c), args.Add(bindValue(columnOf(w.e, c), row[c])))
	}
	table := w.table()
	conds := make([]string, len(w.e.PrimaryKey))
	for i, c := range w.e.PrimaryKey {
		conds[i] = fmt.Sprintf("%s.%s = %s", table, w.d.QuoteIdentifier(c), args.Add(bindValue(columnOf(w.e, c), row[c])))
	}
	guard, err := w.pred.forTarget(args, w.e, anchor)
	if err != nil {
		return Statement{}, false, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s AND %s", table, strings.Join(sets, ", "), strings.Join(conds, " AND "), guard)
	return Statement{SQL: sql, Args: args.Values(), Guard: guard}, true, nil
}

// Query is a read with its bind arguments.
type Query struct {
	SQL  string
	Args []any
}

// keyFilter renders cols IN (...) for a chunk of TupleKey keys.
func keyFilter(d sqlutil.Dialect, e *catalog.Entity, args *sqlutil.Args, cols []string, keys []string) string {
	table := d.QualifiedName(e.Schema, e.Table)
	if len(cols) == 1 {
		vals := make([]any, len(keys))
		for i, k := range keys {
			vals[i] = keyArg(e, cols[0], k)
		}
		return fmt.Sprintf("%s.%s IN (%s)", table, d.QuoteIdentifier(cols[0]), args.List(vals))
	}
	tuples := make([]string, len(keys))
	for i, k := range keys {
		parts := types.SplitKey(k)
		conds := make([]string, len(cols))
		for j, c := range cols {
			conds[j] = fmt.Sprintf("%s.%s = %s", table, d.QuoteIdentifier(c), args.Add(keyArg(e, c, parts[j])))
		}
		tuples[i] = "(" + strings.Join(conds, " AND ") + ")"
	}
	return "(" + strings.Join(tuples, " OR ") + ")"
}

// ExistingKeys select the primary keys of e among keys, chunked.
//
//	SELECT a FROM t WHERE t.a IN (?, ?, ...)
func ExistingKeys(d sqlutil.Dialect, e *catalog.Entity, keys []string, batchSize int) []Query {
	var out []Query
	for _, chunk := range chunks(keys, batchSize) {
		args := sqlutil.NewArgs(d)
		pk := make([]string, len(e.PrimaryKey))
		for i, c := range e.PrimaryKey {
			pk[i] = d.QuoteIdentifier(c)
		}
		sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(pk, ", "), d.QualifiedName(e.Schema, e.Table), keyFilter(d, e, args, e.PrimaryKey, chunk))
		out = append(out, Query{SQL: sql, Args: args.Values()})
	}
	return out
}

// CountQueries count the stored rows of e that match keys and the guard.
// Without keys the guard alone selects the rows.
//
//	SELECT COUNT(*) FROM t WHERE t.a IN (?, ?) AND <guard on t>
func CountQueries(d sqlutil.Dialect, e *catalog.Entity, pred *predicate, keys []string, batchSize int) ([]Query, error) {
	table := d.QualifiedName(e.Schema, e.Table)
	withGuard := func(args *sqlutil.Args, where string) (string, error) {
		if pred == nil || pred.g.Kind == GuardLookup {
			return where, nil
		}
		guard, err := pred.forTarget(args, e, "")
		if err != nil {
			return "", err
		}
		if where == "" {
			return guard, nil
		}
		return where + " AND " + guard, nil
	}

	if len(e.PrimaryKey) == 0 {
		args := sqlutil.NewArgs(d)
		where, err := withGuard(args, "")
		if err != nil {
			return nil, err
		}
		if where == "" {
			return nil, fmt.Errorf("%s has neither a primary key nor a stored scope column to count by", e.Ref)
		}
		return []Query{{SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where), Args: args.Values()}}, nil
	}

	var out []Query
	for _, chunk := range chunks(keys, batchSize) {
		args := sqlutil.NewArgs(d)
		where, err := withGuard(args, keyFilter(d, e, args, e.PrimaryKey, chunk))
		if err != nil {
			return nil, err
		}
		out = append(out, Query{SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where), Args: args.Values()})
	}
	return out, nil
}

func chunks(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1000
	}
	var out [][]string
	for i := 0; i < len(keys); i += size {
		out = append(out, keys[i:min(i+size, len(keys))])
	}
	return out
}

// keyArg binds a key part with the type of its column.
func keyArg(e *catalog.Entity, col, part string) any {
	if c, ok := e.Column(col); ok && c.Type == types.TypeInteger {
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			return n
		}
	}
	return part
}

// bindValue converts a dataset value into a driver argument for column c.
// Numbers arrive as json.Number; temporal values as text.
func bindValue(c *catalog.Column, v any) any {
	if v == nil {
		return nil
	}
	switch c.Type {
	case types.TypeInteger:
		switch x := v.(type) {
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n
			}
		case float64:
			return int64(x)
		}
	case types.TypeDecimal:
		if n, ok := v.(json.Number); ok {
			return n.String()
		}
	case types.TypeBoolean:
		switch x := v.(type) {
		case json.Number:
			return x.String() != "0"
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
	case types.TypeTimestamp, types.TypeDate:
		if s, ok := v.(string); ok {
			if t, ok := types.ParseTime(s); ok {
				return t
			}
		}
	case types.TypeBinary:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}

	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return v
}
