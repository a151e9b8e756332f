package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// Query is one SQL statement with its bind arguments.
type Query struct {
	SQL  string
	Args []any
}

func tableName(d sqlutil.Dialect, e *catalog.Entity) string {
	return d.QualifiedName(e.Schema, e.Table)
}

func selectList(d sqlutil.Dialect, alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			out[i] = alias + "." + d.QuoteIdentifier(c)
		} else {
			out[i] = d.QuoteIdentifier(c)
		}
	}
	return strings.Join(out, ", ")
}

// DirectQuery filters an entity on its own scope column.
//
//	SELECT cols FROM table WHERE scope_key = ?
func DirectQuery(d sqlutil.Dialect, e *catalog.Entity, scopeKey string, scopeValue any) Query {
	args := sqlutil.NewArgs(d)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		selectList(d, "", e.ColumnNames()),
		tableName(d, e),
		d.QuoteIdentifier(scopeKey),
		args.Add(scopeValue))
	return Query{SQL: sql, Args: args.Values()}
}

// ReferenceQuery reads a lookup entity without a filter.
func ReferenceQuery(d sqlutil.Dialect, e *catalog.Entity) Query {
	return Query{SQL: fmt.Sprintf("SELECT %s FROM %s", selectList(d, "", e.ColumnNames()), tableName(d, e))}
}

// PathQuery joins an entity through a same-store foreign-key path to the
// entity holding the scope column.
//
//	SELECT t0.cols FROM child t0
//	JOIN parent t1 ON t0.fk = t1.pk
//	WHERE t1.scope_key = ?
func PathQuery(d sqlutil.Dialect, cat *catalog.Catalog, res graph.ScopeResolution, scopeKey string, scopeValue any) (Query, error) {
	e, ok := cat.Entity(res.Entity)
	if !ok {
		return Query{}, fmt.Errorf("entity %s not in catalog", res.Entity)
	}
	if len(res.Path) == 0 {
		return Query{}, fmt.Errorf("entity %s has no scope path", res.Entity)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s t0", selectList(d, "t0", e.ColumnNames()), tableName(d, e))
	for i, edge := range res.Path {
		if edge.CrossStore() {
			return Query{}, fmt.Errorf("scope path of %s crosses stores at %s", res.Entity, edge)
		}
		parent, ok := cat.Entity(edge.Parent)
		if !ok {
			return Query{}, fmt.Errorf("entity %s not in catalog", edge.Parent)
		}
		child, parentAlias := fmt.Sprintf("t%d", i), fmt.Sprintf("t%d", i+1)
		conds := make([]string, len(edge.FK.Columns))
		for j, c := range edge.FK.Columns {
			conds[j] = fmt.Sprintf("%s.%s = %s.%s", child, d.QuoteIdentifier(c), parentAlias, d.QuoteIdentifier(edge.FK.TargetColumns[j]))
		}
		fmt.Fprintf(&b, " JOIN %s %s ON %s", tableName(d, parent), parentAlias, strings.Join(conds, " AND "))
	}

	args := sqlutil.NewArgs(d)
	fmt.Fprintf(&b, " WHERE t%d.%s = %s", len(res.Path), d.QuoteIdentifier(scopeKey), args.Add(scopeValue))
	return Query{SQL: b.String(), Args: args.Values()}, nil
}

// KeyQueries select the rows of an entity whose cols match one of keys,
// chunked by batchSize to keep IN lists bounded. Keys are TupleKey strings.
//
//	SELECT cols FROM table WHERE fk IN (?, ?, ...)
//	SELECT cols FROM table WHERE (a = ? AND b = ?) OR (a = ? AND b = ?)
func KeyQueries(d sqlutil.Dialect, e *catalog.Entity, cols []string, keys []string, batchSize int) []Query {
	if batchSize <= 0 {
		batchSize = 1000
	}
	base := fmt.Sprintf("SELECT %s FROM %s WHERE ", selectList(d, "", e.ColumnNames()), tableName(d, e))

	var out []Query
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		chunk := keys[i:end]

		args := sqlutil.NewArgs(d)
		var where string
		if len(cols) == 1 {
			vals := make([]any, len(chunk))
			for j, k := range chunk {
				vals[j] = keyArg(e, cols[0], k)
			}
			where = fmt.Sprintf("%s IN (%s)", d.QuoteIdentifier(cols[0]), args.List(vals))
		} else {
			tuples := make([]string, len(chunk))
			for j, k := range chunk {
				parts := types.SplitKey(k)
				conds := make([]string, len(cols))
				for c, col := range cols {
					conds[c] = fmt.Sprintf("%s = %s", d.QuoteIdentifier(col), args.Add(keyArg(e, col, parts[c])))
				}
				tuples[j] = "(" + strings.Join(conds, " AND ") + ")"
			}
			where = strings.Join(tuples, " OR ")
		}
		out = append(out, Query{SQL: base + where, Args: args.Values()})
	}
	return out
}

// keyArg binds a normalized key part with the type of the column it is
// compared to.
func keyArg(e *catalog.Entity, col, part string) any {
	if c, ok := e.Column(col); ok && c.Type == types.TypeInteger {
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			return n
		}
	}
	return part
}

// CountQuery wraps q so it returns its row count.
func CountQuery(q Query) Query {
	return Query{SQL: "SELECT COUNT(*) FROM (" + q.SQL + ") scoped", Args: q.Args}
}
