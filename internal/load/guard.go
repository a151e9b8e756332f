package load

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// GuardKind is how a write statement is tied to the run scope.
type GuardKind string

const (
	// GuardColumn entities carry the scope column; the row's value is
	// compared to the scope value.
	GuardColumn GuardKind = "column"
	// GuardExists entities reach the scope column through parents in the
	// same store; the statement requires the parent chain to exist in the
	// target with the scope value.
	GuardExists GuardKind = "exists"
	// GuardLookup entities reach the scope column through another store;
	// the anchor's scope value is looked up in the dataset and bound.
	GuardLookup GuardKind = "lookup"
	// GuardGraph entities are graph nodes and relationships stamped with
	// the scope value.
	GuardGraph GuardKind = "graph"
)

// Guard is the scope predicate of one entity.
type Guard struct {
	Kind     GuardKind
	Entity   catalog.EntityRef
	ScopeKey string
	Path     []*graph.Edge
}

// Describe renders the guard for load plans.
func (g Guard) Describe() string {
	switch g.Kind {
	case GuardColumn:
		return "column " + g.ScopeKey
	case GuardExists, GuardLookup:
		hops := []string{g.Entity.String()}
		for _, e := range g.Path {
			hops = append(hops, e.Parent.String())
		}
		return string(g.Kind) + " " + strings.Join(hops, " -> ") + "." + g.ScopeKey
	}
	return string(g.Kind)
}

// guardFor derives the guard of a scope resolution. Reference entities
// cannot be guarded.
func guardFor(res graph.ScopeResolution, scopeKey string) (Guard, error) {
	g := Guard{Entity: res.Entity, ScopeKey: scopeKey, Path: res.Path}
	switch res.Mode {
	case graph.ScopeDirect:
		g.Kind = GuardColumn
	case graph.ScopeTraversal:
		g.Kind = GuardGraph
	case graph.ScopePath:
		g.Kind = GuardExists
		for _, e := range res.Path {
			if e.CrossStore() {
				g.Kind = GuardLookup
				break
			}
		}
	default:
		return g, fmt.Errorf("%s has no path to %s", res.Entity, scopeKey)
	}
	return g, nil
}

// predicate renders guard conditions for one dialect.
type predicate struct {
	d     sqlutil.Dialect
	cat   *catalog.Catalog
	g     Guard
	scope string
}

// anchorColumn is the scope column of the guard's anchor entity.
func (p *predicate) anchorColumn() *catalog.Column {
	ref := p.g.Entity
	if n := len(p.g.Path); n > 0 {
		ref = p.g.Path[n-1].Parent
	}
	if e, ok := p.cat.Entity(ref); ok {
		if c, ok := e.Column(p.g.ScopeKey); ok {
			return c
		}
	}
	return &catalog.Column{Name: p.g.ScopeKey, Type: types.TypeText}
}

// existsChain renders the parent join of a same-store path with the scope
// filter on its last hop. first binds the first hop's key columns.
//
//	EXISTS (SELECT 1 FROM parent s1 JOIN grandparent s2 ON s1.fk = s2.pk
//	        WHERE s1.pk = <first> AND s2.scope_key = ?)
func (p *predicate) existsChain(args *sqlutil.Args, first func(i int, col string) (string, error)) (string, error) {
	d := p.d
	var b strings.Builder
	var conds []string
	for i, edge := range p.g.Path {
		parent, ok := p.cat.Entity(edge.Parent)
		if !ok {
			return "", fmt.Errorf("entity %s not in catalog", edge.Parent)
		}
		alias := fmt.Sprintf("s%d", i+1)
		if i == 0 {
			fmt.Fprintf(&b, "EXISTS (SELECT 1 FROM %s %s", d.QualifiedName(parent.Schema, parent.Table), alias)
			for j, tc := range edge.FK.TargetColumns {
				rhs, err := first(j, edge.FK.Columns[j])
				if err != nil {
					return "", err
				}
				conds = append(conds, fmt.Sprintf("%s.%s = %s", alias, d.QuoteIdentifier(tc), rhs))
			}
			continue
		}
		prev := fmt.Sprintf("s%d", i)
		on := make([]string, len(edge.FK.Columns))
		for j, c := range edge.FK.Columns {
			on[j] = fmt.Sprintf("%s.%s = %s.%s", prev, d.QuoteIdentifier(c), alias, d.QuoteIdentifier(edge.FK.TargetColumns[j]))
		}
		fmt.Fprintf(&b, " JOIN %s %s ON %s", d.QualifiedName(parent.Schema, parent.Table), alias, strings.Join(on, " AND "))
	}
	last := fmt.Sprintf("s%d", len(p.g.Path))
	conds = append(conds, fmt.Sprintf("%s.%s = %s", last, d.QuoteIdentifier(p.g.ScopeKey),
		args.Add(bindValue(p.anchorColumn(), p.scope))))
	fmt.Fprintf(&b, " WHERE %s)", strings.Join(conds, " AND "))
	return b.String(), nil
}

// forValues renders the guard of a statement writing row from bound
// values. Column guards compare the value written to the scope column;
// lookup guards compare anchor, the scope value resolved in the dataset.
func (p *predicate) forValues(args *sqlutil.Args, e *catalog.Entity, row types.Row, anchor string) (string, error) {
	switch p.g.Kind {
	case GuardColumn:
		v, ok := row[p.g.ScopeKey]
		if !ok || v == nil {
			return "", fmt.Errorf("scope column %s is null", p.g.ScopeKey)
		}
		c := columnOf(e, p.g.ScopeKey)
		return args.Add(bindValue(c, v)) + " = " + args.Add(bindValue(c, p.scope)), nil
	case GuardLookup:
		if anchor == "" {
			return "", fmt.Errorf("entity %s has no resolved scope value", e.Ref)
		}
		return args.Add(anchor) + " = " + args.Add(p.scope), nil
	case GuardExists:
		return p.existsChain(args, func(_ int, col string) (string, error) {
			v, ok := row[col]
			if !ok || v == nil {
				return "", fmt.Errorf("scope path column %s is null", col)
			}
			return args.Add(bindValue(columnOf(e, col), v)), nil
		})
	}
	return "", fmt.Errorf("entity %s cannot be guarded by %s", e.Ref, p.g.Kind)
}

// forTarget renders the guard as a condition on the stored rows of e, for
// updates and verification counts. anchor is only used by lookup guards.
func (p *predicate) forTarget(args *sqlutil.Args, e *catalog.Entity, anchor string) (string, error) {
	table := p.d.QualifiedName(e.Schema, e.Table)
	switch p.g.Kind {
	case GuardColumn:
		return fmt.Sprintf("%s.%s = %s", table, p.d.QuoteIdentifier(p.g.ScopeKey),
			args.Add(bindValue(p.anchorColumn(), p.scope))), nil
	case GuardExists:
		return p.existsChain(args, func(_ int, col string) (string, error) {
			return table + "." + p.d.QuoteIdentifier(col), nil
		})
	case GuardLookup:
		if anchor == "" {
			return "", fmt.Errorf("entity %s has no stored scope column", e.Ref)
		}
		return args.Add(anchor) + " = " + args.Add(p.scope), nil
	}
	return "", fmt.Errorf("entity %s cannot be guarded by %s", e.Ref, p.g.Kind)
}

// targetColumns are the columns of the guarded entity that forTarget reads.
func (p *predicate) targetColumns() map[string]bool {
	out := make(map[string]bool)
	switch p.g.Kind {
	case GuardColumn:
		out[p.g.ScopeKey] = true
	case GuardExists:
		for _, c := range p.g.Path[0].FK.Columns {
			out[c] = true
		}
	}
	return out
}

// anchors resolves the scope value a row reaches through a cross-store
// path, using the parent rows of the dataset.
type anchors struct {
	ds       *artifact.Dataset
	scopeKey string

	mu  sync.Mutex
	idx map[string]map[string]string
}

func newAnchors(ds *artifact.Dataset, scopeKey string) *anchors {
	return &anchors{ds: ds, scopeKey: scopeKey, idx: make(map[string]map[string]string)}
}

// index maps the keyCols tuple of every row of ref to its outCols tuple.
func (a *anchors) index(ref catalog.EntityRef, keyCols, outCols []string) (map[string]string, error) {
	id := ref.String() + "(" + strings.Join(keyCols, ",") + ")->(" + strings.Join(outCols, ",") + ")"
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.idx[id]; ok {
		return m, nil
	}
	m := make(map[string]string)
	if a.ds.Exists(ref) {
		err := a.ds.Scan(ref, func(r types.Row) error {
			k, ok := types.TupleKey(r, keyCols)
			if !ok {
				return nil
			}
			if out, ok := types.TupleKey(r, outCols); ok {
				m[k] = out
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	a.idx[id] = m
	return m, nil
}

// resolve follows path from row to the anchor and returns its scope value.
// ok is false when a hop has no parent row in the dataset.
func (a *anchors) resolve(row types.Row, path []*graph.Edge) (string, bool, error) {
	if len(path) == 0 {
		return "", false, nil
	}
	key, ok := types.TupleKey(row, path[0].FK.Columns)
	if !ok {
		return "", false, nil
	}
	for i, e := range path {
		out := []string{a.scopeKey}
		if i < len(path)-1 {
			out = path[i+1].FK.Columns
		}
		idx, err := a.index(e.Parent, e.FK.TargetColumns, out)
		if err != nil {
			return "", false, err
		}
		next, ok := idx[key]
		if !ok {
			return "", false, nil
		}
		key = next
	}
	return key, true, nil
}

func columnOf(e *catalog.Entity, name string) *catalog.Column {
	if c, ok := e.Column(name); ok {
		return c
	}
	return &catalog.Column{Name: name, Type: types.TypeUnknown}
}
