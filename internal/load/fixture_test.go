package load

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

func col(name string, typ types.SemanticType) catalog.Column {
	return catalog.Column{Name: name, Type: typ, Nullable: true}
}

func fk(col string, target catalog.EntityRef, targetCol string) catalog.ForeignKey {
	return catalog.ForeignKey{Name: "fk_" + col, Columns: []string{col}, Target: target, TargetColumns: []string{targetCol}}
}

type fixture struct {
	t      *testing.T
	dir    string
	stores []*catalog.Store
	m      *artifact.AnonymizedManifest
	v      *artifact.ValidationReport
}

func newFixture(t *testing.T) *fixture {
	scope := artifact.Scope{Key: "district_id", Value: "district-001"}
	return &fixture{
		t:   t,
		dir: t.TempDir(),
		m:   &artifact.AnonymizedManifest{RunID: "run-1", Scope: scope},
		v:   &artifact.ValidationReport{RunID: "run-1", Status: artifact.StatusPassed, Scope: scope},
	}
}

func (f *fixture) store(name string, kind catalog.StoreKind) *catalog.Store {
	for _, s := range f.stores {
		if s.Name == name {
			return s
		}
	}
	s := &catalog.Store{Name: name, Kind: kind}
	f.stores = append(f.stores, s)
	return s
}

// add registers a table and writes its rows to the dataset.
func (f *fixture) add(store, name string, pk []string, cols []catalog.Column, fks []catalog.ForeignKey, rows ...types.Row) catalog.EntityRef {
	f.t.Helper()
	e := &catalog.Entity{
		Ref:         catalog.EntityRef{Store: store, Name: name},
		Kind:        catalog.KindTable,
		Table:       name,
		Columns:     cols,
		PrimaryKey:  pk,
		ForeignKeys: fks,
	}
	s := f.store(store, catalog.Relational)
	s.Entities = append(s.Entities, e)
	f.write(e, rows)
	return e.Ref
}

func (f *fixture) write(e *catalog.Entity, rows []types.Row) {
	f.t.Helper()
	_, err := artifact.OpenDataset(f.dir).WriteRows(e.Ref, e.ColumnNames(), rows)
	require.NoError(f.t, err)
	n := int64(len(rows))
	f.m.Order = append(f.m.Order, e.Ref)
	f.m.Units = append(f.m.Units, artifact.ExtractionUnit{
		Entity: e.Ref, Columns: e.ColumnNames(), PrimaryKey: e.PrimaryKey,
		Rows: n, OriginalRows: n, Status: artifact.UnitOK,
	})
}

func (f *fixture) catalog() *catalog.Catalog {
	return &catalog.Catalog{Stores: f.stores}
}

func (f *fixture) loader(conn Connector, opts Options) *Loader {
	f.t.Helper()
	l, err := New(f.catalog(), conn, opts, logger.NewNop())
	require.NoError(f.t, err)
	return l
}

func (f *fixture) run(ctx context.Context, conn Connector, opts Options) (*artifact.LoadReport, error) {
	f.t.Helper()
	l := f.loader(conn, opts)
	plan, err := l.Plan(f.m, nil)
	require.NoError(f.t, err)
	return l.Load(ctx, f.v, f.m, f.dir, plan)
}

// schools carry the scope column; students reach it through school_id.
func schoolFixture(t *testing.T) *fixture {
	f := newFixture(t)
	schools := f.add("sis", "schools", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("district_id", types.TypeText), col("name", types.TypeText)},
		nil,
		types.Row{"id": "sch-1", "district_id": "district-001", "name": "North"},
		types.Row{"id": "sch-2", "district_id": "district-001", "name": "South"},
	)
	f.add("sis", "students", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("school_id", types.TypeText), col("grade_level", types.TypeInteger)},
		[]catalog.ForeignKey{fk("school_id", schools, "id")},
		types.Row{"id": "s1", "school_id": "sch-1", "grade_level": 3},
		types.Row{"id": "s2", "school_id": "sch-2", "grade_level": 4},
	)
	return f
}

// stubConnector hands out prepared targets and counts how often it was asked.
type stubConnector struct {
	dialect sqlutil.Dialect
	dbs     map[string]*sql.DB
	graphs  map[string]graphstore.Client
	calls   atomic.Int64
}

func (c *stubConnector) Relational(ctx context.Context, target string) (*sql.DB, sqlutil.Dialect, error) {
	c.calls.Add(1)
	db, ok := c.dbs[target]
	if !ok {
		return nil, "", fmt.Errorf("no target %q", target)
	}
	return db, c.dialect, nil
}

func (c *stubConnector) Graph(ctx context.Context, target string) (graphstore.Client, error) {
	c.calls.Add(1)
	g, ok := c.graphs[target]
	if !ok {
		return nil, fmt.Errorf("no graph target %q", target)
	}
	return g, nil
}
