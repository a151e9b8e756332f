package extract

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

var scope = artifact.Scope{Key: "district_id", Value: "district-001"}

func openSQLite(t *testing.T, name string, stmts ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return db
}

func sisDB(t *testing.T) *sql.DB {
	return openSQLite(t, "sis",
		`CREATE TABLE schools (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, name TEXT)`,
		`CREATE TABLE students (id TEXT PRIMARY KEY, school_id TEXT REFERENCES schools(id), first_name TEXT)`,
		`CREATE TABLE enrollments (id TEXT PRIMARY KEY, student_id TEXT REFERENCES students(id), section_id TEXT)`,
		`CREATE TABLE grade_levels (id INTEGER PRIMARY KEY, label TEXT)`,
		`INSERT INTO schools VALUES ('sch-1', 'district-001', 'North'), ('sch-2', 'district-002', 'South')`,
		`INSERT INTO students VALUES ('st-1', 'sch-1', 'Ana'), ('st-2', 'sch-2', 'Ben'), ('st-3', 'sch-1', 'Cy')`,
		`INSERT INTO enrollments VALUES ('en-1', 'st-1', 'sec-1'), ('en-2', 'st-2', NULL),
			('en-3', 'st-3', 'sec-9'), ('en-4', 'st-9', 'sec-1')`,
		`INSERT INTO grade_levels VALUES (1, 'K'), (2, '1st')`,
	)
}

func lmsDB(t *testing.T) *sql.DB {
	return openSQLite(t, "lms",
		`CREATE TABLE sections (id TEXT PRIMARY KEY, school_id TEXT, title TEXT)`,
		`INSERT INTO sections VALUES ('sec-1', 'sch-1', 'Math'), ('sec-2', 'sch-2', 'Art'), ('sec-9', 'sch-1', 'Music')`,
	)
}

func buildCatalog(t *testing.T, ins []catalog.Introspector, links ...config.LinkConfig) (*catalog.Catalog, *graph.Graph, *graph.Order) {
	t.Helper()
	cat, err := catalog.Build(context.Background(), ins, catalog.Options{Links: links}, logger.NewNop())
	require.NoError(t, err)
	g, order, err := graph.BuildOrdered(cat)
	require.NoError(t, err)
	return cat, g, order
}

func unit(t *testing.T, m *artifact.ExtractionManifest, store, name string) *artifact.ExtractionUnit {
	t.Helper()
	u, ok := m.Unit(catalog.EntityRef{Store: store, Name: name})
	require.True(t, ok, "unit %s.%s", store, name)
	return u
}

func TestRunAcrossTwoRelationalStores(t *testing.T) {
	sis, lms := sisDB(t), lmsDB(t)
	cat, g, order := buildCatalog(t,
		[]catalog.Introspector{
			&catalog.SQLIntrospector{Name: "sis", DB: sis, Dialect: sqlutil.SQLite},
			&catalog.SQLIntrospector{Name: "lms", DB: lms, Dialect: sqlutil.SQLite},
		},
		config.LinkConfig{From: "lms.sections.school_id", To: "sis.schools.id"},
		config.LinkConfig{From: "sis.enrollments.section_id", To: "lms.sections.id"},
	)

	x := New(cat, g, []*Source{
		{Name: "sis", DB: sis, Dialect: sqlutil.SQLite, Workers: 2},
		{Name: "lms", DB: lms, Dialect: sqlutil.SQLite, Workers: 1, QueriesPerSecond: 100},
	}, Options{Scope: scope, BatchSize: 1}, logger.NewNop())

	out := t.TempDir()
	m, err := x.Run(context.Background(), "run-1", order.Extraction, out)
	require.NoError(t, err)
	assert.Empty(t, m.Failed())
	assert.False(t, m.Cancelled)

	schools := unit(t, m, "sis", "schools")
	assert.Equal(t, "direct", schools.Scope)
	assert.EqualValues(t, 1, schools.Rows)

	students := unit(t, m, "sis", "students")
	assert.Equal(t, "path sis.students -> sis.schools", students.Scope)
	assert.Contains(t, students.Query, "JOIN")
	assert.EqualValues(t, 2, students.Rows)

	sections := unit(t, m, "lms", "sections")
	assert.Contains(t, sections.Query, "IN (")
	assert.EqualValues(t, 2, sections.Rows)

	enrollments := unit(t, m, "sis", "enrollments")
	assert.EqualValues(t, 3, enrollments.Rows)
	assert.Contains(t, enrollments.Query, "more chunks")

	grades := unit(t, m, "sis", "grade_levels")
	assert.True(t, grades.Reference)
	assert.EqualValues(t, 2, grades.Rows)

	rows, err := artifact.OpenDataset(out).ReadRows(catalog.EntityRef{Store: "sis", Name: "students"})
	require.NoError(t, err)
	ids := types.NewKeySet(rows, []string{"id"})
	assert.Equal(t, []string{"st-1", "st-3"}, ids.Sorted())

	// en-4 references a student outside the extracted set.
	require.Len(t, m.Warnings, 1)
	w := m.Warnings[0]
	assert.Equal(t, "enrollments", w.Child.Name)
	assert.Equal(t, "students", w.Parent.Name)
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, []string{"en-4"}, w.Samples)

	onDisk, err := artifact.ReadExtractionManifest(out)
	require.NoError(t, err)
	assert.Len(t, onDisk.Units, len(order.Extraction))
	_, err = catalog.Read(filepath.Join(out, artifact.CatalogFile))
	require.NoError(t, err)
}

func TestRunRejectsChildBeforeParent(t *testing.T) {
	sis := sisDB(t)
	cat, g, _ := buildCatalog(t, []catalog.Introspector{
		&catalog.SQLIntrospector{Name: "sis", DB: sis, Dialect: sqlutil.SQLite},
	})
	x := New(cat, g, []*Source{{Name: "sis", DB: sis, Dialect: sqlutil.SQLite}}, Options{Scope: scope}, logger.NewNop())

	_, err := x.Run(context.Background(), "run-1", []catalog.EntityRef{
		{Store: "sis", Name: "students"},
		{Store: "sis", Name: "schools"},
	}, t.TempDir())
	var oe *graph.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "schools", oe.Parent.Name)
}

func TestEntityFailureDoesNotStopRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	e := func(name string, cols ...string) *catalog.Entity {
		ent := &catalog.Entity{
			Ref: catalog.EntityRef{Store: "sis", Name: name}, Kind: catalog.KindTable,
			Table: name, PrimaryKey: []string{"id"},
		}
		for _, c := range append([]string{"id"}, cols...) {
			ent.Columns = append(ent.Columns, catalog.Column{Name: c, Type: types.TypeText})
		}
		return ent
	}
	cat := &catalog.Catalog{Stores: []*catalog.Store{{
		Name: "sis", Kind: catalog.Relational, Dialect: sqlutil.Postgres,
		Entities: []*catalog.Entity{e("schools", "district_id"), e("staff", "district_id")},
	}}}
	g, order, err := graph.BuildOrdered(cat)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT "id", "district_id" FROM "schools" WHERE "district_id" = \$1`).
		WithArgs("district-001").
		WillReturnRows(sqlmock.NewRows([]string{"id", "district_id"}).AddRow("sch-1", "district-001"))
	mock.ExpectQuery(`FROM "staff"`).WillReturnError(errors.New("permission denied for table staff"))

	x := New(cat, g, []*Source{{Name: "sis", DB: db, Dialect: sqlutil.Postgres}}, Options{Scope: scope}, logger.NewNop())
	m, err := x.Run(context.Background(), "run-1", order.Extraction, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, artifact.UnitOK, unit(t, m, "sis", "schools").Status)
	staff := unit(t, m, "sis", "staff")
	assert.Equal(t, artifact.UnitFailed, staff.Status)
	assert.Contains(t, staff.Error, "permission denied")
	require.Len(t, m.Errors, 1)
	assert.Equal(t, "ExtractionError", m.Errors[0].Kind)
}

func TestCancelledRunIsPartial(t *testing.T) {
	sis := sisDB(t)
	cat, g, order := buildCatalog(t, []catalog.Introspector{
		&catalog.SQLIntrospector{Name: "sis", DB: sis, Dialect: sqlutil.SQLite},
	})
	x := New(cat, g, []*Source{{Name: "sis", DB: sis, Dialect: sqlutil.SQLite}}, Options{Scope: scope}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := x.Run(ctx, "run-1", order.Extraction, t.TempDir())
	require.NoError(t, err)
	assert.True(t, m.Cancelled)
	for _, u := range m.Units {
		assert.Equal(t, artifact.UnitSkipped, u.Status)
	}
}

func TestGraphTraversalSplitsEntities(t *testing.T) {
	client := &graphstore.MemoryClient{Graph: graphstore.Subgraph{
		Nodes: []graphstore.Node{
			{ID: "n1", Labels: []string{"District"}, Props: map[string]any{"id": "district-001"}},
			{ID: "n2", Labels: []string{"District"}, Props: map[string]any{"id": "district-002"}},
			{ID: "n3", Labels: []string{"School"}, Props: map[string]any{"id": "sch-1"}},
			{ID: "n4", Labels: []string{"School"}, Props: map[string]any{"id": "sch-2"}},
		},
		Relationships: []graphstore.Relationship{
			{ID: "r1", Type: "IN_DISTRICT", StartID: "n3", EndID: "n1"},
			{ID: "r2", Type: "IN_DISTRICT", StartID: "n4", EndID: "n2"},
		},
	}}
	cat, g, order := buildCatalog(t, []catalog.Introspector{
		&catalog.GraphIntrospector{Name: "kg", Client: client},
	})

	x := New(cat, g, []*Source{{Name: "kg", Graph: client, Workers: 2}},
		Options{Scope: scope, GraphRootLabel: "District", GraphRootProperty: "id", MaxDepth: 2}, logger.NewNop())
	out := t.TempDir()
	m, err := x.Run(context.Background(), "run-1", order.Extraction, out)
	require.NoError(t, err)
	assert.Empty(t, m.Failed())

	assert.EqualValues(t, 1, unit(t, m, "kg", "District").Rows)
	assert.EqualValues(t, 1, unit(t, m, "kg", "School").Rows)
	rel := unit(t, m, "kg", catalog.RelationshipEntityName("School", "IN_DISTRICT", "District"))
	assert.EqualValues(t, 1, rel.Rows)
	assert.Equal(t, "traversal", rel.Scope)

	rows, err := artifact.OpenDataset(out).ReadRows(rel.Entity)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "n3", rows[0][graphstore.KeyStartID])
	assert.Equal(t, "n1", rows[0][graphstore.KeyEndID])
	assert.Empty(t, m.Warnings)
}

func TestEstimate(t *testing.T) {
	sis := sisDB(t)
	cat, g, order := buildCatalog(t, []catalog.Introspector{
		&catalog.SQLIntrospector{Name: "sis", DB: sis, Dialect: sqlutil.SQLite},
	})
	x := New(cat, g, []*Source{{Name: "sis", DB: sis, Dialect: sqlutil.SQLite}}, Options{Scope: scope}, logger.NewNop())

	est := x.Estimate(context.Background(), order.Extraction)
	got := map[string]int64{}
	for _, e := range est {
		got[e.Entity.Name] = e.Rows
	}
	assert.Equal(t, int64(1), got["schools"])
	assert.Equal(t, int64(2), got["students"])
	assert.Equal(t, int64(2), got["grade_levels"])
	// en-4 joins no student, so only the two scoped enrollments count.
	assert.Equal(t, int64(2), got["enrollments"])
}
