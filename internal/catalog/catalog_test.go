package catalog

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

	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

func TestPostgresIntrospection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.tables").WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name"}).
			AddRow("public", "schools").AddRow("public", "students"))
	mock.ExpectQuery("FROM information_schema.columns").WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable", "column_default"}).
			AddRow("schools", "id", "text", "NO", nil).
			AddRow("schools", "district_id", "text", "NO", nil).
			AddRow("students", "id", "uuid", "NO", "gen_random_uuid()").
			AddRow("students", "school_id", "text", "YES", nil).
			AddRow("students", "email", "character varying", "YES", nil))
	mock.ExpectQuery("PRIMARY KEY").WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("schools", "id").AddRow("students", "id"))
	mock.ExpectQuery("referential_constraints").WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"t", "c", "col", "rs", "rt", "rc"}).
			AddRow("students", "students_school_fk", "school_id", "public", "schools", "id"))
	mock.ExpectQuery("FROM pg_index").WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"t", "i", "u", "c"}).
			AddRow("students", "students_email_key", true, "email"))

	in := &SQLIntrospector{Name: "ids", DB: db, Dialect: sqlutil.Postgres}
	store, err := in.Introspect(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, store.Entities, 2)
	students := store.Entities[1]
	assert.Equal(t, EntityRef{Store: "ids", Name: "students"}, students.Ref)
	assert.Equal(t, []string{"id"}, students.PrimaryKey)

	id, ok := students.Column("id")
	require.True(t, ok)
	assert.Equal(t, types.TypeUUID, id.Type)
	require.NotNil(t, id.Default)
	assert.Equal(t, "gen_random_uuid()", *id.Default)

	email, _ := students.Column("email")
	assert.True(t, email.Nullable)
	assert.Equal(t, types.TypeText, email.Type)

	require.Len(t, students.ForeignKeys, 1)
	fk := students.ForeignKeys[0]
	assert.Equal(t, EntityRef{Store: "ids", Name: "schools"}, fk.Target)
	assert.Equal(t, []string{"school_id"}, fk.Columns)
	assert.True(t, fk.Declared)

	require.Len(t, students.Indexes, 1)
	assert.True(t, students.Indexes[0].Unique)
}

func TestIntrospectionQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM INFORMATION_SCHEMA.TABLES").WithArgs("dbo").WillReturnError(sql.ErrConnDone)

	in := &SQLIntrospector{Name: "adb", DB: db, Dialect: sqlutil.SQLServer}
	_, err = in.Introspect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func newSQLiteStore(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
CREATE TABLE districts (id TEXT PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE schools (id TEXT PRIMARY KEY, district_id TEXT NOT NULL REFERENCES districts(id), name TEXT);
CREATE TABLE enrollments (
  student_id TEXT NOT NULL,
  school_id TEXT NOT NULL REFERENCES schools,
  year INTEGER NOT NULL DEFAULT 2024,
  PRIMARY KEY (student_id, year)
);
CREATE UNIQUE INDEX schools_name_uq ON schools(district_id, name);
`)
	require.NoError(t, err)
	return db
}

func TestSQLiteIntrospection(t *testing.T) {
	db := newSQLiteStore(t)

	in := &SQLIntrospector{Name: "local", DB: db, Dialect: sqlutil.SQLite}
	store, err := in.Introspect(context.Background())
	require.NoError(t, err)

	names := []string{}
	for _, e := range store.Entities {
		names = append(names, e.Ref.Name)
	}
	assert.Equal(t, []string{"districts", "enrollments", "schools"}, names)

	enr := store.Entities[1]
	assert.Equal(t, []string{"student_id", "year"}, enr.PrimaryKey)
	year, _ := enr.Column("year")
	assert.Equal(t, types.TypeInteger, year.Type)
	require.NotNil(t, year.Default)

	require.Len(t, enr.ForeignKeys, 1)
	assert.Equal(t, []string{"id"}, enr.ForeignKeys[0].TargetColumns, "implicit parent key resolves to the primary key")

	schools := store.Entities[2]
	require.Len(t, schools.Indexes, 1)
	assert.Equal(t, Index{Name: "schools_name_uq", Columns: []string{"district_id", "name"}, Unique: true}, schools.Indexes[0])
}

type failingIntrospector struct{ name string }

func (f failingIntrospector) StoreName() string { return f.name }
func (f failingIntrospector) Introspect(context.Context) (*Store, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestBuildPartialCatalog(t *testing.T) {
	db := newSQLiteStore(t)
	graph := &graphstore.MemoryClient{Graph: graphstore.Subgraph{
		Nodes: []graphstore.Node{
			{ID: "n1", Labels: []string{"District"}, Props: map[string]any{"id": "district-001"}},
			{ID: "n2", Labels: []string{"Program"}, Props: map[string]any{"code": "P"}},
			{ID: "n3", Labels: []string{"Tag"}, Props: map[string]any{"v": "x"}},
		},
		Relationships: []graphstore.Relationship{
			{ID: "r1", Type: "RUNS", StartID: "n1", EndID: "n2"},
		},
	}}

	cat, err := Build(context.Background(), []Introspector{
		&SQLIntrospector{Name: "ids", DB: db, Dialect: sqlutil.SQLite},
		&GraphIntrospector{Name: "sp", Client: graph},
		failingIntrospector{name: "hcp2"},
	}, Options{
		Links: []config.LinkConfig{
			{From: "ids.schools.name", To: "hcp2.directory.name"},
			{From: "sp.Program.code", To: "ids.schools.id"},
		},
	}, logger.NewNop())

	var catErr *CatalogError
	require.ErrorAs(t, err, &catErr)
	require.NotNil(t, cat, "reachable stores still form a catalog")
	assert.Equal(t, "hcp2", catErr.Missing[0].Name)
	assert.True(t, cat.IsMissing("hcp2"))
	assert.Len(t, cat.Stores, 2)

	// The link into the unreachable store is dropped and recorded.
	require.Len(t, cat.Dropped, 1)
	assert.Contains(t, cat.Dropped[0], "target store unreachable")

	district, ok := cat.Entity(EntityRef{Store: "sp", Name: "District"})
	require.True(t, ok)
	require.Len(t, district.ForeignKeys, 1)
	assert.Equal(t, EntityRef{Store: "ids", Name: "districts"}, district.ForeignKeys[0].Target)
	assert.False(t, district.ForeignKeys[0].Declared)
	assert.False(t, district.Unanchored)

	program, _ := cat.Entity(EntityRef{Store: "sp", Name: "Program"})
	assert.False(t, program.Unanchored)
	runs, _ := cat.Entity(EntityRef{Store: "sp", Name: "District:RUNS:Program"})
	assert.False(t, runs.Unanchored)
	tag, _ := cat.Entity(EntityRef{Store: "sp", Name: "Tag"})
	assert.True(t, tag.Unanchored)

	// Resolve accepts bare names when unambiguous.
	ref, err := cat.Resolve("schools")
	require.NoError(t, err)
	assert.Equal(t, "ids.schools", ref.String())
	_, err = cat.Resolve("nope")
	assert.Error(t, err)

	// Round trip through the schema artifact.
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, cat.Write(path))
	back, err := Read(path)
	require.NoError(t, err)
	e, ok := back.Entity(EntityRef{Store: "ids", Name: "enrollments"})
	require.True(t, ok)
	assert.Equal(t, []string{"student_id", "year"}, e.PrimaryKey)
	assert.Equal(t, cat.Dropped, back.Dropped)
}

func TestExclude(t *testing.T) {
	db := newSQLiteStore(t)
	cat, err := Build(context.Background(), []Introspector{
		&SQLIntrospector{Name: "ids", DB: db, Dialect: sqlutil.SQLite},
	}, Options{Exclude: []string{"ids.districts"}}, logger.NewNop())
	require.NoError(t, err)

	_, ok := cat.Entity(EntityRef{Store: "ids", Name: "districts"})
	assert.False(t, ok)
	schools, _ := cat.Entity(EntityRef{Store: "ids", Name: "schools"})
	assert.Empty(t, schools.ForeignKeys, "edges into excluded entities are dropped")
	assert.Len(t, cat.Dropped, 1)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("hcp1.public.students")
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Store: "hcp1", Name: "public.students"}, ref)
	assert.False(t, ref.IsZero())
	assert.True(t, EntityRef{}.IsZero())

	for _, bad := range []string{"", "students", ".x", "x."} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestLabelMatchesTable(t *testing.T) {
	assert.True(t, labelMatchesTable("District", "districts"))
	assert.True(t, labelMatchesTable("Class", "classes"))
	assert.True(t, labelMatchesTable("Category", "categories"))
	assert.True(t, labelMatchesTable("school", "school"))
	assert.False(t, labelMatchesTable("School", "students"))
}
