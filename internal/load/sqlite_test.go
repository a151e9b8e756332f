package load

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

func sqliteTarget(t *testing.T) (*stubConnector, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE schools (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, name TEXT);
CREATE TABLE students (id TEXT PRIMARY KEY, school_id TEXT REFERENCES schools(id), grade_level INTEGER);`)
	require.NoError(t, err)
	return &stubConnector{dialect: sqlutil.SQLite, dbs: map[string]*sql.DB{"sis": db}}, db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)
	opts := Options{Strategy: config.StrategyUpsert, VerifyCounts: true}

	first, err := f.run(context.Background(), conn, opts)
	require.NoError(t, err)
	second, err := f.run(context.Background(), conn, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, countRows(t, db, "schools"))
	assert.Equal(t, 2, countRows(t, db, "students"))
	assert.Equal(t, []string{"sis"}, second.Committed)
	for i, er := range second.Stores[0].Entities {
		assert.Equal(t, first.Stores[0].Entities[i].Written, er.Written)
		assert.Equal(t, er.Expected, er.Verified)
	}

	var grade int
	require.NoError(t, db.QueryRow("SELECT grade_level FROM students WHERE id = 's2'").Scan(&grade))
	assert.Equal(t, 4, grade)
}

func TestSQLiteInsertTwiceRollsBack(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)

	_, err := f.run(context.Background(), conn, Options{})
	require.NoError(t, err)

	report, err := f.run(context.Background(), conn, Options{})
	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "sis.schools", te.Entity)
	assert.Equal(t, artifact.TxRolledBack, report.Stores[0].State)
	assert.Equal(t, 2, countRows(t, db, "schools"))
}

func TestSQLiteUpsertLeavesOtherScopeUntouched(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)
	_, err := db.Exec(`INSERT INTO schools (id, district_id, name) VALUES ('sch-1', 'district-002', 'Elsewhere')`)
	require.NoError(t, err)

	report, err := f.run(context.Background(), conn, Options{Strategy: config.StrategyUpsert})
	require.Error(t, err)
	assert.Equal(t, "sch-1", report.Stores[0].FailedRow)

	var district, name string
	require.NoError(t, db.QueryRow("SELECT district_id, name FROM schools WHERE id = 'sch-1'").Scan(&district, &name))
	assert.Equal(t, "district-002", district)
	assert.Equal(t, "Elsewhere", name)
	assert.Equal(t, 1, countRows(t, db, "schools"))
	assert.Zero(t, countRows(t, db, "students"))
}

func TestSQLiteMergeLeavesOtherScopeUntouched(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)
	_, err := db.Exec(`INSERT INTO schools (id, district_id, name) VALUES ('sch-1', 'district-002', 'Elsewhere')`)
	require.NoError(t, err)

	report, err := f.run(context.Background(), conn, Options{Strategy: config.StrategyMerge})
	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.ErrorContains(t, err, "outside the run scope")
	st := report.Stores[0]
	assert.Equal(t, artifact.TxRolledBack, st.State)
	assert.Equal(t, "sis.schools", st.FailedEntity)
	assert.Equal(t, "sch-1", st.FailedRow)

	var district, name string
	require.NoError(t, db.QueryRow("SELECT district_id, name FROM schools WHERE id = 'sch-1'").Scan(&district, &name))
	assert.Equal(t, "district-002", district)
	assert.Equal(t, "Elsewhere", name)
	assert.Equal(t, 1, countRows(t, db, "schools"))
	assert.Zero(t, countRows(t, db, "students"))
}

func TestSQLiteMergeUpdatesRowOfSameScope(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)
	_, err := db.Exec(`INSERT INTO schools (id, district_id, name) VALUES ('sch-1', 'district-001', 'Old name')`)
	require.NoError(t, err)

	report, err := f.run(context.Background(), conn, Options{Strategy: config.StrategyMerge})
	require.NoError(t, err)
	schools := report.Stores[0].Entities[0]
	assert.Equal(t, int64(1), schools.Updated)
	assert.Equal(t, int64(1), schools.Inserted)

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM schools WHERE id = 'sch-1'").Scan(&name))
	assert.Equal(t, "North", name)
}

func TestSQLiteColumnGuardComparesWrittenScopeValue(t *testing.T) {
	_, db := sqliteTarget(t)
	w := writerFor(t, schoolFixture(t), sqlutil.SQLite, "schools")

	st, err := w.Insert(types.Row{"id": "sch-9", "district_id": "district-002", "name": "Elsewhere"}, "district-001")
	require.NoError(t, err)
	assert.Equal(t, []any{"sch-9", "district-002", "Elsewhere", "district-002", "district-001"}, st.Args)
	res, err := db.Exec(st.SQL, st.Args...)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err = w.Insert(types.Row{"id": "sch-9", "district_id": "district-001", "name": "North"}, "district-001")
	require.NoError(t, err)
	_, err = db.Exec(st.SQL, st.Args...)
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "schools"))

	_, err = w.Insert(types.Row{"id": "sch-10", "name": "Nowhere"}, "district-001")
	assert.ErrorContains(t, err, "scope column district_id is null")
}

func TestSQLiteExistsGuardRejectsMissingParent(t *testing.T) {
	f := schoolFixture(t)
	conn, db := sqliteTarget(t)

	// Only students are loaded; their schools are not in the target.
	l := f.loader(conn, Options{})
	plan, err := l.Plan(f.m, nil)
	require.NoError(t, err)
	plan.Entries[0].Skip, plan.Entries[0].Reason = true, "loaded elsewhere"

	_, err = l.Load(context.Background(), f.v, f.m, f.dir, plan)
	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "s1", te.Row)
	assert.Zero(t, countRows(t, db, "students"))
}
