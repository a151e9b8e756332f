package load

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// writerFor builds the writer of ref in f's catalog.
func writerFor(t *testing.T, f *fixture, d sqlutil.Dialect, name string) *writer {
	t.Helper()
	cat := f.catalog()
	ref, err := cat.Resolve(name)
	require.NoError(t, err)
	e, _ := cat.Entity(ref)
	g := graph.Build(cat)
	guard, err := guardFor(graph.ResolveScope(cat, g, ref, "district_id"), "district_id")
	require.NoError(t, err)
	return newWriter(d, e, &predicate{d: d, cat: cat, g: guard, scope: "district-001"})
}

var school = types.Row{"id": "sch-1", "district_id": "district-001", "name": "North"}

func TestInsertPerDialect(t *testing.T) {
	tests := []struct {
		dialect sqlutil.Dialect
		want    string
	}{
		{sqlutil.Postgres, `INSERT INTO "schools" ("id", "district_id", "name") SELECT $1, $2, $3 WHERE $4 = $5`},
		{sqlutil.MySQL, "INSERT INTO `schools` (`id`, `district_id`, `name`) SELECT ?, ?, ? FROM DUAL WHERE ? = ?"},
		{sqlutil.SQLServer, `INSERT INTO [schools] ([id], [district_id], [name]) SELECT @p1, @p2, @p3 WHERE @p4 = @p5`},
		{sqlutil.SQLite, `INSERT INTO "schools" ("id", "district_id", "name") SELECT ?, ?, ? WHERE ? = ?`},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			w := writerFor(t, schoolFixture(t), tt.dialect, "schools")
			st, err := w.Insert(school, "district-001")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.SQL)
			assert.Equal(t, []any{"sch-1", "district-001", "North", "district-001", "district-001"}, st.Args)
			assert.True(t, st.scoped("district-001"))
		})
	}
}

func TestUpsertPerDialect(t *testing.T) {
	tests := []struct {
		dialect sqlutil.Dialect
		want    string
	}{
		{sqlutil.Postgres, `INSERT INTO "schools" ("id", "district_id", "name") SELECT $1, $2, $3 WHERE $4 = $5 ` +
			`ON CONFLICT ("id") DO UPDATE SET "district_id" = excluded."district_id", "name" = excluded."name" ` +
			`WHERE "schools"."district_id" = $6`},
		{sqlutil.SQLite, `INSERT INTO "schools" ("id", "district_id", "name") SELECT ?, ?, ? WHERE ? = ? ` +
			`ON CONFLICT ("id") DO UPDATE SET "district_id" = excluded."district_id", "name" = excluded."name" ` +
			`WHERE "schools"."district_id" = ?`},
		{sqlutil.MySQL, "INSERT INTO `schools` (`id`, `district_id`, `name`) SELECT src.`id`, src.`district_id`, src.`name` " +
			"FROM (SELECT ? AS `id`, ? AS `district_id`, ? AS `name`) AS src WHERE ? = ? " +
			"ON DUPLICATE KEY UPDATE `name` = IF(`schools`.`district_id` = ?, src.`name`, `schools`.`name`), " +
			"`district_id` = IF(`schools`.`district_id` = ?, src.`district_id`, `schools`.`district_id`)"},
		{sqlutil.SQLServer, `MERGE INTO [schools] USING (SELECT @p1 AS [id], @p2 AS [district_id], @p3 AS [name] WHERE @p4 = @p5) AS src ` +
			`ON [schools].[id] = src.[id] WHEN MATCHED AND [schools].[district_id] = @p6 ` +
			`THEN UPDATE SET [district_id] = src.[district_id], [name] = src.[name] ` +
			`WHEN NOT MATCHED THEN INSERT ([id], [district_id], [name]) VALUES (src.[id], src.[district_id], src.[name]);`},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			w := writerFor(t, schoolFixture(t), tt.dialect, "schools")
			st, err := w.Upsert(school, "district-001")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.SQL)
			assert.True(t, st.scoped("district-001"))
		})
	}
}

func TestUpsertKeyOnlyTable(t *testing.T) {
	f := newFixture(t)
	f.add("sis", "districts", []string{"district_id"}, []catalog.Column{col("district_id", types.TypeText)}, nil)

	st, err := writerFor(t, f, sqlutil.Postgres, "districts").Upsert(types.Row{"district_id": "district-001"}, "district-001")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(st.SQL, `ON CONFLICT ("district_id") DO NOTHING`), st.SQL)

	st, err = writerFor(t, f, sqlutil.MySQL, "districts").Upsert(types.Row{"district_id": "district-001"}, "district-001")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.SQL, "INSERT IGNORE INTO `districts`"), st.SQL)
}

func TestUpsertWithoutPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.add("sis", "audit_log", nil, []catalog.Column{col("district_id", types.TypeText)}, nil)
	_, err := writerFor(t, f, sqlutil.Postgres, "audit_log").Upsert(types.Row{"district_id": "district-001"}, "district-001")
	assert.ErrorContains(t, err, "no primary key")
}

func TestExistsGuardJoinsParentChain(t *testing.T) {
	f := schoolFixture(t)
	students := f.m.Order[1]
	f.add("sis", "enrollments", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("student_id", types.TypeText)},
		[]catalog.ForeignKey{fk("student_id", students, "id")},
	)

	w := writerFor(t, f, sqlutil.Postgres, "enrollments")
	st, err := w.Insert(types.Row{"id": "e1", "student_id": "s1"}, "")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "enrollments" ("id", "student_id") SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM "students" s1 `+
		`JOIN "schools" s2 ON s1."school_id" = s2."id" WHERE s1."id" = $3 AND s2."district_id" = $4)`, st.SQL)
	assert.Equal(t, []any{"e1", "s1", "s1", "district-001"}, st.Args)
	assert.Equal(t, "exists sis.enrollments -> sis.students -> sis.schools.district_id", w.pred.g.Describe())

	_, err = w.Insert(types.Row{"id": "e2", "student_id": nil}, "")
	assert.ErrorContains(t, err, "scope path column student_id is null")
}

func TestUpdateGuardsStoredRow(t *testing.T) {
	w := writerFor(t, schoolFixture(t), sqlutil.Postgres, "students")
	st, ok, err := w.Update(types.Row{"id": "s1", "school_id": "sch-1", "grade_level": json.Number("3")}, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `UPDATE "students" SET "school_id" = $1, "grade_level" = $2 WHERE "students"."id" = $3 AND `+
		`EXISTS (SELECT 1 FROM "schools" s1 WHERE s1."id" = "students"."school_id" AND s1."district_id" = $4)`, st.SQL)
	assert.Equal(t, []any{"sch-1", int64(3), "s1", "district-001"}, st.Args)
	assert.True(t, st.scoped("district-001"))
}

func TestLookupGuardBindsAnchor(t *testing.T) {
	f := schoolFixture(t)
	students := f.m.Order[1]
	f.add("lms", "submissions", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("student_id", types.TypeText)},
		[]catalog.ForeignKey{fk("student_id", students, "id")},
	)

	w := writerFor(t, f, sqlutil.Postgres, "submissions")
	assert.Equal(t, GuardLookup, w.pred.g.Kind)
	st, err := w.Insert(types.Row{"id": "sub-1", "student_id": "s1"}, "district-001")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "submissions" ("id", "student_id") SELECT $1, $2 WHERE $3 = $4`, st.SQL)
	assert.Equal(t, []any{"sub-1", "s1", "district-001", "district-001"}, st.Args)
}

func TestAnchorsResolveAcrossStores(t *testing.T) {
	f := schoolFixture(t)
	students := f.m.Order[1]
	f.add("lms", "submissions", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("student_id", types.TypeText)},
		[]catalog.ForeignKey{fk("student_id", students, "id")},
	)
	cat := f.catalog()
	ref, _ := cat.Resolve("submissions")
	res := graph.ResolveScope(cat, graph.Build(cat), ref, "district_id")
	a := newAnchors(artifact.OpenDataset(f.dir), "district_id")

	v, ok, err := a.resolve(types.Row{"student_id": "s2"}, res.Path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "district-001", v)

	_, ok, err = a.resolve(types.Row{"student_id": "s404"}, res.Path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopedRefusesUnguardedStatements(t *testing.T) {
	tests := []struct {
		name string
		st   Statement
	}{
		{"no guard", Statement{SQL: `INSERT INTO "t" ("a") VALUES ($1)`, Args: []any{"district-001"}}},
		{"guard not in sql", Statement{SQL: `INSERT INTO "t" ("a") SELECT $1 WHERE 1 = 1`, Args: []any{"district-001"}, Guard: "$1 = $2"}},
		{"other scope", Statement{SQL: `INSERT INTO "t" ("a") SELECT $1 WHERE $1 = $2`, Args: []any{"x", "district-002"}, Guard: "$1 = $2"}},
		{"no where", Statement{SQL: `DELETE FROM "t"`, Args: []any{"district-001"}, Guard: `DELETE`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.st.scoped("district-001"))
		})
	}
}

func TestCountQueriesChunkKeys(t *testing.T) {
	f := schoolFixture(t)
	w := writerFor(t, f, sqlutil.MySQL, "schools")
	qs, err := CountQueries(sqlutil.MySQL, w.e, w.pred, []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "SELECT COUNT(*) FROM `schools` WHERE `schools`.`id` IN (?, ?) AND `schools`.`district_id` = ?", qs[0].SQL)
	assert.Equal(t, []any{"a", "b", "district-001"}, qs[0].Args)
	assert.Equal(t, []any{"c", "district-001"}, qs[1].Args)
}

func TestCountQueriesWithoutPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.add("sis", "audit_log", nil, []catalog.Column{col("district_id", types.TypeText)}, nil)
	w := writerFor(t, f, sqlutil.Postgres, "audit_log")
	qs, err := CountQueries(sqlutil.Postgres, w.e, w.pred, nil, 100)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, `SELECT COUNT(*) FROM "audit_log" WHERE "audit_log"."district_id" = $1`, qs[0].SQL)
}

func TestExistingKeysCompositeKey(t *testing.T) {
	e := &catalog.Entity{
		Ref: catalog.EntityRef{Store: "sis", Name: "scores"}, Table: "scores",
		Columns:    []catalog.Column{col("student_id", types.TypeText), col("term", types.TypeInteger)},
		PrimaryKey: []string{"student_id", "term"},
	}
	k, ok := types.TupleKey(types.Row{"student_id": "s1", "term": 2}, e.PrimaryKey)
	require.True(t, ok)
	qs := ExistingKeys(sqlutil.Postgres, e, []string{k}, 10)
	require.Len(t, qs, 1)
	assert.Equal(t, `SELECT "student_id", "term" FROM "scores" WHERE (("scores"."student_id" = $1 AND "scores"."term" = $2))`, qs[0].SQL)
	assert.Equal(t, []any{"s1", int64(2)}, qs[0].Args)
}

func TestBindValue(t *testing.T) {
	ts := time.Date(2024, 9, 1, 8, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		typ  types.SemanticType
		in   any
		want any
	}{
		{"integer number", types.TypeInteger, json.Number("42"), int64(42)},
		{"integer text", types.TypeInteger, "7", int64(7)},
		{"decimal keeps precision", types.TypeDecimal, json.Number("12.50"), "12.50"},
		{"boolean number", types.TypeBoolean, json.Number("1"), true},
		{"boolean text", types.TypeBoolean, "false", false},
		{"timestamp", types.TypeTimestamp, "2024-09-01T08:30:00Z", ts},
		{"binary", types.TypeBinary, "abc", []byte("abc")},
		{"json object", types.TypeText, map[string]any{"a": json.Number("1")}, `{"a":1}`},
		{"untyped float", types.TypeUnknown, json.Number("1.5"), 1.5},
		{"null", types.TypeText, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bindValue(&catalog.Column{Name: "c", Type: tt.typ}, tt.in)
			if want, ok := tt.want.(time.Time); ok {
				require.IsType(t, time.Time{}, got)
				assert.True(t, want.Equal(got.(time.Time)))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
