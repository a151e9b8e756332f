package load

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

const (
	insertSchool  = `INSERT INTO "schools" ("id", "district_id", "name") SELECT $1, $2, $3 WHERE $4 = $5`
	insertStudent = `INSERT INTO "students" ("id", "school_id", "grade_level") SELECT $1, $2, $3 ` +
		`WHERE EXISTS (SELECT 1 FROM "schools" s1 WHERE s1."id" = $4 AND s1."district_id" = $5)`
)

func mockTarget(t *testing.T) (*stubConnector, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &stubConnector{dialect: sqlutil.Postgres, dbs: map[string]*sql.DB{"sis": db}}, mock
}

func expectSchoolInserts(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(insertSchool)).
		WithArgs("sch-1", "district-001", "North", "district-001", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSchool)).
		WithArgs("sch-2", "district-001", "South", "district-001", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// ============================================================================
// Precondition Tests
// ============================================================================

func TestCheckPrecondition(t *testing.T) {
	m := &artifact.AnonymizedManifest{RunID: "run-1"}

	tests := []struct {
		name    string
		v       *artifact.ValidationReport
		wantErr bool
	}{
		{"passed", &artifact.ValidationReport{RunID: "run-1", Status: artifact.StatusPassed}, false},
		{"passed with warnings", &artifact.ValidationReport{RunID: "run-1", Status: artifact.StatusPassedWithWarnings}, false},
		{"failed", &artifact.ValidationReport{RunID: "run-1", Status: artifact.StatusFailed}, true},
		{"missing report", nil, true},
		{"unknown status", &artifact.ValidationReport{RunID: "run-1", Status: "MAYBE"}, true},
		{"other run", &artifact.ValidationReport{RunID: "run-2", Status: artifact.StatusPassed}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPrecondition(tt.v, m)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, err.Error(), "load refused")
		})
	}
}

func TestLoadRefusesFailedValidationWithoutConnecting(t *testing.T) {
	f := schoolFixture(t)
	f.v.Status = artifact.StatusFailed
	conn := &stubConnector{dialect: sqlutil.Postgres}

	report, err := f.run(context.Background(), conn, Options{})

	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, artifact.StatusFailed, pe.Status)
	assert.Nil(t, report)
	assert.Zero(t, conn.calls.Load())
}

// ============================================================================
// Plan Tests
// ============================================================================

func TestPlanGuardsAndSkipReasons(t *testing.T) {
	f := schoolFixture(t)
	levels := f.add("sis", "grade_levels", []string{"code"},
		[]catalog.Column{col("code", types.TypeText)}, nil,
		types.Row{"code": "K"},
	)
	u, _ := f.m.Unit(levels)
	u.Reference = true
	logs := f.add("sis", "audit_log", nil,
		[]catalog.Column{col("district_id", types.TypeText), col("message", types.TypeText)}, nil,
		types.Row{"district_id": "district-001", "message": "hello"},
	)
	broken := f.add("sis", "attendance", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("district_id", types.TypeText)}, nil,
	)
	u, _ = f.m.Unit(broken)
	u.Status = artifact.UnitFailed

	l := f.loader(&stubConnector{}, Options{Strategy: config.StrategyUpsert})
	plan, err := l.Plan(f.m, nil)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 5)

	byName := map[string]artifact.LoadPlanEntry{}
	for _, e := range plan.Entries {
		byName[e.Entity.Name] = e
	}
	assert.Equal(t, "column district_id", byName["schools"].Guard)
	assert.Equal(t, "exists sis.students -> sis.schools.district_id", byName["students"].Guard)
	assert.Equal(t, config.StrategyUpsert, byName["students"].Strategy)

	assert.True(t, byName["grade_levels"].Skip)
	assert.Equal(t, "reference data carries no scope predicate", byName["grade_levels"].Reason)
	assert.True(t, byName["attendance"].Skip)
	assert.Equal(t, "extraction failed", byName["attendance"].Reason)

	assert.False(t, byName["audit_log"].Skip)
	assert.Equal(t, config.StrategyInsert, byName["audit_log"].Strategy)
	assert.Equal(t, "no primary key, upsert falls back to insert", byName["audit_log"].Reason)
	assert.Equal(t, logs, byName["audit_log"].Entity)
}

func TestPlanOverrides(t *testing.T) {
	f := schoolFixture(t)
	l := f.loader(&stubConnector{}, Options{
		Strategy:  config.StrategyInsert,
		Overrides: map[string]string{"sis.schools": config.StrategyMerge, "students": config.StrategyUpsert},
	})
	plan, err := l.Plan(f.m, nil)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyMerge, plan.Entries[0].Strategy)
	assert.Equal(t, config.StrategyUpsert, plan.Entries[1].Strategy)
}

func TestPlanRejectsChildBeforeParent(t *testing.T) {
	f := schoolFixture(t)
	l := f.loader(&stubConnector{}, Options{})
	_, err := l.Plan(f.m, []catalog.EntityRef{f.m.Order[1], f.m.Order[0]})
	assert.Error(t, err)
}

func TestPlanRejectsUnknownStrategy(t *testing.T) {
	f := schoolFixture(t)
	l := f.loader(&stubConnector{}, Options{Overrides: map[string]string{"students": "replace"}})
	_, err := l.Plan(f.m, nil)
	assert.ErrorContains(t, err, `unknown load strategy "replace"`)
}

// ============================================================================
// Transaction Tests
// ============================================================================

func TestLoadInsertCommits(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectBegin()
	expectSchoolInserts(mock)
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).
		WithArgs("s1", "sch-1", int64(3), "sch-1", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).
		WithArgs("s2", "sch-2", int64(4), "sch-2", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := f.run(context.Background(), conn, Options{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{"sis"}, report.Committed)
	assert.Empty(t, report.RolledBack)
	require.Len(t, report.Stores, 1)
	res := report.Stores[0]
	assert.Equal(t, artifact.TxCommitted, res.State)
	require.Len(t, res.Entities, 2)
	assert.Equal(t, "schools", res.Entities[0].Entity.Name)
	assert.Equal(t, int64(2), res.Entities[0].Inserted)
	assert.Equal(t, int64(2), res.Entities[1].Written)
}

func TestLoadRollsBackRowOutsideScope(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectBegin()
	expectSchoolInserts(mock)
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).
		WithArgs("s1", "sch-1", int64(3), "sch-1", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).
		WithArgs("s2", "sch-2", int64(4), "sch-2", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	report, err := f.run(context.Background(), conn, Options{})

	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "sis", te.Store)
	assert.Equal(t, "sis.students", te.Entity)
	assert.Equal(t, "s2", te.Row)
	require.NoError(t, mock.ExpectationsWereMet())

	require.NotNil(t, report)
	assert.Equal(t, []string{"sis"}, report.RolledBack)
	assert.Empty(t, report.Committed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "LoadTransactionError", report.Errors[0].Kind)
	res := report.Stores[0]
	assert.Equal(t, artifact.TxRolledBack, res.State)
	assert.Equal(t, "s2", res.FailedRow)
	assert.Contains(t, res.Error, "outside the run scope")
}

func TestLoadRefusesRowOfAnotherScope(t *testing.T) {
	f := newFixture(t)
	f.add("sis", "schools", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("district_id", types.TypeText)}, nil,
		types.Row{"id": "sch-9", "district_id": "district-002"},
	)
	conn, mock := mockTarget(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := f.run(context.Background(), conn, Options{})

	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "sch-9", te.Row)
	assert.Contains(t, err.Error(), `run scope is "district-001"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadVerifyCountMismatchRollsBack(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectBegin()
	expectSchoolInserts(mock)
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "schools" WHERE "schools"."id" IN ($1, $2) AND "schools"."district_id" = $3`)).
		WithArgs("sch-1", "sch-2", "district-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	report, err := f.run(context.Background(), conn, Options{VerifyCounts: true})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "count mismatch for sis.schools: expected=2, target=1")
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), report.Stores[0].Entities[0].Verified)
}

func TestLoadVerifyCountsCommit(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectBegin()
	expectSchoolInserts(mock)
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "schools"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "students" WHERE "students"."id" IN ($1, $2) AND EXISTS (`)).
		WithArgs("s1", "s2", "district-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	report, err := f.run(context.Background(), conn, Options{VerifyCounts: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	for _, er := range report.Stores[0].Entities {
		assert.Equal(t, er.Expected, er.Verified, er.Entity.String())
	}
}

func TestLoadMergeUpdatesExistingRows(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "schools" WHERE "schools"."id" IN ($1, $2)`)).
		WithArgs("sch-1", "sch-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sch-1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "schools" SET "district_id" = $1, "name" = $2 WHERE "schools"."id" = $3 AND "schools"."district_id" = $4`)).
		WithArgs("district-001", "North", "sch-1", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSchool)).
		WithArgs("sch-2", "district-001", "South", "district-001", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := f.run(context.Background(), conn, Options{
		Strategy:  config.StrategyMerge,
		Overrides: map[string]string{"students": config.StrategyInsert},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	schools := report.Stores[0].Entities[0]
	assert.Equal(t, config.StrategyMerge, schools.Strategy)
	assert.Equal(t, int64(1), schools.Updated)
	assert.Equal(t, int64(1), schools.Inserted)
}

func TestLoadMergeOnMySQLCountsUnchangedRows(t *testing.T) {
	tests := []struct {
		name    string
		stored  int64
		wantErr bool
	}{
		{"unchanged row in scope", 1, false},
		{"row of another scope", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := schoolFixture(t)
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			conn := &stubConnector{dialect: sqlutil.MySQL, dbs: map[string]*sql.DB{"sis": db}}

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("SELECT `id` FROM `schools` WHERE `schools`.`id` IN (?, ?)")).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sch-1"))
			mock.ExpectExec(regexp.QuoteMeta("UPDATE `schools` SET `district_id` = ?, `name` = ? WHERE `schools`.`id` = ? AND `schools`.`district_id` = ?")).
				WithArgs("district-001", "North", "sch-1", "district-001").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `schools` WHERE `schools`.`id` IN (?) AND `schools`.`district_id` = ?")).
				WithArgs("sch-1", "district-001").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.stored))
			if tt.wantErr {
				mock.ExpectRollback()
			} else {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `schools`")).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `students`")).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `students`")).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			}

			report, err := f.run(context.Background(), conn, Options{
				Strategy:  config.StrategyMerge,
				Overrides: map[string]string{"students": config.StrategyInsert},
			})
			require.NoError(t, mock.ExpectationsWereMet())
			if tt.wantErr {
				assert.ErrorContains(t, err, "outside the run scope")
				assert.Equal(t, "sch-1", report.Stores[0].FailedRow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(1), report.Stores[0].Entities[0].Updated)
		})
	}
}

func TestLoadUpsertSplitsInsertedAndUpdated(t *testing.T) {
	f := newFixture(t)
	f.add("sis", "schools", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("district_id", types.TypeText), col("name", types.TypeText)}, nil,
		types.Row{"id": "sch-1", "district_id": "district-001", "name": "North"},
		types.Row{"id": "sch-2", "district_id": "district-001", "name": "South"},
	)
	conn, mock := mockTarget(t)

	upsert := insertSchool + ` ON CONFLICT ("id") DO UPDATE SET "district_id" = excluded."district_id", "name" = excluded."name" ` +
		`WHERE "schools"."district_id" = $6`
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(upsert)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsert)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	report, err := f.run(context.Background(), conn, Options{Strategy: config.StrategyUpsert})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	er := report.Stores[0].Entities[0]
	assert.Equal(t, int64(1), er.Inserted)
	assert.Equal(t, int64(1), er.Updated)
}

func TestLoadWithAdvisoryLock(t *testing.T) {
	f := schoolFixture(t)
	conn, mock := mockTarget(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectBegin()
	expectSchoolInserts(mock)
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertStudent)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))

	_, err := f.run(context.Background(), conn, Options{AdvisoryLock: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStoreFailureIsIsolated(t *testing.T) {
	f := schoolFixture(t)
	f.add("lms", "courses", []string{"id"},
		[]catalog.Column{col("id", types.TypeText), col("district_id", types.TypeText)}, nil,
		types.Row{"id": "c1", "district_id": "district-001"},
	)
	conn, mock := mockTarget(t)
	lmsDB, lmsMock, err := sqlmock.New()
	require.NoError(t, err)
	defer lmsDB.Close()
	conn.dbs["lms"] = lmsDB

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSchool)).WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	lmsMock.ExpectBegin()
	lmsMock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "courses" ("id", "district_id") SELECT $1, $2 WHERE $3 = $4`)).
		WithArgs("c1", "district-001", "district-001", "district-001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	lmsMock.ExpectCommit()

	report, err := f.run(context.Background(), conn, Options{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, lmsMock.ExpectationsWereMet())

	assert.Equal(t, []string{"lms"}, report.Committed)
	assert.Equal(t, []string{"sis"}, report.RolledBack)
	assert.Equal(t, "sch-1", report.Stores[0].FailedRow)
}

func TestLoadSkippedStore(t *testing.T) {
	f := schoolFixture(t)
	for i := range f.m.Units {
		f.m.Units[i].Status = artifact.UnitSkipped
	}
	conn := &stubConnector{dialect: sqlutil.Postgres}

	report, err := f.run(context.Background(), conn, Options{})
	require.NoError(t, err)
	assert.Zero(t, conn.calls.Load())
	assert.Equal(t, artifact.TxSkipped, report.Stores[0].State)
	assert.Len(t, report.Skipped, 2)
	for _, er := range report.Stores[0].Entities {
		assert.True(t, er.Skipped)
	}
}

func TestLoadCancelledContextRollsBack(t *testing.T) {
	f := schoolFixture(t)
	conn, _ := mockTarget(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.run(ctx, conn, Options{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{"sis"}, report.RolledBack)
}
