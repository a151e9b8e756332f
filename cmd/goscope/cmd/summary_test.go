package cmd

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graph"
)

func ref(name string) catalog.EntityRef {
	return catalog.EntityRef{Store: "sis", Name: name}
}

func TestPrintPlan(t *testing.T) {
	plan := &graph.Plan{
		ScopeKey:           "district_id",
		TotalEntities:      3,
		TotalRelationships: 2,
		MaxDepth:           2,
		ExtractionOrder: []graph.PlanEntity{
			{Position: 1, Entity: ref("schools"), Scope: graph.ScopeDirect},
			{Position: 2, Entity: ref("students"), Scope: graph.ScopeDirect},
			{Position: 3, Entity: ref("guardians"), Scope: graph.ScopePath, Via: "guardians.student_id -> students"},
		},
		RollbackOrder: []catalog.EntityRef{ref("guardians"), ref("students"), ref("schools")},
		StoreOrder: map[string][]catalog.EntityRef{
			"sis": {ref("schools"), ref("students"), ref("guardians")},
		},
		Cycles: []graph.Cycle{{
			Members:       []string{"sis.students", "sis.guardians"},
			BreakChild:    "sis.students",
			BreakParent:   "sis.guardians",
			BreakColumns:  []string{"primary_guardian_id"},
			Justification: "nullable column",
		}},
		Edges: []graph.PlanEdge{
			{Child: ref("students"), Parent: ref("schools"), Columns: []string{"school_id"}, Declared: true},
			{Child: ref("guardians"), Parent: ref("students"), Columns: []string{"student_id"}, Declared: true},
		},
		MissingStores: []catalog.MissingStore{{Name: "lms", Reason: "connection refused"}},
	}
	estimates := []extract.Estimate{
		{Entity: ref("schools"), Rows: 4},
		{Entity: ref("students"), Rows: 1200},
	}

	out := captureOutput(t, func() { printPlan(plan, estimates) })

	assert.Contains(t, out, "Execution Plan: district_id")
	assert.Contains(t, out, "[1] sis.schools (direct) ~4 rows")
	assert.Contains(t, out, "[3] sis.guardians (path) via guardians.student_id -> students")
	assert.Contains(t, out, "Estimated Rows: 1204")
	assert.Contains(t, out, "Stores:         sis")
	assert.Contains(t, out, "[1] sis.guardians")
	assert.Contains(t, out, "break sis.students(primary_guardian_id) → sis.guardians: nullable column")
	assert.Contains(t, out, "sis.students → sis.schools FK: school_id (declared)")
	assert.Contains(t, out, "lms: connection refused")

	// rollback order lists children first
	assert.Less(t, strings.Index(out, "[1] sis.guardians"), strings.Index(out, "[3] sis.schools"))
}

func TestPrintExtraction(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := &artifact.ExtractionManifest{
		RunID:      "4b1c9e3a-0d2f-4a55-9a43-6c1f0e7d2b10",
		Scope:      artifact.Scope{Key: "district_id", Value: "district-001"},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Units: []artifact.ExtractionUnit{
			{Entity: ref("schools"), Scope: "direct", Rows: 2, Bytes: 2048, Status: artifact.UnitOK},
			{Entity: ref("grade_levels"), Reference: true, Rows: 13, Bytes: 512, Status: artifact.UnitOK},
			{Entity: ref("students"), Scope: "direct", Status: artifact.UnitFailed},
		},
		Warnings: []artifact.OrphanWarning{{
			Child: ref("enrollments"), Parent: ref("schools"),
			Columns: []string{"school_id"}, Count: 1, Samples: []string{"e3"},
		}},
		Errors: []artifact.RunError{{Phase: "extract", Entity: "sis.students", Message: "read failed"}},
	}

	out := captureOutput(t, func() { printExtraction(m) })

	assert.Contains(t, out, "Extraction: district_id=district-001")
	assert.Contains(t, out, "Duration: 1.5s")
	assert.Contains(t, out, "sis.grade_levels reference")
	assert.Contains(t, out, "Total: 15 rows, 2.5 KiB")
	assert.Contains(t, out, "sis.enrollments(school_id) -> sis.schools: 1 rows, e.g. e3")
	assert.Contains(t, out, "sis.students: read failed")
	assert.NotContains(t, out, "Cancelled")
}

func TestPrintValidation(t *testing.T) {
	r := &artifact.ValidationReport{
		Scope: artifact.Scope{Key: "district_id", Value: "district-001"},
		Checks: []artifact.CheckSummary{
			{Name: artifact.CheckReferentialIntegrity},
			{Name: artifact.CheckCrossStore, Skipped: "single store"},
		},
		Findings: []artifact.Finding{{
			Check: artifact.CheckReferentialIntegrity, Severity: artifact.SeverityError,
			Entity: "sis.enrollments", Column: "school_id", Rule: "enrollments→schools",
			Count: 1, Samples: []string{"e3"}, Message: "1 rows reference a missing parent",
		}},
	}
	r.Finalize()

	out := captureOutput(t, func() { printValidation(r) })

	assert.Contains(t, out, "Status:   FAILED")
	assert.Contains(t, out, "Checks:   2 run, 1 passed, 1 failed")
	assert.Contains(t, out, "Findings: 1 errors, 0 warnings")
	assert.Contains(t, out, "skipped: single store")
	assert.Contains(t, out, "ERROR   referential_integrity sis.enrollments.school_id: 1 rows reference a missing parent")
	assert.Contains(t, out, "e.g. e3")
}

func TestPrintFindings_Truncates(t *testing.T) {
	findings := make([]artifact.Finding, maxFindings+5)
	for i := range findings {
		findings[i] = artifact.Finding{Check: artifact.CheckUniqueness, Severity: artifact.SeverityWarning, Entity: "sis.students"}
	}

	out := captureOutput(t, func() { printFindings(findings) })

	assert.Equal(t, maxFindings, strings.Count(out, "WARNING"))
	assert.Contains(t, out, "... 5 more (use --json for all)")
}

func TestPrintLoad(t *testing.T) {
	r := &artifact.LoadReport{
		RunID:     "4b1c9e3a-0d2f-4a55-9a43-6c1f0e7d2b10",
		Scope:     artifact.Scope{Key: "district_id", Value: "district-001"},
		Committed: []string{"sis"},
		Stores: []artifact.StoreResult{
			{
				Store: "sis", Target: "sis_staging", State: artifact.TxCommitted,
				Entities: []artifact.EntityResult{
					{Entity: ref("schools"), Strategy: "upsert", Expected: 2, Written: 2, Inserted: 1, Updated: 1, Verified: 2},
					{Entity: ref("audit_log"), Strategy: "insert", Skipped: true, Reason: "no rows"},
				},
			},
			{
				Store: "lms", Target: "lms", State: artifact.TxRolledBack,
				FailedEntity: "lms.courses", FailedRow: "c-9", Error: "duplicate key",
			},
		},
	}

	out := captureOutput(t, func() { printLoad(r) })

	assert.Contains(t, out, "Committed:   sis")
	assert.Contains(t, out, "Rolled back: none")
	assert.Contains(t, out, "[sis -> sis_staging]")
	assert.Contains(t, out, "Transaction: COMMITTED")
	assert.Contains(t, out, "skipped: no rows")
	assert.Contains(t, out, "Failed at:   lms.courses row c-9: duplicate key")
}

func TestJoinOrNone(t *testing.T) {
	assert.Equal(t, "none", joinOrNone(nil))
	assert.Equal(t, "sis, lms", joinOrNone([]string{"sis", "lms"}))
}

func TestRender(t *testing.T) {
	original := jsonOutput
	defer func() { jsonOutput = original }()

	called := false
	summary := func(*artifact.Scope) { called = true }

	out := captureOutput(t, func() {
		require.NoError(t, render[artifact.Scope](nil, summary))
	})
	assert.Empty(t, out)
	assert.False(t, called)

	jsonOutput = true
	out = captureOutput(t, func() {
		require.NoError(t, render(&artifact.Scope{Key: "district_id", Value: "d1"}, summary))
	})
	assert.False(t, called)
	assert.Contains(t, out, `"key": "district_id"`)

	jsonOutput = false
	captureOutput(t, func() {
		require.NoError(t, render(&artifact.Scope{}, summary))
	})
	assert.True(t, called)
}

// writeSISConfig creates a one-table sqlite source and a config pointing at it.
func writeSISConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "sis.db")

	db, err := sql.Open("sqlite", source)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE schools (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, name TEXT)`,
		`CREATE TABLE students (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, school_id TEXT REFERENCES schools(id))`,
		`INSERT INTO schools VALUES ('sch-1', 'district-001', 'North'), ('sch-2', 'district-002', 'South')`,
		`INSERT INTO students VALUES ('stu-1', 'district-001', 'sch-1')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	cfg := `
run:
  artifact_dir: ` + filepath.Join(dir, "runs") + `
  scope:
    key: district_id
    value: district-001
sources:
  - name: sis
    driver: sqlite
    database: ` + source + `
anonymization:
  secret: cmd-test-secret-0123456789
logging:
  level: error
  output: stderr
`
	path := filepath.Join(dir, "goscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRunPlan_DOT(t *testing.T) {
	originalCfg, originalDOT := cfgFile, planDOT
	defer func() { cfgFile, planDOT = originalCfg, originalDOT }()

	cfgFile = writeSISConfig(t)
	planDOT = true

	out := captureOutput(t, func() {
		require.NoError(t, runPlan(planCmd, nil))
	})

	assert.True(t, strings.HasPrefix(out, "digraph goscope {"))
	assert.Contains(t, out, `"sis.students" -> "sis.schools"`)
}

func TestRunExtract_JSON(t *testing.T) {
	originalCfg, originalJSON := cfgFile, jsonOutput
	defer func() { cfgFile, jsonOutput = originalCfg, originalJSON }()

	cfgFile = writeSISConfig(t)
	jsonOutput = true

	out := captureOutput(t, func() {
		require.NoError(t, runExtract(extractCmd, nil))
	})

	var m artifact.ExtractionManifest
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "district-001", m.Scope.Value)
	require.Len(t, m.Units, 2)
	for _, u := range m.Units {
		assert.Equal(t, int64(1), u.Rows, u.Entity.String())
	}
}

func TestRunPlan_MissingConfig(t *testing.T) {
	original := cfgFile
	defer func() { cfgFile = original }()

	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")
	err := runPlan(planCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
