package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/load"
	"github.com/dbsmedya/goscope/internal/logger"
)

// ============================================================================
// Test Helpers
// ============================================================================

const sisSchema = `
CREATE TABLE schools (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, name TEXT);
CREATE TABLE students (id TEXT PRIMARY KEY, district_id TEXT NOT NULL, school_id TEXT, grade_level INTEGER);
CREATE TABLE enrollments (
	id TEXT PRIMARY KEY,
	district_id TEXT NOT NULL,
	student_id TEXT REFERENCES students(id),
	school_id TEXT REFERENCES schools(id)
);`

// sisDatabase creates a source with two schools of district-001, one of
// district-002 and their students. With orphan set, one enrollment points
// at a school that does not exist.
func sisDatabase(t *testing.T, orphan bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sis.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(sisSchema)
	require.NoError(t, err)
	_, err = db.Exec(`
INSERT INTO schools VALUES ('sch-1', 'district-001', 'North'), ('sch-2', 'district-001', 'South'), ('sch-9', 'district-002', 'Elsewhere');
INSERT INTO students VALUES ('s1', 'district-001', 'sch-1', 3), ('s2', 'district-001', 'sch-2', 4), ('s9', 'district-002', 'sch-9', 5);
INSERT INTO enrollments VALUES ('e1', 'district-001', 's1', 'sch-1'), ('e2', 'district-001', 's2', 'sch-2'), ('e9', 'district-002', 's9', 'sch-9');`)
	require.NoError(t, err)
	if orphan {
		_, err = db.Exec(`INSERT INTO enrollments VALUES ('e3', 'district-001', 's2', 'sch-404')`)
		require.NoError(t, err)
	}
	return path
}

// targetDatabase creates an empty target with the source schema.
func targetDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(sisSchema)
	require.NoError(t, err)
	return path
}

func testConfig(t *testing.T, source, target string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Run.ArtifactDir = t.TempDir()
	cfg.Run.Scope = config.ScopeConfig{Key: "district_id", Value: "district-001"}
	cfg.Sources = []config.StoreConfig{{Name: "sis", Kind: config.KindRelational, Driver: config.DriverSQLite, Database: source}}
	cfg.Targets = []config.StoreConfig{{Name: "sis", Kind: config.KindRelational, Driver: config.DriverSQLite, Database: target}}
	cfg.Anonymization.Secret = "engine-test-secret-0123456789"
	cfg.Load.Strategy = config.StrategyUpsert
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func extractRequest() ExtractRequest {
	return ExtractRequest{
		Scope: ScopeFilter{Key: "district_id", Value: "district-001"},
		Order: []string{"schools", "students", "enrollments"},
	}
}

func counterValue(t *testing.T, e *Engine, outcome string) float64 {
	t.Helper()
	return testutil.ToFloat64(e.Metrics().Runs.WithLabelValues("extract", outcome))
}

func rowCount(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// ============================================================================
// Entry Points
// ============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, logger.NewNop())
	assert.Error(t, err)
}

func TestExtract_RejectsInvalidRequest(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	_, err := e.Extract(context.Background(), ExtractRequest{Scope: ScopeFilter{Key: "district_id"}})

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "InvalidRequest", ErrorKind(err))
}

func TestExtract_UnknownEntityInOrder(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))
	req := extractRequest()
	req.Order = []string{"schools", "teachers"}

	_, err := e.Extract(context.Background(), req)

	var re *RequestError
	assert.ErrorAs(t, err, &re)
}

func TestPlan_OrdersParentsFirst(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	plan, err := e.Plan(context.Background())
	require.NoError(t, err)

	pos := map[string]int{}
	for _, pe := range plan.ExtractionOrder {
		pos[pe.Entity.Name] = pe.Position
	}
	require.Len(t, pos, 3)
	assert.Less(t, pos["schools"], pos["enrollments"])
	assert.Less(t, pos["students"], pos["enrollments"])
	assert.Contains(t, plan.DOT(), "enrollments")
}

func TestEstimate_CountsScopedRows(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	est, err := e.Estimate(context.Background(), extractRequest())
	require.NoError(t, err)

	rows := map[string]int64{}
	for _, x := range est {
		require.Empty(t, x.Error)
		rows[x.Entity.Name] = x.Rows
	}
	assert.Equal(t, map[string]int64{"schools": 2, "students": 2, "enrollments": 2}, rows)
}

func TestExtract_WritesDatasetForScope(t *testing.T) {
	cfg := testConfig(t, sisDatabase(t, false), "")
	e := newTestEngine(t, cfg)

	m, err := e.Extract(context.Background(), extractRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, artifact.Scope{Key: "district_id", Value: "district-001"}, m.Scope)
	for _, u := range m.Units {
		assert.Equal(t, artifact.UnitOK, u.Status, u.Entity.String())
		assert.EqualValues(t, 2, u.Rows, u.Entity.String())
	}

	dir := filepath.Join(artifact.RunDir(cfg.Run.ArtifactDir, m.RunID), DirExtracted)
	assert.FileExists(t, filepath.Join(dir, artifact.ManifestFile))
	assert.FileExists(t, filepath.Join(dir, artifact.CatalogFile))
	assert.Equal(t, float64(1), counterValue(t, e, "ok"))
}

func TestCheckStores(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), targetDatabase(t)))

	got := e.CheckStores(context.Background())

	require.Len(t, got, 2)
	assert.Equal(t, StoreStatus{Role: "source", Name: "sis", Kind: config.KindRelational}, got[0])
	assert.Equal(t, StoreStatus{Role: "target", Name: "sis", Kind: config.KindRelational}, got[1])
}

// ============================================================================
// Load Precondition
// ============================================================================

func TestLoad_RefusesFailedValidationWithoutConnecting(t *testing.T) {
	target := filepath.Join(t.TempDir(), "never.db")
	cfg := testConfig(t, sisDatabase(t, true), target)
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	m, err := e.Extract(ctx, extractRequest())
	require.NoError(t, err)
	require.Len(t, m.Warnings, 1)
	assert.Equal(t, "enrollments", m.Warnings[0].Child.Name)
	assert.Equal(t, "schools", m.Warnings[0].Parent.Name)

	dir := artifact.RunDir(cfg.Run.ArtifactDir, m.RunID)
	anonymized := filepath.Join(dir, DirAnonymized)
	_, err = e.Anonymize(ctx, AnonymizeRequest{
		InputLocation:          filepath.Join(dir, DirExtracted),
		OutputLocation:         anonymized,
		ConsistencyMapLocation: filepath.Join(dir, DirMap),
	})
	require.NoError(t, err)

	report, err := e.Validate(ctx, ValidateRequest{DataLocation: anonymized})
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, report.Status)

	var referential []artifact.Finding
	for _, f := range report.Findings {
		if f.Check == artifact.CheckReferentialIntegrity && f.Severity == artifact.SeverityError {
			referential = append(referential, f)
		}
	}
	require.Len(t, referential, 1)
	assert.Equal(t, "enrollments→schools", referential[0].Rule)
	assert.Equal(t, 1, referential[0].Count)

	_, err = e.Load(ctx, LoadRequest{InputLocation: anonymized})
	var pe *load.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, artifact.StatusFailed, pe.Status)
	assert.Equal(t, "PreconditionError", ErrorKind(err))

	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr), "target store must not be opened")
	assert.NoFileExists(t, filepath.Join(anonymized, artifact.LoadReportFile))
}

func TestLoad_RefusesUnvalidatedDataset(t *testing.T) {
	target := filepath.Join(t.TempDir(), "never.db")
	cfg := testConfig(t, sisDatabase(t, false), target)
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	m, err := e.Extract(ctx, extractRequest())
	require.NoError(t, err)
	dir := artifact.RunDir(cfg.Run.ArtifactDir, m.RunID)
	anonymized := filepath.Join(dir, DirAnonymized)
	_, err = e.Anonymize(ctx, AnonymizeRequest{
		InputLocation:          filepath.Join(dir, DirExtracted),
		OutputLocation:         anonymized,
		ConsistencyMapLocation: filepath.Join(dir, DirMap),
	})
	require.NoError(t, err)

	_, err = e.Load(ctx, LoadRequest{InputLocation: anonymized})

	var pe *load.PreconditionError
	require.ErrorAs(t, err, &pe)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

// ============================================================================
// Full Run
// ============================================================================

func TestRun_LoadsScopedSubset(t *testing.T) {
	target := targetDatabase(t)
	cfg := testConfig(t, sisDatabase(t, false), target)
	e := newTestEngine(t, cfg)

	res, err := e.Run(context.Background(), RunRequest{Extract: extractRequest()})
	require.NoError(t, err)

	require.NotNil(t, res.Validation)
	assert.NotEqual(t, artifact.StatusFailed, res.Validation.Status)
	require.NotNil(t, res.Load)
	assert.Equal(t, []string{"sis"}, res.Load.Committed)
	assert.Empty(t, res.Load.RolledBack)

	for _, table := range []string{"schools", "students", "enrollments"} {
		assert.Equal(t, 2, rowCount(t, target, table), table)
	}
	assert.FileExists(t, filepath.Join(res.Directory, DirAnonymized, artifact.LoadPlanFile))
	assert.FileExists(t, filepath.Join(res.Directory, DirAnonymized, artifact.LoadReportFile))

	// Upsert makes a second run of the same scope a no-op on row counts.
	again, err := e.Run(context.Background(), RunRequest{Extract: extractRequest()})
	require.NoError(t, err)
	assert.Equal(t, []string{"sis"}, again.Load.Committed)
	assert.Equal(t, 2, rowCount(t, target, "schools"))
}

func TestRun_SkipLoad(t *testing.T) {
	target := filepath.Join(t.TempDir(), "never.db")
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), target))

	res, err := e.Run(context.Background(), RunRequest{Extract: extractRequest(), SkipLoad: true})
	require.NoError(t, err)

	assert.NotNil(t, res.Validation)
	assert.Nil(t, res.Load)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Run(ctx, RunRequest{Extract: extractRequest()})

	require.Error(t, err)
	assert.Equal(t, "Cancelled", ErrorKind(err))
	if res != nil {
		assert.Nil(t, res.Load)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func TestResolveOrder(t *testing.T) {
	cat := &catalog.Catalog{Stores: []*catalog.Store{{
		Name: "sis",
		Kind: catalog.Relational,
		Entities: []*catalog.Entity{
			{Ref: catalog.EntityRef{Store: "sis", Name: "schools"}, Kind: catalog.KindTable, Table: "schools"},
			{Ref: catalog.EntityRef{Store: "sis", Name: "students"}, Kind: catalog.KindTable, Table: "students"},
		},
	}}}
	fallback := []catalog.EntityRef{{Store: "sis", Name: "schools"}}

	refs, err := resolveOrder(cat, nil, fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, refs)

	refs, err = resolveOrder(cat, []string{"sis.students", "schools"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []catalog.EntityRef{{Store: "sis", Name: "students"}, {Store: "sis", Name: "schools"}}, refs)

	_, err = resolveOrder(cat, []string{"schools", "sis.schools"}, nil)
	assert.ErrorContains(t, err, "listed twice")
}

func TestFirstOf(t *testing.T) {
	assert.Equal(t, "b", firstOf("", "b", "c"))
	assert.Equal(t, "", firstOf("", ""))
}
