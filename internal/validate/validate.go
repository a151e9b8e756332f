package validate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/types"
)

// Options configure the validation gate.
type Options struct {
	Rules *Rules
	// CompletenessTolerance is the accepted relative deviation between the
	// extracted and anonymized row counts of an entity.
	CompletenessTolerance float64
	// CrossStoreTolerance is the accepted share of identifiers present in
	// only one member of a cross-store group.
	CrossStoreTolerance float64
	MaxSamples          int
}

// Validator runs the checks of one catalog.
type Validator struct {
	cat  *catalog.Catalog
	g    *graph.Graph
	opts Options
	log  *logger.Logger
}

// New creates a validator. The catalog's cycles are broken the same way
// extraction broke them, so the same edges are skipped as unvalidated.
func New(cat *catalog.Catalog, opts Options, log *logger.Logger) (*Validator, error) {
	g, _, err := graph.BuildOrdered(cat)
	if err != nil {
		return nil, err
	}
	if opts.Rules == nil {
		opts.Rules = &Rules{}
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 10
	}
	return &Validator{cat: cat, g: g, opts: opts, log: log.WithPhase("validate")}, nil
}

// Run validates the anonymized dataset in dataDir and writes the report
// next to it.
func (v *Validator) Run(ctx context.Context, dataDir string) (*artifact.ValidationReport, error) {
	m, err := artifact.ReadAnonymizedManifest(dataDir)
	if err != nil {
		return nil, err
	}
	report := v.Validate(ctx, m, dataDir)
	if err := artifact.WriteJSON(filepath.Join(dataDir, artifact.ValidationReportFile), report); err != nil {
		return report, err
	}
	return report, nil
}

type checkFunc func(ctx context.Context, s *session) ([]artifact.Finding, error)

type check struct {
	name string
	fn   checkFunc
}

var checks = []check{
	{artifact.CheckSchema, checkSchema},
	{artifact.CheckReferentialIntegrity, checkReferential},
	{artifact.CheckUniqueness, checkUniqueness},
	{artifact.CheckBusinessRules, checkBusinessRules},
	{artifact.CheckCompleteness, checkCompleteness},
	{artifact.CheckCrossStore, checkCrossStore},
}

// Validate runs every check concurrently and aggregates the findings.
// A check that cannot finish contributes an ERROR finding, so an
// interrupted validation never passes.
func (v *Validator) Validate(ctx context.Context, m *artifact.AnonymizedManifest, dataDir string) *artifact.ValidationReport {
	start := time.Now()
	s := newSession(v, m, dataDir)
	report := &artifact.ValidationReport{
		RunID:     m.RunID,
		Scope:     m.Scope,
		DataDir:   dataDir,
		StartedAt: start.UTC(),
	}
	v.log.Infow("Validation started", "entities", len(s.units), "checks", len(checks)+1)

	type result struct {
		findings []artifact.Finding
		err      error
		took     time.Duration
	}
	results := make([]result, len(checks))

	var eg errgroup.Group
	for i, c := range checks {
		eg.Go(func() error {
			began := time.Now()
			findings, err := c.fn(ctx, s)
			results[i] = result{findings: findings, err: err, took: time.Since(began)}
			return nil
		})
	}
	_ = eg.Wait()

	for i, c := range checks {
		r := results[i]
		sortFindings(r.findings)
		summary := artifact.CheckSummary{Name: c.name, DurationMS: r.took.Milliseconds()}
		if r.err != nil {
			r.findings = append(r.findings, artifact.Finding{
				Check:    c.name,
				Severity: artifact.SeverityError,
				Message:  "check could not complete: " + r.err.Error(),
			})
			report.Errors = append(report.Errors, artifact.RunError{
				Phase: "validate", Kind: "ValidationCheckError",
				Message: fmt.Sprintf("%s: %v", c.name, r.err),
			})
			v.log.Warnw("Validation check did not complete", "check", c.name, "error", r.err)
		}
		report.Checks = append(report.Checks, summary)
		report.Findings = append(report.Findings, r.findings...)
	}

	// Leak findings were produced during anonymization and are carried in.
	leak := artifact.CheckSummary{Name: artifact.CheckPIILeak}
	if m.Report.PIILeakCheck == "" {
		leak.Skipped = "dataset carries no leak scan"
	}
	for _, f := range m.LeakFindings {
		f.Check = artifact.CheckPIILeak
		report.Findings = append(report.Findings, f)
	}
	report.Checks = append(report.Checks, leak)

	report.DurationMS = time.Since(start).Milliseconds()
	report.Finalize()

	for _, c := range report.Checks {
		v.log.Debugw("Check finished", "check", c.Name, "status", c.Status,
			"errors", c.Errors, "warnings", c.Warnings, "duration_ms", c.DurationMS)
	}
	v.log.Infow("Validation finished",
		"status", report.Status,
		"errors", report.Counters.TotalErrors,
		"warnings", report.Counters.TotalWarnings,
		"duration", time.Since(start))
	return report
}

// session is the state shared by the checks of one validation.
type session struct {
	v     *Validator
	m     *artifact.AnonymizedManifest
	ds    *artifact.Dataset
	units []*artifact.ExtractionUnit // available units, manifest order
	avail map[catalog.EntityRef]*artifact.ExtractionUnit

	mu   sync.Mutex
	keys map[string]types.KeySet
	sf   singleflight.Group
}

func newSession(v *Validator, m *artifact.AnonymizedManifest, dataDir string) *session {
	s := &session{
		v:     v,
		m:     m,
		ds:    artifact.OpenDataset(dataDir),
		avail: make(map[catalog.EntityRef]*artifact.ExtractionUnit),
		keys:  make(map[string]types.KeySet),
	}
	for i := range m.Units {
		u := &m.Units[i]
		if u.Status == artifact.UnitOK && s.ds.Exists(u.Entity) {
			s.units = append(s.units, u)
			s.avail[u.Entity] = u
		}
	}
	return s
}

// keySet returns the non-null key tuples of cols in ref, computed once per
// validation however many checks ask for it.
func (s *session) keySet(ref catalog.EntityRef, cols []string) (types.KeySet, error) {
	id := ref.String() + "(" + strings.Join(cols, ",") + ")"
	s.mu.Lock()
	ks, ok := s.keys[id]
	s.mu.Unlock()
	if ok {
		return ks, nil
	}

	v, err, _ := s.sf.Do(id, func() (any, error) {
		ks := make(types.KeySet)
		err := s.ds.Scan(ref, func(r types.Row) error {
			if k, ok := types.TupleKey(r, cols); ok {
				ks.Add(k)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keys[id] = ks
		s.mu.Unlock()
		return ks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(types.KeySet), nil
}

// scan walks the rows of ref, passing each row with its row id.
func (s *session) scan(ctx context.Context, ref catalog.EntityRef, fn func(id func() string, r types.Row)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u := s.avail[ref]
	var n int64
	return s.ds.Scan(ref, func(r types.Row) error {
		n++
		row := n
		fn(func() string { return rowID(r, u.PrimaryKey, row) }, r)
		return nil
	})
}

// tally accumulates one kind of violation.
type tally struct {
	count   int
	samples []string
}

func (t *tally) add(id func() string, limit int) {
	t.count++
	if len(t.samples) < limit {
		t.samples = append(t.samples, id())
	}
}

func rowID(r types.Row, pk []string, n int64) string {
	if len(pk) > 0 {
		if k, ok := types.TupleKey(r, pk); ok {
			return types.DisplayKey(k)
		}
	}
	return "row " + strconv.FormatInt(n, 10)
}

func sortFindings(fs []artifact.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Rule < b.Rule
	})
}
