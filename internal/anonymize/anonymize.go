package anonymize

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/types"
)

// Options configure an anonymization run.
type Options struct {
	Rules           *Rules
	HashLength      int
	DefaultStrategy string
	LeakSampleSize  int
	LeakSeed        uint64
	Workers         int
	// MaxSamples caps the row identifiers attached to one finding.
	MaxSamples int
}

// Anonymizer rewrites an extracted dataset with the configured rules.
type Anonymizer struct {
	cat   *catalog.Catalog
	g     *graph.Graph
	state *State
	tr    *Transformer
	opts  Options
	log   *logger.Logger

	scopeKey string

	mu      sync.Mutex
	planned map[catalog.EntityRef]map[string]*Rule
	ruleErr map[string]*RuleError
}

// New creates an anonymizer over an opened state.
func New(cat *catalog.Catalog, state *State, opts Options, log *logger.Logger) (*Anonymizer, error) {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyNullify
	}
	if opts.LeakSampleSize <= 0 {
		opts.LeakSampleSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 10
	}
	// Entities of a cycle are only released once the cycle is broken.
	g, _, err := graph.BuildOrdered(cat)
	if err != nil {
		return nil, err
	}
	return &Anonymizer{
		cat:     cat,
		g:       g,
		state:   state,
		tr:      NewTransformer(state, opts.HashLength),
		opts:    opts,
		log:     log.WithPhase("anonymize"),
		planned: make(map[catalog.EntityRef]map[string]*Rule),
		ruleErr: make(map[string]*RuleError),
	}, nil
}

// entityResult is what one worker hands back.
type entityResult struct {
	unit     artifact.ExtractionUnit
	report   artifact.EntityReport
	findings []artifact.Finding
	sampled  int
	err      error
}

// Run anonymizes the dataset described by in, reading from inDir and
// writing the anonymized dataset, manifest and report to outDir. Entity
// failures are recorded on the manifest and do not stop the run.
func (a *Anonymizer) Run(ctx context.Context, in *artifact.ExtractionManifest, inDir, outDir string) (*artifact.AnonymizedManifest, error) {
	start := time.Now()
	a.scopeKey = in.Scope.Key
	src := artifact.OpenDataset(inDir)
	dst := artifact.OpenDataset(outDir)

	out := &artifact.AnonymizedManifest{
		RunID:         in.RunID,
		Scope:         in.Scope,
		CreatedAt:     start.UTC(),
		Source:        inDir,
		Order:         in.Order,
		Warnings:      in.Warnings,
		MissingStores: in.MissingStores,
		Errors:        append([]artifact.RunError(nil), in.Errors...),
		Cancelled:     in.Cancelled,
	}

	var refs []catalog.EntityRef
	for _, u := range in.Units {
		if u.Status == artifact.UnitOK {
			refs = append(refs, u.Entity)
		}
	}
	a.log.Infow("Anonymization started", "entities", len(refs), "resumed_map", a.state.Resumed)

	results := make(map[catalog.EntityRef]*entityResult)
	var mu sync.Mutex
	err := graph.Schedule(ctx, a.g, refs, func(string) int { return a.opts.Workers },
		func(ctx context.Context, ref catalog.EntityRef) {
			unit, _ := in.Unit(ref)
			res := a.anonymizeEntity(ctx, *unit, src, dst)
			mu.Lock()
			results[ref] = res
			mu.Unlock()
		})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		out.Cancelled = true
		a.log.Warnw("Anonymization cancelled", "completed", len(results), "entities", len(refs))
	}

	report := &out.Report
	for _, u := range in.Units {
		unit := u
		unit.OriginalRows = u.Rows
		res, ok := results[u.Entity]
		switch {
		case u.Status != artifact.UnitOK:
		case !ok:
			unit.Status = artifact.UnitSkipped
			unit.Error = "cancelled before anonymization"
			unit.Rows, unit.Bytes = 0, 0
		case res.err != nil:
			unit.Status = artifact.UnitFailed
			unit.Error = res.err.Error()
			unit.Rows, unit.Bytes = 0, 0
			out.Errors = append(out.Errors, artifact.RunError{
				Phase: "anonymize", Store: u.Entity.Store, Entity: u.Entity.String(),
				Kind: "AnonymizationError", Message: res.err.Error(),
			})
		default:
			unit = res.unit
			report.Entities = append(report.Entities, res.report)
			report.TotalRecords += res.report.Records
			report.TotalFields += len(res.report.AnonymizedFields)
			report.SampledValues += res.sampled
			out.LeakFindings = append(out.LeakFindings, res.findings...)
		}
		out.Units = append(out.Units, unit)
	}

	for _, re := range a.ruleErrors() {
		report.DefaultedFields = append(report.DefaultedFields, re.Entity.String()+"."+re.Column)
		out.LeakFindings = append(out.LeakFindings, artifact.Finding{
			Check:    artifact.CheckPIILeak,
			Severity: artifact.SeverityWarning,
			Entity:   re.Entity.String(),
			Column:   re.Column,
			Rule:     "default:" + re.Strategy,
			Message:  re.Error(),
		})
		out.Errors = append(out.Errors, artifact.RunError{
			Phase: "anonymize", Store: re.Entity.Store, Entity: re.Entity.String(),
			Kind: "AnonymizationRuleError", Message: re.Error(),
		})
	}

	report.PIILeakCheck = string(artifact.StatusPassed)
	for _, f := range out.LeakFindings {
		if f.Severity == artifact.SeverityError {
			report.PIILeakCheck = string(artifact.StatusFailed)
			break
		}
	}
	report.MapEntries = a.state.Map.Len()
	report.Tokens = a.state.Vault.Len()
	report.DurationMS = time.Since(start).Milliseconds()

	if err := artifact.WriteJSON(filepath.Join(outDir, artifact.ManifestFile), out); err != nil {
		return out, err
	}
	if err := artifact.WriteJSON(filepath.Join(outDir, artifact.AnonymizationReportFile), report); err != nil {
		return out, err
	}

	a.log.Infow("Anonymization finished",
		"records", report.TotalRecords,
		"fields", report.TotalFields,
		"map_entries", report.MapEntries,
		"tokens", report.Tokens,
		"pii_leak_check", report.PIILeakCheck,
		"duration", time.Since(start))
	return out, nil
}

func (a *Anonymizer) anonymizeEntity(ctx context.Context, unit artifact.ExtractionUnit, src, dst *artifact.Dataset) *entityResult {
	ref := unit.Entity
	log := a.log.WithEntity(ref.String())
	started := time.Now()
	res := &entityResult{unit: unit}

	plan := a.plan(ref)
	rw, err := dst.Create(ref, unit.Columns)
	if err != nil {
		res.err = err
		return res
	}

	samples := make(map[string]*reservoir)
	var n int64
	scanErr := src.Scan(ref, func(row types.Row) error {
		if n%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		for col, rule := range plan {
			v, ok := row[col]
			if !ok {
				continue
			}
			nv, err := a.tr.Apply(rule, v)
			if err != nil {
				return fmt.Errorf("column %s: %w", col, err)
			}
			row[col] = nv
		}
		n++
		id := rowID(row, unit.PrimaryKey, n)
		for col, v := range row {
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			r, ok := samples[col]
			if !ok {
				r = newReservoir(a.opts.LeakSampleSize, a.opts.LeakSeed, ref.String(), col)
				samples[col] = r
			}
			r.offer(id, s)
		}
		return rw.Write(row)
	})
	closeErr := rw.Close()
	if err := errors.Join(scanErr, closeErr); err != nil {
		log.Warnw("Anonymization failed", "error", err)
		res.err = err
		return res
	}

	res.unit.Rows = rw.Rows()
	res.unit.Bytes = rw.Bytes()
	res.unit.DurationMS = time.Since(started).Milliseconds()
	res.unit.File = artifact.FileName(ref)

	res.report = artifact.EntityReport{
		Entity:           ref,
		Records:          rw.Rows(),
		Columns:          len(unit.Columns),
		AnonymizedFields: make(map[string]string),
		FieldsByRule:     make(map[string]int),
	}
	for col, rule := range plan {
		res.report.AnonymizedFields[col] = rule.Strategy
		res.report.FieldsByRule[rule.Name]++
	}
	res.findings, res.sampled = scanLeaks(ref.String(), samples, a.opts.MaxSamples)

	log.Infow("Entity anonymized", "records", rw.Rows(), "fields", len(plan), "leaks", len(res.findings))
	return res
}

// rowID identifies a row in findings by its (already anonymized) primary key.
func rowID(row types.Row, pk []string, n int64) string {
	if len(pk) > 0 {
		if k, ok := types.TupleKey(row, pk); ok {
			return types.DisplayKey(k)
		}
	}
	return "row " + strconv.FormatInt(n, 10)
}

// plan resolves the rule of every column of ref that changes. Columns
// without a rule are left as they are.
func (a *Anonymizer) plan(ref catalog.EntityRef) map[string]*Rule {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.planned[ref]; ok {
		return p
	}
	p := make(map[string]*Rule)
	if e, ok := a.cat.Entity(ref); ok {
		for _, col := range e.ColumnNames() {
			if r := a.resolve(ref, col, map[string]bool{}); r != nil && r.Strategy != StrategyPreserve {
				p[col] = r
			}
		}
	}
	a.planned[ref] = p
	return p
}

// resolve returns the rule of one column. Callers hold a.mu.
func (a *Anonymizer) resolve(ref catalog.EntityRef, col string, visiting map[string]bool) *Rule {
	if col == a.scopeKey || reservedGraphKey(col) {
		return nil
	}
	key := ref.String() + "." + col
	if visiting[key] {
		return nil
	}
	visiting[key] = true

	// A foreign key column takes the rule of the key it references so that
	// equal originals still join after anonymization.
	if e, ok := a.cat.Entity(ref); ok {
		for _, fk := range e.ForeignKeys {
			for i, c := range fk.Columns {
				if c != col || i >= len(fk.TargetColumns) {
					continue
				}
				if _, ok := a.cat.Entity(fk.Target); !ok {
					continue
				}
				return a.resolve(fk.Target, fk.TargetColumns[i], visiting)
			}
		}
	}

	if r, ok := a.opts.Rules.Match(ref, col); ok {
		return r
	}
	if LooksLikePII(col) {
		a.ruleErr[key] = &RuleError{Entity: ref, Column: col, Strategy: a.opts.DefaultStrategy}
		return defaultRule(a.opts.DefaultStrategy, col)
	}
	return nil
}

func (a *Anonymizer) ruleErrors() []*RuleError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*RuleError, 0, len(a.ruleErr))
	for _, re := range a.ruleErr {
		out = append(out, re)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity.String() < out[j].Entity.String()
		}
		return out[i].Column < out[j].Column
	})
	return out
}

func reservedGraphKey(col string) bool {
	switch col {
	case graphstore.KeyID, graphstore.KeyStartID, graphstore.KeyEndID, graphstore.KeyLabels, graphstore.KeyType:
		return true
	}
	return false
}
