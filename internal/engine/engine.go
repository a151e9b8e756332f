// Package engine runs the migration phases against the configured stores.
//
// Each entry point takes a JSON request and returns the JSON artifact of
// its phase, so the CLI and the stdio server share one code path. Phases
// only meet through the artifact directory: extraction writes the dataset
// and the catalog, anonymization rewrites both, validation reads the
// anonymized copy and the loader refuses anything validation failed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dbsmedya/goscope/internal/anonymize"
	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/database"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/load"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/metrics"
	"github.com/dbsmedya/goscope/internal/validate"
)

// Directories of a run below the artifact root.
const (
	DirExtracted  = "extracted"
	DirAnonymized = "anonymized"
	DirMap        = "consistency_map"
)

// Engine coordinates the phases of one configuration.
type Engine struct {
	cfg     *config.Config
	log     *logger.Logger
	stores  *database.Manager
	metrics *metrics.Metrics

	// targets opens target stores; nil uses the configured targets.
	targets load.Connector
}

// New creates an engine. Stores are connected on first use.
func New(cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		stores:  database.NewManager(log),
		metrics: metrics.New(),
	}, nil
}

// Metrics returns the collectors of this engine.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Close writes the metrics textfile and closes every open store.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.metrics.WriteTextfile(e.cfg.Metrics.TextfilePath), e.stores.Close(ctx))
}

// Catalog introspects every source store. Unreachable stores are left out
// and listed on the catalog; only a cancelled context or a catalog without
// a single store is an error.
func (e *Engine) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	ins := make([]catalog.Introspector, 0, len(e.cfg.Sources))
	for _, sc := range e.cfg.Sources {
		ins = append(ins, &sourceIntrospector{stores: e.stores, cfg: sc})
	}
	cat, err := catalog.Build(ctx, ins, catalog.Options{
		Links:          e.cfg.Catalog.Links,
		Exclude:        e.cfg.Catalog.Exclude,
		AnchorProperty: e.cfg.Extraction.GraphRootProperty,
	}, e.log)

	var ce *catalog.CatalogError
	if errors.As(err, &ce) {
		e.log.Warnw("Continuing with a partial catalog", "missing", len(ce.Missing))
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if len(cat.Stores) == 0 {
		return cat, fmt.Errorf("no source store could be introspected")
	}
	return cat, nil
}

// Plan analyses the source schema without reading data.
func (e *Engine) Plan(ctx context.Context) (*graph.Plan, error) {
	cat, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	g, order, err := graph.BuildOrdered(cat)
	if err != nil {
		return nil, err
	}
	return graph.BuildPlan(cat, g, order, e.cfg.Run.Scope.Key), nil
}

// Estimate counts the rows an extraction of req would read.
func (e *Engine) Estimate(ctx context.Context, req ExtractRequest) ([]extract.Estimate, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	x, refs, err := e.extractor(ctx, req, e.log.WithRun(req.RunID))
	if err != nil {
		return nil, err
	}
	return x.Estimate(ctx, refs), nil
}

// Extract pulls the scoped subset of every source store. A run id is
// assigned when the request carries none.
func (e *Engine) Extract(ctx context.Context, req ExtractRequest) (*artifact.ExtractionManifest, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	log := e.log.WithRun(req.RunID)
	start := time.Now()

	m, err := e.extract(ctx, req, log)

	e.metrics.ObservePhase(metrics.PhaseExtract, time.Since(start), m != nil && m.Cancelled, err)
	e.metrics.ObserveExtraction(m)
	e.flushMetrics(log)
	return m, err
}

func (e *Engine) extract(ctx context.Context, req ExtractRequest, log *logger.Logger) (*artifact.ExtractionManifest, error) {
	x, refs, err := e.extractor(ctx, req, log)
	if err != nil {
		return nil, err
	}
	out := req.OutputLocation
	if out == "" {
		out = filepath.Join(artifact.RunDir(e.cfg.Run.ArtifactDir, req.RunID), DirExtracted)
	}
	return x.Run(ctx, req.RunID, refs, out)
}

func (e *Engine) extractor(ctx context.Context, req ExtractRequest, log *logger.Logger) (*extract.Extractor, []catalog.EntityRef, error) {
	cat, err := e.Catalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	g, order, err := graph.BuildOrdered(cat)
	if err != nil {
		return nil, nil, err
	}
	refs, err := resolveOrder(cat, req.Order, order.Extraction)
	if err != nil {
		return nil, nil, &RequestError{Err: err}
	}
	srcs, err := e.sources(ctx, cat)
	if err != nil {
		return nil, nil, err
	}
	x := extract.New(cat, g, srcs, extract.Options{
		Scope:             artifact.Scope{Key: req.Scope.Key, Value: req.Scope.Value},
		BatchSize:         e.cfg.Extraction.BatchSize,
		StoreTimeout:      e.cfg.Run.StoreTimeout,
		MaxDepth:          e.cfg.Run.MaxDepth,
		GraphRootLabel:    e.cfg.Extraction.GraphRootLabel,
		GraphRootProperty: e.cfg.Extraction.GraphRootProperty,
	}, log)
	return x, refs, nil
}

// Anonymize rewrites an extracted dataset. The consistency map at
// req.ConsistencyMapLocation is created or, when it exists, extended.
func (e *Engine) Anonymize(ctx context.Context, req AnonymizeRequest) (*artifact.AnonymizedManifest, error) {
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	start := time.Now()
	m, err := e.anonymize(ctx, req)

	e.metrics.ObservePhase(metrics.PhaseAnonymize, time.Since(start), m != nil && m.Cancelled, err)
	e.metrics.ObserveAnonymization(m)
	e.flushMetrics(e.log)
	return m, err
}

func (e *Engine) anonymize(ctx context.Context, req AnonymizeRequest) (*artifact.AnonymizedManifest, error) {
	in, err := artifact.ReadExtractionManifest(req.InputLocation)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Read(filepath.Join(req.InputLocation, artifact.CatalogFile))
	if err != nil {
		return nil, err
	}

	var rules *anonymize.Rules
	if path := firstOf(req.RulesLocation, e.cfg.Anonymization.RulesFile); path != "" {
		if rules, err = anonymize.LoadRules(path); err != nil {
			return nil, err
		}
	}

	state, err := anonymize.OpenState(req.ConsistencyMapLocation, []byte(e.cfg.Anonymization.Secret))
	if err != nil {
		return nil, err
	}
	defer state.Close()

	cfg := e.cfg.Anonymization
	a, err := anonymize.New(cat, state, anonymize.Options{
		Rules:           rules,
		HashLength:      cfg.HashLength,
		DefaultStrategy: cfg.DefaultStrategy,
		LeakSampleSize:  cfg.LeakSampleSize,
		LeakSeed:        cfg.LeakSeed,
		Workers:         cfg.Workers,
	}, e.log.WithRun(in.RunID))
	if err != nil {
		return nil, err
	}

	out, err := a.Run(ctx, in, req.InputLocation, req.OutputLocation)
	if err != nil {
		return out, err
	}
	// Later phases read the catalog next to the data they check.
	if err := cat.Write(filepath.Join(req.OutputLocation, artifact.CatalogFile)); err != nil {
		return out, err
	}
	return out, nil
}

// Validate runs the validation gate and writes its report next to the data.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*artifact.ValidationReport, error) {
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	start := time.Now()
	r, err := e.validate(ctx, req)

	e.metrics.ObservePhase(metrics.PhaseValidate, time.Since(start), false, err)
	e.metrics.ObserveValidation(r)
	e.flushMetrics(e.log)
	return r, err
}

func (e *Engine) validate(ctx context.Context, req ValidateRequest) (*artifact.ValidationReport, error) {
	schema := firstOf(req.SchemaLocation, filepath.Join(req.DataLocation, artifact.CatalogFile))
	cat, err := catalog.Read(schema)
	if err != nil {
		return nil, err
	}

	var rules *validate.Rules
	if path := firstOf(req.RulesLocation, e.cfg.Validation.RulesFile); path != "" {
		if rules, err = validate.LoadRules(path); err != nil {
			return nil, err
		}
	}

	v, err := validate.New(cat, validate.Options{
		Rules:                 rules,
		CompletenessTolerance: e.cfg.Validation.CompletenessTolerance,
		CrossStoreTolerance:   e.cfg.Validation.CrossStoreTolerance,
		MaxSamples:            e.cfg.Validation.SampleSize,
	}, e.log)
	if err != nil {
		return nil, err
	}
	return v.Run(ctx, req.DataLocation)
}

// Load writes a validated dataset into the target stores. A dataset whose
// validation failed, or was never validated, is refused with a
// *load.PreconditionError before any target is contacted.
func (e *Engine) Load(ctx context.Context, req LoadRequest) (*artifact.LoadReport, error) {
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	start := time.Now()
	r, err := e.load(ctx, req)

	e.metrics.ObservePhase(metrics.PhaseLoad, time.Since(start), ctx.Err() != nil, err)
	e.metrics.ObserveLoad(r)
	e.flushMetrics(e.log)
	return r, err
}

func (e *Engine) load(ctx context.Context, req LoadRequest) (*artifact.LoadReport, error) {
	m, err := artifact.ReadAnonymizedManifest(req.InputLocation)
	if err != nil {
		return nil, err
	}
	log := e.log.WithRun(m.RunID)

	v, err := readValidation(req.InputLocation)
	if err != nil {
		return nil, err
	}
	if err := load.CheckPrecondition(v, m); err != nil {
		log.Errorw("Load refused", "error", err)
		return nil, err
	}

	cat, err := catalog.Read(filepath.Join(req.InputLocation, artifact.CatalogFile))
	if err != nil {
		return nil, err
	}
	order, err := resolveOrder(cat, req.Order, nil)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	cfg := e.cfg.Load
	overrides := make(map[string]string, len(cfg.Overrides))
	for _, o := range cfg.Overrides {
		overrides[o.Entity] = o.Strategy
	}
	targets := e.targets
	if targets == nil {
		targets = &targetConnector{cfg: e.cfg, stores: e.stores}
	}

	l, err := load.New(cat, targets, load.Options{
		Strategy:     firstOf(req.Strategy, cfg.Strategy),
		Overrides:    overrides,
		Targets:      req.Targets,
		VerifyCounts: cfg.VerifyCounts,
		AdvisoryLock: cfg.AdvisoryLock,
		LockTimeout:  cfg.LockTimeout,
		StoreTimeout: e.cfg.Run.StoreTimeout,
		BatchSize:    e.cfg.Extraction.BatchSize,
	}, log)
	if err != nil {
		return nil, err
	}
	plan, err := l.Plan(m, order)
	if err != nil {
		return nil, err
	}
	if err := artifact.WriteJSON(filepath.Join(req.InputLocation, artifact.LoadPlanFile), plan); err != nil {
		return nil, err
	}

	report, err := l.Load(ctx, v, m, req.InputLocation, plan)
	if report != nil {
		if werr := artifact.WriteJSON(filepath.Join(req.InputLocation, artifact.LoadReportFile), report); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	return report, err
}

// Run chains extraction, anonymization, validation and load in one run
// directory. It stops at the first phase that fails or is cancelled; a
// failed validation stops at the loader's precondition.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req.Extract.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	dir := artifact.RunDir(e.cfg.Run.ArtifactDir, req.Extract.RunID)
	res := &RunResult{RunID: req.Extract.RunID, Directory: dir}
	log := e.log.WithRun(res.RunID)
	log.Infow("Run started", "directory", dir, "scope_key", req.Extract.Scope.Key, "scope_value", req.Extract.Scope.Value)

	extracted := firstOf(req.Extract.OutputLocation, filepath.Join(dir, DirExtracted))
	req.Extract.OutputLocation = extracted
	m, err := e.Extract(ctx, req.Extract)
	res.Extraction = m
	if err != nil {
		return res, err
	}
	if m.Cancelled {
		return res, cancelled(ctx)
	}

	anonymized := filepath.Join(dir, DirAnonymized)
	am, err := e.Anonymize(ctx, AnonymizeRequest{
		InputLocation:          extracted,
		OutputLocation:         anonymized,
		RulesLocation:          req.RulesLocation,
		ConsistencyMapLocation: firstOf(e.cfg.Anonymization.MapLocation, filepath.Join(dir, DirMap)),
	})
	res.Anonymized = am
	if err != nil {
		return res, err
	}
	if am.Cancelled {
		return res, cancelled(ctx)
	}

	vr, err := e.Validate(ctx, ValidateRequest{DataLocation: anonymized, RulesLocation: req.ValidationRulesLocation})
	res.Validation = vr
	if err != nil {
		return res, err
	}
	if req.SkipLoad {
		log.Infow("Run finished without load", "validation", vr.Status)
		return res, nil
	}

	lr, err := e.Load(ctx, LoadRequest{InputLocation: anonymized, Targets: req.Targets, Strategy: req.Strategy})
	res.Load = lr
	if err != nil {
		return res, err
	}
	log.Infow("Run finished", "validation", vr.Status, "committed", lr.Committed)
	return res, nil
}

func (e *Engine) flushMetrics(log *logger.Logger) {
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.TextfilePath); err != nil {
		log.Warnw("Metrics textfile not written", "error", err)
	}
}

// readValidation returns the validation report stored with the data, or
// nil when the dataset was never validated.
func readValidation(dir string) (*artifact.ValidationReport, error) {
	var v artifact.ValidationReport
	err := artifact.ReadJSON(filepath.Join(dir, artifact.ValidationReportFile), &v)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// resolveOrder turns entity names into references. An empty list yields
// fallback.
func resolveOrder(cat *catalog.Catalog, names []string, fallback []catalog.EntityRef) ([]catalog.EntityRef, error) {
	if len(names) == 0 {
		return fallback, nil
	}
	refs := make([]catalog.EntityRef, 0, len(names))
	seen := make(map[catalog.EntityRef]bool, len(names))
	for _, n := range names {
		ref, err := cat.Resolve(n)
		if err != nil {
			return nil, err
		}
		if seen[ref] {
			return nil, fmt.Errorf("entity %s is listed twice", ref)
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
