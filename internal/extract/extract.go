// Package extract pulls the scoped subset of every source store into a
// dataset of JSON Lines files, one per entity, in parent-first order.
package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// Source is one connected source store. Relational stores set DB and
// Dialect, graph stores set Graph.
type Source struct {
	Name             string
	DB               *sql.DB
	Dialect          sqlutil.Dialect
	Graph            graphstore.Client
	Workers          int
	QueriesPerSecond float64
}

// Options configure an extraction run.
type Options struct {
	Scope     artifact.Scope
	BatchSize int
	// StoreTimeout bounds every store call. Zero means no timeout.
	StoreTimeout      time.Duration
	MaxDepth          int
	GraphRootLabel    string
	GraphRootProperty string
	MaxSamples        int
}

// Extractor runs the extraction phase over a catalog.
type Extractor struct {
	cat     *catalog.Catalog
	g       *graph.Graph
	sources map[string]*Source
	opts    Options
	log     *logger.Logger

	limiters  map[string]*rate.Limiter
	traversal map[string]*traversal
}

// New creates an extractor. g must be built from cat with its cycles broken.
func New(cat *catalog.Catalog, g *graph.Graph, sources []*Source, opts Options, log *logger.Logger) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 10
	}
	if opts.GraphRootProperty == "" {
		opts.GraphRootProperty = "id"
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = max(1, graph.LongestChain(g))
	}

	x := &Extractor{
		cat:       cat,
		g:         g,
		sources:   make(map[string]*Source),
		opts:      opts,
		log:       log.WithPhase("extract"),
		limiters:  make(map[string]*rate.Limiter),
		traversal: make(map[string]*traversal),
	}
	for _, s := range sources {
		x.sources[s.Name] = s
		if s.QueriesPerSecond > 0 {
			x.limiters[s.Name] = rate.NewLimiter(rate.Limit(s.QueriesPerSecond), 1)
		}
		if s.Graph != nil {
			x.traversal[s.Name] = &traversal{}
		}
	}
	return x
}

// Run extracts every entity of order into outDir and writes the manifest
// and the catalog next to the data. order must list parents before
// children. Entity failures are recorded on the manifest; Run itself only
// fails when the order is invalid or the manifest cannot be written.
func (x *Extractor) Run(ctx context.Context, runID string, order []catalog.EntityRef, outDir string) (*artifact.ExtractionManifest, error) {
	if err := graph.CheckOrder(x.g, order); err != nil {
		return nil, err
	}

	start := time.Now()
	ds := artifact.OpenDataset(outDir)
	m := &artifact.ExtractionManifest{
		RunID:         runID,
		Scope:         x.opts.Scope,
		StartedAt:     start.UTC(),
		Order:         order,
		MissingStores: x.cat.Missing,
	}
	scopes := graph.ResolveAll(x.cat, x.g, order, x.opts.Scope.Key)

	x.log.Infow("Extraction started",
		"entities", len(order),
		"scope_key", x.opts.Scope.Key,
		"scope_value", x.opts.Scope.Value,
		"max_depth", x.opts.MaxDepth)

	var mu sync.Mutex
	units := make(map[catalog.EntityRef]artifact.ExtractionUnit, len(order))
	limit := func(store string) int {
		if s, ok := x.sources[store]; ok && s.Workers > 0 {
			return s.Workers
		}
		return 1
	}
	err := graph.Schedule(ctx, x.g, order, limit, func(ctx context.Context, ref catalog.EntityRef) {
		mu.Lock()
		extracted := make(map[catalog.EntityRef]bool, len(units))
		for r, u := range units {
			extracted[r] = u.Status == artifact.UnitOK
		}
		mu.Unlock()

		u := x.extractEntity(ctx, ds, scopes[ref], extracted)
		mu.Lock()
		units[ref] = u
		mu.Unlock()
	})
	if err != nil {
		m.Cancelled = true
		x.log.Warnw("Extraction cancelled", "error", err, "completed", len(units))
	}

	for _, ref := range order {
		u, ok := units[ref]
		if !ok {
			u = x.newUnit(scopes[ref])
			u.Status = artifact.UnitSkipped
			u.Error = "cancelled before extraction"
		}
		if u.Status == artifact.UnitFailed {
			m.Errors = append(m.Errors, artifact.RunError{
				Phase: "extract", Store: ref.Store, Entity: ref.String(),
				Kind: "ExtractionError", Message: u.Error,
			})
		}
		m.Units = append(m.Units, u)
	}

	if !m.Cancelled {
		m.Warnings = x.checkOrphans(ds, m)
	}
	m.FinishedAt = time.Now().UTC()

	if err := x.cat.Write(filepath.Join(outDir, artifact.CatalogFile)); err != nil {
		return m, err
	}
	if err := artifact.WriteJSON(filepath.Join(outDir, artifact.ManifestFile), m); err != nil {
		return m, err
	}

	var rows int64
	for _, u := range m.Units {
		rows += u.Rows
	}
	x.log.Infow("Extraction finished",
		"entities", len(m.Units),
		"failed", len(m.Failed()),
		"rows", rows,
		"orphan_warnings", len(m.Warnings),
		"duration", time.Since(start))
	return m, nil
}

func (x *Extractor) newUnit(res graph.ScopeResolution) artifact.ExtractionUnit {
	u := artifact.ExtractionUnit{
		Entity:    res.Entity,
		Scope:     res.Describe(),
		Reference: res.Mode == graph.ScopeReference,
		File:      artifact.FileName(res.Entity),
	}
	if e, ok := x.cat.Entity(res.Entity); ok {
		u.Kind = string(e.Kind)
		u.Columns = e.ColumnNames()
		u.PrimaryKey = e.PrimaryKey
	}
	return u
}

// extractEntity runs one entity and never returns an error: failures are
// folded into the unit.
func (x *Extractor) extractEntity(ctx context.Context, ds *artifact.Dataset, res graph.ScopeResolution, extracted map[catalog.EntityRef]bool) artifact.ExtractionUnit {
	ref := res.Entity
	log := x.log.WithEntity(ref.String())
	started := time.Now()
	u := x.newUnit(res)

	var err error
	switch res.Mode {
	case graph.ScopeTraversal:
		err = x.extractGraph(ctx, ds, &u)
	default:
		err = x.extractRelational(ctx, ds, res, extracted, &u)
	}
	u.DurationMS = time.Since(started).Milliseconds()

	if err != nil {
		xerr := &ExtractionError{Entity: ref, Query: u.Query, Err: err}
		u.Status = artifact.UnitFailed
		u.Error = xerr.Error()
		log.Warnw("Entity extraction failed", "error", logger.SanitizeError(err), "timeout", IsTimeout(err))
		return u
	}
	u.Status = artifact.UnitOK
	if u.Reference {
		log.Infow("Entity extracted as reference data, not scope-filtered", "rows", u.Rows)
	} else {
		log.Infow("Entity extracted", "rows", u.Rows, "bytes", u.Bytes, "scope", u.Scope)
	}
	return u
}

func (x *Extractor) extractRelational(ctx context.Context, ds *artifact.Dataset, res graph.ScopeResolution, extracted map[catalog.EntityRef]bool, u *artifact.ExtractionUnit) error {
	src, ok := x.sources[res.Entity.Store]
	if !ok || src.DB == nil {
		return fmt.Errorf("store %s is not connected", res.Entity.Store)
	}
	queries, err := x.queriesFor(ds, src.Dialect, res, extracted)
	if err != nil {
		return err
	}
	if len(queries) > 0 {
		u.Query = queries[0].SQL
		if len(queries) > 1 {
			u.Query = fmt.Sprintf("%s (+%d more chunks)", u.Query, len(queries)-1)
		}
	}

	rw, err := ds.Create(res.Entity, u.Columns)
	if err != nil {
		return err
	}
	for _, q := range queries {
		if err := x.stream(ctx, src, q, rw); err != nil {
			rw.Close()
			return err
		}
	}
	if err := rw.Close(); err != nil {
		return err
	}
	u.Rows = rw.Rows()
	u.Bytes = rw.Bytes()
	return nil
}

// queriesFor builds the statements of one relational entity.
func (x *Extractor) queriesFor(ds *artifact.Dataset, d sqlutil.Dialect, res graph.ScopeResolution, extracted map[catalog.EntityRef]bool) ([]Query, error) {
	e, ok := x.cat.Entity(res.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %s not in catalog", res.Entity)
	}
	switch res.Mode {
	case graph.ScopeDirect:
		return []Query{DirectQuery(d, e, x.opts.Scope.Key, x.opts.Scope.Value)}, nil
	case graph.ScopeReference:
		return []Query{ReferenceQuery(d, e)}, nil
	}

	if !crossesStores(res.Path) {
		q, err := PathQuery(d, x.cat, res, x.opts.Scope.Key, x.opts.Scope.Value)
		if err != nil {
			return nil, err
		}
		return []Query{q}, nil
	}

	// A path that leaves the store is resolved by value: the first hop's
	// parent was extracted earlier, so its keys bound this entity.
	hop := res.Path[0]
	if !extracted[hop.Parent] {
		return nil, fmt.Errorf("parent %s was not extracted", hop.Parent)
	}
	parentRows, err := ds.ReadRows(hop.Parent)
	if err != nil {
		return nil, err
	}
	keys := types.NewKeySet(parentRows, hop.FK.TargetColumns).Sorted()
	return KeyQueries(d, e, hop.FK.Columns, keys, x.opts.BatchSize), nil
}

func crossesStores(path []*graph.Edge) bool {
	for _, e := range path {
		if e.CrossStore() {
			return true
		}
	}
	return false
}

// stream runs q under the store timeout and writes every row.
func (x *Extractor) stream(ctx context.Context, src *Source, q Query, rw *artifact.RowWriter) error {
	if err := x.wait(ctx, src.Name); err != nil {
		return err
	}
	ctx, cancel := x.withTimeout(ctx)
	defer cancel()

	rows, err := src.DB.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			row[c] = types.Normalize(vals[i])
		}
		if err := rw.Write(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

func (x *Extractor) wait(ctx context.Context, store string) error {
	if l, ok := x.limiters[store]; ok {
		return l.Wait(ctx)
	}
	return nil
}

func (x *Extractor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, x.opts.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

// IsTimeout reports whether err came from a store call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
