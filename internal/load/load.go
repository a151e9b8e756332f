// Package load replays an anonymized dataset into the target stores, one
// transaction per store, with every write bound to the run scope.
package load

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// Connector opens target stores on first use. The loader only calls it once
// the precondition holds.
type Connector interface {
	Relational(ctx context.Context, target string) (*sql.DB, sqlutil.Dialect, error)
	Graph(ctx context.Context, target string) (graphstore.Client, error)
}

// Options configure a load.
type Options struct {
	Strategy string
	// Overrides maps store.entity or entity to a conflict strategy.
	Overrides map[string]string
	// Targets maps a source store to its target store. Unmapped stores load
	// into the target of the same name.
	Targets      map[string]string
	VerifyCounts bool
	AdvisoryLock bool
	LockTimeout  time.Duration
	// StoreTimeout bounds every statement. A timeout rolls the store back.
	StoreTimeout time.Duration
	// BatchSize bounds key lists and graph write batches.
	BatchSize int
}

// Loader writes datasets into target stores.
type Loader struct {
	cat  *catalog.Catalog
	g    *graph.Graph
	conn Connector
	opts Options
	log  *logger.Logger
}

// New creates a loader for datasets extracted with cat.
func New(cat *catalog.Catalog, conn Connector, opts Options, log *logger.Logger) (*Loader, error) {
	g, _, err := graph.BuildOrdered(cat)
	if err != nil {
		return nil, err
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyInsert
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	return &Loader{cat: cat, g: g, conn: conn, opts: opts, log: log.WithPhase("load")}, nil
}

// CheckPrecondition refuses datasets whose validation failed or is missing.
func CheckPrecondition(v *artifact.ValidationReport, m *artifact.AnonymizedManifest) error {
	if v == nil {
		return &PreconditionError{Reason: "the dataset has no validation report"}
	}
	if v.Status == artifact.StatusFailed {
		return &PreconditionError{Status: v.Status}
	}
	if v.Status != artifact.StatusPassed && v.Status != artifact.StatusPassedWithWarnings {
		return &PreconditionError{Status: v.Status, Reason: fmt.Sprintf("unknown validation status %q", v.Status)}
	}
	if m != nil && v.RunID != "" && m.RunID != "" && v.RunID != m.RunID {
		return &PreconditionError{Status: v.Status, Reason: fmt.Sprintf("validation report belongs to run %s, dataset to run %s", v.RunID, m.RunID)}
	}
	return nil
}

// Load writes the dataset in dataDir following plan. Stores load
// concurrently, each in its own transaction; a store failure rolls back
// that store only and is reported on its StoreResult. The returned error is
// the precondition failure, or a *TransactionError when any store rolled back.
func (l *Loader) Load(ctx context.Context, v *artifact.ValidationReport, m *artifact.AnonymizedManifest, dataDir string, plan *artifact.LoadPlan) (*artifact.LoadReport, error) {
	if err := CheckPrecondition(v, m); err != nil {
		l.log.Errorw("Load refused", "error", err)
		return nil, err
	}

	start := time.Now()
	report := &artifact.LoadReport{RunID: m.RunID, Scope: m.Scope, StartedAt: start.UTC()}
	for _, e := range plan.Entries {
		if e.Skip {
			report.Skipped = append(report.Skipped, e.Entity.String())
		}
	}

	ld := &run{
		l:       l,
		m:       m,
		ds:      artifact.OpenDataset(dataDir),
		anchors: newAnchors(artifact.OpenDataset(dataDir), m.Scope.Key),
		scope:   m.Scope,
	}
	stores := plan.Stores()
	results := make([]artifact.StoreResult, len(stores))

	l.log.Infow("Load started", "stores", len(stores), "entities", len(plan.Entries),
		"strategy", plan.Strategy, "skipped", len(report.Skipped))

	var eg errgroup.Group
	for i, store := range stores {
		eg.Go(func() error {
			results[i] = ld.loadStore(ctx, store, plan.ForStore(store))
			return nil
		})
	}
	_ = eg.Wait()

	var failed *TransactionError
	for _, r := range results {
		report.Stores = append(report.Stores, r)
		switch r.State {
		case artifact.TxCommitted:
			report.Committed = append(report.Committed, r.Store)
		case artifact.TxRolledBack:
			report.RolledBack = append(report.RolledBack, r.Store)
			report.Errors = append(report.Errors, artifact.RunError{
				Phase: "load", Store: r.Store, Entity: r.FailedEntity,
				Kind: "LoadTransactionError", Message: r.Error,
			})
			if failed == nil {
				failed = &TransactionError{Store: r.Store, Entity: r.FailedEntity, Row: r.FailedRow, Err: errors.New(r.Error)}
			}
		}
	}
	report.DurationMS = time.Since(start).Milliseconds()

	l.log.Infow("Load finished",
		"committed", len(report.Committed),
		"rolled_back", len(report.RolledBack),
		"duration", time.Since(start))
	if failed != nil {
		return report, failed
	}
	return report, nil
}

// run is the state of one Load call.
type run struct {
	l       *Loader
	m       *artifact.AnonymizedManifest
	ds      *artifact.Dataset
	anchors *anchors
	scope   artifact.Scope
}

func (r *run) target(store string) string {
	if t, ok := r.l.opts.Targets[store]; ok && t != "" {
		return t
	}
	return store
}

// loadStore loads the entries of one store in plan order.
func (r *run) loadStore(ctx context.Context, store string, entries []artifact.LoadPlanEntry) artifact.StoreResult {
	start := time.Now()
	res := artifact.StoreResult{Store: store, Target: r.target(store)}
	log := r.l.log.WithStore(store)

	active := 0
	for _, e := range entries {
		if e.Skip {
			res.Entities = append(res.Entities, artifact.EntityResult{Entity: e.Entity, Strategy: e.Strategy, Skipped: true, Reason: e.Reason})
		} else {
			active++
		}
	}
	if active == 0 {
		res.State = artifact.TxSkipped
		return res
	}

	var err error
	if r.l.cat.Kind(entries[0].Entity) == catalog.Graph {
		err = r.loadGraph(ctx, &res, entries)
	} else {
		err = r.loadRelational(ctx, &res, entries)
	}
	sortByPosition(res.Entities, entries)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.State = artifact.TxRolledBack
		res.Error = err.Error()
		var re *rowError
		if errors.As(err, &re) {
			res.FailedRow = re.row
		}
		log.Errorw("Store load rolled back", "target", res.Target,
			"entity", res.FailedEntity, "row", res.FailedRow, "error", err)
		return res
	}
	res.State = artifact.TxCommitted
	log.Infow("Store load committed", "target", res.Target, "entities", active, "duration", time.Since(start))
	return res
}

func (r *run) loadRelational(ctx context.Context, res *artifact.StoreResult, entries []artifact.LoadPlanEntry) error {
	db, dialect, err := r.l.conn.Relational(ctx, res.Target)
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	defer conn.Close()

	if !r.l.opts.AdvisoryLock {
		return r.inTransaction(ctx, conn, dialect, res, entries)
	}
	lock := NewAdvisoryLock(conn, dialect, LockName(res.Target, r.scope))
	return lock.WithLock(ctx, r.l.opts.LockTimeout, func() error {
		return r.inTransaction(ctx, conn, dialect, res, entries)
	})
}

func (r *run) inTransaction(ctx context.Context, conn *sql.Conn, d sqlutil.Dialect, res *artifact.StoreResult, entries []artifact.LoadPlanEntry) (err error) {
	log := r.l.log.WithStore(res.Store)
	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &scopedTx{tx: sqlTx, dialect: d, scope: r.scope.Value, timeout: r.l.opts.StoreTimeout, log: log}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Errorw("Rollback failed", "error", rbErr)
			}
		}
	}()

	deferred := r.needsDeferredChecks(entries)
	if deferred {
		if err := tx.deferForeignKeys(ctx); err != nil {
			return err
		}
	}

	first := len(res.Entities)
	var loaded [][]string
	for _, e := range entries {
		if e.Skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.FailedEntity = e.Entity.String()
			return fmt.Errorf("load cancelled: %w", err)
		}
		er, keys, err := r.loadEntity(ctx, tx, e)
		res.Entities = append(res.Entities, er)
		if err != nil {
			res.FailedEntity = e.Entity.String()
			return err
		}
		loaded = append(loaded, keys)
	}

	if r.l.opts.VerifyCounts {
		for i, keys := range loaded {
			er := &res.Entities[first+i]
			if err := r.verify(ctx, tx, er, keys); err != nil {
				res.FailedEntity = er.Entity.String()
				return err
			}
		}
	}
	if deferred {
		if err := tx.restoreForeignKeys(ctx); err != nil {
			return err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// needsDeferredChecks reports whether a broken cycle edge joins two
// entities loaded into the same transaction.
func (r *run) needsDeferredChecks(entries []artifact.LoadPlanEntry) bool {
	in := make(map[catalog.EntityRef]bool, len(entries))
	for _, e := range entries {
		if !e.Skip {
			in[e.Entity] = true
		}
	}
	for _, edge := range r.l.g.Unvalidated() {
		if in[edge.Child] && in[edge.Parent] {
			return true
		}
	}
	return false
}

// loadEntity applies one entity with its strategy and returns the primary
// keys it wrote.
func (r *run) loadEntity(ctx context.Context, tx *scopedTx, entry artifact.LoadPlanEntry) (artifact.EntityResult, []string, error) {
	ref := entry.Entity
	er := artifact.EntityResult{Entity: ref, Strategy: entry.Strategy}
	log := r.l.log.WithEntity(ref.String())
	start := time.Now()

	e, ok := r.l.cat.Entity(ref)
	if !ok {
		return er, nil, fmt.Errorf("entity %s not in catalog", ref)
	}
	if u, ok := r.m.Unit(ref); ok {
		er.Expected = u.Rows
	}
	res := graph.ResolveScope(r.l.cat, r.l.g, ref, r.scope.Key)
	g, err := guardFor(res, r.scope.Key)
	if err != nil {
		return er, nil, err
	}
	pred := &predicate{d: tx.dialect, cat: r.l.cat, g: g, scope: r.scope.Value}
	w := newWriter(tx.dialect, e, pred)

	var existing types.KeySet
	if entry.Strategy == config.StrategyMerge {
		if existing, err = r.existingKeys(ctx, tx, e); err != nil {
			return er, nil, err
		}
	}

	var keys []string
	var n int64
	err = r.ds.Scan(ref, func(row types.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		id := rowLabel(row, e.PrimaryKey, n)
		anchor, err := r.anchorOf(row, g)
		if err != nil {
			return &rowError{row: id, err: err}
		}

		pk, hasPK := types.TupleKey(row, e.PrimaryKey)
		var affected int64
		switch {
		case entry.Strategy == config.StrategyMerge && hasPK && existing.Has(pk):
			st, ok, err := w.Update(row, anchor)
			if err != nil {
				return &rowError{row: id, err: err}
			}
			if ok {
				if affected, err = tx.exec(ctx, st); err != nil {
					return &rowError{row: id, err: err}
				}
				if affected == 0 {
					in, err := r.storedInScope(ctx, tx, e, pred, pk)
					if err != nil {
						return &rowError{row: id, err: err}
					}
					if !in {
						return &rowError{row: id, err: errors.New("row is outside the run scope in the target")}
					}
				}
			}
			er.Updated++

		case entry.Strategy == config.StrategyUpsert:
			st, err := w.Upsert(row, anchor)
			if err != nil {
				return &rowError{row: id, err: err}
			}
			if affected, err = tx.exec(ctx, st); err != nil {
				return &rowError{row: id, err: err}
			}
			// MySQL reports 2 for an update and 0 for an unchanged row.
			// Elsewhere 0 means the guard held the row back.
			if affected == 0 && tx.dialect != sqlutil.MySQL {
				return &rowError{row: id, err: errors.New("row is outside the run scope in the target")}
			}
			if affected == 1 {
				er.Inserted++
			} else {
				er.Updated++
			}

		default:
			st, err := w.Insert(row, anchor)
			if err != nil {
				return &rowError{row: id, err: err}
			}
			if affected, err = tx.exec(ctx, st); err != nil {
				return &rowError{row: id, err: err}
			}
			if affected == 0 {
				return &rowError{row: id, err: errors.New("row is outside the run scope in the target")}
			}
			er.Inserted++
		}
		if hasPK {
			keys = append(keys, pk)
		}
		return nil
	})
	if err != nil {
		return er, nil, err
	}
	er.Written = n
	log.Debugw("Entity loaded", "strategy", entry.Strategy, "rows", n,
		"inserted", er.Inserted, "updated", er.Updated, "duration", time.Since(start))
	return er, keys, nil
}

// anchorOf returns the scope value row reaches and refuses rows that do
// not reach the run scope.
func (r *run) anchorOf(row types.Row, g Guard) (string, error) {
	switch g.Kind {
	case GuardColumn:
		v, ok := row[g.ScopeKey]
		if !ok || v == nil {
			return "", fmt.Errorf("scope column %s is null", g.ScopeKey)
		}
		if s := types.KeyString(v); s != r.scope.Value {
			return "", fmt.Errorf("scope column %s is %q, run scope is %q", g.ScopeKey, s, r.scope.Value)
		}
		return r.scope.Value, nil
	case GuardLookup:
		v, ok, err := r.anchors.resolve(row, g.Path)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no parent row reaches %s in the dataset", g.ScopeKey)
		}
		if v != r.scope.Value {
			return "", fmt.Errorf("row belongs to %s %q, run scope is %q", g.ScopeKey, v, r.scope.Value)
		}
		return v, nil
	}
	return "", nil
}

// existingKeys pre-queries which primary keys of the dataset are already
// stored in the target.
func (r *run) existingKeys(ctx context.Context, tx *scopedTx, e *catalog.Entity) (types.KeySet, error) {
	var keys []string
	err := r.ds.Scan(e.Ref, func(row types.Row) error {
		if k, ok := types.TupleKey(row, e.PrimaryKey); ok {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	existing := make(types.KeySet)
	for _, q := range ExistingKeys(tx.dialect, e, keys, r.l.opts.BatchSize) {
		err := tx.keys(ctx, q, func(vals []any) {
			row := make(types.Row, len(vals))
			for i, c := range e.PrimaryKey {
				row[c] = types.Normalize(vals[i])
			}
			if k, ok := types.TupleKey(row, e.PrimaryKey); ok {
				existing.Add(k)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query existing keys of %s: %w", e.Ref, err)
		}
	}
	return existing, nil
}

// storedInScope tells an update held back by the guard from one that
// changed nothing. Only MySQL reports zero affected rows for the latter.
func (r *run) storedInScope(ctx context.Context, tx *scopedTx, e *catalog.Entity, pred *predicate, pk string) (bool, error) {
	if tx.dialect != sqlutil.MySQL {
		return false, nil
	}
	qs, err := CountQueries(tx.dialect, e, pred, []string{pk}, 1)
	if err != nil {
		return false, err
	}
	n, err := tx.count(ctx, qs[0])
	if err != nil {
		return false, fmt.Errorf("failed to count %s: %w", e.Ref, err)
	}
	return n > 0, nil
}

// verify recounts an entity in the target and compares the count with the
// dataset.
func (r *run) verify(ctx context.Context, tx *scopedTx, er *artifact.EntityResult, keys []string) error {
	e, _ := r.l.cat.Entity(er.Entity)
	res := graph.ResolveScope(r.l.cat, r.l.g, er.Entity, r.scope.Key)
	g, err := guardFor(res, r.scope.Key)
	if err != nil {
		return err
	}
	if len(e.PrimaryKey) == 0 && g.Kind == GuardLookup {
		er.Reason = "count not verifiable without a primary key or stored scope column"
		return nil
	}
	pred := &predicate{d: tx.dialect, cat: r.l.cat, g: g, scope: r.scope.Value}
	qs, err := CountQueries(tx.dialect, e, pred, keys, r.l.opts.BatchSize)
	if err != nil {
		return err
	}
	var total int64
	for _, q := range qs {
		n, err := tx.count(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", er.Entity, err)
		}
		total += n
	}
	er.Verified = total
	if total != er.Expected {
		return fmt.Errorf("count mismatch for %s: expected=%d, target=%d", er.Entity, er.Expected, total)
	}
	return nil
}

// sortByPosition puts entity results back in plan order.
func sortByPosition(results []artifact.EntityResult, entries []artifact.LoadPlanEntry) {
	pos := make(map[catalog.EntityRef]int, len(entries))
	for _, e := range entries {
		pos[e.Entity] = e.Position
	}
	sort.SliceStable(results, func(i, j int) bool {
		return pos[results[i].Entity] < pos[results[j].Entity]
	})
}

func rowLabel(row types.Row, pk []string, n int64) string {
	if k, ok := types.TupleKey(row, pk); ok && len(pk) > 0 {
		return types.DisplayKey(k)
	}
	return fmt.Sprintf("#%d", n)
}
