package load

import (
	"fmt"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/graph"
)

// Plan builds the load plan of an anonymized dataset. order lists the
// entities to load parents first; an empty order loads the manifest order.
// Entities that cannot be loaded stay in the plan with Skip set and a
// reason, so the report accounts for every entity.
func (l *Loader) Plan(m *artifact.AnonymizedManifest, order []catalog.EntityRef) (*artifact.LoadPlan, error) {
	if len(order) == 0 {
		order = m.Order
	}
	if err := graph.CheckOrder(l.g, order); err != nil {
		return nil, err
	}
	if !config.ValidStrategy(l.opts.Strategy) {
		return nil, fmt.Errorf("unknown load strategy %q", l.opts.Strategy)
	}

	plan := &artifact.LoadPlan{RunID: m.RunID, Scope: m.Scope, Strategy: l.opts.Strategy}
	for i, ref := range order {
		entry := artifact.LoadPlanEntry{Position: i + 1, Entity: ref, Strategy: l.strategyFor(ref)}
		if !config.ValidStrategy(entry.Strategy) {
			return nil, fmt.Errorf("unknown load strategy %q for %s", entry.Strategy, ref)
		}
		g, skip := l.guardOf(m, ref)
		if skip != "" {
			entry.Skip, entry.Reason = true, skip
		} else {
			entry.Guard = g.Describe()
			e, _ := l.cat.Entity(ref)
			if entry.Strategy != config.StrategyInsert && len(e.PrimaryKey) == 0 {
				entry.Reason = fmt.Sprintf("no primary key, %s falls back to insert", entry.Strategy)
				entry.Strategy = config.StrategyInsert
			}
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

// guardOf resolves the guard of ref, or the reason it cannot be loaded.
func (l *Loader) guardOf(m *artifact.AnonymizedManifest, ref catalog.EntityRef) (Guard, string) {
	u, ok := m.Unit(ref)
	switch {
	case !ok:
		return Guard{}, "not in the anonymized dataset"
	case u.Status != artifact.UnitOK:
		return Guard{}, "extraction " + u.Status
	case u.Reference:
		return Guard{}, "reference data carries no scope predicate"
	}
	if _, ok := l.cat.Entity(ref); !ok {
		return Guard{}, "not in the catalog"
	}
	res := graph.ResolveScope(l.cat, l.g, ref, m.Scope.Key)
	g, err := guardFor(res, m.Scope.Key)
	if err != nil {
		return Guard{}, err.Error()
	}
	return g, ""
}

// strategyFor applies the per-entity overrides, matched on store.entity
// first and the bare entity name second.
func (l *Loader) strategyFor(ref catalog.EntityRef) string {
	if s, ok := l.opts.Overrides[ref.String()]; ok && s != "" {
		return s
	}
	if s, ok := l.opts.Overrides[ref.Name]; ok && s != "" {
		return s
	}
	return l.opts.Strategy
}
