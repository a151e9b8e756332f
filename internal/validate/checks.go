package validate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/types"
)

// checkSchema checks type compatibility, NOT NULL and configured value
// ranges of every column, and flags negative surrogate ids.
func checkSchema(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	limit := s.v.opts.MaxSamples

	for _, u := range s.units {
		e, ok := s.v.cat.Entity(u.Entity)
		if !ok {
			out = append(out, artifact.Finding{
				Check: artifact.CheckSchema, Severity: artifact.SeverityWarning,
				Entity: u.Entity.String(), Message: "entity is not in the catalog; columns were not checked",
			})
			continue
		}
		var ranges []ValueRange
		for _, vr := range s.v.opts.Rules.ValueRanges {
			if matches(vr.Store, vr.Table, u.Entity) {
				ranges = append(ranges, vr)
			}
		}
		var idCol *catalog.Column
		if len(e.PrimaryKey) == 1 {
			if c, ok := e.Column(e.PrimaryKey[0]); ok && c.Type == types.TypeInteger {
				idCol = c
			}
		}

		badType := make(map[string]*tally)
		badNull := make(map[string]*tally)
		badRange := make(map[string]*tally)
		negative := &tally{}
		bump := func(m map[string]*tally, col string, id func() string) {
			t, ok := m[col]
			if !ok {
				t = &tally{}
				m[col] = t
			}
			t.add(id, limit)
		}

		err := s.scan(ctx, u.Entity, func(id func() string, r types.Row) {
			for _, c := range e.Columns {
				v := r[c.Name]
				if v == nil {
					if !c.Nullable {
						bump(badNull, c.Name, id)
					}
					continue
				}
				if !types.Compatible(c.Type, v) {
					bump(badType, c.Name, id)
				}
			}
			for _, vr := range ranges {
				if v := r[vr.Column]; v != nil && !inRange(vr, v) {
					bump(badRange, vr.Column, id)
				}
			}
			if idCol != nil {
				if f, ok := types.ToFloat64(r[idCol.Name]); ok && f < 0 {
					negative.add(id, limit)
				}
			}
		})
		if err != nil {
			return out, err
		}

		for _, c := range e.Columns {
			if t := badType[c.Name]; t != nil {
				out = append(out, finding(artifact.CheckSchema, artifact.SeverityError, u.Entity, c.Name, "", t,
					fmt.Sprintf("%d values of %s are not compatible with type %s", t.count, c.Name, c.Type)))
			}
			if t := badNull[c.Name]; t != nil {
				out = append(out, finding(artifact.CheckSchema, artifact.SeverityError, u.Entity, c.Name, "", t,
					fmt.Sprintf("%d NULL values in NOT NULL column %s", t.count, c.Name)))
			}
		}
		for _, vr := range ranges {
			if t := badRange[vr.Column]; t != nil {
				out = append(out, finding(artifact.CheckSchema, artifact.SeverityError, u.Entity, vr.Column, "value_range", t,
					fmt.Sprintf("%d values of %s outside %s", t.count, vr.Column, describeRange(vr))))
				delete(badRange, vr.Column)
			}
		}
		if negative.count > 0 {
			out = append(out, finding(artifact.CheckSchema, artifact.SeverityWarning, u.Entity, idCol.Name, "negative_id", negative,
				fmt.Sprintf("%d negative %s values", negative.count, idCol.Name)))
		}
	}
	return out, nil
}

func inRange(vr ValueRange, v any) bool {
	if len(vr.Allowed) > 0 && !slices.Contains(vr.Allowed, types.KeyString(v)) {
		return false
	}
	if vr.Min == nil && vr.Max == nil {
		return true
	}
	f, ok := types.ToFloat64(v)
	if !ok {
		return false
	}
	return (vr.Min == nil || f >= *vr.Min) && (vr.Max == nil || f <= *vr.Max)
}

func describeRange(vr ValueRange) string {
	var parts []string
	if vr.Min != nil || vr.Max != nil {
		lo, hi := "-inf", "+inf"
		if vr.Min != nil {
			lo = fmt.Sprint(*vr.Min)
		}
		if vr.Max != nil {
			hi = fmt.Sprint(*vr.Max)
		}
		parts = append(parts, "["+lo+", "+hi+"]")
	}
	if len(vr.Allowed) > 0 {
		parts = append(parts, "{"+strings.Join(vr.Allowed, ", ")+"}")
	}
	return strings.Join(parts, " and ")
}

// checkReferential requires every non-null foreign key of a child to exist
// among the parent's keys. Edges broken to resolve cycles are skipped.
func checkReferential(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	for _, edge := range s.v.g.Edges() {
		if edge.Unvalidated {
			s.v.log.Debugw("Skipping unvalidated edge", "edge", edge.String())
			continue
		}
		if _, ok := s.avail[edge.Child]; !ok {
			continue
		}
		if _, ok := s.avail[edge.Parent]; !ok {
			out = append(out, artifact.Finding{
				Check: artifact.CheckReferentialIntegrity, Severity: artifact.SeverityWarning,
				Entity: edge.Child.String(), Column: strings.Join(edge.FK.Columns, ","), Rule: edge.Label(),
				Message: fmt.Sprintf("parent %s is not in the dataset; edge not checked", edge.Parent),
			})
			continue
		}

		parents, err := s.keySet(edge.Parent, edge.FK.TargetColumns)
		if err != nil {
			return out, err
		}
		orphans := &tally{}
		err = s.scan(ctx, edge.Child, func(id func() string, r types.Row) {
			if k, ok := types.TupleKey(r, edge.FK.Columns); ok && !parents.Has(k) {
				orphans.add(id, s.v.opts.MaxSamples)
			}
		})
		if err != nil {
			return out, err
		}
		if orphans.count > 0 {
			out = append(out, finding(artifact.CheckReferentialIntegrity, artifact.SeverityError,
				edge.Child, strings.Join(edge.FK.Columns, ","), edge.Label(), orphans,
				fmt.Sprintf("%d rows of %s reference %s rows that are not in the dataset",
					orphans.count, edge.Child, edge.Parent)))
		}
	}
	return out, nil
}

// checkUniqueness finds duplicate primary keys and unique index tuples.
// Tuples with a NULL part are not compared.
func checkUniqueness(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	for _, u := range s.units {
		e, ok := s.v.cat.Entity(u.Entity)
		if !ok {
			continue
		}
		type keyDef struct {
			name string
			cols []string
		}
		var defs []keyDef
		seenCols := make(map[string]bool)
		addDef := func(name string, cols []string) {
			id := strings.Join(cols, ",")
			if len(cols) == 0 || seenCols[id] {
				return
			}
			seenCols[id] = true
			defs = append(defs, keyDef{name, cols})
		}
		addDef("primary key", e.PrimaryKey)
		for _, idx := range e.Indexes {
			if idx.Unique {
				addDef("unique index "+idx.Name, idx.Columns)
			}
		}
		if len(defs) == 0 {
			continue
		}

		seen := make([]map[string]bool, len(defs))
		dups := make([]*tally, len(defs))
		for i := range defs {
			seen[i] = make(map[string]bool)
			dups[i] = &tally{}
		}
		err := s.scan(ctx, u.Entity, func(id func() string, r types.Row) {
			for i, d := range defs {
				k, ok := types.TupleKey(r, d.cols)
				if !ok {
					continue
				}
				if seen[i][k] {
					dups[i].add(id, s.v.opts.MaxSamples)
					continue
				}
				seen[i][k] = true
			}
		})
		if err != nil {
			return out, err
		}
		for i, d := range defs {
			if dups[i].count > 0 {
				out = append(out, finding(artifact.CheckUniqueness, artifact.SeverityError,
					u.Entity, strings.Join(d.cols, ","), d.name, dups[i],
					fmt.Sprintf("%d duplicate %s tuples", dups[i].count, d.name)))
			}
		}
	}
	return out, nil
}

// checkBusinessRules evaluates every configured predicate row by row.
func checkBusinessRules(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	for _, rule := range s.v.opts.Rules.BusinessRules {
		var refs []catalog.EntityRef
		for _, u := range s.units {
			if matches(rule.Store, rule.Table, u.Entity) {
				refs = append(refs, u.Entity)
			}
		}
		if len(refs) == 0 {
			out = append(out, artifact.Finding{
				Check: artifact.CheckBusinessRules, Severity: artifact.SeverityInfo, Rule: rule.Name,
				Message: fmt.Sprintf("table %s is not in the dataset; rule not evaluated", rule.Table),
			})
			continue
		}

		for _, ref := range refs {
			u := s.avail[ref]
			if missing := missingColumns(u.Columns, rule.cond.Columns()); len(missing) > 0 {
				out = append(out, artifact.Finding{
					Check: artifact.CheckBusinessRules, Severity: artifact.SeverityError,
					Entity: ref.String(), Rule: rule.Name,
					Message: fmt.Sprintf("rule references unknown columns %s", strings.Join(missing, ", ")),
				})
				continue
			}
			failed := &tally{}
			err := s.scan(ctx, ref, func(id func() string, r types.Row) {
				if !rule.cond.Holds(r) {
					failed.add(id, s.v.opts.MaxSamples)
				}
			})
			if err != nil {
				return out, err
			}
			if failed.count > 0 {
				what := rule.Description
				if what == "" {
					what = rule.Condition
				}
				out = append(out, finding(artifact.CheckBusinessRules, artifact.Severity(rule.Severity),
					ref, "", rule.Name, failed,
					fmt.Sprintf("%d records failed rule: %s", failed.count, what)))
			}
		}
	}
	return out, nil
}

func missingColumns(have, want []string) []string {
	var out []string
	for _, c := range want {
		if !slices.Contains(have, c) {
			out = append(out, c)
		}
	}
	return out
}

// checkCompleteness compares anonymized row counts with the extracted
// counts, reports entities that never made it into the dataset, and
// applies the required-field rules.
func checkCompleteness(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	tol := s.v.opts.CompletenessTolerance

	for _, ms := range s.m.MissingStores {
		out = append(out, artifact.Finding{
			Check: artifact.CheckCompleteness, Severity: artifact.SeverityWarning,
			Rule: "store", Entity: ms.Name,
			Message: "store was unreachable during extraction: " + ms.Reason,
		})
	}
	for _, u := range s.m.Units {
		if _, ok := s.avail[u.Entity]; ok {
			continue
		}
		msg := fmt.Sprintf("entity is %s and not in the dataset", u.Status)
		if u.Error != "" {
			msg += ": " + u.Error
		}
		out = append(out, artifact.Finding{
			Check: artifact.CheckCompleteness, Severity: artifact.SeverityWarning,
			Entity: u.Entity.String(), Rule: "entity", Message: msg,
		})
	}

	for _, u := range s.units {
		var n int64
		if err := s.scan(ctx, u.Entity, func(func() string, types.Row) { n++ }); err != nil {
			return out, err
		}
		orig := u.OriginalRows
		var dev float64
		switch {
		case orig > 0:
			dev = math.Abs(float64(n-orig)) / float64(orig)
		case n > 0:
			dev = 1
		}
		if dev > tol {
			out = append(out, artifact.Finding{
				Check: artifact.CheckCompleteness, Severity: artifact.SeverityWarning,
				Entity: u.Entity.String(), Rule: "row_count",
				Count: int(math.Abs(float64(n - orig))),
				Message: fmt.Sprintf("%d rows after anonymization, %d extracted (%.1f%% deviation, tolerance %.1f%%)",
					n, orig, dev*100, tol*100),
			})
		}
	}

	for _, rule := range s.v.opts.Rules.CompletenessRules {
		for _, u := range s.units {
			if !matches(rule.Store, rule.Table, u.Entity) {
				continue
			}
			nulls := make([]*tally, len(rule.RequiredFields))
			for i := range nulls {
				nulls[i] = &tally{}
			}
			err := s.scan(ctx, u.Entity, func(id func() string, r types.Row) {
				for i, f := range rule.RequiredFields {
					if r[f] == nil {
						nulls[i].add(id, s.v.opts.MaxSamples)
					}
				}
			})
			if err != nil {
				return out, err
			}
			for i, f := range rule.RequiredFields {
				if !slices.Contains(u.Columns, f) {
					out = append(out, artifact.Finding{
						Check: artifact.CheckCompleteness, Severity: artifact.SeverityError,
						Entity: u.Entity.String(), Column: f, Rule: rule.Name,
						Message: fmt.Sprintf("required field %s is missing", f),
					})
					continue
				}
				if t := nulls[i]; t.count > 0 {
					out = append(out, finding(artifact.CheckCompleteness, artifact.Severity(rule.Severity),
						u.Entity, f, rule.Name, t,
						fmt.Sprintf("required field %s has %d NULL values", f, t.count)))
				}
			}
		}
	}
	return out, nil
}

// checkCrossStore compares identifier sets of configured cross-store
// groups and confirms every scoped entity holds only the run's scope value.
func checkCrossStore(ctx context.Context, s *session) ([]artifact.Finding, error) {
	var out []artifact.Finding
	tol := s.v.opts.CrossStoreTolerance

	for _, g := range s.v.opts.Rules.CrossStore {
		sets := make([]types.KeySet, len(g.Members))
		refs := make([]catalog.EntityRef, len(g.Members))
		complete := true
		for i, m := range g.Members {
			ref, _ := catalog.ParseRef(m.Entity)
			refs[i] = ref
			if _, ok := s.avail[ref]; !ok {
				out = append(out, artifact.Finding{
					Check: artifact.CheckCrossStore, Severity: artifact.SeverityWarning,
					Entity: m.Entity, Column: m.Column, Rule: g.Name,
					Message: "group member is not in the dataset",
				})
				complete = false
				continue
			}
			if err := ctx.Err(); err != nil {
				return out, err
			}
			ks, err := s.keySet(ref, []string{m.Column})
			if err != nil {
				return out, err
			}
			sets[i] = ks
		}
		if !complete {
			continue
		}

		for i := 1; i < len(sets); i++ {
			onlyA := sets[0].Difference(sets[i])
			onlyB := sets[i].Difference(sets[0])
			diff := len(onlyA) + len(onlyB)
			denom := max(len(sets[0]), len(sets[i]))
			if diff == 0 || denom == 0 {
				continue
			}
			share := float64(diff) / float64(denom)
			if share <= tol {
				continue
			}
			var samples []string
			for _, k := range append(onlyA.Sorted(), onlyB.Sorted()...) {
				if len(samples) == s.v.opts.MaxSamples {
					break
				}
				samples = append(samples, types.DisplayKey(k))
			}
			out = append(out, artifact.Finding{
				Check: artifact.CheckCrossStore, Severity: artifact.SeverityWarning,
				Entity: refs[i].String(), Column: g.Members[i].Column, Rule: g.Name,
				Count: diff, Samples: samples,
				Message: fmt.Sprintf("%s and %s differ by %d identifiers (%.1f%%, tolerance %.1f%%)",
					refs[0], refs[i], diff, share*100, tol*100),
			})
		}
	}

	key, value := s.m.Scope.Key, s.m.Scope.Value
	if key == "" {
		return out, nil
	}
	for _, u := range s.units {
		if u.Reference || !slices.Contains(u.Columns, key) {
			continue
		}
		drift := &tally{}
		err := s.scan(ctx, u.Entity, func(id func() string, r types.Row) {
			if v := r[key]; v != nil && types.KeyString(v) != value {
				drift.add(id, s.v.opts.MaxSamples)
			}
		})
		if err != nil {
			return out, err
		}
		if drift.count > 0 {
			out = append(out, finding(artifact.CheckCrossStore, artifact.SeverityWarning,
				u.Entity, key, "scope", drift,
				fmt.Sprintf("%d rows carry a %s other than %s", drift.count, key, value)))
		}
	}
	return out, nil
}

func finding(check string, sev artifact.Severity, ref catalog.EntityRef, column, rule string, t *tally, msg string) artifact.Finding {
	return artifact.Finding{
		Check:    check,
		Severity: sev,
		Entity:   ref.String(),
		Column:   column,
		Rule:     rule,
		Count:    t.count,
		Samples:  t.samples,
		Message:  msg,
	}
}
