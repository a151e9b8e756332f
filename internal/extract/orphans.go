package extract

import (
	"strconv"
	"strings"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/types"
)

// checkOrphans confirms every extracted child key has its parent in the
// extracted parent set. Violations are warnings; validation classifies them.
func (x *Extractor) checkOrphans(ds *artifact.Dataset, m *artifact.ExtractionManifest) []artifact.OrphanWarning {
	ok := make(map[catalog.EntityRef]bool, len(m.Units))
	for _, u := range m.Units {
		ok[u.Entity] = u.Status == artifact.UnitOK
	}

	parentKeys := make(map[string]types.KeySet)
	keysOf := func(ref catalog.EntityRef, cols []string) (types.KeySet, error) {
		id := ref.String() + "(" + strings.Join(cols, ",") + ")"
		if ks, found := parentKeys[id]; found {
			return ks, nil
		}
		ks := make(types.KeySet)
		err := ds.Scan(ref, func(r types.Row) error {
			if k, ok := types.TupleKey(r, cols); ok {
				ks.Add(k)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		parentKeys[id] = ks
		return ks, nil
	}

	var warnings []artifact.OrphanWarning
	for _, u := range m.Units {
		if !ok[u.Entity] {
			continue
		}
		for _, edge := range x.g.EdgesFrom(u.Entity) {
			if edge.Unvalidated || !ok[edge.Parent] {
				continue
			}
			parents, err := keysOf(edge.Parent, edge.FK.TargetColumns)
			if err != nil {
				x.log.Warnw("Orphan check skipped", "edge", edge.Label(), "error", err)
				continue
			}

			w := artifact.OrphanWarning{Child: edge.Child, Parent: edge.Parent, Columns: edge.FK.Columns}
			var n int64
			err = ds.Scan(u.Entity, func(r types.Row) error {
				n++
				k, ok := types.TupleKey(r, edge.FK.Columns)
				if !ok || parents.Has(k) {
					return nil
				}
				w.Count++
				if len(w.Samples) < x.opts.MaxSamples {
					w.Samples = append(w.Samples, sampleID(r, u.PrimaryKey, n))
				}
				return nil
			})
			if err != nil {
				x.log.Warnw("Orphan check skipped", "edge", edge.Label(), "error", err)
				continue
			}
			if w.Count > 0 {
				x.log.Warnw("Extracted rows reference parents outside the extracted set",
					"edge", edge.Label(), "orphans", w.Count)
				warnings = append(warnings, w)
			}
		}
	}
	return warnings
}

func sampleID(r types.Row, pk []string, n int64) string {
	if k, ok := types.TupleKey(r, pk); ok && len(pk) > 0 {
		return types.DisplayKey(k)
	}
	return "row " + strconv.FormatInt(n, 10)
}
