package extract

import (
	"context"
	"fmt"

	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graph"
	"github.com/dbsmedya/goscope/internal/types"
)

// Estimate is the expected row count of one entity. Rows is -1 when the
// count needs data from another store that a dry run does not read.
type Estimate struct {
	Entity catalog.EntityRef `json:"entity"`
	Scope  string            `json:"scope"`
	Rows   int64             `json:"rows"`
	Error  string            `json:"error,omitempty"`
}

// Estimate counts the scoped rows of every entity without extracting them.
func (x *Extractor) Estimate(ctx context.Context, order []catalog.EntityRef) []Estimate {
	scopes := graph.ResolveAll(x.cat, x.g, order, x.opts.Scope.Key)
	out := make([]Estimate, 0, len(order))
	for _, ref := range order {
		if ctx.Err() != nil {
			break
		}
		res := scopes[ref]
		est := Estimate{Entity: ref, Scope: res.Describe()}
		n, err := x.estimateEntity(ctx, res)
		if err != nil {
			est.Rows = -1
			est.Error = err.Error()
		} else {
			est.Rows = n
		}
		out = append(out, est)
	}
	return out
}

func (x *Extractor) estimateEntity(ctx context.Context, res graph.ScopeResolution) (int64, error) {
	src, ok := x.sources[res.Entity.Store]
	if !ok {
		return 0, fmt.Errorf("store %s is not connected", res.Entity.Store)
	}

	if res.Mode == graph.ScopeTraversal {
		if src.Graph == nil {
			return 0, fmt.Errorf("graph store %s is not connected", res.Entity.Store)
		}
		e, ok := x.cat.Entity(res.Entity)
		if !ok {
			return 0, fmt.Errorf("entity %s not in catalog", res.Entity)
		}
		t := x.fetchSubgraph(ctx, src)
		if t.err != nil {
			return 0, t.err
		}
		return int64(len(splitSubgraph(t.sg, e))), nil
	}

	if src.DB == nil {
		return 0, fmt.Errorf("store %s is not connected", res.Entity.Store)
	}
	if res.Mode == graph.ScopePath && crossesStores(res.Path) {
		return 0, fmt.Errorf("scope path crosses stores")
	}
	queries, err := x.queriesFor(nil, src.Dialect, res, nil)
	if err != nil {
		return 0, err
	}
	q := CountQuery(queries[0])

	if err := x.wait(ctx, src.Name); err != nil {
		return 0, err
	}
	cctx, cancel := x.withTimeout(ctx)
	defer cancel()
	var n any
	if err := src.DB.QueryRowContext(cctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return types.ToInt64(types.Normalize(n)), nil
}
