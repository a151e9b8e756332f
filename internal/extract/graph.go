package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graphstore"
)

// traversal is the subgraph of one graph store, fetched once per run and
// split into node and relationship entities.
type traversal struct {
	once  sync.Once
	sg    *graphstore.Subgraph
	err   error
	query string
}

func (x *Extractor) fetchSubgraph(ctx context.Context, src *Source) *traversal {
	t := x.traversal[src.Name]
	t.once.Do(func() {
		req := graphstore.TraversalRequest{
			RootLabel:    x.opts.GraphRootLabel,
			RootProperty: x.opts.GraphRootProperty,
			RootValue:    x.opts.Scope.Value,
			MaxDepth:     x.opts.MaxDepth,
		}
		t.query = fmt.Sprintf("traverse (:%s {%s: %q}) depth %d",
			req.RootLabel, req.RootProperty, x.opts.Scope.Value, req.MaxDepth)

		if err := x.wait(ctx, src.Name); err != nil {
			t.err = err
			return
		}
		cctx, cancel := x.withTimeout(ctx)
		defer cancel()
		t.sg, t.err = src.Graph.Traverse(cctx, req)
		if t.err == nil {
			x.log.WithStore(src.Name).Infow("Graph traversal finished",
				"nodes", len(t.sg.Nodes), "relationships", len(t.sg.Relationships))
		}
	})
	return t
}

func (x *Extractor) extractGraph(ctx context.Context, ds *artifact.Dataset, u *artifact.ExtractionUnit) error {
	src, ok := x.sources[u.Entity.Store]
	if !ok || src.Graph == nil {
		return fmt.Errorf("graph store %s is not connected", u.Entity.Store)
	}
	e, ok := x.cat.Entity(u.Entity)
	if !ok {
		return fmt.Errorf("entity %s not in catalog", u.Entity)
	}

	t := x.fetchSubgraph(ctx, src)
	u.Query = t.query
	if t.err != nil {
		return fmt.Errorf("traversal failed: %w", t.err)
	}

	rows := splitSubgraph(t.sg, e)
	rw, err := ds.Create(u.Entity, u.Columns)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := rw.Write(r); err != nil {
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

// splitSubgraph returns the rows of sg that belong to entity e, ordered by id.
func splitSubgraph(sg *graphstore.Subgraph, e *catalog.Entity) []map[string]any {
	labelOf := make(map[string]string, len(sg.Nodes))
	for _, n := range sg.Nodes {
		labelOf[n.ID] = n.PrimaryLabel()
	}

	var rows []map[string]any
	switch e.Kind {
	case catalog.KindNode:
		for _, n := range sg.Nodes {
			if labelOf[n.ID] == e.Table {
				rows = append(rows, graphstore.NodeRow(n))
			}
		}
	case catalog.KindRelationship:
		for _, r := range sg.Relationships {
			if r.Type == e.RelType && labelOf[r.StartID] == e.FromLabel && labelOf[r.EndID] == e.ToLabel {
				rows = append(rows, graphstore.RelationshipRow(r))
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i][graphstore.KeyID]) < fmt.Sprint(rows[j][graphstore.KeyID])
	})
	return rows
}
