package graph

import "github.com/dbsmedya/goscope/internal/catalog"

// Build creates the dependency graph of a catalog. Every FK target is
// known to exist: the catalog drops dangling edges.
func Build(cat *catalog.Catalog) *Graph {
	g := NewGraph()
	for _, e := range cat.Entities() {
		g.AddNode(e.Ref, cat.Kind(e.Ref))
	}
	for _, e := range cat.Entities() {
		for _, fk := range e.ForeignKeys {
			if _, ok := cat.Entity(fk.Target); !ok {
				continue
			}
			g.AddEdge(&Edge{Child: e.Ref, Parent: fk.Target, FK: fk})
		}
	}
	return g
}

// BuildOrdered builds the graph of cat and orders it.
func BuildOrdered(cat *catalog.Catalog) (*Graph, *Order, error) {
	g := Build(cat)
	order, err := TopologicalOrder(g)
	if err != nil {
		return g, nil, err
	}
	return g, order, nil
}
