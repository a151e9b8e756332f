package graph

import (
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// ScopeMode is how an entity is restricted to the run's scope.
type ScopeMode string

const (
	// ScopeDirect entities carry the scope column themselves.
	ScopeDirect ScopeMode = "direct"
	// ScopePath entities reach the scope column through foreign keys.
	ScopePath ScopeMode = "path"
	// ScopeReference entities have no path and are extracted unfiltered.
	ScopeReference ScopeMode = "reference"
	// ScopeTraversal entities live in a graph store and are reached by traversal.
	ScopeTraversal ScopeMode = "traversal"
)

// ScopeResolution is the outcome of resolving one entity's scope.
type ScopeResolution struct {
	Entity catalog.EntityRef `json:"entity"`
	Mode   ScopeMode         `json:"mode"`
	// Path runs from Entity to the first entity holding the scope column.
	Path []*Edge `json:"-"`
}

// Anchor returns the entity holding the scope column, or Entity itself.
func (r ScopeResolution) Anchor() catalog.EntityRef {
	if len(r.Path) == 0 {
		return r.Entity
	}
	return r.Path[len(r.Path)-1].Parent
}

// Describe renders the resolution for plans and manifests.
func (r ScopeResolution) Describe() string {
	if r.Mode != ScopePath {
		return string(r.Mode)
	}
	hops := []string{r.Entity.String()}
	for _, e := range r.Path {
		hops = append(hops, e.Parent.String())
	}
	return "path " + strings.Join(hops, " -> ")
}

// ResolveScope decides how ref is filtered by scopeKey. Relational entities
// without the column take the shortest foreign-key path, over relational
// entities only, to one that has it. Ties break on parent name.
func ResolveScope(cat *catalog.Catalog, g *Graph, ref catalog.EntityRef, scopeKey string) ScopeResolution {
	res := ScopeResolution{Entity: ref, Mode: ScopeReference}
	if cat.Kind(ref) == catalog.Graph {
		res.Mode = ScopeTraversal
		return res
	}
	e, ok := cat.Entity(ref)
	if !ok {
		return res
	}
	if e.HasColumn(scopeKey) {
		res.Mode = ScopeDirect
		return res
	}

	type step struct {
		ref  catalog.EntityRef
		path []*Edge
	}
	visited := map[catalog.EntityRef]bool{ref: true}
	queue := []step{{ref: ref}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range g.EdgesFrom(cur.ref) {
			next := edge.Parent
			if visited[next] || cat.Kind(next) != catalog.Relational {
				continue
			}
			visited[next] = true
			path := append(append([]*Edge(nil), cur.path...), edge)
			if pe, ok := cat.Entity(next); ok && pe.HasColumn(scopeKey) {
				res.Mode = ScopePath
				res.Path = path
				return res
			}
			queue = append(queue, step{ref: next, path: path})
		}
	}
	return res
}

// ResolveAll resolves every entity of order.
func ResolveAll(cat *catalog.Catalog, g *Graph, order []catalog.EntityRef, scopeKey string) map[catalog.EntityRef]ScopeResolution {
	out := make(map[catalog.EntityRef]ScopeResolution, len(order))
	for _, ref := range order {
		out[ref] = ResolveScope(cat, g, ref, scopeKey)
	}
	return out
}

// LongestChain returns the number of edges on the deepest foreign-key chain
// between relational entities. Broken edges are ignored.
func LongestChain(g *Graph) int {
	keys, info := g.kahnSort()
	if info != nil {
		return 0
	}
	depth := make(map[string]int, len(keys))
	longest := 0
	for _, k := range keys {
		if g.Nodes[k].Kind != catalog.Relational {
			continue
		}
		for _, p := range g.Parents[k] {
			if g.Nodes[p].Kind != catalog.Relational {
				continue
			}
			if d := depth[p] + 1; d > depth[k] {
				depth[k] = d
			}
		}
		longest = max(longest, depth[k])
	}
	return longest
}
