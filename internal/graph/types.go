// Package graph builds the cross-store dependency graph of a catalog and
// derives extraction and load orders from it.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// Node is one entity of the dependency graph.
type Node struct {
	Ref  catalog.EntityRef
	Kind catalog.StoreKind
}

// Edge is one foreign key, directed child -> parent.
type Edge struct {
	Child  catalog.EntityRef
	Parent catalog.EntityRef
	FK     catalog.ForeignKey
	// Unvalidated edges were removed to break a cycle. Validation skips them.
	Unvalidated bool
}

// Label renders the edge as "child→parent" using entity names.
func (e *Edge) Label() string {
	return e.Child.Name + "→" + e.Parent.Name
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s(%s) -> %s(%s)", e.Child, strings.Join(e.FK.Columns, ","),
		e.Parent, strings.Join(e.FK.TargetColumns, ","))
}

// CrossStore reports whether the edge joins two different stores.
func (e *Edge) CrossStore() bool {
	return e.Child.Store != e.Parent.Store
}

// Graph is the dependency structure of every catalog entity.
//
// Children and Parents hold distinct neighbours over the edges still used
// for ordering; self references and broken edges are not in them.
type Graph struct {
	Nodes    map[string]*Node    // ref -> node
	Children map[string][]string // parent ref -> referencing refs
	Parents  map[string][]string // child ref -> referenced refs
	edges    []*Edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]*Node),
		Children: make(map[string][]string),
		Parents:  make(map[string][]string),
	}
}

// AddNode adds an entity to the graph.
func (g *Graph) AddNode(ref catalog.EntityRef, kind catalog.StoreKind) {
	g.Nodes[ref.String()] = &Node{Ref: ref, Kind: kind}
}

// AddEdge records a foreign key. Adjacency keeps one entry per entity pair.
func (g *Graph) AddEdge(e *Edge) {
	g.edges = append(g.edges, e)
	if e.Child == e.Parent || e.Unvalidated {
		return
	}
	child, parent := e.Child.String(), e.Parent.String()
	if !contains(g.Parents[child], parent) {
		g.Parents[child] = append(g.Parents[child], parent)
		g.Children[parent] = append(g.Children[parent], child)
	}
}

// removeLink drops the ordering link between child and parent and marks
// every FK between them unvalidated.
func (g *Graph) removeLink(child, parent string) []*Edge {
	g.Parents[child] = remove(g.Parents[child], parent)
	g.Children[parent] = remove(g.Children[parent], child)

	var broken []*Edge
	for _, e := range g.edges {
		if e.Child.String() == child && e.Parent.String() == parent {
			e.Unvalidated = true
			broken = append(broken, e)
		}
	}
	return broken
}

// Edges returns every edge, broken ones included.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// EdgesFrom returns the foreign keys of child ordered by parent then FK name.
func (g *Graph) EdgesFrom(child catalog.EntityRef) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Child == child {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Parent != out[j].Parent {
			return out[i].Parent.String() < out[j].Parent.String()
		}
		return out[i].FK.Name < out[j].FK.Name
	})
	return out
}

// Unvalidated returns the edges removed to break cycles.
func (g *Graph) Unvalidated() []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Unvalidated {
			out = append(out, e)
		}
	}
	return out
}

// GetChildren returns the entities referencing ref.
func (g *Graph) GetChildren(ref string) []string {
	return g.Children[ref]
}

// GetParents returns the entities ref references.
func (g *Graph) GetParents(ref string) []string {
	return g.Parents[ref]
}

// HasNode reports whether the graph contains ref.
func (g *Graph) HasNode(ref string) bool {
	_, ok := g.Nodes[ref]
	return ok
}

// NodeCount returns the number of entities.
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// EdgeCount returns the number of foreign keys.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// OutDegree is the number of distinct entities ref still depends on.
func (g *Graph) OutDegree(ref string) int {
	return len(g.Parents[ref])
}

// SortedNodes returns every node key in lexical order.
func (g *Graph) SortedNodes() []string {
	out := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Ref returns the entity reference of a node key.
func (g *Graph) Ref(key string) catalog.EntityRef {
	if n, ok := g.Nodes[key]; ok {
		return n.Ref
	}
	ref, _ := catalog.ParseRef(key)
	return ref
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
