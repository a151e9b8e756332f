package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// PlanEntity is one row of the extraction plan.
type PlanEntity struct {
	Position int               `json:"position"`
	Entity   catalog.EntityRef `json:"entity"`
	Scope    ScopeMode         `json:"scope"`
	Via      string            `json:"via,omitempty"`
}

// PlanEdge is one foreign key of the plan.
type PlanEdge struct {
	Child       catalog.EntityRef `json:"child"`
	Parent      catalog.EntityRef `json:"parent"`
	Columns     []string          `json:"columns"`
	CrossStore  bool              `json:"cross_store,omitempty"`
	Declared    bool              `json:"declared"`
	Unvalidated bool              `json:"unvalidated,omitempty"`
}

// Plan is the schema analysis of a run: orders, cycles and scoping.
type Plan struct {
	ScopeKey           string                         `json:"scope_key"`
	TotalEntities      int                            `json:"total_entities"`
	TotalRelationships int                            `json:"total_relationships"`
	MaxDepth           int                            `json:"max_depth"`
	ExtractionOrder    []PlanEntity                   `json:"extraction_order"`
	RollbackOrder      []catalog.EntityRef            `json:"rollback_order"`
	StoreOrder         map[string][]catalog.EntityRef `json:"store_order"`
	Cycles             []Cycle                        `json:"cycles"`
	Edges              []PlanEdge                     `json:"edges"`
	MissingStores      []catalog.MissingStore         `json:"missing_stores,omitempty"`
}

// BuildPlan summarises an ordered graph for operators.
func BuildPlan(cat *catalog.Catalog, g *Graph, order *Order, scopeKey string) *Plan {
	p := &Plan{
		ScopeKey:           scopeKey,
		TotalEntities:      g.NodeCount(),
		TotalRelationships: g.EdgeCount(),
		MaxDepth:           LongestChain(g),
		RollbackOrder:      order.Rollback,
		StoreOrder:         make(map[string][]catalog.EntityRef),
		Cycles:             order.Cycles,
		MissingStores:      cat.Missing,
	}

	for i, ref := range order.Extraction {
		res := ResolveScope(cat, g, ref, scopeKey)
		pe := PlanEntity{Position: i + 1, Entity: ref, Scope: res.Mode}
		if res.Mode == ScopePath {
			pe.Via = res.Describe()
		}
		p.ExtractionOrder = append(p.ExtractionOrder, pe)
		p.StoreOrder[ref.Store] = append(p.StoreOrder[ref.Store], ref)
	}

	for _, e := range g.Edges() {
		p.Edges = append(p.Edges, PlanEdge{
			Child:       e.Child,
			Parent:      e.Parent,
			Columns:     e.FK.Columns,
			CrossStore:  e.CrossStore(),
			Declared:    e.FK.Declared,
			Unvalidated: e.Unvalidated,
		})
	}
	sort.SliceStable(p.Edges, func(i, j int) bool {
		if p.Edges[i].Child != p.Edges[j].Child {
			return p.Edges[i].Child.String() < p.Edges[j].Child.String()
		}
		return p.Edges[i].Parent.String() < p.Edges[j].Parent.String()
	})
	return p
}

// DOT renders the plan as a GraphViz digraph, one cluster per store.
// Broken edges are dashed and cross-store edges are blue.
func (p *Plan) DOT() string {
	var b strings.Builder
	b.WriteString("digraph goscope {\n")
	b.WriteString("  rankdir=BT;\n  node [shape=box, fontname=\"Helvetica\"];\n")

	stores := make([]string, 0, len(p.StoreOrder))
	for s := range p.StoreOrder {
		stores = append(stores, s)
	}
	sort.Strings(stores)

	for i, s := range stores {
		fmt.Fprintf(&b, "  subgraph cluster_%d {\n    label=%q;\n", i, s)
		for _, ref := range p.StoreOrder[s] {
			fmt.Fprintf(&b, "    %q [label=%q];\n", ref.String(), ref.Name)
		}
		b.WriteString("  }\n")
	}

	for _, e := range p.Edges {
		var attrs []string
		attrs = append(attrs, fmt.Sprintf("label=%q", strings.Join(e.Columns, ",")))
		if e.Unvalidated {
			attrs = append(attrs, "style=dashed")
		}
		if e.CrossStore {
			attrs = append(attrs, "color=blue")
		}
		fmt.Fprintf(&b, "  %q -> %q [%s];\n", e.Child.String(), e.Parent.String(), strings.Join(attrs, ", "))
	}
	b.WriteString("}\n")
	return b.String()
}
