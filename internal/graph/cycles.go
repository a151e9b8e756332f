package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// Cycle is a strongly connected component of more than one entity and
// the edge removed to order it.
type Cycle struct {
	Members       []string `json:"members"`
	BreakChild    string   `json:"break_child"`
	BreakParent   string   `json:"break_parent"`
	BreakColumns  []string `json:"break_columns"`
	Justification string   `json:"justification"`
	Strategy      string   `json:"strategy"`
	Impact        string   `json:"impact"`
}

// Order is the result of ordering a graph.
type Order struct {
	// Extraction is parents-first; inserts use the same order.
	Extraction []catalog.EntityRef
	// Rollback is children-first, for deletes and compensation.
	Rollback []catalog.EntityRef
	Cycles   []Cycle
}

// TopologicalOrder breaks every cycle of g and returns both visiting
// orders. Break edges stay in the graph, marked unvalidated.
func TopologicalOrder(g *Graph) (*Order, error) {
	cycles, err := g.BreakCycles()
	if err != nil {
		return nil, err
	}

	keys, info := g.kahnSort()
	if info != nil {
		return nil, &CycleUnresolvedError{Info: info}
	}

	o := &Order{Cycles: cycles}
	for _, k := range keys {
		o.Extraction = append(o.Extraction, g.Ref(k))
	}
	for i := len(o.Extraction) - 1; i >= 0; i-- {
		o.Rollback = append(o.Rollback, o.Extraction[i])
	}
	return o, nil
}

// BreakCycles removes one link per strongly connected component until the
// ordering links are acyclic. The link removed leaves the member with the
// smallest out-degree (ties by name) towards its lexically first parent
// inside the component.
func (g *Graph) BreakCycles() ([]Cycle, error) {
	var cycles []Cycle
	limit := len(g.edges) + 1

	for iter := 0; ; iter++ {
		sccs := g.StronglyConnected()
		if len(sccs) == 0 {
			return cycles, nil
		}
		if iter >= limit {
			_, info := g.kahnSort()
			if info == nil {
				info = &CycleInfo{TotalNodes: len(g.Nodes)}
			}
			return cycles, &CycleUnresolvedError{Info: info}
		}
		for _, members := range sccs {
			cycles = append(cycles, g.breakComponent(members))
		}
	}
}

func (g *Graph) breakComponent(members []string) Cycle {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}

	child := members[0]
	for _, m := range members[1:] {
		if g.OutDegree(m) < g.OutDegree(child) {
			child = m
		}
	}

	var candidates []string
	for _, p := range g.Parents[child] {
		if in[p] {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)
	parent := candidates[0]

	others := g.OutDegree(child) - 1
	broken := g.removeLink(child, parent)

	var cols []string
	for _, e := range broken {
		cols = append(cols, e.FK.Columns...)
	}

	c := Cycle{
		Members:      members,
		BreakChild:   child,
		BreakParent:  parent,
		BreakColumns: cols,
	}
	c.Justification = fmt.Sprintf("%s has the fewest other outgoing references (%d) among %s",
		child, others, strings.Join(members, ", "))
	c.Strategy = fmt.Sprintf("order %s before %s and treat %s(%s) as unvalidated",
		parent, child, child, strings.Join(cols, ","))
	c.Impact = fmt.Sprintf("%d foreign key(s) from %s to %s are not enforced by ordering and are skipped by referential checks",
		len(broken), child, parent)
	return c
}

// StronglyConnected returns the strongly connected components of more than
// one node over the ordering links, each sorted, ordered by first member.
func (g *Graph) StronglyConnected() [][]string {
	t := &tarjan{
		g:       g,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, n := range g.SortedNodes() {
		if _, seen := t.index[n]; !seen {
			t.visit(n)
		}
	}

	sort.Slice(t.sccs, func(i, j int) bool { return t.sccs[i][0] < t.sccs[j][0] })
	return t.sccs
}

type tarjan struct {
	g       *Graph
	next    int
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	sccs    [][]string
}

func (t *tarjan) visit(v string) {
	t.index[v] = t.next
	t.lowlink[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	parents := append([]string(nil), t.g.Parents[v]...)
	sort.Strings(parents)
	for _, w := range parents {
		if _, seen := t.index[w]; !seen {
			t.visit(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var scc []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	if len(scc) > 1 {
		sort.Strings(scc)
		t.sccs = append(t.sccs, scc)
	}
}
