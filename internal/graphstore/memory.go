package graphstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Statement is one write recorded by MemoryClient.
type Statement struct {
	Cypher string
	Params map[string]any
}

// MemoryClient is an in-process graph used for dry runs and tests.
// Traversals run over Graph; writes are recorded and answered by Respond.
type MemoryClient struct {
	Graph Subgraph

	// Respond produces the records of a write statement. Nil answers nothing.
	Respond func(cypher string, params map[string]any) ([]map[string]any, error)

	mu         sync.Mutex
	committed  []Statement
	rolledBack int
	closed     bool
}

// Schema derives labels, properties and relationship patterns from Graph.
func (m *MemoryClient) Schema(ctx context.Context) (*Schema, error) {
	labelProps := make(map[string]map[string]bool)
	labelOf := make(map[string]string)
	for _, n := range m.Graph.Nodes {
		l := n.PrimaryLabel()
		labelOf[n.ID] = l
		if labelProps[l] == nil {
			labelProps[l] = make(map[string]bool)
		}
		for k := range n.Props {
			labelProps[l][k] = true
		}
	}

	type pattern struct{ typ, from, to string }
	relProps := make(map[pattern]map[string]bool)
	for _, r := range m.Graph.Relationships {
		p := pattern{r.Type, labelOf[r.StartID], labelOf[r.EndID]}
		if relProps[p] == nil {
			relProps[p] = make(map[string]bool)
		}
		for k := range r.Props {
			relProps[p][k] = true
		}
	}

	s := &Schema{}
	for l, set := range labelProps {
		s.Labels = append(s.Labels, LabelSchema{Label: l, Properties: sortedKeys(set)})
	}
	sort.Slice(s.Labels, func(i, j int) bool { return s.Labels[i].Label < s.Labels[j].Label })
	for p, set := range relProps {
		s.Relationships = append(s.Relationships, RelSchema{Type: p.typ, From: p.from, To: p.to, Properties: sortedKeys(set)})
	}
	sort.Slice(s.Relationships, func(i, j int) bool {
		a, b := s.Relationships[i], s.Relationships[j]
		return a.Type+a.From+a.To < b.Type+b.From+b.To
	})
	return s, nil
}

// Traverse walks relationships in both directions up to MaxDepth hops.
func (m *MemoryClient) Traverse(ctx context.Context, req TraversalRequest) (*Subgraph, error) {
	adj := make(map[string][]string)
	for _, r := range m.Graph.Relationships {
		adj[r.StartID] = append(adj[r.StartID], r.EndID)
		adj[r.EndID] = append(adj[r.EndID], r.StartID)
	}

	depth := make(map[string]int)
	var queue []string
	for _, n := range m.Graph.Nodes {
		if !hasLabel(n, req.RootLabel) {
			continue
		}
		if v, ok := n.Props[req.RootProperty]; ok && fmt.Sprint(v) == fmt.Sprint(req.RootValue) {
			depth[n.ID] = 0
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if depth[id] >= req.MaxDepth {
			continue
		}
		for _, next := range adj[id] {
			if _, seen := depth[next]; !seen {
				depth[next] = depth[id] + 1
				queue = append(queue, next)
			}
		}
	}

	sg := &Subgraph{}
	for _, n := range m.Graph.Nodes {
		if _, ok := depth[n.ID]; ok {
			sg.Nodes = append(sg.Nodes, n)
		}
	}
	for _, r := range m.Graph.Relationships {
		_, a := depth[r.StartID]
		_, b := depth[r.EndID]
		if a && b {
			sg.Relationships = append(sg.Relationships, r)
		}
	}
	return sg, nil
}

// Begin starts a recording transaction.
func (m *MemoryClient) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{client: m}, nil
}

// Close marks the client closed.
func (m *MemoryClient) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Committed returns the statements of committed transactions.
func (m *MemoryClient) Committed() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Statement(nil), m.committed...)
}

// RolledBack returns how many transactions were rolled back.
func (m *MemoryClient) RolledBack() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolledBack
}

type memoryTx struct {
	client  *MemoryClient
	pending []Statement
	done    bool
}

func (t *memoryTx) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.pending = append(t.pending, Statement{Cypher: cypher, Params: params})
	if t.client.Respond == nil {
		return nil, nil
	}
	return t.client.Respond(cypher, params)
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.client.mu.Lock()
	t.client.committed = append(t.client.committed, t.pending...)
	t.client.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.client.mu.Lock()
	t.client.rolledBack++
	t.client.mu.Unlock()
	return nil
}

func hasLabel(n Node, label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}
