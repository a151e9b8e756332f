package graph

import (
	"container/list"
	"fmt"
	"sort"
	"strings"
)

// ProcessingQueue wraps a list-based queue for Kahn's algorithm processing.
// It holds nodes that are ready to be processed (have in-degree of 0).
type ProcessingQueue struct {
	queue *list.List
}

// NewProcessingQueue creates a new empty processing queue.
func NewProcessingQueue() *ProcessingQueue {
	return &ProcessingQueue{
		queue: list.New(),
	}
}

// Enqueue adds a node to the back of the queue.
func (pq *ProcessingQueue) Enqueue(node string) {
	pq.queue.PushBack(node)
}

// EnqueueSorted adds nodes in lexical order so ties resolve deterministically.
func (pq *ProcessingQueue) EnqueueSorted(nodes []string) {
	sort.Strings(nodes)
	for _, n := range nodes {
		pq.Enqueue(n)
	}
}

// Dequeue removes and returns the node at the front of the queue.
// Returns empty string and false if queue is empty.
func (pq *ProcessingQueue) Dequeue() (string, bool) {
	if pq.queue.Len() == 0 {
		return "", false
	}
	elem := pq.queue.Front()
	pq.queue.Remove(elem)
	return elem.Value.(string), true
}

// Len returns the number of nodes in the queue.
func (pq *ProcessingQueue) Len() int {
	return pq.queue.Len()
}

// IsEmpty returns true if the queue has no nodes.
func (pq *ProcessingQueue) IsEmpty() bool {
	return pq.queue.Len() == 0
}

// CalculateInDegrees counts, for every entity, the distinct entities it still
// references. An entity becomes ready once all of them are processed, which
// puts parents before children.
func (g *Graph) CalculateInDegrees() map[string]int {
	inDegree := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		inDegree[name] = len(g.Parents[name])
	}
	return inDegree
}

// GetZeroInDegreeNodes returns all nodes with in-degree of 0, sorted.
func (g *Graph) GetZeroInDegreeNodes(inDegree map[string]int) []string {
	var nodes []string
	for name, degree := range inDegree {
		if degree == 0 {
			nodes = append(nodes, name)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// CycleInfo describes a sort that could not process every node.
type CycleInfo struct {
	TotalNodes       int
	ProcessedNodes   int
	UnprocessedNodes []string
}

// kahnSort runs Kahn's algorithm over the current ordering links.
// Leftover nodes are reported in CycleInfo.
func (g *Graph) kahnSort() ([]string, *CycleInfo) {
	inDegree := g.CalculateInDegrees()
	pq := NewProcessingQueue()
	pq.EnqueueSorted(g.GetZeroInDegreeNodes(inDegree))

	order := make([]string, 0, len(g.Nodes))
	for !pq.IsEmpty() {
		node, _ := pq.Dequeue()
		order = append(order, node)

		var ready []string
		for _, child := range g.Children[node] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		pq.EnqueueSorted(ready)
	}

	if len(order) == len(g.Nodes) {
		return order, nil
	}

	done := make(map[string]bool, len(order))
	for _, n := range order {
		done[n] = true
	}
	info := &CycleInfo{TotalNodes: len(g.Nodes), ProcessedNodes: len(order)}
	for _, n := range g.SortedNodes() {
		if !done[n] {
			info.UnprocessedNodes = append(info.UnprocessedNodes, n)
		}
	}
	return order, info
}

// CycleUnresolvedError is returned when breaking cycles did not leave an
// acyclic graph.
type CycleUnresolvedError struct {
	Info *CycleInfo
}

func (e *CycleUnresolvedError) Error() string {
	return fmt.Sprintf("unresolved dependency cycle: %d of %d entities could not be ordered: %s",
		len(e.Info.UnprocessedNodes), e.Info.TotalNodes, strings.Join(e.Info.UnprocessedNodes, ", "))
}
