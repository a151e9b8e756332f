package graph

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// OrderError reports a caller-supplied order that visits a child before
// one of its parents.
type OrderError struct {
	Child  catalog.EntityRef
	Parent catalog.EntityRef
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s is ordered before the entity it references, %s", e.Child, e.Parent)
}

// CheckOrder verifies that refs lists every entity after the entities it
// references, considering only entities present in refs.
func CheckOrder(g *Graph, refs []catalog.EntityRef) error {
	pos := make(map[string]int, len(refs))
	for i, r := range refs {
		pos[r.String()] = i
	}
	for i, r := range refs {
		for _, p := range g.Parents[r.String()] {
			if j, ok := pos[p]; ok && j > i {
				return &OrderError{Child: r, Parent: g.Ref(p)}
			}
		}
	}
	return nil
}

// Task is the work done for one entity by Schedule. Its error is the
// caller's to record; it never stops the schedule.
type Task func(ctx context.Context, ref catalog.EntityRef)

// Schedule runs task over refs as a live Kahn's algorithm: an entity is
// released once every parent inside refs has finished, whatever the parent's
// outcome. limit returns the worker count of a store. When ctx is cancelled
// no new entity is started, in-flight tasks finish and ctx.Err() is returned.
// Entities left waiting on a parent that never finishes, because g still
// holds a cycle among refs, are reported as a *CycleUnresolvedError.
func Schedule(ctx context.Context, g *Graph, refs []catalog.EntityRef, limit func(store string) int, task Task) error {
	in := make(map[string]bool, len(refs))
	pos := make(map[string]int, len(refs))
	for i, r := range refs {
		in[r.String()] = true
		pos[r.String()] = i
	}

	remaining := make(map[string]int, len(refs))
	var ready []string
	for _, r := range refs {
		k := r.String()
		for _, p := range g.Parents[k] {
			if in[p] {
				remaining[k]++
			}
		}
		if remaining[k] == 0 {
			ready = append(ready, k)
		}
	}

	sems := make(map[string]*semaphore.Weighted)
	sem := func(store string) *semaphore.Weighted {
		s, ok := sems[store]
		if !ok {
			n := int64(limit(store))
			if n < 1 {
				n = 1
			}
			s = semaphore.NewWeighted(n)
			sems[store] = s
		}
		return s
	}

	done := make(chan string)
	inflight := 0
	released := make(map[string]bool, len(in))
	for len(ready) > 0 || inflight > 0 {
		if ctx.Err() == nil {
			sortByPosition(ready, pos)
			for _, k := range ready {
				ref := g.Ref(k)
				s := sem(ref.Store)
				released[k] = true
				inflight++
				go func(k string, ref catalog.EntityRef) {
					defer func() { done <- k }()
					if err := s.Acquire(ctx, 1); err != nil {
						return
					}
					defer s.Release(1)
					if ctx.Err() != nil {
						return
					}
					task(ctx, ref)
				}(k, ref)
			}
		}
		ready = ready[:0]
		if inflight == 0 {
			break
		}

		k := <-done
		inflight--
		for _, child := range g.Children[k] {
			if !in[child] {
				continue
			}
			remaining[child]--
			if remaining[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(released) < len(in) {
		info := &CycleInfo{TotalNodes: len(in), ProcessedNodes: len(released)}
		for _, r := range refs {
			if k := r.String(); !released[k] {
				info.UnprocessedNodes = append(info.UnprocessedNodes, k)
			}
		}
		return &CycleUnresolvedError{Info: info}
	}
	return nil
}

func sortByPosition(keys []string, pos map[string]int) {
	sort.Slice(keys, func(i, j int) bool { return pos[keys[i]] < pos[keys[j]] })
}
