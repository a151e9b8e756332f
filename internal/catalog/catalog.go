package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/logger"
)

// CatalogError reports stores that could not be introspected. The catalog
// returned alongside it still holds every reachable store.
type CatalogError struct {
	Missing []MissingStore
}

func (e *CatalogError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = fmt.Sprintf("%s (%s)", m.Name, m.Reason)
	}
	return "catalog incomplete, unreachable stores: " + strings.Join(parts, ", ")
}

// Options tunes catalog assembly.
type Options struct {
	Links   []config.LinkConfig
	Exclude []string
	// AnchorProperty is the node property matched against relational primary keys.
	AnchorProperty string
}

// Build introspects every store concurrently and merges the results.
// Unreachable stores are recorded and reported with a *CatalogError.
func Build(ctx context.Context, introspectors []Introspector, opts Options, log *logger.Logger) (*Catalog, error) {
	var (
		mu      sync.Mutex
		stores  []*Store
		missing []MissingStore
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range introspectors {
		g.Go(func() error {
			store, err := in.Introspect(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warnw("store introspection failed", "store", in.StoreName(), "error", logger.SanitizeError(err))
				missing = append(missing, MissingStore{Name: in.StoreName(), Reason: logger.SanitizeError(err)})
				return nil
			}
			log.Infow("store introspected", "store", store.Name, "entities", len(store.Entities))
			stores = append(stores, store)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(stores, func(i, j int) bool { return stores[i].Name < stores[j].Name })
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })

	cat := &Catalog{Stores: stores, Missing: missing}
	cat.reindex()
	cat.exclude(opts.Exclude)
	cat.anchorGraph(opts.AnchorProperty)
	cat.addLinks(opts.Links)
	cat.dropDanglingEdges()
	cat.markUnanchored()
	cat.reindex()

	for _, d := range cat.Dropped {
		log.Warnw("foreign key dropped", "edge", d)
	}

	if len(missing) > 0 {
		return cat, &CatalogError{Missing: missing}
	}
	return cat, nil
}

func (c *Catalog) exclude(refs []string) {
	if len(refs) == 0 {
		return
	}
	skip := make(map[string]bool, len(refs))
	for _, r := range refs {
		skip[r] = true
	}
	for _, s := range c.Stores {
		kept := s.Entities[:0]
		for _, e := range s.Entities {
			if !skip[e.Ref.String()] {
				kept = append(kept, e)
			}
		}
		s.Entities = kept
	}
	c.reindex()
}

// anchorGraph links node labels to the relational entity they mirror,
// e.g. (:District {id}) to districts.id.
func (c *Catalog) anchorGraph(prop string) {
	if prop == "" {
		prop = "id"
	}
	var relational []*Entity
	for _, s := range c.Stores {
		if s.Kind == Relational {
			relational = append(relational, s.Entities...)
		}
	}

	for _, s := range c.Stores {
		if s.Kind != Graph {
			continue
		}
		for _, e := range s.Entities {
			if e.Kind != KindNode || !e.HasColumn(prop) {
				continue
			}
			for _, r := range relational {
				if len(r.PrimaryKey) != 1 || !labelMatchesTable(e.Table, r.Table) {
					continue
				}
				e.ForeignKeys = append(e.ForeignKeys, ForeignKey{
					Name:          "anchor_" + e.Table,
					Columns:       []string{prop},
					Target:        r.Ref,
					TargetColumns: []string{r.PrimaryKey[0]},
				})
				break
			}
		}
	}
}

// labelMatchesTable compares a label to a table name, allowing the usual plural forms.
func labelMatchesTable(label, table string) bool {
	l := strings.ToLower(label)
	t := strings.ToLower(table)
	switch {
	case l == t, l+"s" == t, l+"es" == t:
		return true
	case strings.HasSuffix(l, "y") && strings.TrimSuffix(l, "y")+"ies" == t:
		return true
	}
	return false
}

// addLinks adds foreign keys declared in configuration ("store.entity.column").
func (c *Catalog) addLinks(links []config.LinkConfig) {
	for _, l := range links {
		fromRef, fromCol, err1 := splitColumnRef(l.From)
		toRef, toCol, err2 := splitColumnRef(l.To)
		if err1 != nil || err2 != nil {
			c.Dropped = append(c.Dropped, fmt.Sprintf("%s -> %s: malformed link", l.From, l.To))
			continue
		}
		e, ok := c.Entity(fromRef)
		if !ok {
			c.Dropped = append(c.Dropped, fmt.Sprintf("%s -> %s: source entity not in catalog", l.From, l.To))
			continue
		}
		e.ForeignKeys = append(e.ForeignKeys, ForeignKey{
			Name:          "link_" + fromRef.Name + "_" + fromCol,
			Columns:       []string{fromCol},
			Target:        toRef,
			TargetColumns: []string{toCol},
		})
	}
}

func splitColumnRef(s string) (EntityRef, string, error) {
	first := strings.IndexByte(s, '.')
	last := strings.LastIndexByte(s, '.')
	if first <= 0 || last <= first+1 || last == len(s)-1 {
		return EntityRef{}, "", fmt.Errorf("invalid column reference %q", s)
	}
	return EntityRef{Store: s[:first], Name: s[first+1 : last]}, s[last+1:], nil
}

// dropDanglingEdges enforces that every edge's target exists in the catalog.
func (c *Catalog) dropDanglingEdges() {
	for _, s := range c.Stores {
		for _, e := range s.Entities {
			kept := e.ForeignKeys[:0]
			for _, fk := range e.ForeignKeys {
				if _, ok := c.Entity(fk.Target); ok {
					kept = append(kept, fk)
					continue
				}
				reason := "target not in catalog"
				if c.IsMissing(fk.Target.Store) {
					reason = "target store unreachable"
				}
				c.Dropped = append(c.Dropped, fmt.Sprintf("%s(%s) -> %s: %s",
					e.Ref, strings.Join(fk.Columns, ","), fk.Target, reason))
			}
			e.ForeignKeys = kept
		}
	}
}

// markUnanchored flags graph entities with no path to a relational entity.
func (c *Catalog) markUnanchored() {
	anchored := make(map[EntityRef]bool)
	adj := make(map[EntityRef][]EntityRef)

	for _, s := range c.Stores {
		if s.Kind != Graph {
			continue
		}
		for _, e := range s.Entities {
			for _, fk := range e.ForeignKeys {
				if c.Kind(fk.Target) == Relational {
					anchored[e.Ref] = true
				}
				if fk.Target.Store == e.Ref.Store {
					adj[e.Ref] = append(adj[e.Ref], fk.Target)
					adj[fk.Target] = append(adj[fk.Target], e.Ref)
				}
			}
		}
	}

	queue := make([]EntityRef, 0, len(anchored))
	for r := range anchored {
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, n := range adj[r] {
			if !anchored[n] {
				anchored[n] = true
				queue = append(queue, n)
			}
		}
	}

	for _, s := range c.Stores {
		if s.Kind != Graph {
			continue
		}
		for _, e := range s.Entities {
			e.Unanchored = !anchored[e.Ref]
		}
	}
}

// Write stores the catalog as JSON; the validate entry point reads it back as its schema.
func (c *Catalog) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// Read loads a catalog written by Write.
func Read(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	c.reindex()
	return &c, nil
}
