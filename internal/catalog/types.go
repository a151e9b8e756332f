// Package catalog builds the store-agnostic schema catalog: entities,
// columns, keys and foreign-key edges gathered from every store's metadata.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// StoreKind tells relational stores from graph stores.
type StoreKind string

const (
	Relational StoreKind = "relational"
	Graph      StoreKind = "graph"
)

// EntityKind is the physical shape of an entity.
type EntityKind string

const (
	KindTable        EntityKind = "table"
	KindNode         EntityKind = "node"
	KindRelationship EntityKind = "relationship"
)

// EntityRef identifies an entity across stores. It is written "store.name".
type EntityRef struct {
	Store string
	Name  string
}

func (r EntityRef) String() string {
	return r.Store + "." + r.Name
}

// IsZero reports whether r is unset.
func (r EntityRef) IsZero() bool {
	return r.Store == "" && r.Name == ""
}

// MarshalText lets refs be JSON strings and JSON map keys.
func (r EntityRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses "store.name".
func (r *EntityRef) UnmarshalText(b []byte) error {
	ref, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// ParseRef parses "store.name". The name may itself contain dots (schema.table).
func ParseRef(s string) (EntityRef, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q (want store.name)", s)
	}
	return EntityRef{Store: s[:i], Name: s[i+1:]}, nil
}

// Column is one column (or graph property) of an entity.
type Column struct {
	Name     string             `json:"name"`
	Type     types.SemanticType `json:"type"`
	Native   string             `json:"native_type,omitempty"`
	Nullable bool               `json:"nullable"`
	Default  *string            `json:"default,omitempty"`
}

// ForeignKey is an edge from the owning entity's Columns to Target's TargetColumns.
type ForeignKey struct {
	Name          string    `json:"name"`
	Columns       []string  `json:"columns"`
	Target        EntityRef `json:"target"`
	TargetColumns []string  `json:"target_columns"`
	// Declared is false for edges added from configuration or synthesized from graph metadata.
	Declared bool `json:"declared"`
}

// Index is index metadata; unique indexes feed the uniqueness check.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// Entity is one table, node label or relationship pattern.
type Entity struct {
	Ref         EntityRef    `json:"ref"`
	Kind        EntityKind   `json:"kind"`
	Schema      string       `json:"schema,omitempty"`
	Table       string       `json:"table"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	Indexes     []Index      `json:"indexes,omitempty"`
	// Unanchored graph entities have no discoverable path to a relational entity.
	Unanchored bool `json:"unanchored,omitempty"`

	// Relationship patterns carry their endpoint labels and type.
	RelType   string `json:"rel_type,omitempty"`
	FromLabel string `json:"from_label,omitempty"`
	ToLabel   string `json:"to_label,omitempty"`
}

// Column returns the named column.
func (e *Entity) Column(name string) (*Column, bool) {
	for i := range e.Columns {
		if e.Columns[i].Name == name {
			return &e.Columns[i], true
		}
	}
	return nil, false
}

// HasColumn reports whether the entity has the named column.
func (e *Entity) HasColumn(name string) bool {
	_, ok := e.Column(name)
	return ok
}

// ColumnNames returns the column names in catalog order.
func (e *Entity) ColumnNames() []string {
	out := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		out[i] = c.Name
	}
	return out
}

// Store is one introspected store.
type Store struct {
	Name     string          `json:"name"`
	Kind     StoreKind       `json:"kind"`
	Dialect  sqlutil.Dialect `json:"dialect,omitempty"`
	Entities []*Entity       `json:"entities"`
}

// MissingStore records a store that could not be introspected.
type MissingStore struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Catalog is the merged schema of every reachable store.
type Catalog struct {
	Stores  []*Store       `json:"stores"`
	Missing []MissingStore `json:"missing,omitempty"`
	// Dropped lists edges removed because their target is not in the catalog.
	Dropped []string `json:"dropped_edges,omitempty"`

	index map[EntityRef]*Entity
}

func (c *Catalog) reindex() {
	c.index = make(map[EntityRef]*Entity)
	for _, s := range c.Stores {
		for _, e := range s.Entities {
			c.index[e.Ref] = e
		}
	}
}

// Entity looks up an entity by reference.
func (c *Catalog) Entity(ref EntityRef) (*Entity, bool) {
	if c.index == nil {
		c.reindex()
	}
	e, ok := c.index[ref]
	return e, ok
}

// Store returns the named store.
func (c *Catalog) Store(name string) (*Store, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// IsMissing reports whether the named store failed introspection.
func (c *Catalog) IsMissing(store string) bool {
	for _, m := range c.Missing {
		if m.Name == store {
			return true
		}
	}
	return false
}

// Entities returns every entity ordered by reference.
func (c *Catalog) Entities() []*Entity {
	var out []*Entity
	for _, s := range c.Stores {
		out = append(out, s.Entities...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out
}

// Resolve turns "store.name" or an unambiguous bare entity name into a reference.
func (c *Catalog) Resolve(name string) (EntityRef, error) {
	if ref, err := ParseRef(name); err == nil {
		if _, ok := c.Entity(ref); ok {
			return ref, nil
		}
	}

	var matches []EntityRef
	for _, e := range c.Entities() {
		if e.Ref.Name == name || e.Table == name {
			matches = append(matches, e.Ref)
		}
	}
	switch len(matches) {
	case 0:
		return EntityRef{}, fmt.Errorf("entity %q not found in catalog", name)
	case 1:
		return matches[0], nil
	}
	return EntityRef{}, fmt.Errorf("entity %q is ambiguous: %v", name, matches)
}

// Kind returns the kind of the store owning ref.
func (c *Catalog) Kind(ref EntityRef) StoreKind {
	if s, ok := c.Store(ref.Store); ok {
		return s.Kind
	}
	return ""
}
