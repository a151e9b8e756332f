// Package graphstore is the property-graph side of goscope: schema
// introspection, scoped traversal and transactional writes.
package graphstore

import (
	"context"
	"sort"
)

// Reserved row keys carrying graph identity through the pipeline.
const (
	KeyID      = "_id"
	KeyLabels  = "_labels"
	KeyType    = "_type"
	KeyStartID = "_start_id"
	KeyEndID   = "_end_id"
)

// Node is one node of an extracted subgraph.
type Node struct {
	ID     string         `json:"id"`
	Labels []string       `json:"labels"`
	Props  map[string]any `json:"properties"`
}

// PrimaryLabel returns the label a node is filed under: the first label in
// lexical order.
func (n Node) PrimaryLabel() string {
	if len(n.Labels) == 0 {
		return ""
	}
	labels := append([]string(nil), n.Labels...)
	sort.Strings(labels)
	return labels[0]
}

// Relationship is one relationship of an extracted subgraph.
type Relationship struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	StartID string         `json:"start_id"`
	EndID   string         `json:"end_id"`
	Props   map[string]any `json:"properties"`
}

// Subgraph is the induced subgraph returned by a traversal.
type Subgraph struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// LabelSchema lists the property keys seen on a label.
type LabelSchema struct {
	Label      string
	Properties []string
}

// RelSchema is a relationship type observed between two labels.
type RelSchema struct {
	Type       string
	From       string
	To         string
	Properties []string
}

// Schema is the introspected shape of a graph store.
type Schema struct {
	Labels        []LabelSchema
	Relationships []RelSchema
}

// TraversalRequest selects the subgraph reachable from one root node.
type TraversalRequest struct {
	RootLabel    string
	RootProperty string
	RootValue    any
	MaxDepth     int
}

// Client is a connection to a property graph store.
type Client interface {
	Schema(ctx context.Context) (*Schema, error)
	Traverse(ctx context.Context, req TraversalRequest) (*Subgraph, error)
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Tx is a write transaction on a graph store.
type Tx interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NodeRow flattens a node into a row: properties plus the reserved keys.
func NodeRow(n Node) map[string]any {
	row := make(map[string]any, len(n.Props)+2)
	for k, v := range n.Props {
		row[k] = v
	}
	labels := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		labels[i] = l
	}
	row[KeyID] = n.ID
	row[KeyLabels] = labels
	return row
}

// RelationshipRow flattens a relationship into a row.
func RelationshipRow(r Relationship) map[string]any {
	row := make(map[string]any, len(r.Props)+4)
	for k, v := range r.Props {
		row[k] = v
	}
	row[KeyID] = r.ID
	row[KeyType] = r.Type
	row[KeyStartID] = r.StartID
	row[KeyEndID] = r.EndID
	return row
}

// Properties strips the reserved keys from a row.
func Properties(row map[string]any) map[string]any {
	props := make(map[string]any, len(row))
	for k, v := range row {
		switch k {
		case KeyID, KeyLabels, KeyType, KeyStartID, KeyEndID:
			continue
		}
		props[k] = v
	}
	return props
}
