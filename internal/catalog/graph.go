package catalog

import (
	"context"
	"fmt"

	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/types"
)

// GraphIntrospector maps a property graph onto entities: one per node label
// and one per observed (from)-[TYPE]->(to) pattern.
type GraphIntrospector struct {
	Name   string
	Client graphstore.Client
}

// StoreName returns the configured store name.
func (g *GraphIntrospector) StoreName() string {
	return g.Name
}

// RelationshipEntityName names the entity of a relationship pattern.
func RelationshipEntityName(from, typ, to string) string {
	return fmt.Sprintf("%s:%s:%s", from, typ, to)
}

// Introspect reads labels, property keys and relationship patterns.
func (g *GraphIntrospector) Introspect(ctx context.Context) (*Store, error) {
	schema, err := g.Client.Schema(ctx)
	if err != nil {
		return nil, err
	}

	store := &Store{Name: g.Name, Kind: Graph}
	for _, l := range schema.Labels {
		e := &Entity{
			Ref:        EntityRef{Store: g.Name, Name: l.Label},
			Kind:       KindNode,
			Table:      l.Label,
			PrimaryKey: []string{graphstore.KeyID},
			Columns:    []Column{{Name: graphstore.KeyID, Type: types.TypeText}},
		}
		for _, p := range l.Properties {
			e.Columns = append(e.Columns, Column{Name: p, Type: types.TypeUnknown, Nullable: true})
		}
		store.Entities = append(store.Entities, e)
	}

	for _, r := range schema.Relationships {
		e := &Entity{
			Ref:        EntityRef{Store: g.Name, Name: RelationshipEntityName(r.From, r.Type, r.To)},
			Kind:       KindRelationship,
			Table:      r.Type,
			RelType:    r.Type,
			FromLabel:  r.From,
			ToLabel:    r.To,
			PrimaryKey: []string{graphstore.KeyID},
			Columns: []Column{
				{Name: graphstore.KeyID, Type: types.TypeText},
				{Name: graphstore.KeyStartID, Type: types.TypeText},
				{Name: graphstore.KeyEndID, Type: types.TypeText},
			},
			ForeignKeys: []ForeignKey{
				{
					Name:          r.Type + "_start",
					Columns:       []string{graphstore.KeyStartID},
					Target:        EntityRef{Store: g.Name, Name: r.From},
					TargetColumns: []string{graphstore.KeyID},
				},
				{
					Name:          r.Type + "_end",
					Columns:       []string{graphstore.KeyEndID},
					Target:        EntityRef{Store: g.Name, Name: r.To},
					TargetColumns: []string{graphstore.KeyID},
				},
			},
		}
		for _, p := range r.Properties {
			e.Columns = append(e.Columns, Column{Name: p, Type: types.TypeUnknown, Nullable: true})
		}
		store.Entities = append(store.Entities, e)
	}
	return store, nil
}
