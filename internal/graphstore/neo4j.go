package graphstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dbsmedya/goscope/internal/config"
)

// Neo4jClient talks bolt to Neo4j or any bolt-compatible store.
type Neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

// Open connects to the graph store described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.StoreConfig) (*Neo4jClient, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph store unreachable: %w", err)
	}
	return &Neo4jClient{driver: driver, database: cfg.Database}, nil
}

func (c *Neo4jClient) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := neo4j.ExecuteQuery(ctx, c.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(c.database),
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Schema introspects labels, property keys and relationship patterns.
func (c *Neo4jClient) Schema(ctx context.Context) (*Schema, error) {
	props := make(map[string]map[string]bool)

	labels, err := c.read(ctx, "CALL db.labels() YIELD label RETURN label", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	for _, rec := range labels {
		if l, ok := rec.Get("label"); ok {
			props[fmt.Sprint(l)] = make(map[string]bool)
		}
	}

	nodeProps, err := c.read(ctx,
		"CALL db.schema.nodeTypeProperties() YIELD nodeLabels, propertyName RETURN nodeLabels, propertyName", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list node properties: %w", err)
	}
	for _, rec := range nodeProps {
		ls, _ := rec.Get("nodeLabels")
		p, _ := rec.Get("propertyName")
		if p == nil {
			continue
		}
		for _, l := range asStrings(ls) {
			if props[l] == nil {
				props[l] = make(map[string]bool)
			}
			props[l][fmt.Sprint(p)] = true
		}
	}

	relProps := make(map[string]map[string]bool)
	rp, err := c.read(ctx,
		"CALL db.schema.relTypeProperties() YIELD relType, propertyName RETURN relType, propertyName", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationship properties: %w", err)
	}
	for _, rec := range rp {
		rt, _ := rec.Get("relType")
		p, _ := rec.Get("propertyName")
		name := strings.Trim(strings.TrimPrefix(fmt.Sprint(rt), ":"), "`")
		if relProps[name] == nil {
			relProps[name] = make(map[string]bool)
		}
		if p != nil {
			relProps[name][fmt.Sprint(p)] = true
		}
	}

	patterns, err := c.read(ctx,
		"MATCH (a)-[r]->(b) RETURN DISTINCT head(labels(a)) AS from, type(r) AS type, head(labels(b)) AS to", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationship patterns: %w", err)
	}

	schema := &Schema{}
	for label, set := range props {
		schema.Labels = append(schema.Labels, LabelSchema{Label: label, Properties: sortedKeys(set)})
	}
	sort.Slice(schema.Labels, func(i, j int) bool { return schema.Labels[i].Label < schema.Labels[j].Label })

	for _, rec := range patterns {
		from, _ := rec.Get("from")
		typ, _ := rec.Get("type")
		to, _ := rec.Get("to")
		if from == nil || to == nil {
			continue
		}
		t := fmt.Sprint(typ)
		schema.Relationships = append(schema.Relationships, RelSchema{
			Type: t, From: fmt.Sprint(from), To: fmt.Sprint(to), Properties: sortedKeys(relProps[t]),
		})
	}
	sort.Slice(schema.Relationships, func(i, j int) bool {
		a, b := schema.Relationships[i], schema.Relationships[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return schema, nil
}

// Traverse returns the subgraph induced by the nodes within MaxDepth hops of the root.
func (c *Neo4jClient) Traverse(ctx context.Context, req TraversalRequest) (*Subgraph, error) {
	match := fmt.Sprintf("MATCH (root:%s {%s: $root})-[*0..%d]-(n)",
		QuoteName(req.RootLabel), QuoteName(req.RootProperty), req.MaxDepth)
	params := map[string]any{"root": req.RootValue}

	nodeRecs, err := c.read(ctx, match+" RETURN DISTINCT n", params)
	if err != nil {
		return nil, fmt.Errorf("node traversal failed: %w", err)
	}
	relRecs, err := c.read(ctx, match+
		" WITH collect(DISTINCT n) AS ns UNWIND ns AS a MATCH (a)-[r]->(b) WHERE b IN ns RETURN DISTINCT r", params)
	if err != nil {
		return nil, fmt.Errorf("relationship traversal failed: %w", err)
	}

	sg := &Subgraph{}
	for _, rec := range nodeRecs {
		v, _ := rec.Get("n")
		n, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		sg.Nodes = append(sg.Nodes, Node{ID: n.ElementId, Labels: n.Labels, Props: convertProps(n.Props)})
	}
	for _, rec := range relRecs {
		v, _ := rec.Get("r")
		r, ok := v.(neo4j.Relationship)
		if !ok {
			continue
		}
		sg.Relationships = append(sg.Relationships, Relationship{
			ID: r.ElementId, Type: r.Type, StartID: r.StartElementId, EndID: r.EndElementId, Props: convertProps(r.Props),
		})
	}
	return sg, nil
}

// Begin opens a write session and an explicit transaction on it.
func (c *Neo4jClient) Begin(ctx context.Context) (Tx, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.database,
	})
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		_ = session.Close(ctx)
		return nil, fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	return &neo4jTx{session: session, tx: tx}, nil
}

// Close releases the driver.
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

type neo4jTx struct {
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
}

func (t *neo4jTx) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	recs, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = r.AsMap()
	}
	return out, nil
}

func (t *neo4jTx) Commit(ctx context.Context) error {
	defer t.session.Close(ctx)
	return t.tx.Commit(ctx)
}

func (t *neo4jTx) Rollback(ctx context.Context) error {
	defer t.session.Close(ctx)
	return t.tx.Rollback(ctx)
}

// QuoteName backtick-quotes a label, relationship type or property key.
func QuoteName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// convertProps maps driver temporal and spatial values to JSON-friendly forms.
func convertProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = convertValue(v)
	}
	return out
}

func convertValue(v any) any {
	switch x := v.(type) {
	case neo4j.Date:
		return time.Time(x).Format("2006-01-02")
	case neo4j.LocalDateTime:
		return time.Time(x).Format("2006-01-02T15:04:05.999999999")
	case neo4j.LocalTime:
		return time.Time(x).Format("15:04:05.999999999")
	case neo4j.Time:
		return time.Time(x).Format("15:04:05.999999999Z07:00")
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case neo4j.Duration:
		return x.String()
	case neo4j.Point2D:
		return x.String()
	case neo4j.Point3D:
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = convertValue(e)
		}
		return out
	}
	return v
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case []string:
		return x
	case nil:
		return nil
	}
	return []string{fmt.Sprint(v)}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
