package load

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/types"
)

// Properties stamped on every loaded node and relationship. Nodes are merged
// by source identity, so reloading a scope updates in place.
const (
	PropSourceID = "goscope_source_id"
	PropScope    = "goscope_scope"
)

// scopedGraphTx is a graph transaction that only accepts scope-bound writes.
type scopedGraphTx struct {
	tx      graphstore.Tx
	scope   string
	timeout time.Duration
}

func (s *scopedGraphTx) run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if !strings.Contains(cypher, "$scope") || params["scope"] != s.scope {
		return nil, fmt.Errorf("%w: %s", ErrUnscoped, cypher)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.tx.Run(ctx, cypher, params)
}

// countOf reads an integer column of the first record, -1 when absent.
func countOf(recs []map[string]any, key string) int64 {
	if len(recs) == 0 {
		return -1
	}
	v, ok := recs[0][key]
	if !ok {
		return -1
	}
	return types.ToInt64(v)
}

func (r *run) loadGraph(ctx context.Context, res *artifact.StoreResult, entries []artifact.LoadPlanEntry) (err error) {
	client, err := r.l.conn.Graph(ctx, res.Target)
	if err != nil {
		return err
	}
	gtx, err := client.Begin(ctx)
	if err != nil {
		return err
	}
	tx := &scopedGraphTx{tx: gtx, scope: r.scope.Value, timeout: r.l.opts.StoreTimeout}
	defer func() {
		if err != nil {
			if rbErr := gtx.Rollback(context.Background()); rbErr != nil {
				r.l.log.WithStore(res.Store).Errorw("Graph rollback failed", "error", rbErr)
			}
		}
	}()

	// Relationships are merged between loaded nodes, so nodes go first.
	active := make([]artifact.LoadPlanEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Skip {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return r.entityKind(active[i].Entity) == catalog.KindNode && r.entityKind(active[j].Entity) != catalog.KindNode
	})

	first := len(res.Entities)
	var loaded [][]any
	for _, e := range active {
		if err := ctx.Err(); err != nil {
			res.FailedEntity = e.Entity.String()
			return fmt.Errorf("load cancelled: %w", err)
		}
		er, ids, err := r.loadGraphEntity(ctx, tx, e)
		res.Entities = append(res.Entities, er)
		if err != nil {
			res.FailedEntity = e.Entity.String()
			return err
		}
		loaded = append(loaded, ids)
	}

	if r.l.opts.VerifyCounts {
		for i, ids := range loaded {
			er := &res.Entities[first+i]
			if err := r.verifyGraph(ctx, tx, er, ids); err != nil {
				res.FailedEntity = er.Entity.String()
				return err
			}
		}
	}
	return gtx.Commit(ctx)
}

func (r *run) entityKind(ref catalog.EntityRef) catalog.EntityKind {
	if e, ok := r.l.cat.Entity(ref); ok {
		return e.Kind
	}
	return ""
}

// loadGraphEntity merges the nodes or relationships of one entity in
// batches and returns their source ids.
func (r *run) loadGraphEntity(ctx context.Context, tx *scopedGraphTx, entry artifact.LoadPlanEntry) (artifact.EntityResult, []any, error) {
	er := artifact.EntityResult{Entity: entry.Entity, Strategy: "merge"}
	if u, ok := r.m.Unit(entry.Entity); ok {
		er.Expected = u.Rows
	}
	e, ok := r.l.cat.Entity(entry.Entity)
	if !ok {
		return er, nil, fmt.Errorf("entity %s not in catalog", entry.Entity)
	}

	batches := make(map[string][]map[string]any)
	var groups []string
	var ids []any
	err := r.ds.Scan(entry.Entity, func(row types.Row) error {
		id, ok := row[graphstore.KeyID]
		if !ok || id == nil {
			return &rowError{row: fmt.Sprintf("#%d", len(ids)+1), err: fmt.Errorf("row has no %s", graphstore.KeyID)}
		}
		item := map[string]any{
			"id":    types.KeyString(id),
			"scope": r.scope.Value,
			"props": graphProps(graphstore.Properties(row)),
		}
		group := ""
		if e.Kind == catalog.KindRelationship {
			item["start"] = types.KeyString(row[graphstore.KeyStartID])
			item["end"] = types.KeyString(row[graphstore.KeyEndID])
		} else {
			group = strings.Join(extraLabels(row[graphstore.KeyLabels], e.Table), ":")
		}
		if _, seen := batches[group]; !seen {
			groups = append(groups, group)
		}
		batches[group] = append(batches[group], item)
		ids = append(ids, item["id"])
		return nil
	})
	if err != nil {
		return er, nil, err
	}

	for _, group := range groups {
		rows := batches[group]
		cypher := r.mergeCypher(e, group)
		for i := 0; i < len(rows); i += r.l.opts.BatchSize {
			batch := rows[i:min(i+r.l.opts.BatchSize, len(rows))]
			recs, err := tx.run(ctx, cypher, map[string]any{"rows": toAnySlice(batch), "scope": r.scope.Value})
			if err != nil {
				return er, nil, &rowError{row: fmt.Sprint(batch[0]["id"]), err: err}
			}
			if n := countOf(recs, "written"); n >= 0 && n < int64(len(batch)) {
				return er, nil, &rowError{row: fmt.Sprint(batch[0]["id"]),
					err: fmt.Errorf("%d of %d rows were not written, endpoints outside the run scope", int64(len(batch))-n, len(batch))}
			}
			er.Written += int64(len(batch))
		}
	}
	return er, ids, nil
}

// mergeCypher renders the batch write of a graph entity.
//
//	UNWIND $rows AS row WITH row WHERE row.scope = $scope
//	MERGE (n:Label {goscope_source_id: row.id}) SET n += row.props, ...
func (r *run) mergeCypher(e *catalog.Entity, extra string) string {
	q := graphstore.QuoteName
	if e.Kind == catalog.KindRelationship {
		return fmt.Sprintf("UNWIND $rows AS row "+
			"MATCH (a:%s {%s: row.start, %s: $scope}) "+
			"MATCH (b:%s {%s: row.end, %s: $scope}) "+
			"MERGE (a)-[rel:%s {%s: row.id}]->(b) "+
			"SET rel += row.props, rel.%s = $scope "+
			"RETURN count(rel) AS written",
			q(e.FromLabel), PropSourceID, PropScope,
			q(e.ToLabel), PropSourceID, PropScope,
			q(e.RelType), PropSourceID, PropScope)
	}
	labels := ""
	if extra != "" {
		for _, l := range strings.Split(extra, ":") {
			labels += ":" + q(l)
		}
		labels = ", n" + labels
	}
	return fmt.Sprintf("UNWIND $rows AS row WITH row WHERE row.scope = $scope "+
		"MERGE (n:%s {%s: row.id}) "+
		"SET n += row.props, n.%s = row.scope%s "+
		"RETURN count(n) AS written",
		q(e.Table), PropSourceID, PropScope, labels)
}

// verifyGraph recounts the scoped nodes or relationships of an entity.
func (r *run) verifyGraph(ctx context.Context, tx *scopedGraphTx, er *artifact.EntityResult, ids []any) error {
	e, _ := r.l.cat.Entity(er.Entity)
	q := graphstore.QuoteName
	var cypher string
	if e.Kind == catalog.KindRelationship {
		cypher = fmt.Sprintf("MATCH (:%s)-[rel:%s {%s: $scope}]->(:%s) WHERE rel.%s IN $ids RETURN count(rel) AS n",
			q(e.FromLabel), q(e.RelType), PropScope, q(e.ToLabel), PropSourceID)
	} else {
		cypher = fmt.Sprintf("MATCH (n:%s {%s: $scope}) WHERE n.%s IN $ids RETURN count(n) AS n",
			q(e.Table), PropScope, PropSourceID)
	}
	recs, err := tx.run(ctx, cypher, map[string]any{"ids": ids, "scope": r.scope.Value})
	if err != nil {
		return fmt.Errorf("failed to count %s: %w", er.Entity, err)
	}
	n := countOf(recs, "n")
	if n < 0 {
		er.Reason = "graph store did not report a count"
		return nil
	}
	er.Verified = n
	if n != er.Expected {
		return fmt.Errorf("count mismatch for %s: expected=%d, target=%d", er.Entity, er.Expected, n)
	}
	return nil
}

// extraLabels returns the labels of a node row besides its primary label.
func extraLabels(v any, primary string) []string {
	var out []string
	if list, ok := v.([]any); ok {
		for _, l := range list {
			if s := fmt.Sprint(l); s != primary {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// graphProps converts dataset values into property values the bolt driver
// accepts: numbers become int64 or float64, nested maps become JSON text.
func graphProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		out[k] = graphValue(v)
	}
	return out
}

func graphValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = graphValue(e)
		}
		return out
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return v
}

func toAnySlice(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
