package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbsmedya/goscope/internal/catalog"
	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/database"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
)

// Connection roles. A source and a target may share a store name.
const (
	roleSource = "source"
	roleTarget = "target"
)

// sourceIntrospector connects a source store inside Introspect, so a store
// that cannot be reached ends up on the catalog's missing list.
type sourceIntrospector struct {
	stores *database.Manager
	cfg    config.StoreConfig
}

func (s *sourceIntrospector) StoreName() string {
	return s.cfg.Name
}

func (s *sourceIntrospector) Introspect(ctx context.Context) (*catalog.Store, error) {
	if s.cfg.IsGraph() {
		c, err := s.stores.Graph(ctx, roleSource, s.cfg)
		if err != nil {
			return nil, err
		}
		return (&catalog.GraphIntrospector{Name: s.cfg.Name, Client: c}).Introspect(ctx)
	}
	db, dialect, err := s.stores.Relational(ctx, roleSource, s.cfg)
	if err != nil {
		return nil, err
	}
	in := &catalog.SQLIntrospector{Name: s.cfg.Name, DB: db, Dialect: dialect, Schemas: s.cfg.Schemas}
	return in.Introspect(ctx)
}

// sources returns the connected source of every introspected store.
func (e *Engine) sources(ctx context.Context, cat *catalog.Catalog) ([]*extract.Source, error) {
	var out []*extract.Source
	for _, s := range cat.Stores {
		sc, ok := e.cfg.Source(s.Name)
		if !ok {
			return nil, fmt.Errorf("catalog store %s is not a configured source", s.Name)
		}
		src := &extract.Source{Name: s.Name, Workers: sc.Workers, QueriesPerSecond: sc.QueriesPerSecond}
		var err error
		if sc.IsGraph() {
			src.Graph, err = e.stores.Graph(ctx, roleSource, sc)
		} else {
			src.DB, src.Dialect, err = e.stores.Relational(ctx, roleSource, sc)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// targetConnector opens the configured target stores for the loader.
type targetConnector struct {
	cfg    *config.Config
	stores *database.Manager
}

func (c *targetConnector) Relational(ctx context.Context, target string) (*sql.DB, sqlutil.Dialect, error) {
	sc, ok := c.cfg.Target(target)
	if !ok {
		return nil, "", fmt.Errorf("target store %q is not configured", target)
	}
	if sc.IsGraph() {
		return nil, "", fmt.Errorf("target store %q is a graph store", target)
	}
	return c.stores.Relational(ctx, roleTarget, sc)
}

func (c *targetConnector) Graph(ctx context.Context, target string) (graphstore.Client, error) {
	sc, ok := c.cfg.Target(target)
	if !ok {
		return nil, fmt.Errorf("target store %q is not configured", target)
	}
	if !sc.IsGraph() {
		return nil, fmt.Errorf("target store %q is not a graph store", target)
	}
	return c.stores.Graph(ctx, roleTarget, sc)
}

// StoreStatus is the reachability of one configured store.
type StoreStatus struct {
	Role  string `json:"role"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// CheckStores connects every configured source and target store.
func (e *Engine) CheckStores(ctx context.Context) []StoreStatus {
	out := make([]StoreStatus, 0, len(e.cfg.Sources)+len(e.cfg.Targets))
	check := func(role string, sc config.StoreConfig) {
		st := StoreStatus{Role: role, Name: sc.Name, Kind: sc.Kind}
		var err error
		if sc.IsGraph() {
			_, err = e.stores.Graph(ctx, role, sc)
		} else {
			_, _, err = e.stores.Relational(ctx, role, sc)
		}
		if err != nil {
			st.Error = logger.SanitizeError(err)
			e.log.Warnw("Store unreachable", "role", role, "store", sc.Name, "error", st.Error)
		}
		out = append(out, st)
	}
	for _, sc := range e.cfg.Sources {
		check(roleSource, sc)
	}
	for _, sc := range e.cfg.Targets {
		check(roleTarget, sc)
	}
	return out
}
