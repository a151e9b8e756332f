// Package database manages connections to the relational and graph stores of a run.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/graphstore"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
)

// Manager opens store connections lazily and caches them per role and name.
type Manager struct {
	log        *logger.Logger
	maxRetries int
	backoff    time.Duration

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	graphs map[string]graphstore.Client
}

// NewManager creates a new connection manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		log:        log,
		maxRetries: 3,
		backoff:    time.Second,
		dbs:        make(map[string]*sql.DB),
		graphs:     make(map[string]graphstore.Client),
	}
}

// Relational returns the connection pool for a relational store.
// role distinguishes a source and a target that share a name.
func (m *Manager) Relational(ctx context.Context, role string, cfg config.StoreConfig) (*sql.DB, sqlutil.Dialect, error) {
	dialect, err := sqlutil.DialectFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}

	key := role + ":" + cfg.Name
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[key]; ok {
		return db, dialect, nil
	}

	db, err := m.connectWithRetry(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to %s store %s: %w", role, cfg.Name, err)
	}
	m.dbs[key] = db
	return db, dialect, nil
}

// Graph returns the client for a graph store.
func (m *Manager) Graph(ctx context.Context, role string, cfg config.StoreConfig) (graphstore.Client, error) {
	key := role + ":" + cfg.Name
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.graphs[key]; ok {
		return c, nil
	}

	m.log.Infow("connecting to graph store", "store", cfg.Name, "uri", logger.SanitizeConnectionString(cfg.URI))
	c, err := graphstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s store %s: %w", role, cfg.Name, err)
	}
	m.graphs[key] = c
	return c, nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	driver, dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}
	m.log.Infow("connecting to relational store", "store", cfg.Name, "driver", driver, "dsn", logger.SanitizeConnectionString(dsn))

	backoff := m.backoff
	for i := 0; i < m.maxRetries; i++ {
		var db *sql.DB
		db, err = sql.Open(driver, dsn)
		if err == nil {
			configurePool(db, cfg)
			if pingErr := db.PingContext(ctx); pingErr == nil {
				return db, nil
			} else {
				_ = db.Close()
				err = pingErr
			}
		}

		m.log.Warnw("connection attempt failed", "store", cfg.Name, "attempt", i+1, "error", logger.SanitizeError(err))
		if i < m.maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", m.maxRetries, err)
}

func configurePool(db *sql.DB, cfg config.StoreConfig) {
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)
}

// BuildDSN returns the database/sql driver name and DSN for a relational store.
func BuildDSN(cfg config.StoreConfig) (driver, dsn string, err error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		mc.DBName = cfg.Database
		mc.ParseTime = true
		switch cfg.TLS {
		case "disable":
			mc.TLSConfig = "false"
		case "required":
			mc.TLSConfig = "true"
		default:
			mc.TLSConfig = "preferred"
		}
		return "mysql", mc.FormatDSN(), nil

	case config.DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:   "/" + cfg.Database,
		}
		q := url.Values{}
		switch cfg.TLS {
		case "disable":
			q.Set("sslmode", "disable")
		case "required":
			q.Set("sslmode", "require")
		default:
			q.Set("sslmode", "prefer")
		}
		u.RawQuery = q.Encode()
		return "pgx", u.String(), nil

	case config.DriverSQLServer:
		u := url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		}
		q := url.Values{}
		q.Set("database", cfg.Database)
		switch cfg.TLS {
		case "disable":
			q.Set("encrypt", "disable")
		case "required":
			q.Set("encrypt", "true")
		default:
			q.Set("encrypt", "false")
		}
		u.RawQuery = q.Encode()
		return "sqlserver", u.String(), nil

	case config.DriverSQLite:
		if cfg.Database == ":memory:" {
			return "sqlite", cfg.Database, nil
		}
		return "sqlite", "file:" + cfg.Database + "?_pragma=busy_timeout(" + strconv.Itoa(5000) + ")", nil
	}
	return "", "", fmt.Errorf("unsupported driver %q for store %s", cfg.Driver, cfg.Name)
}

// Close closes every open connection, collecting errors.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", name, err))
		}
	}
	for name, c := range m.graphs {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", name, err))
		}
	}
	m.dbs = make(map[string]*sql.DB)
	m.graphs = make(map[string]graphstore.Client)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}

// Ping verifies all open relational connections are alive.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, db := range m.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	return nil
}
