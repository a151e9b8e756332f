package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscope/internal/config"
	"github.com/dbsmedya/goscope/internal/logger"
	"github.com/dbsmedya/goscope/internal/sqlutil"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.StoreConfig
		wantDriver string
		wantDSN    string
	}{
		{
			name:       "mysql preferred tls",
			cfg:        config.StoreConfig{Driver: "mysql", Host: "localhost", Port: 3306, User: "root", Password: "secret", Database: "ids"},
			wantDriver: "mysql",
			wantDSN:    "root:secret@tcp(localhost:3306)/ids?parseTime=true&tls=preferred",
		},
		{
			name:       "postgres disabled tls",
			cfg:        config.StoreConfig{Driver: "postgres", Host: "pg", Port: 5432, User: "reader", Password: "p@ss", Database: "hcp1", TLS: "disable"},
			wantDriver: "pgx",
			wantDSN:    "postgres://reader:p%40ss@pg:5432/hcp1?sslmode=disable",
		},
		{
			name:       "sqlserver required tls",
			cfg:        config.StoreConfig{Driver: "sqlserver", Host: "mssql", Port: 1433, User: "sa", Password: "pw", Database: "adb", TLS: "required"},
			wantDriver: "sqlserver",
			wantDSN:    "sqlserver://sa:pw@mssql:1433?database=adb&encrypt=true",
		},
		{
			name:       "sqlite file",
			cfg:        config.StoreConfig{Driver: "sqlite", Database: "/tmp/x.db"},
			wantDriver: "sqlite",
			wantDSN:    "file:/tmp/x.db?_pragma=busy_timeout(5000)",
		},
		{
			name:       "sqlite memory",
			cfg:        config.StoreConfig{Driver: "sqlite", Database: ":memory:"},
			wantDriver: "sqlite",
			wantDSN:    ":memory:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := BuildDSN(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}

	_, _, err := BuildDSN(config.StoreConfig{Name: "x", Driver: "oracle"})
	assert.Error(t, err)
}

func TestRelationalSQLite(t *testing.T) {
	m := NewManager(logger.NewNop())
	defer m.Close(context.Background())

	cfg := config.StoreConfig{Name: "local", Driver: "sqlite", Database: filepath.Join(t.TempDir(), "local.db")}
	db, dialect, err := m.Relational(context.Background(), "target", cfg)
	require.NoError(t, err)
	assert.Equal(t, sqlutil.SQLite, dialect)

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	again, _, err := m.Relational(context.Background(), "target", cfg)
	require.NoError(t, err)
	assert.Same(t, db, again, "connections are cached per role and name")

	require.NoError(t, m.Ping(context.Background()))
}

func TestRelationalUnsupportedDriver(t *testing.T) {
	m := NewManager(logger.NewNop())
	_, _, err := m.Relational(context.Background(), "source", config.StoreConfig{Name: "x", Driver: "oracle"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported driver"))
}

func TestConnectRetriesThenFails(t *testing.T) {
	m := NewManager(logger.NewNop())
	m.backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A directory is not a database file.
	cfg := config.StoreConfig{Name: "broken", Driver: "sqlite", Database: t.TempDir()}
	_, _, err := m.Relational(ctx, "source", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 retries")
}
