// Package config holds the run configuration for goscope.
package config

import "time"

// Store kinds.
const (
	KindRelational = "relational"
	KindGraph      = "graph"
)

// Relational drivers.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
	DriverSQLite    = "sqlite"
)

// Conflict strategies understood by the loader.
const (
	StrategyInsert = "insert"
	StrategyUpsert = "upsert"
	StrategyMerge  = "merge"
)

// Config is the complete configuration of a migration run.
type Config struct {
	Run           RunConfig           `yaml:"run" mapstructure:"run"`
	Sources       []StoreConfig       `yaml:"sources" mapstructure:"sources"`
	Targets       []StoreConfig       `yaml:"targets" mapstructure:"targets"`
	Catalog       CatalogConfig       `yaml:"catalog" mapstructure:"catalog"`
	Extraction    ExtractionConfig    `yaml:"extraction" mapstructure:"extraction"`
	Anonymization AnonymizationConfig `yaml:"anonymization" mapstructure:"anonymization"`
	Validation    ValidationConfig    `yaml:"validation" mapstructure:"validation"`
	Load          LoadConfig          `yaml:"load" mapstructure:"load"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
}

// RunConfig describes the scope and the artifact location of a run.
type RunConfig struct {
	ArtifactDir  string        `yaml:"artifact_dir" mapstructure:"artifact_dir"`
	Scope        ScopeConfig   `yaml:"scope" mapstructure:"scope"`
	StoreTimeout time.Duration `yaml:"store_timeout" mapstructure:"store_timeout"`
	MaxDepth     int           `yaml:"max_depth" mapstructure:"max_depth"` // 0 derives from the deepest FK chain
}

// ScopeConfig is the root selector of a run, e.g. district_id = district-001.
type ScopeConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Value string `yaml:"value" mapstructure:"value"`
}

// StoreConfig is one source or target data store.
type StoreConfig struct {
	Name               string   `yaml:"name" mapstructure:"name"`
	Kind               string   `yaml:"kind" mapstructure:"kind"`     // relational or graph
	Driver             string   `yaml:"driver" mapstructure:"driver"` // postgres, mysql, sqlserver, sqlite
	Host               string   `yaml:"host" mapstructure:"host"`
	Port               int      `yaml:"port" mapstructure:"port"`
	User               string   `yaml:"user" mapstructure:"user"`
	Password           string   `yaml:"password" mapstructure:"password"`
	Database           string   `yaml:"database" mapstructure:"database"` // file path for sqlite
	Schemas            []string `yaml:"schemas" mapstructure:"schemas"`
	TLS                string   `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	URI                string   `yaml:"uri" mapstructure:"uri"` // bolt URI for graph stores
	MaxConnections     int      `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int      `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	Workers            int      `yaml:"workers" mapstructure:"workers"`
	QueriesPerSecond   float64  `yaml:"queries_per_second" mapstructure:"queries_per_second"`
}

// IsGraph reports whether the store is a property graph.
func (s StoreConfig) IsGraph() bool {
	return s.Kind == KindGraph
}

// CatalogConfig adds edges and exclusions the store metadata cannot express.
type CatalogConfig struct {
	Links   []LinkConfig `yaml:"links" mapstructure:"links"`
	Exclude []string     `yaml:"exclude" mapstructure:"exclude"`
}

// LinkConfig declares a foreign key that is not enforced by the store,
// typically one that crosses stores. Columns are written store.entity.column.
type LinkConfig struct {
	From string `yaml:"from" mapstructure:"from"`
	To   string `yaml:"to" mapstructure:"to"`
}

// ExtractionConfig controls the extraction phase.
type ExtractionConfig struct {
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
	GraphRootLabel    string `yaml:"graph_root_label" mapstructure:"graph_root_label"`
	GraphRootProperty string `yaml:"graph_root_property" mapstructure:"graph_root_property"`
}

// AnonymizationConfig controls the anonymization phase.
type AnonymizationConfig struct {
	RulesFile       string `yaml:"rules_file" mapstructure:"rules_file"`
	MapLocation     string `yaml:"map_location" mapstructure:"map_location"`
	Secret          string `yaml:"secret" mapstructure:"secret"`
	HashLength      int    `yaml:"hash_length" mapstructure:"hash_length"`
	LeakSampleSize  int    `yaml:"leak_sample_size" mapstructure:"leak_sample_size"`
	LeakSeed        uint64 `yaml:"leak_seed" mapstructure:"leak_seed"`
	DefaultStrategy string `yaml:"default_strategy" mapstructure:"default_strategy"`
	Workers         int    `yaml:"workers" mapstructure:"workers"`
}

// ValidationConfig controls the validation gate.
type ValidationConfig struct {
	RulesFile             string  `yaml:"rules_file" mapstructure:"rules_file"`
	CompletenessTolerance float64 `yaml:"completeness_tolerance" mapstructure:"completeness_tolerance"`
	CrossStoreTolerance   float64 `yaml:"cross_store_tolerance" mapstructure:"cross_store_tolerance"`
	SampleSize            int     `yaml:"sample_size" mapstructure:"sample_size"`
}

// LoadConfig controls the loader.
type LoadConfig struct {
	Strategy     string           `yaml:"strategy" mapstructure:"strategy"`
	Overrides    []EntityStrategy `yaml:"overrides" mapstructure:"overrides"`
	VerifyCounts bool             `yaml:"verify_counts" mapstructure:"verify_counts"`
	AdvisoryLock bool             `yaml:"advisory_lock" mapstructure:"advisory_lock"`
	LockTimeout  time.Duration    `yaml:"lock_timeout" mapstructure:"lock_timeout"`
}

// EntityStrategy overrides the conflict strategy of one entity.
type EntityStrategy struct {
	Entity   string `yaml:"entity" mapstructure:"entity"`
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// MetricsConfig controls the prometheus textfile export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			ArtifactDir:  "./runs",
			StoreTimeout: 30 * time.Second,
		},
		Extraction: ExtractionConfig{
			BatchSize:         1000,
			GraphRootLabel:    "District",
			GraphRootProperty: "id",
		},
		Anonymization: AnonymizationConfig{
			HashLength:      32,
			LeakSampleSize:  100,
			LeakSeed:        42,
			DefaultStrategy: "nullify",
			Workers:         4,
		},
		Validation: ValidationConfig{
			CompletenessTolerance: 0.10,
			CrossStoreTolerance:   0.0,
			SampleSize:            10,
		},
		Load: LoadConfig{
			Strategy:     StrategyInsert,
			VerifyCounts: true,
			AdvisoryLock: true,
			LockTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// ApplyStoreDefaults fills per-driver defaults into a store entry.
func ApplyStoreDefaults(s *StoreConfig) {
	if s.Kind == "" {
		if s.URI != "" {
			s.Kind = KindGraph
		} else {
			s.Kind = KindRelational
		}
	}
	if s.Port == 0 {
		switch s.Driver {
		case DriverPostgres:
			s.Port = 5432
		case DriverMySQL:
			s.Port = 3306
		case DriverSQLServer:
			s.Port = 1433
		}
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 10
	}
	if s.MaxIdleConnections == 0 {
		s.MaxIdleConnections = 5
	}
	if s.Workers == 0 {
		s.Workers = 2
	}
}

// Source returns the source store with the given name.
func (c *Config) Source(name string) (StoreConfig, bool) {
	return findStore(c.Sources, name)
}

// Target returns the target store with the given name.
func (c *Config) Target(name string) (StoreConfig, bool) {
	return findStore(c.Targets, name)
}

func findStore(stores []StoreConfig, name string) (StoreConfig, bool) {
	for _, s := range stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}
