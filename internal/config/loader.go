package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.substituteEnvVars()
	for i := range cfg.Sources {
		ApplyStoreDefaults(&cfg.Sources[i])
	}
	for i := range cfg.Targets {
		ApplyStoreDefaults(&cfg.Targets[i])
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars expands ${VAR} references in secrets and locations.
func (c *Config) substituteEnvVars() {
	for _, stores := range [][]StoreConfig{c.Sources, c.Targets} {
		for i := range stores {
			s := &stores[i]
			s.Host = expandEnvVar(s.Host)
			s.User = expandEnvVar(s.User)
			s.Password = expandEnvVar(s.Password)
			s.Database = expandEnvVar(s.Database)
			s.URI = expandEnvVar(s.URI)
		}
	}

	c.Run.ArtifactDir = expandEnvVar(c.Run.ArtifactDir)
	c.Run.Scope.Value = expandEnvVar(c.Run.Scope.Value)
	c.Anonymization.Secret = expandEnvVar(c.Anonymization.Secret)
	c.Anonymization.MapLocation = expandEnvVar(c.Anonymization.MapLocation)
	c.Anonymization.RulesFile = expandEnvVar(c.Anonymization.RulesFile)
	c.Validation.RulesFile = expandEnvVar(c.Validation.RulesFile)
	c.Logging.Output = expandEnvVar(c.Logging.Output)
	c.Metrics.TextfilePath = expandEnvVar(c.Metrics.TextfilePath)
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
// Unknown variables are left untouched.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Overrides carries CLI flag values. Zero values leave the file value alone.
type Overrides struct {
	LogLevel    string
	LogFormat   string
	ScopeKey    string
	ScopeValue  string
	ArtifactDir string
	BatchSize   int
	Strategy    string
	MetricsFile string
}

// ApplyOverrides applies CLI flag overrides to the configuration.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.ScopeKey != "" {
		c.Run.Scope.Key = o.ScopeKey
	}
	if o.ScopeValue != "" {
		c.Run.Scope.Value = o.ScopeValue
	}
	if o.ArtifactDir != "" {
		c.Run.ArtifactDir = o.ArtifactDir
	}
	if o.BatchSize > 0 {
		c.Extraction.BatchSize = o.BatchSize
	}
	if o.Strategy != "" {
		c.Load.Strategy = o.Strategy
	}
	if o.MetricsFile != "" {
		c.Metrics.TextfilePath = o.MetricsFile
	}
}
