package cmd

import (
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/config"
)

// Version information (set via ldflags at build time)
var (
	Version   = "0.0.1-dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile     string
	logLevel    string
	logFormat   string
	scopeKey    string
	scopeValue  string
	artifactDir string
	batchSize   int
	strategy    string
	metricsFile string
	jsonOutput  bool
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "goscope",
	Short: "District-scoped multi-store migration engine",
	Long: `goscope copies the slice of several data stores that belongs to one
scope value (a district) into other stores, anonymizing it on the way.

Phases:
  - extract:   pull every row reachable from the scope, parents first
  - anonymize: rewrite personal data with a persistent consistency map
  - validate:  check integrity, completeness and leaks; FAILED blocks load
  - load:      write into the targets, one transaction per store

Each phase reads and writes JSON artifacts in the run directory, so the
phases can run in one go (run) or one at a time.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.Disable()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "goscope.yaml",
		"Path to configuration file")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Run overrides
	rootCmd.PersistentFlags().StringVar(&scopeKey, "scope-key", "",
		"Override scope column, e.g. district_id")
	rootCmd.PersistentFlags().StringVar(&scopeValue, "scope-value", "",
		"Override scope value, e.g. district-001")
	rootCmd.PersistentFlags().StringVar(&artifactDir, "artifact-dir", "",
		"Override artifact root directory")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0,
		"Override rows per batch")
	rootCmd.PersistentFlags().StringVar(&strategy, "strategy", "",
		"Override load conflict strategy (insert, upsert, merge)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "",
		"Write prometheus metrics to this textfile")

	// Output
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print the phase artifact as JSON instead of a summary")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() config.Overrides {
	return config.Overrides{
		LogLevel:    logLevel,
		LogFormat:   logFormat,
		ScopeKey:    scopeKey,
		ScopeValue:  scopeValue,
		ArtifactDir: artifactDir,
		BatchSize:   batchSize,
		Strategy:    strategy,
		MetricsFile: metricsFile,
	}
}
