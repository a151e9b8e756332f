package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Run.Scope.Key == "" {
		errs = append(errs, ValidationError{Field: "run.scope.key", Message: "scope key is required"})
	}
	if c.Run.StoreTimeout < 0 {
		errs = append(errs, ValidationError{Field: "run.store_timeout", Message: "store_timeout cannot be negative"})
	}
	if c.Run.MaxDepth < 0 {
		errs = append(errs, ValidationError{Field: "run.max_depth", Message: "max_depth cannot be negative"})
	}

	if len(c.Sources) == 0 {
		errs = append(errs, ValidationError{Field: "sources", Message: "at least one source store must be defined"})
	}
	errs = append(errs, validateStores("sources", c.Sources)...)
	errs = append(errs, validateStores("targets", c.Targets)...)

	for i, l := range c.Catalog.Links {
		prefix := fmt.Sprintf("catalog.links[%d]", i)
		if strings.Count(l.From, ".") < 2 {
			errs = append(errs, ValidationError{Field: prefix + ".from", Message: "must be written store.entity.column"})
		}
		if strings.Count(l.To, ".") < 2 {
			errs = append(errs, ValidationError{Field: prefix + ".to", Message: "must be written store.entity.column"})
		}
	}

	if c.Extraction.BatchSize <= 0 {
		errs = append(errs, ValidationError{Field: "extraction.batch_size", Message: "batch_size must be greater than 0"})
	}

	errs = append(errs, c.validateAnonymization()...)
	errs = append(errs, c.validateValidation()...)
	errs = append(errs, c.validateLoad()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStores(prefix string, stores []StoreConfig) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, s := range stores {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seen[s.Name] {
			errs = append(errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate store name %q", s.Name)})
		}
		seen[s.Name] = true

		switch s.Kind {
		case KindGraph:
			if s.URI == "" {
				errs = append(errs, ValidationError{Field: field + ".uri", Message: "uri is required for graph stores"})
			}
		case KindRelational, "":
			errs = append(errs, validateRelational(field, s)...)
		default:
			errs = append(errs, ValidationError{Field: field + ".kind", Message: "kind must be 'relational' or 'graph'"})
		}

		if s.Workers < 0 {
			errs = append(errs, ValidationError{Field: field + ".workers", Message: "workers cannot be negative"})
		}
		if s.QueriesPerSecond < 0 {
			errs = append(errs, ValidationError{Field: field + ".queries_per_second", Message: "queries_per_second cannot be negative"})
		}
		if s.MaxConnections < 0 {
			errs = append(errs, ValidationError{Field: field + ".max_connections", Message: "max_connections cannot be negative"})
		}
	}
	return errs
}

func validateRelational(field string, s StoreConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLServer:
		if s.Host == "" {
			errs = append(errs, ValidationError{Field: field + ".host", Message: "host is required"})
		}
		if s.Port <= 0 || s.Port > 65535 {
			errs = append(errs, ValidationError{Field: field + ".port", Message: "port must be between 1 and 65535"})
		}
		if s.User == "" {
			errs = append(errs, ValidationError{Field: field + ".user", Message: "user is required"})
		}
	case DriverSQLite:
	default:
		errs = append(errs, ValidationError{Field: field + ".driver", Message: "driver must be 'postgres', 'mysql', 'sqlserver', or 'sqlite'"})
	}

	if s.Database == "" {
		errs = append(errs, ValidationError{Field: field + ".database", Message: "database name is required"})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[s.TLS] {
		errs = append(errs, ValidationError{Field: field + ".tls", Message: "tls must be 'disable', 'preferred', or 'required'"})
	}
	return errs
}

func (c *Config) validateAnonymization() ValidationErrors {
	var errs ValidationErrors
	a := c.Anonymization

	if a.HashLength < 8 || a.HashLength > 128 {
		errs = append(errs, ValidationError{Field: "anonymization.hash_length", Message: "hash_length must be between 8 and 128"})
	}
	if a.LeakSampleSize < 0 {
		errs = append(errs, ValidationError{Field: "anonymization.leak_sample_size", Message: "leak_sample_size cannot be negative"})
	}
	switch a.DefaultStrategy {
	case "nullify", "hash", "synthetic", "tokenize":
	default:
		errs = append(errs, ValidationError{Field: "anonymization.default_strategy", Message: "default_strategy must be 'nullify', 'hash', 'synthetic', or 'tokenize'"})
	}
	if a.Workers < 0 {
		errs = append(errs, ValidationError{Field: "anonymization.workers", Message: "workers cannot be negative"})
	}
	return errs
}

func (c *Config) validateValidation() ValidationErrors {
	var errs ValidationErrors
	v := c.Validation

	if v.CompletenessTolerance < 0 || v.CompletenessTolerance > 1 {
		errs = append(errs, ValidationError{Field: "validation.completeness_tolerance", Message: "completeness_tolerance must be between 0 and 1"})
	}
	if v.CrossStoreTolerance < 0 || v.CrossStoreTolerance > 1 {
		errs = append(errs, ValidationError{Field: "validation.cross_store_tolerance", Message: "cross_store_tolerance must be between 0 and 1"})
	}
	if v.SampleSize < 0 {
		errs = append(errs, ValidationError{Field: "validation.sample_size", Message: "sample_size cannot be negative"})
	}
	return errs
}

func (c *Config) validateLoad() ValidationErrors {
	var errs ValidationErrors

	if !ValidStrategy(c.Load.Strategy) {
		errs = append(errs, ValidationError{Field: "load.strategy", Message: "strategy must be 'insert', 'upsert', or 'merge'"})
	}
	for i, o := range c.Load.Overrides {
		if o.Entity == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("load.overrides[%d].entity", i), Message: "entity is required"})
		}
		if !ValidStrategy(o.Strategy) {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("load.overrides[%d].strategy", i), Message: "strategy must be 'insert', 'upsert', or 'merge'"})
		}
	}
	return errs
}

func (c *Config) validateLogging() ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, ValidationError{Field: "logging.level", Message: "level must be 'debug', 'info', 'warn', or 'error'"})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, ValidationError{Field: "logging.format", Message: "format must be 'json' or 'text'"})
	}
	return errs
}

// ValidStrategy reports whether s names a loader conflict strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyInsert, StrategyUpsert, StrategyMerge:
		return true
	}
	return false
}
