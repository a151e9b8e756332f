// Package validate is the gate between anonymization and loading: it runs
// independent integrity checks over an anonymized dataset and decides
// PASSED, PASSED_WITH_WARNINGS or FAILED.
package validate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
)

// BusinessRule is a per-row predicate over one entity.
type BusinessRule struct {
	Name        string `yaml:"name"`
	Store       string `yaml:"store"`
	Table       string `yaml:"table"`
	Condition   string `yaml:"condition"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`

	cond *Condition
}

// CompletenessRule lists fields that must be present and non-null.
type CompletenessRule struct {
	Name           string   `yaml:"name"`
	Store          string   `yaml:"store"`
	Table          string   `yaml:"table"`
	RequiredFields []string `yaml:"required_fields"`
	Severity       string   `yaml:"severity"`
}

// ValueRange bounds a column. Min and Max are inclusive; Allowed lists
// the accepted values of an enumerated column.
type ValueRange struct {
	Store   string   `yaml:"store"`
	Table   string   `yaml:"table"`
	Column  string   `yaml:"column"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Allowed []string `yaml:"allowed"`
}

// CrossStoreMember is one side of a cross-store group.
type CrossStoreMember struct {
	Entity string `yaml:"entity"` // store.entity
	Column string `yaml:"column"`
}

// CrossStoreGroup names entities expected to hold the same identifiers in
// different stores.
type CrossStoreGroup struct {
	Name    string             `yaml:"name"`
	Members []CrossStoreMember `yaml:"members"`
}

// Rules is a validation rules document.
type Rules struct {
	BusinessRules     []*BusinessRule    `yaml:"business_rules"`
	CompletenessRules []CompletenessRule `yaml:"completeness_rules"`
	ValueRanges       []ValueRange       `yaml:"value_ranges"`
	CrossStore        []CrossStoreGroup  `yaml:"cross_store"`
}

// LoadRules reads a rules file. An empty path yields empty rules.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return &Rules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses a rules document and compiles its conditions.
func ParseRules(data []byte) (*Rules, error) {
	var rs Rules
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse validation rules: %w", err)
	}

	for i, r := range rs.BusinessRules {
		if r.Name == "" {
			return nil, fmt.Errorf("business_rules[%d]: name is required", i)
		}
		if r.Table == "" || r.Condition == "" {
			return nil, fmt.Errorf("business rule %q: table and condition are required", r.Name)
		}
		sev, err := parseSeverity(r.Severity, artifact.SeverityWarning)
		if err != nil {
			return nil, fmt.Errorf("business rule %q: %w", r.Name, err)
		}
		r.Severity = string(sev)
		if r.cond, err = ParseCondition(r.Condition); err != nil {
			return nil, fmt.Errorf("business rule %q: invalid condition: %w", r.Name, err)
		}
	}

	for i := range rs.CompletenessRules {
		r := &rs.CompletenessRules[i]
		if r.Table == "" || len(r.RequiredFields) == 0 {
			return nil, fmt.Errorf("completeness_rules[%d]: table and required_fields are required", i)
		}
		sev, err := parseSeverity(r.Severity, artifact.SeverityError)
		if err != nil {
			return nil, fmt.Errorf("completeness rule %q: %w", r.Name, err)
		}
		r.Severity = string(sev)
	}

	for i, vr := range rs.ValueRanges {
		if vr.Table == "" || vr.Column == "" {
			return nil, fmt.Errorf("value_ranges[%d]: table and column are required", i)
		}
		if vr.Min != nil && vr.Max != nil && *vr.Min > *vr.Max {
			return nil, fmt.Errorf("value_ranges[%d]: min is greater than max", i)
		}
	}

	for i, g := range rs.CrossStore {
		if len(g.Members) < 2 {
			return nil, fmt.Errorf("cross_store[%d]: a group needs at least two members", i)
		}
		for j, m := range g.Members {
			if _, err := catalog.ParseRef(m.Entity); err != nil {
				return nil, fmt.Errorf("cross_store[%d].members[%d]: %w", i, j, err)
			}
			if m.Column == "" {
				return nil, fmt.Errorf("cross_store[%d].members[%d]: column is required", i, j)
			}
		}
	}
	return &rs, nil
}

func parseSeverity(s string, def artifact.Severity) (artifact.Severity, error) {
	switch strings.ToUpper(s) {
	case "":
		return def, nil
	case "ERROR":
		return artifact.SeverityError, nil
	case "WARNING", "WARN":
		return artifact.SeverityWarning, nil
	case "INFO":
		return artifact.SeverityInfo, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// matches reports whether a store/table selector names ref. An empty store
// matches every store.
func matches(store, table string, ref catalog.EntityRef) bool {
	return (store == "" || store == ref.Store) && table == ref.Name
}
