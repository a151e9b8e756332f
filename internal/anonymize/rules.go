// Package anonymize pseudonymizes extracted datasets with field-level
// strategies and a run-scoped consistency map.
package anonymize

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// Strategies.
const (
	StrategyHash      = "hash"
	StrategySynthetic = "synthetic"
	StrategyTokenize  = "tokenize"
	StrategyNullify   = "nullify"
	StrategyPreserve  = "preserve"
)

// Rule maps a field-name pattern to a strategy. The first matching rule wins.
type Rule struct {
	Name          string         `yaml:"name"`
	FieldPattern  string         `yaml:"field_pattern"`
	Entity        string         `yaml:"entity"` // optional entity name or store.entity
	Strategy      string         `yaml:"strategy"`
	Category      string         `yaml:"category"`
	FakerType     string         `yaml:"faker_type"`
	FakerArgs     map[string]any `yaml:"faker_args"`
	HashAlgorithm string         `yaml:"hash_algorithm"` // sha256 or sha512

	re *regexp.Regexp
}

// CategoryName is the consistency-map category of the rule.
func (r *Rule) CategoryName() string {
	switch {
	case r.Category != "":
		return r.Category
	case r.FakerType != "":
		return r.FakerType
	}
	return r.Name
}

// Matches reports whether the rule applies to column of entity.
func (r *Rule) Matches(entity catalog.EntityRef, column string) bool {
	if r.Entity != "" && r.Entity != entity.Name && r.Entity != entity.String() {
		return false
	}
	return r.re.MatchString(column)
}

// Rules is an anonymization rules document.
type Rules struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRules reads a rules YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anonymization rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and compiles a rules document.
func ParseRules(data []byte) (*Rules, error) {
	var rs Rules
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse anonymization rules: %w", err)
	}
	for i, r := range rs.Rules {
		if err := r.compile(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return &rs, nil
}

func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.FieldPattern == "" {
		return fmt.Errorf("rule %q: field_pattern is required", r.Name)
	}
	re, err := regexp.Compile("(?i)" + r.FieldPattern)
	if err != nil {
		return fmt.Errorf("rule %q: invalid field_pattern: %w", r.Name, err)
	}
	r.re = re

	r.Strategy = strings.ToLower(r.Strategy)
	if r.Strategy == "faker" {
		r.Strategy = StrategySynthetic
	}
	switch r.Strategy {
	case StrategyHash:
		switch strings.ToLower(r.HashAlgorithm) {
		case "", "sha256", "sha512":
		default:
			return fmt.Errorf("rule %q: hash_algorithm must be sha256 or sha512", r.Name)
		}
	case StrategySynthetic:
		if r.FakerType == "" {
			return fmt.Errorf("rule %q: faker_type is required for synthetic rules", r.Name)
		}
		if !knownFaker(r.FakerType) {
			return fmt.Errorf("rule %q: unknown faker_type %q", r.Name, r.FakerType)
		}
	case StrategyTokenize, StrategyNullify, StrategyPreserve:
	default:
		return fmt.Errorf("rule %q: unknown strategy %q", r.Name, r.Strategy)
	}
	return nil
}

// Match returns the first rule that applies to column of entity.
func (rs *Rules) Match(entity catalog.EntityRef, column string) (*Rule, bool) {
	if rs == nil {
		return nil, false
	}
	for _, r := range rs.Rules {
		if r.Matches(entity, column) {
			return r, true
		}
	}
	return nil, false
}

// defaultRule is applied to PII-looking columns no rule matched.
func defaultRule(strategy, column string) *Rule {
	r := &Rule{Name: "default:" + column, Strategy: strategy, Category: column}
	if strategy == StrategySynthetic {
		// Without a faker type the only safe synthetic value is a token.
		r.Strategy = StrategyTokenize
	}
	return r
}

// piiColumn matches column names that look like personal data.
var piiColumn = regexp.MustCompile(`(?i)(^|_)(ssn|social_security(_number)?|e?mail(_address)?|phone(_number)?|mobile|cell|first_?name|last_?name|full_?name|surname|given_name|dob|date_of_birth|birth_?date|birthday|address|street|zip(_?code)?|postal_?code|ip_address|passport(_number)?|drivers?_license|national_id|tax_id)($|_)`)

// LooksLikePII reports whether a column name suggests personal data.
func LooksLikePII(column string) bool {
	return piiColumn.MatchString(column)
}
