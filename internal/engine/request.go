package engine

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/catalog"
)

// requestValidate checks every request before a phase starts.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("entityname", validateEntityName)
}

// validateEntityName accepts "store.entity" or a bare entity name.
func validateEntityName(fl validator.FieldLevel) bool {
	name := strings.TrimSpace(fl.Field().String())
	if name == "" {
		return false
	}
	if strings.Contains(name, ".") {
		_, err := catalog.ParseRef(name)
		return err == nil
	}
	return true
}

// ScopeFilter is the root selector of a run.
type ScopeFilter struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value" validate:"required"`
}

// ExtractRequest selects the scoped subset of the source stores.
type ExtractRequest struct {
	RunID string      `json:"run_id,omitempty" validate:"omitempty,uuid"`
	Scope ScopeFilter `json:"scope_filter"`
	// Order lists entities parents first. Empty extracts every entity in
	// the computed order.
	Order          []string `json:"extraction_order,omitempty" validate:"omitempty,dive,entityname"`
	OutputLocation string   `json:"output_location,omitempty"`
}

// Validate checks the request.
func (r *ExtractRequest) Validate() error {
	return requestValidate.Struct(r)
}

// EnsureDefaults assigns a run id when the caller did not.
func (r *ExtractRequest) EnsureDefaults() {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
}

// AnonymizeRequest rewrites an extracted dataset.
type AnonymizeRequest struct {
	InputLocation          string `json:"input_location" validate:"required"`
	OutputLocation         string `json:"output_location" validate:"required,nefield=InputLocation"`
	RulesLocation          string `json:"rules_location,omitempty"`
	ConsistencyMapLocation string `json:"consistency_map_location" validate:"required"`
}

// Validate checks the request.
func (r *AnonymizeRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ValidateRequest runs the validation gate over an anonymized dataset.
type ValidateRequest struct {
	DataLocation string `json:"data_location" validate:"required"`
	// SchemaLocation is the catalog file. Empty uses the catalog stored with the data.
	SchemaLocation string `json:"schema_location,omitempty"`
	RulesLocation  string `json:"rules_location,omitempty"`
}

// Validate checks the request.
func (r *ValidateRequest) Validate() error {
	return requestValidate.Struct(r)
}

// LoadRequest writes a validated dataset into the target stores.
type LoadRequest struct {
	InputLocation string `json:"input_location" validate:"required"`
	// Targets maps a source store to a configured target store.
	Targets  map[string]string `json:"target_descriptor,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
	Order    []string          `json:"loading_order,omitempty" validate:"omitempty,dive,entityname"`
	Strategy string            `json:"strategy,omitempty" validate:"omitempty,oneof=insert upsert merge"`
}

// Validate checks the request.
func (r *LoadRequest) Validate() error {
	return requestValidate.Struct(r)
}

// RunRequest chains all four phases in one artifact directory.
type RunRequest struct {
	Extract ExtractRequest `json:"extract"`
	// RulesLocation overrides the configured anonymization rules.
	RulesLocation string `json:"rules_location,omitempty"`
	// ValidationRulesLocation overrides the configured validation rules.
	ValidationRulesLocation string            `json:"validation_rules_location,omitempty"`
	Targets                 map[string]string `json:"target_descriptor,omitempty"`
	Strategy                string            `json:"strategy,omitempty" validate:"omitempty,oneof=insert upsert merge"`
	// SkipLoad stops after validation.
	SkipLoad bool `json:"skip_load,omitempty"`
}

// Validate checks the request.
func (r *RunRequest) Validate() error {
	return requestValidate.Struct(r)
}

// RunResult collects the artifacts of every phase that ran.
type RunResult struct {
	RunID      string                       `json:"run_id"`
	Directory  string                       `json:"directory"`
	Extraction *artifact.ExtractionManifest `json:"extraction,omitempty"`
	Anonymized *artifact.AnonymizedManifest `json:"anonymized,omitempty"`
	Validation *artifact.ValidationReport   `json:"validation,omitempty"`
	Load       *artifact.LoadReport         `json:"load,omitempty"`
}
