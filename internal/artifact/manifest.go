package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// File names inside a phase directory.
const (
	ManifestFile            = "manifest.json"
	CatalogFile             = "catalog.json"
	AnonymizationReportFile = "anonymization_report.json"
	ValidationReportFile    = "validation_report.json"
	LoadPlanFile            = "load_plan.json"
	LoadReportFile          = "load_report.json"
	ConsistencyMapDir       = "consistency_map"
	TokenVaultDir           = "token_vault"
)

// Phase directories of a run.
const (
	ExtractedDir  = "extracted"
	AnonymizedDir = "anonymized"
)

// RunDir is the artifact directory of one run.
func RunDir(root, runID string) string {
	return filepath.Join(root, runID)
}

// Unit states.
const (
	UnitOK      = "ok"
	UnitFailed  = "failed"
	UnitSkipped = "skipped"
)

// Scope is the root selector of a run.
type Scope struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunError records a recovered or fatal error against the phase that hit it.
type RunError struct {
	Phase   string `json:"phase"`
	Store   string `json:"store,omitempty"`
	Entity  string `json:"entity,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExtractionUnit is one entity's extraction result.
type ExtractionUnit struct {
	Entity     catalog.EntityRef `json:"entity"`
	Kind       string            `json:"kind"`
	Columns    []string          `json:"columns"`
	PrimaryKey []string          `json:"primary_key"`
	Scope      string            `json:"scope"`
	// Reference units are lookup data extracted without a scope filter.
	Reference  bool   `json:"reference_data,omitempty"`
	Query      string `json:"query,omitempty"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	File       string `json:"file,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	// OriginalRows is the extracted count, carried into anonymized manifests.
	OriginalRows int64 `json:"original_rows,omitempty"`
}

// OrphanWarning is a child row whose foreign key is absent from the
// extracted parent set.
type OrphanWarning struct {
	Child   catalog.EntityRef `json:"child"`
	Parent  catalog.EntityRef `json:"parent"`
	Columns []string          `json:"columns"`
	Count   int               `json:"count"`
	Samples []string          `json:"samples"`
}

// ExtractionManifest describes an extracted dataset.
type ExtractionManifest struct {
	RunID         string                 `json:"run_id"`
	Scope         Scope                  `json:"scope"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	Order         []catalog.EntityRef    `json:"order"`
	Units         []ExtractionUnit       `json:"units"`
	Warnings      []OrphanWarning        `json:"warnings,omitempty"`
	MissingStores []catalog.MissingStore `json:"missing_stores,omitempty"`
	Cancelled     bool                   `json:"cancelled,omitempty"`
	Errors        []RunError             `json:"errors,omitempty"`
}

// Unit returns the unit of ref.
func (m *ExtractionManifest) Unit(ref catalog.EntityRef) (*ExtractionUnit, bool) {
	for i := range m.Units {
		if m.Units[i].Entity == ref {
			return &m.Units[i], true
		}
	}
	return nil, false
}

// Failed lists the entities whose extraction failed.
func (m *ExtractionManifest) Failed() []catalog.EntityRef {
	var out []catalog.EntityRef
	for _, u := range m.Units {
		if u.Status == UnitFailed {
			out = append(out, u.Entity)
		}
	}
	return out
}

// AnonymizedManifest describes an anonymized dataset. Units keep the
// extraction order and carry the original counts.
type AnonymizedManifest struct {
	RunID         string                 `json:"run_id"`
	Scope         Scope                  `json:"scope"`
	CreatedAt     time.Time              `json:"created_at"`
	Source        string                 `json:"source"`
	Order         []catalog.EntityRef    `json:"order"`
	Units         []ExtractionUnit       `json:"units"`
	Warnings      []OrphanWarning        `json:"warnings,omitempty"`
	MissingStores []catalog.MissingStore `json:"missing_stores,omitempty"`
	Report        AnonymizationReport    `json:"report"`
	// LeakFindings are appended to the validation report.
	LeakFindings []Finding  `json:"leak_findings,omitempty"`
	Cancelled    bool       `json:"cancelled,omitempty"`
	Errors       []RunError `json:"errors,omitempty"`
}

// Unit returns the unit of ref.
func (m *AnonymizedManifest) Unit(ref catalog.EntityRef) (*ExtractionUnit, bool) {
	for i := range m.Units {
		if m.Units[i].Entity == ref {
			return &m.Units[i], true
		}
	}
	return nil, false
}

// EntityReport is the anonymization outcome of one entity.
type EntityReport struct {
	Entity           catalog.EntityRef `json:"entity"`
	Records          int64             `json:"records"`
	Columns          int               `json:"columns"`
	AnonymizedFields map[string]string `json:"anonymized_fields"` // column -> strategy
	FieldsByRule     map[string]int    `json:"fields_by_rule"`
}

// AnonymizationReport summarises an anonymization run.
type AnonymizationReport struct {
	Entities        []EntityReport `json:"entities"`
	TotalRecords    int64          `json:"total_records"`
	TotalFields     int            `json:"total_fields"`
	MapEntries      int            `json:"consistency_map_entries"`
	Tokens          int            `json:"tokens_issued"`
	PIILeakCheck    string         `json:"pii_leak_check"` // PASSED or FAILED
	SampledValues   int            `json:"sampled_values"`
	DefaultedFields []string       `json:"defaulted_fields,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
}

// WriteJSON writes v as indented JSON, creating parent directories.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// ReadExtractionManifest loads the manifest of an extracted dataset.
func ReadExtractionManifest(dir string) (*ExtractionManifest, error) {
	var m ExtractionManifest
	if err := ReadJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadAnonymizedManifest loads the manifest of an anonymized dataset.
func ReadAnonymizedManifest(dir string) (*AnonymizedManifest, error) {
	var m AnonymizedManifest
	if err := ReadJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
