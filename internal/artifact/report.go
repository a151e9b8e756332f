package artifact

import (
	"time"

	"github.com/dbsmedya/goscope/internal/catalog"
)

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Status is the overall decision of a validation report.
type Status string

const (
	StatusPassed             Status = "PASSED"
	StatusPassedWithWarnings Status = "PASSED_WITH_WARNINGS"
	StatusFailed             Status = "FAILED"
)

// Check names.
const (
	CheckSchema               = "schema"
	CheckReferentialIntegrity = "referential_integrity"
	CheckUniqueness           = "uniqueness"
	CheckBusinessRules        = "business_rules"
	CheckCompleteness         = "completeness"
	CheckCrossStore           = "cross_store_consistency"
	CheckPIILeak              = "pii_leak"
)

// Finding is one check result.
type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Entity   string   `json:"entity,omitempty"`
	Column   string   `json:"column,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Count    int      `json:"count"`
	Samples  []string `json:"samples,omitempty"`
	Message  string   `json:"message"`
}

// CheckSummary is the per-check breakdown of a report.
type CheckSummary struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Errors     int    `json:"errors"`
	Warnings   int    `json:"warnings"`
	Infos      int    `json:"infos"`
	DurationMS int64  `json:"duration_ms"`
	Skipped    string `json:"skipped,omitempty"`
}

// Counters are the headline numbers of a report.
type Counters struct {
	ChecksRun     int `json:"checks_run"`
	ChecksPassed  int `json:"checks_passed"`
	ChecksFailed  int `json:"checks_failed"`
	TotalErrors   int `json:"total_errors"`
	TotalWarnings int `json:"total_warnings"`
}

// ValidationReport aggregates findings into the load gate decision.
type ValidationReport struct {
	RunID      string         `json:"run_id"`
	Status     Status         `json:"status"`
	Scope      Scope          `json:"scope"`
	DataDir    string         `json:"data_location"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Counters   Counters       `json:"counters"`
	Checks     []CheckSummary `json:"checks"`
	Findings   []Finding      `json:"findings"`
	Errors     []RunError     `json:"errors,omitempty"`
}

// StatusOf derives the overall status: FAILED iff any ERROR, else
// PASSED_WITH_WARNINGS iff any WARNING, else PASSED.
func StatusOf(findings []Finding) Status {
	status := StatusPassed
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			return StatusFailed
		case SeverityWarning:
			status = StatusPassedWithWarnings
		}
	}
	return status
}

// Finalize recomputes the status and counters from findings.
func (r *ValidationReport) Finalize() {
	r.Status = StatusOf(r.Findings)
	r.Counters = Counters{ChecksRun: len(r.Checks)}
	for i := range r.Checks {
		c := &r.Checks[i]
		c.Errors, c.Warnings, c.Infos = 0, 0, 0
		var own []Finding
		for _, f := range r.Findings {
			if f.Check != c.Name {
				continue
			}
			own = append(own, f)
			switch f.Severity {
			case SeverityError:
				c.Errors++
			case SeverityWarning:
				c.Warnings++
			default:
				c.Infos++
			}
		}
		c.Status = StatusOf(own)
		if c.Status == StatusFailed {
			r.Counters.ChecksFailed++
		} else {
			r.Counters.ChecksPassed++
		}
		r.Counters.TotalErrors += c.Errors
		r.Counters.TotalWarnings += c.Warnings
	}
}

// FindingsOf returns the findings of one check.
func (r *ValidationReport) FindingsOf(check string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

// Transaction states of a store load.
const (
	TxCommitted  = "COMMITTED"
	TxRolledBack = "ROLLED_BACK"
	TxSkipped    = "SKIPPED"
)

// LoadPlanEntry is one entity of a load plan.
type LoadPlanEntry struct {
	Position int               `json:"position"`
	Entity   catalog.EntityRef `json:"entity"`
	Strategy string            `json:"strategy"`
	Guard    string            `json:"guard"`
	Skip     bool              `json:"skip,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// LoadPlan is the dependency-ordered list of entities to load.
type LoadPlan struct {
	RunID    string          `json:"run_id"`
	Scope    Scope           `json:"scope"`
	Strategy string          `json:"strategy"`
	Entries  []LoadPlanEntry `json:"entries"`
}

// ForStore returns the entries of one store in plan order.
func (p *LoadPlan) ForStore(store string) []LoadPlanEntry {
	var out []LoadPlanEntry
	for _, e := range p.Entries {
		if e.Entity.Store == store {
			out = append(out, e)
		}
	}
	return out
}

// Stores returns the stores of the plan in order of first appearance.
func (p *LoadPlan) Stores() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range p.Entries {
		if !seen[e.Entity.Store] {
			seen[e.Entity.Store] = true
			out = append(out, e.Entity.Store)
		}
	}
	return out
}

// EntityResult is the load outcome of one entity. Written counts the rows
// sent; Inserted and Updated split them as far as the store reports it.
type EntityResult struct {
	Entity   catalog.EntityRef `json:"entity"`
	Strategy string            `json:"strategy"`
	Expected int64             `json:"expected"`
	Written  int64             `json:"written"`
	Inserted int64             `json:"inserted"`
	Updated  int64             `json:"updated"`
	Verified int64             `json:"verified"`
	Skipped  bool              `json:"skipped,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// StoreResult is the transaction outcome of one target store.
type StoreResult struct {
	Store        string         `json:"store"`
	Target       string         `json:"target"`
	State        string         `json:"state"`
	Entities     []EntityResult `json:"entities"`
	FailedEntity string         `json:"failed_entity,omitempty"`
	FailedRow    string         `json:"failed_row,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
}

// LoadReport is the result of a load.
type LoadReport struct {
	RunID      string        `json:"run_id"`
	Scope      Scope         `json:"scope"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMS int64         `json:"duration_ms"`
	Stores     []StoreResult `json:"stores"`
	Committed  []string      `json:"committed"`
	RolledBack []string      `json:"rolled_back"`
	Skipped    []string      `json:"skipped_entities,omitempty"`
	Errors     []RunError    `json:"errors,omitempty"`
}
