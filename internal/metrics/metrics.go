// Package metrics records run outcomes as prometheus series.
//
// goscope is a batch tool, so nothing is scraped. Each run collects into its
// own registry and, when metrics.textfile_path is set, writes the registry
// in the node_exporter textfile format at the end of the run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbsmedya/goscope/internal/artifact"
)

const namespace = "goscope"

// Phase names used as label values.
const (
	PhaseExtract   = "extract"
	PhaseAnonymize = "anonymize"
	PhaseValidate  = "validate"
	PhaseLoad      = "load"
)

// Metrics holds the collectors of one run.
type Metrics struct {
	registry *prometheus.Registry

	// Runs counts phase executions by outcome (ok, failed, cancelled).
	Runs *prometheus.CounterVec

	PhaseDuration *prometheus.HistogramVec

	// Rows counts rows moved by a phase per entity.
	Rows *prometheus.CounterVec

	// Bytes counts dataset bytes written during extraction.
	Bytes *prometheus.CounterVec

	// Findings counts validation findings by check and severity.
	Findings *prometheus.CounterVec

	// Errors counts run-level errors by phase and kind.
	Errors *prometheus.CounterVec

	// Transactions counts target store transactions by final state.
	Transactions *prometheus.CounterVec

	// Tokens is the number of consistency tokens issued in the last anonymization.
	Tokens prometheus.Gauge

	// LastSuccess is the unix time of the last successful phase.
	LastSuccess *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Phase executions by outcome",
		}, []string{"phase", "outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of a phase",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"phase"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed per phase and entity",
		}, []string{"phase", "store", "entity"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "bytes_total",
			Help:      "Dataset bytes written per store",
		}, []string{"store"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validate",
			Name:      "findings_total",
			Help:      "Validation findings by check and severity",
		}, []string{"check", "severity"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Run errors by phase and kind",
		}, []string{"phase", "kind"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "transactions_total",
			Help:      "Target store transactions by final state",
		}, []string{"store", "state"}),
		Tokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "anonymize",
			Name:      "tokens_issued",
			Help:      "Consistency tokens issued by the last anonymization",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful phase",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		m.Runs, m.PhaseDuration, m.Rows, m.Bytes, m.Findings,
		m.Errors, m.Transactions, m.Tokens, m.LastSuccess,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePhase records the duration and outcome of one phase. A nil error
// counts as ok and stamps the last success time.
func (m *Metrics) ObservePhase(phase string, d time.Duration, cancelled bool, err error) {
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	switch {
	case cancelled:
		m.Runs.WithLabelValues(phase, "cancelled").Inc()
	case err != nil:
		m.Runs.WithLabelValues(phase, "failed").Inc()
	default:
		m.Runs.WithLabelValues(phase, "ok").Inc()
		m.LastSuccess.WithLabelValues(phase).SetToCurrentTime()
	}
}

// ObserveExtraction records per-unit row and byte counts.
func (m *Metrics) ObserveExtraction(man *artifact.ExtractionManifest) {
	if man == nil {
		return
	}
	for _, u := range man.Units {
		if u.Status != artifact.UnitOK {
			continue
		}
		m.Rows.WithLabelValues(PhaseExtract, u.Entity.Store, u.Entity.Name).Add(float64(u.Rows))
		m.Bytes.WithLabelValues(u.Entity.Store).Add(float64(u.Bytes))
	}
	m.runErrors(PhaseExtract, man.Errors)
}

// ObserveAnonymization records rows written and tokens issued.
func (m *Metrics) ObserveAnonymization(man *artifact.AnonymizedManifest) {
	if man == nil {
		return
	}
	for _, u := range man.Units {
		if u.Status != artifact.UnitOK {
			continue
		}
		m.Rows.WithLabelValues(PhaseAnonymize, u.Entity.Store, u.Entity.Name).Add(float64(u.Rows))
	}
	m.Tokens.Set(float64(man.Report.Tokens))
	m.runErrors(PhaseAnonymize, man.Errors)
}

// ObserveValidation records findings.
func (m *Metrics) ObserveValidation(r *artifact.ValidationReport) {
	if r == nil {
		return
	}
	for _, f := range r.Findings {
		m.Findings.WithLabelValues(f.Check, string(f.Severity)).Inc()
	}
	m.runErrors(PhaseValidate, r.Errors)
}

// ObserveLoad records written rows and transaction states.
func (m *Metrics) ObserveLoad(r *artifact.LoadReport) {
	if r == nil {
		return
	}
	for _, s := range r.Stores {
		m.Transactions.WithLabelValues(s.Store, s.State).Inc()
		if s.State != artifact.TxCommitted {
			continue
		}
		for _, e := range s.Entities {
			m.Rows.WithLabelValues(PhaseLoad, e.Entity.Store, e.Entity.Name).Add(float64(e.Written))
		}
	}
	m.runErrors(PhaseLoad, r.Errors)
}

func (m *Metrics) runErrors(phase string, errs []artifact.RunError) {
	for _, e := range errs {
		kind := e.Kind
		if kind == "" {
			kind = "unknown"
		}
		m.Errors.WithLabelValues(phase, kind).Inc()
	}
}

// WriteTextfile writes every collected series to path. The file is
// replaced atomically so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
