package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/dbsmedya/goscope/internal/artifact"
)

// maxFindings caps the findings listed in a summary; --json prints all.
const maxFindings = 20

// render prints v as JSON with --json, else as a summary.
func render[T any](v *T, summary func(*T)) error {
	if v == nil {
		return nil
	}
	if jsonOutput {
		return printJSON(v)
	}
	summary(v)
	return nil
}

func printExtraction(m *artifact.ExtractionManifest) {
	printHeader("Extraction: %s=%s", m.Scope.Key, m.Scope.Value)
	fmt.Fprintf(outputWriter, "  Run ID:   %s\n", m.RunID)
	fmt.Fprintf(outputWriter, "  Duration: %s\n", m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
	if m.Cancelled {
		fmt.Fprintf(outputWriter, "  %s\n", color.Yellow.Sprint("Cancelled - the dataset is partial"))
	}

	fmt.Fprintln(outputWriter)
	printSection("Entities")
	var rows [][]string
	var total, bytes int64
	for _, u := range m.Units {
		scope := u.Scope
		if u.Reference {
			scope = "reference"
		}
		rows = append(rows, []string{u.Entity.String(), scope, strconv.FormatInt(u.Rows, 10), humanBytes(u.Bytes), statusText(u.Status)})
		if u.Status == artifact.UnitOK {
			total += u.Rows
			bytes += u.Bytes
		}
	}
	printTable([]string{"ENTITY", "SCOPE", "ROWS", "SIZE", "STATUS"}, rows)
	fmt.Fprintf(outputWriter, "  Total: %d rows, %s\n", total, humanBytes(bytes))

	if len(m.Warnings) > 0 {
		fmt.Fprintln(outputWriter)
		printSection("Orphan Warnings")
		for _, w := range m.Warnings {
			fmt.Fprintf(outputWriter, "  %s %s(%s) -> %s: %d rows, e.g. %s\n",
				color.Yellow.Sprint("!"), w.Child, strings.Join(w.Columns, ","), w.Parent, w.Count, strings.Join(w.Samples, ", "))
		}
	}
	if len(m.MissingStores) > 0 {
		fmt.Fprintln(outputWriter)
		printSection("Unreachable Stores")
		for _, s := range m.MissingStores {
			fmt.Fprintf(outputWriter, "  %s %s: %s\n", color.Yellow.Sprint("!"), s.Name, s.Reason)
		}
	}
	printRunErrors(m.Errors)
}

func printAnonymization(m *artifact.AnonymizedManifest) {
	r := m.Report
	printHeader("Anonymization: %s=%s", m.Scope.Key, m.Scope.Value)
	fmt.Fprintf(outputWriter, "  Run ID:          %s\n", m.RunID)
	fmt.Fprintf(outputWriter, "  Records:         %d\n", r.TotalRecords)
	fmt.Fprintf(outputWriter, "  Fields:          %d\n", r.TotalFields)
	fmt.Fprintf(outputWriter, "  Tokens issued:   %d\n", r.Tokens)
	fmt.Fprintf(outputWriter, "  Map entries:     %d\n", r.MapEntries)
	fmt.Fprintf(outputWriter, "  PII leak check:  %s (%d values sampled)\n", statusText(r.PIILeakCheck), r.SampledValues)
	if m.Cancelled {
		fmt.Fprintf(outputWriter, "  %s\n", color.Yellow.Sprint("Cancelled - the dataset is partial"))
	}

	fmt.Fprintln(outputWriter)
	printSection("Entities")
	var rows [][]string
	for _, e := range r.Entities {
		var fields []string
		for col, strategy := range e.AnonymizedFields {
			fields = append(fields, col+":"+strategy)
		}
		sort.Strings(fields)
		rows = append(rows, []string{e.Entity.String(), strconv.FormatInt(e.Records, 10), strings.Join(fields, " ")})
	}
	printTable([]string{"ENTITY", "RECORDS", "ANONYMIZED"}, rows)

	if len(r.DefaultedFields) > 0 {
		fmt.Fprintln(outputWriter)
		printSection("Fields Without Rules")
		for _, f := range r.DefaultedFields {
			fmt.Fprintf(outputWriter, "  %s %s\n", color.Yellow.Sprint("!"), f)
		}
	}
	printFindings(m.LeakFindings)
	printRunErrors(m.Errors)
}

func printValidation(r *artifact.ValidationReport) {
	printHeader("Validation: %s=%s", r.Scope.Key, r.Scope.Value)
	fmt.Fprintf(outputWriter, "  Status:   %s\n", statusText(string(r.Status)))
	fmt.Fprintf(outputWriter, "  Checks:   %d run, %d passed, %d failed\n",
		r.Counters.ChecksRun, r.Counters.ChecksPassed, r.Counters.ChecksFailed)
	fmt.Fprintf(outputWriter, "  Findings: %d errors, %d warnings\n", r.Counters.TotalErrors, r.Counters.TotalWarnings)

	fmt.Fprintln(outputWriter)
	printSection("Checks")
	var rows [][]string
	for _, c := range r.Checks {
		status := statusText(string(c.Status))
		if c.Skipped != "" {
			status = color.Gray.Sprint("skipped: " + c.Skipped)
		}
		rows = append(rows, []string{c.Name, status, strconv.Itoa(c.Errors), strconv.Itoa(c.Warnings)})
	}
	printTable([]string{"CHECK", "STATUS", "ERRORS", "WARNINGS"}, rows)

	printFindings(r.Findings)
	printRunErrors(r.Errors)
}

func printFindings(findings []artifact.Finding) {
	if len(findings) == 0 {
		return
	}
	fmt.Fprintln(outputWriter)
	printSection("Findings")
	for i, f := range findings {
		if i == maxFindings {
			fmt.Fprintf(outputWriter, "  ... %d more (use --json for all)\n", len(findings)-maxFindings)
			break
		}
		where := f.Entity
		if f.Column != "" {
			where += "." + f.Column
		}
		sev := severityText(f.Severity)
		fmt.Fprintf(outputWriter, "  %s%s %s %s: %s\n", sev, strings.Repeat(" ", max(0, 7-visualWidth(sev))), f.Check, where, f.Message)
		if len(f.Samples) > 0 {
			fmt.Fprintf(outputWriter, "          e.g. %s\n", strings.Join(f.Samples, ", "))
		}
	}
}

func printLoad(r *artifact.LoadReport) {
	printHeader("Load: %s=%s", r.Scope.Key, r.Scope.Value)
	fmt.Fprintf(outputWriter, "  Run ID:      %s\n", r.RunID)
	fmt.Fprintf(outputWriter, "  Committed:   %s\n", joinOrNone(r.Committed))
	fmt.Fprintf(outputWriter, "  Rolled back: %s\n", joinOrNone(r.RolledBack))

	for _, s := range r.Stores {
		fmt.Fprintln(outputWriter)
		printSection(fmt.Sprintf("%s -> %s", s.Store, s.Target))
		fmt.Fprintf(outputWriter, "  Transaction: %s\n", statusText(s.State))
		if s.Error != "" {
			fmt.Fprintf(outputWriter, "  Failed at:   %s row %s: %s\n", s.FailedEntity, s.FailedRow, s.Error)
		}
		var rows [][]string
		for _, e := range s.Entities {
			note := ""
			if e.Skipped {
				note = "skipped: " + e.Reason
			}
			rows = append(rows, []string{
				e.Entity.Name, e.Strategy,
				strconv.FormatInt(e.Expected, 10), strconv.FormatInt(e.Written, 10),
				strconv.FormatInt(e.Inserted, 10), strconv.FormatInt(e.Updated, 10),
				strconv.FormatInt(e.Verified, 10), note,
			})
		}
		printTable([]string{"ENTITY", "STRATEGY", "EXPECTED", "WRITTEN", "INSERTED", "UPDATED", "VERIFIED", ""}, rows)
	}
	printRunErrors(r.Errors)
}

func joinOrNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}
