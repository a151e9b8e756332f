package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"

	"github.com/dbsmedya/goscope/internal/artifact"
)

// outputWriter is used for printing output, can be overridden in tests
var outputWriter io.Writer = os.Stdout

// setOutputWriter sets the output writer (used for testing)
func setOutputWriter(w io.Writer) {
	outputWriter = w
}

// resetOutputWriter resets output to stdout (used for testing)
func resetOutputWriter() {
	outputWriter = os.Stdout
}

// printHeader prints a formatted header
func printHeader(format string, args ...interface{}) {
	title := fmt.Sprintf(format, args...)
	width := visualWidth(title) + 4
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
	fmt.Fprintf(outputWriter, "  %s\n", color.Bold.Sprint(title))
	fmt.Fprintln(outputWriter, strings.Repeat("=", width))
}

// printSection prints a section header
func printSection(title string) {
	fmt.Fprintf(outputWriter, "[%s]\n", title)
	fmt.Fprintln(outputWriter, strings.Repeat("-", visualWidth(title)+2))
}

// printJSON writes v as indented JSON
func printJSON(v any) error {
	enc := json.NewEncoder(outputWriter)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable prints rows with columns padded to their widest cell
func printTable(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = visualWidth(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			if i < len(widths) && visualWidth(cell) > widths[i] {
				widths[i] = visualWidth(cell)
			}
		}
	}

	line := func(cells []string) {
		var sb strings.Builder
		sb.WriteString("  ")
		for i, cell := range cells {
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-visualWidth(cell)+1))
			}
		}
		fmt.Fprintln(outputWriter, strings.TrimRight(sb.String(), " "))
	}
	line(header)
	for _, r := range rows {
		line(r)
	}
}

// printSideBySide prints two blocks of text side by side
// padding is the minimum spaces between the two columns
func printSideBySide(leftLines, rightLines []string, padding int) {
	leftWidth := 0
	for _, line := range leftLines {
		if w := visualWidth(line); w > leftWidth {
			leftWidth = w
		}
	}

	maxHeight := len(leftLines)
	if len(rightLines) > maxHeight {
		maxHeight = len(rightLines)
	}

	for i := 0; i < maxHeight; i++ {
		leftPart, rightPart := "", ""
		if i < len(leftLines) {
			leftPart = leftLines[i]
		}
		if i < len(rightLines) {
			rightPart = rightLines[i]
		}
		if rightPart == "" {
			fmt.Fprintln(outputWriter, leftPart)
			continue
		}
		fmt.Fprint(outputWriter, leftPart)
		fmt.Fprint(outputWriter, strings.Repeat(" ", leftWidth-visualWidth(leftPart)+padding))
		fmt.Fprintln(outputWriter, rightPart)
	}
}

// visualWidth returns the terminal width of s, ignoring color codes and
// counting wide characters twice
func visualWidth(s string) int {
	return runewidth.StringWidth(color.ClearCode(s))
}

// statusText colors a validation status or transaction state
func statusText(status string) string {
	switch status {
	case string(artifact.StatusPassed), artifact.TxCommitted, artifact.UnitOK:
		return color.Green.Sprint(status)
	case string(artifact.StatusPassedWithWarnings), artifact.TxSkipped, artifact.UnitSkipped:
		return color.Yellow.Sprint(status)
	case string(artifact.StatusFailed), artifact.TxRolledBack, artifact.UnitFailed:
		return color.Red.Sprint(status)
	}
	return status
}

// severityText colors a finding severity
func severityText(s artifact.Severity) string {
	switch s {
	case artifact.SeverityError:
		return color.Red.Sprint(string(s))
	case artifact.SeverityWarning:
		return color.Yellow.Sprint(string(s))
	}
	return color.Cyan.Sprint(string(s))
}

// humanBytes renders a byte count with a binary unit
func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// printRunErrors lists phase errors; it prints nothing when there are none
func printRunErrors(errs []artifact.RunError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(outputWriter)
	printSection("Errors")
	for _, e := range errs {
		where := e.Entity
		if where == "" {
			where = e.Store
		}
		fmt.Fprintf(outputWriter, "  %s %s: %s\n", color.Red.Sprint("✗"), where, e.Message)
	}
}
