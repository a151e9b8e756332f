package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/engine"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graph"
)

var (
	planEstimate bool
	planDOT      bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the extraction plan of the source stores",
	Long: `Plan introspects the source stores and shows, without reading data:

  - Extraction order (parents first) and how each entity is scoped
  - Rollback order (children first)
  - Dependency cycles and the edge broken to resolve each one
  - Detected and declared relationships, including cross-store links

With --estimate the rows each entity would yield for the run scope are
counted. With --dot the dependency graph is printed in Graphviz format.

Example:
  goscope plan --config goscope.yaml
  goscope plan --estimate --scope-value district-001
  goscope plan --dot | dot -Tsvg > plan.svg`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planEstimate, "estimate", false,
		"Count the rows of every entity for the run scope")
	planCmd.Flags().BoolVar(&planDOT, "dot", false,
		"Print the dependency graph in Graphviz DOT format")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput || planDOT)
	if err != nil {
		return err
	}
	defer s.Close()

	plan, err := s.engine.Plan(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to build plan: %w", err)
	}
	if planDOT {
		fmt.Fprint(outputWriter, plan.DOT())
		return nil
	}

	var estimates []extract.Estimate
	if planEstimate {
		estimates, err = s.engine.Estimate(s.ctx, engine.ExtractRequest{Scope: s.scopeFilter()})
		if err != nil {
			return fmt.Errorf("failed to estimate: %w", err)
		}
	}

	if jsonOutput {
		return printJSON(struct {
			*graph.Plan
			Estimates []extract.Estimate `json:"estimates,omitempty"`
		}{plan, estimates})
	}
	printPlan(plan, estimates)
	return nil
}

func printPlan(plan *graph.Plan, estimates []extract.Estimate) {
	printHeader("Execution Plan: %s", plan.ScopeKey)
	fmt.Fprintln(outputWriter)

	rows := make(map[string]extract.Estimate, len(estimates))
	for _, e := range estimates {
		rows[e.Entity.String()] = e
	}

	left := []string{"[ Extraction Order ]", strings.Repeat("-", 20)}
	for _, pe := range plan.ExtractionOrder {
		line := fmt.Sprintf("[%d] %s (%s)", pe.Position, pe.Entity, pe.Scope)
		if pe.Via != "" {
			line += " via " + pe.Via
		}
		if e, ok := rows[pe.Entity.String()]; ok {
			if e.Error != "" {
				line += " " + color.Red.Sprint("estimate failed")
			} else {
				line += " ~" + strconv.FormatInt(e.Rows, 10) + " rows"
			}
		}
		left = append(left, line)
	}

	stores := make([]string, 0, len(plan.StoreOrder))
	for name := range plan.StoreOrder {
		stores = append(stores, name)
	}
	sort.Strings(stores)
	right := []string{
		"[ Plan Summary ]",
		strings.Repeat("-", 16),
		fmt.Sprintf("Scope Key:      %s", plan.ScopeKey),
		fmt.Sprintf("Entities:       %d", plan.TotalEntities),
		fmt.Sprintf("Relationships:  %d", plan.TotalRelationships),
		fmt.Sprintf("Max Depth:      %d levels", plan.MaxDepth),
		fmt.Sprintf("Cycles:         %d", len(plan.Cycles)),
		fmt.Sprintf("Stores:         %s", strings.Join(stores, ", ")),
	}
	if len(estimates) > 0 {
		var total int64
		for _, e := range estimates {
			total += e.Rows
		}
		right = append(right, fmt.Sprintf("Estimated Rows: %d", total))
	}
	printSideBySide(left, right, 4)

	fmt.Fprintln(outputWriter)
	printSection("Rollback Order (children first)")
	for i, ref := range plan.RollbackOrder {
		fmt.Fprintf(outputWriter, "  [%d] %s\n", i+1, ref)
	}

	if len(plan.Cycles) > 0 {
		fmt.Fprintln(outputWriter)
		printSection("Dependency Cycles")
		for _, c := range plan.Cycles {
			fmt.Fprintf(outputWriter, "  %s %s\n", color.Yellow.Sprint("↻"), strings.Join(c.Members, " → "))
			fmt.Fprintf(outputWriter, "      break %s(%s) → %s: %s\n",
				c.BreakChild, strings.Join(c.BreakColumns, ","), c.BreakParent, c.Justification)
		}
	}

	fmt.Fprintln(outputWriter)
	printSection("Detected Relationships")
	for _, e := range plan.Edges {
		var tags []string
		if e.CrossStore {
			tags = append(tags, "cross-store")
		}
		if e.Declared {
			tags = append(tags, "declared")
		}
		if e.Unvalidated {
			tags = append(tags, "cycle break")
		}
		suffix := ""
		if len(tags) > 0 {
			suffix = " (" + strings.Join(tags, ", ") + ")"
		}
		fmt.Fprintf(outputWriter, "  • %s → %s FK: %s%s\n", e.Child, e.Parent, strings.Join(e.Columns, ","), suffix)
	}

	if len(plan.MissingStores) > 0 {
		fmt.Fprintln(outputWriter)
		printSection("Unreachable Stores")
		for _, m := range plan.MissingStores {
			fmt.Fprintf(outputWriter, "  %s %s: %s\n", color.Yellow.Sprint("!"), m.Name, m.Reason)
		}
	}
}
