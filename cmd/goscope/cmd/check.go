package cmd

import (
	"fmt"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and test store connections",
	Long: `Check validates the configuration file and connects to every
configured source and target store.

Checks performed:
  - Configuration syntax and required fields
  - Source store connectivity (relational and graph)
  - Target store connectivity

Example:
  goscope check --config goscope.yaml`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput)
	if err != nil {
		return err
	}
	defer s.Close()

	statuses := s.engine.CheckStores(s.ctx)
	if jsonOutput {
		if err := printJSON(statuses); err != nil {
			return err
		}
	} else {
		printHeader("Configuration Check")
		fmt.Fprintf(outputWriter, "  Config file: %s\n", GetConfigFile())
		fmt.Fprintf(outputWriter, "  Scope:       %s=%s\n", s.cfg.Run.Scope.Key, s.cfg.Run.Scope.Value)
		fmt.Fprintln(outputWriter)
		printSection("Stores")
		for _, st := range statuses {
			mark := color.Green.Sprint("✓")
			detail := ""
			if st.Error != "" {
				mark = color.Red.Sprint("✗")
				detail = ": " + st.Error
			}
			fmt.Fprintf(outputWriter, "  %s %-6s %s (%s)%s\n", mark, st.Role, st.Name, st.Kind, detail)
		}
	}

	failed := 0
	for _, st := range statuses {
		if st.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d stores are unreachable", failed, len(statuses))
	}
	return nil
}
