package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/engine"
)

var (
	anonymizeInput  string
	anonymizeOutput string
	anonymizeRules  string
	anonymizeMap    string
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize",
	Short: "Anonymize an extracted dataset",
	Long: `Anonymize rewrites personal data in an extracted dataset. The same
original value always becomes the same replacement, across entities, stores
and runs, as long as the consistency map and the secret are kept.

Columns that look like personal data but have no rule fall back to the
configured default strategy and are reported.

Example:
  goscope anonymize --input runs/<run-id>/extracted --output runs/<run-id>/anonymized \
    --map ./consistency_map --rules anonymization.yaml`,
	RunE: runAnonymize,
}

func init() {
	anonymizeCmd.Flags().StringVarP(&anonymizeInput, "input", "i", "",
		"Extracted dataset directory (required)")
	anonymizeCmd.MarkFlagRequired("input")
	anonymizeCmd.Flags().StringVarP(&anonymizeOutput, "output", "o", "",
		"Anonymized dataset directory (required)")
	anonymizeCmd.MarkFlagRequired("output")
	anonymizeCmd.Flags().StringVar(&anonymizeRules, "rules", "",
		"Anonymization rules file (default: anonymization.rules_file)")
	anonymizeCmd.Flags().StringVar(&anonymizeMap, "map", "",
		"Consistency map directory (default: anonymization.map_location)")

	rootCmd.AddCommand(anonymizeCmd)
}

func runAnonymize(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput)
	if err != nil {
		return err
	}
	defer s.Close()

	mapLocation := anonymizeMap
	if mapLocation == "" {
		mapLocation = s.cfg.Anonymization.MapLocation
	}
	if mapLocation == "" {
		return fmt.Errorf("no consistency map: use --map or set anonymization.map_location")
	}

	m, err := s.engine.Anonymize(s.ctx, engine.AnonymizeRequest{
		InputLocation:          anonymizeInput,
		OutputLocation:         anonymizeOutput,
		RulesLocation:          anonymizeRules,
		ConsistencyMapLocation: mapLocation,
	})
	if rerr := render(m, printAnonymization); rerr != nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("anonymization failed: %w", err)
	}
	if m.Cancelled {
		return fmt.Errorf("anonymization cancelled")
	}
	return nil
}
