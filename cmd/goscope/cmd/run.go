package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/engine"
)

var (
	runOrder           []string
	runRunID           string
	runRules           string
	runValidationRules string
	runTargets         map[string]string
	runSkipLoad        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract, anonymize, validate and load in one run",
	Long: `Run chains the four phases in one run directory:

  <artifact-dir>/<run-id>/extracted        raw dataset, manifest, catalog
  <artifact-dir>/<run-id>/anonymized       anonymized dataset and reports
  <artifact-dir>/<run-id>/consistency_map  unless anonymization.map_location is set

It stops at the first phase that fails or is interrupted. A dataset that
FAILED validation is never loaded.

Example:
  goscope run --config goscope.yaml --scope-value district-001 --strategy upsert
  goscope run --skip-load`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVar(&runOrder, "order", nil,
		"Entities to extract, parents first (default: every entity in computed order)")
	runCmd.Flags().StringVar(&runRunID, "run-id", "",
		"Run id (UUID); a new one is assigned when empty")
	runCmd.Flags().StringVar(&runRules, "rules", "",
		"Anonymization rules file (default: anonymization.rules_file)")
	runCmd.Flags().StringVar(&runValidationRules, "validation-rules", "",
		"Validation rules file (default: validation.rules_file)")
	runCmd.Flags().StringToStringVar(&runTargets, "target", nil,
		"Map a source store to a target store, e.g. sis=sis_staging")
	runCmd.Flags().BoolVar(&runSkipLoad, "skip-load", false,
		"Stop after validation")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.Run(s.ctx, engine.RunRequest{
		Extract: engine.ExtractRequest{
			RunID: runRunID,
			Scope: s.scopeFilter(),
			Order: runOrder,
		},
		RulesLocation:           runRules,
		ValidationRulesLocation: runValidationRules,
		Targets:                 runTargets,
		Strategy:                strategy,
		SkipLoad:                runSkipLoad,
	})
	if res != nil {
		if jsonOutput {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		} else {
			printRunResult(res)
		}
	}
	if err != nil {
		return fmt.Errorf("run failed (%s): %w", engine.ErrorKind(err), err)
	}
	if res.Validation != nil && res.Validation.Status == artifact.StatusFailed {
		return fmt.Errorf("dataset FAILED validation")
	}
	return nil
}

func printRunResult(res *engine.RunResult) {
	if res.Extraction != nil {
		printExtraction(res.Extraction)
		fmt.Fprintln(outputWriter)
	}
	if res.Anonymized != nil {
		printAnonymization(res.Anonymized)
		fmt.Fprintln(outputWriter)
	}
	if res.Validation != nil {
		printValidation(res.Validation)
		fmt.Fprintln(outputWriter)
	}
	if res.Load != nil {
		printLoad(res.Load)
		fmt.Fprintln(outputWriter)
	}
	fmt.Fprintf(outputWriter, "Run directory: %s\n", res.Directory)
}
