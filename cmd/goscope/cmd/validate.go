package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/engine"
)

var (
	validateData   string
	validateSchema string
	validateRules  string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an anonymized dataset",
	Long: `Validate runs the checks that gate the load: schema conformance,
referential integrity, uniqueness, business rules, completeness, cross-store
consistency and the PII leak scan of the anonymizer.

Any ERROR finding makes the dataset FAILED and the loader refuses it. The
report is written next to the data as validation_report.json. The command
exits non-zero when the dataset FAILED.

Example:
  goscope validate --data runs/<run-id>/anonymized --rules validation.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateData, "data", "d", "",
		"Anonymized dataset directory (required)")
	validateCmd.MarkFlagRequired("data")
	validateCmd.Flags().StringVar(&validateSchema, "schema", "",
		"Catalog file (default: catalog.json in the dataset)")
	validateCmd.Flags().StringVar(&validateRules, "rules", "",
		"Validation rules file (default: validation.rules_file)")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.engine.Validate(s.ctx, engine.ValidateRequest{
		DataLocation:   validateData,
		SchemaLocation: validateSchema,
		RulesLocation:  validateRules,
	})
	if rerr := render(r, printValidation); rerr != nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("validation failed to run: %w", err)
	}
	if r.Status == artifact.StatusFailed {
		return fmt.Errorf("dataset FAILED validation with %d errors", r.Counters.TotalErrors)
	}
	return nil
}
