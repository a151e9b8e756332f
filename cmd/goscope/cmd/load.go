package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goscope/internal/engine"
)

var (
	loadInput   string
	loadTargets map[string]string
	loadOrder   []string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a validated dataset into the target stores",
	Long: `Load writes an anonymized dataset into the target stores. The dataset
must carry a validation report that did not FAIL; otherwise nothing is
written and no target is contacted.

Each target store is written in one transaction, parents first, and every
write is bound to the run scope so rows of another district are never
touched. A store that fails is rolled back; the others are unaffected.

Example:
  goscope load --input runs/<run-id>/anonymized --strategy upsert
  goscope load --input runs/<run-id>/anonymized --target sis=sis_staging`,
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().StringVarP(&loadInput, "input", "i", "",
		"Validated dataset directory (required)")
	loadCmd.MarkFlagRequired("input")
	loadCmd.Flags().StringToStringVar(&loadTargets, "target", nil,
		"Map a source store to a target store, e.g. sis=sis_staging (default: same name)")
	loadCmd.Flags().StringSliceVar(&loadOrder, "order", nil,
		"Entities to load, parents first (default: extraction order)")

	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	s, err := openSession(jsonOutput)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.engine.Load(s.ctx, engine.LoadRequest{
		InputLocation: loadInput,
		Targets:       loadTargets,
		Order:         loadOrder,
		Strategy:      strategy,
	})
	if rerr := render(r, printLoad); rerr != nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("load failed (%s): %w", engine.ErrorKind(err), err)
	}
	return nil
}
