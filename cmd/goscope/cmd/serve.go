package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the phases as MCP tools over stdio",
	Long: `Serve speaks the Model Context Protocol on stdin and stdout so that an
agent or another program can drive a migration. Every phase is a tool
taking the JSON request of its command and returning the JSON artifact.

Tools: extract, anonymize, validate, load, run, plan, estimate.

Logs go to stderr while serving.

Example:
  goscope serve --config goscope.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.engine.Serve(s.ctx, Version, os.Stdin, os.Stdout)
}
