package cmd

import (
	"encoding/json"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the goscope release, the commit and date it was built from,
and the Go toolchain and platform. Binaries built without ldflags fall back to
the VCS stamp the Go toolchain embeds. With --json the same fields are
printed as an object.`,
	Run: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// buildInfo is what the version command reports.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// currentBuild starts from the ldflags values and fills what they left
// unset from the embedded VCS settings.
func currentBuild() buildInfo {
	b := buildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b.fromSettings(info.Settings)
	}
	return b
}

func (b *buildInfo) fromSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && s.Value != "" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.BuildDate == "unknown" && s.Value != "" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
}

func runVersion(cmd *cobra.Command, args []string) {
	b := currentBuild()
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(b); err != nil {
			cmd.PrintErrln(err)
		}
		return
	}

	commit := b.Commit
	if b.Modified {
		commit += " (modified)"
	}
	cmd.Printf("goscope version %s\n", b.Version)
	cmd.Printf("  Commit: %s\n", commit)
	cmd.Printf("  Built: %s\n", b.BuildDate)
	cmd.Printf("  Go version: %s\n", b.GoVersion)
	cmd.Printf("  OS/Arch: %s\n", b.Platform)
}
