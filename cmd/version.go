package cmd

import (
	"fmt"
	"runtime"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/spf13/cobra"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

// VersionInfo is the JSON form of the version command.
type VersionInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	BuildDate    string `json:"build_date"`
	GoVersion    string `json:"go_version"`
	EmbeddingDim int    `json:"embedding_dim"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := VersionInfo{
			Version:      Version,
			Commit:       CommitSHA,
			BuildDate:    BuildDate,
			GoVersion:    runtime.Version(),
			EmbeddingDim: constants.EmbeddingDim,
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(info)
		}
		fmt.Printf("child-finder %s\n", info.Version)
		fmt.Printf("  Commit:    %s\n", info.Commit)
		fmt.Printf("  Built:     %s (%s)\n", info.BuildDate, info.GoVersion)
		fmt.Printf("  Embedding: %d-d face vectors\n", info.EmbeddingDim)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
