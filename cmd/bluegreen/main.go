package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/indexops/bluegreen/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bluegreen",
	Short: "Bluegreen - zero-downtime index migration engine",
	Long: `Bluegreen drives blue-green migrations of live search indices:
build the new index while the old one keeps serving, validate it, then
cut traffic over with a single atomic alias swap.

The engine is embedded as a library by the serving platform; this CLI
rehearses migration manifests against an in-memory backend and inspects
checkpointed jobs.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.InfoLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = log.DebugLevel
		}
		jsonOut, _ := cmd.Flags().GetBool("json-logs")
		log.Init(log.Config{
			Level:      level,
			JSONOutput: jsonOut,
			Output:     os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bluegreen version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/bluegreen", "Directory for checkpoint and WAL databases")
}
