package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weirhq/weir/pkg/log"
	"github.com/weirhq/weir/pkg/metrics"
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
	Use:   "weir",
	Short: "Weir - streaming CDC pipeline engine",
	Long: `Weir ingests change-data-capture streams, runs them through a DAG of
stateful transformations and materializes the results into queryable,
secondary-indexed caches served over gRPC.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Weir version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(endpointsCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}
