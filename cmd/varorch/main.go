package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "varorch",
		Short: "Variation Orchestrator - run one prompt through many agents at once",
		Long: `Variation Orchestrator fans a single prompt out into N independent agent runs
(claude, opencode or gemini), streams every agent's output into durable sinks,
and tracks each run until all of its variations have finished.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
