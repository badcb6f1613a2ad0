// Command jeeves drives coding-agent workflows one issue at a time: a
// sqlite-backed engine, supervised provider subprocesses, and an HTTP/SSE
// viewer server. One-shot commands open the engine in-process; the store is
// safe to share with a running serve daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "dev"

var (
	flagDataDir  string
	flagConfig   string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jeeves",
		Short: "Per-issue agentic coding orchestrator",
		Long: `jeeves tracks issues, runs coding-agent providers through their
workflow phases, and serves progress to viewers over HTTP/SSE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: JEEVES_DATA_DIR or the platform data root)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: <data root>/jeeves.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(credsCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(reflectCmd())
	rootCmd.AddCommand(expandCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("jeeves %s\n", version)
		},
	}
}
