// Package cmd implements the loom command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomlang/loom/internal/logging"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	// Global flags
	verbose     bool
	secretsPath string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - flow execution engine",
	Long: `loom runs flow programs: declarative YAML documents that orchestrate
AI model calls, agents, external tools, and record mutations.

A program declares its AI calls, agents, tools, records, and flows once;
loom validates the document, then executes flows with retries, circuit
breakers, and transactional record updates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "",
		"encrypted secrets file; unlocked with LOOM_VAULT_PASSPHRASE")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("loom {{.Version}}\n")
}

// newLogger builds the process logger, honoring --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
