// Package cli is the agentbus command surface.
package cli

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/agentbus/internal/cli.version=1.2.3"
	version = "0.4.0"

	verbose  bool
	asJSON   bool
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:          "agentbus",
	Short:        "agentbus - spawn and coordinate AI coding agents",
	Long:         color.CyanString("agentbus") + "\nSpawn provider CLIs as detached agents and coordinate them through channels.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logLevel.Set(slog.LevelDebug)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output machine-readable JSON")
}

// applyLogLevel sets the configured level unless --verbose asked for debug.
func applyLogLevel(level string) {
	if verbose {
		return
	}
	switch level {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}
