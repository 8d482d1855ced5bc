package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/akioCL/o3de-sub000/internal/logx"
)

var (
	// Global flags
	verbose bool
	logDir  string
)

var rootCmd = &cobra.Command{
	Use:   "hphactl",
	Short: "Inspect and exercise the HPHA heap allocator",
	Long: `hphactl prints the size-class layout of the HPHA heap presets and runs
concurrent stress workloads against them, reporting allocator statistics.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator events to stderr")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write JSON logs to a dated file in this directory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the command logger from the global flags.
func newLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return logx.New(logx.Options{
		Enabled: verbose || logDir != "",
		LogDir:  logDir,
		Writer:  cmd.ErrOrStderr(),
		Level:   level,
	})
}
