// Package cli implements the turnloop command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/turnloop/turnloop/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  _                        _\n" +
		" | |_ _   _ _ __ _ __  ___| | ___   ___  _ __\n" +
		" | __| | | | '__| '_ \\/ __| |/ _ \\ / _ \\| '_ \\\n" +
		" | |_| |_| | |  | | | \\__ \\ | (_) | (_) | |_) |\n" +
		"  \\__|\\__,_|_|  |_| |_|___/_|\\___/ \\___/| .__/\n" +
		"                                        |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "turnloop",
	Short: "turnloop - turn execution engine for coding agents",
	Long:  color.CyanString(logo) + "\nA streaming turn execution engine with supervised tool dispatch.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TURNLOOP_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
