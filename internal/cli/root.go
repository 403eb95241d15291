// Package cli implements the agentdeck command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/buildinfo"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "Drive AI coding-agent CLIs from the browser",
	Long: colorize(colorBold) + `agentdeck` + colorize(colorReset) + ` runs AI coding-agent CLI tools (claude, codex, gemini,
opencode, or any line-oriented binary) under pseudo-terminals, journals
their output as ordered structured events, and streams them live over
WebSockets to any number of viewers with replay on reconnect.

Run ` + colorize(colorCyan) + `agentdeck serve` + colorize(colorReset) + ` to start the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := buildinfo.Current()
		if info.Commit != "" {
			fmt.Printf("agentdeck %s (%s)\n", info.Version, info.Commit)
			return
		}
		fmt.Printf("agentdeck %s\n", info.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func colorize(code string) string {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return code
	}
	return ""
}
