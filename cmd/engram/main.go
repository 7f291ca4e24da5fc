package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "engram",
	Short:   "Local long-term memory engine for AI agents",
	Version: version,
	Long: `engram stores what an agent learns across sessions and serves it back.

Conversational turns are queued and synthesized into knowledge documents
by a background worker; recall runs hybrid semantic and full-text search
over the result. Everything lives in local SQLite, models run on Ollama.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
