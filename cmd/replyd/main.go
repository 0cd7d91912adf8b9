package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "replyd",
	Short: "Local email reply assistant",
	Long: `replyd drafts email replies with a small local language model.

The server loads the model on demand, learns the user's writing style from
feedback, and releases memory and CPU when idle. All data stays on this
machine.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(styleCmd)
	rootCmd.AddCommand(samplesCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
