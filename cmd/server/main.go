package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the orchestrator release
const Version = "0.1.0"

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:     "orchestrator",
	Short:   "Browser task orchestrator",
	Long:    `orchestrator runs prompt-driven browser tasks on a pool of driver sessions, retrying until the driver signals completion.`,
	Version: Version,
	RunE:    runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchestrator version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("orchestrator {{.Version}}\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
