package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	configSecret string
)

var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "fathom - interactive deep research server",
	Long: `fathom runs the interactive deep research service: a websocket
session server that plans, searches, and summarizes multi-level research
runs, streams telemetry to connected operators, and stores reports in a
GitHub-backed object store.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fathom 1.0.0")
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML, or encrypted JSON with --secret)")
	rootCmd.PersistentFlags().StringVar(&configSecret, "secret", "", "secret for an encrypted config file")
	rootCmd.AddCommand(versionCmd, serveCmd, userCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
