package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HerbHall/keyproxy/internal/version"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "keyproxy",
	Short: "Header-keyed reverse proxy with backend health tracking",
	Long: `keyproxy forwards each inbound request to the backend named by a routing
header, tracks consecutive failures per backend, probes backends in the
background and notifies when a backend goes down or recovers.

Running keyproxy without a subcommand is the same as "keyproxy serve".`,
	Version:       version.Short(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: keyproxy.yaml in ., ./configs, /etc/keyproxy)")
}
