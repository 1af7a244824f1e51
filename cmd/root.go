// Package cmd implements the skybridge command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "skybridge",
	Short: "Drone telemetry relay and vehicle agent",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(agentCmd)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }
