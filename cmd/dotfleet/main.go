// Command dotfleet connects to a fleet of motion sensors, records their
// telemetry and serves the live dashboard.
//
// Usage:
//
//	dotfleet serve [flags]      run headless with the dashboard
//	dotfleet console [flags]    run with an interactive prompt
//	dotfleet config init|show   write or print the configuration
//	dotfleet discover           find dashboards on the local network
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "dotfleet",
	Short:         "Motion sensor fleet recorder",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default ./dotfleet.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
