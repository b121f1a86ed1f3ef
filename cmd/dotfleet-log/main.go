// Command dotfleet-log inspects dotfleet trace files (.flog).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotfleet/dotfleet-go/cmd/dotfleet-log/commands"
)

var filterOpts commands.FilterOptions

var rootCmd = &cobra.Command{
	Use:           "dotfleet-log",
	Short:         "Inspect dotfleet trace files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var viewCmd = &cobra.Command{
	Use:   "view <file.flog>",
	Short: "Print trace events in human-readable form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := filterOpts.Filter()
		if err != nil {
			return err
		}
		return commands.RunView(args[0], filter, cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <file.flog>",
	Short: "Summarize a trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunStats(args[0], cmd.OutOrStdout())
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter <file.flog>",
	Short: "Write matching events to a new trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := commands.RunFilter(args[0], filterOpts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d events to %s\n", n, filterOpts.Output)
		return nil
	},
}

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <file.flog>",
	Short: "Export a trace file as jsonl or csv",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunExport(args[0], exportFormat, filterOpts.Output, cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{viewCmd, filterCmd} {
		c.Flags().StringVar(&filterOpts.Layer, "layer", "", "filter by layer (transport, wire, orchestrator, sync, recording)")
		c.Flags().StringVar(&filterOpts.Direction, "direction", "", "filter by frame direction (in, out)")
		c.Flags().StringVar(&filterOpts.Category, "category", "", "filter by category (frame, state, sync, error)")
		c.Flags().StringVar(&filterOpts.Address, "address", "", "filter by sensor address")
		c.Flags().StringVar(&filterOpts.SessionID, "session", "", "filter by session id")
		c.Flags().StringVar(&filterOpts.TimeStart, "time-start", "", "events at or after this RFC3339 time")
		c.Flags().StringVar(&filterOpts.TimeEnd, "time-end", "", "events before this RFC3339 time")
	}
	filterCmd.Flags().StringVarP(&filterOpts.Output, "output", "o", "", "output trace file (required)")
	_ = filterCmd.MarkFlagRequired("output")

	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "export format (jsonl, csv)")
	exportCmd.Flags().StringVarP(&filterOpts.Output, "output", "o", "", "output file (default stdout)")

	rootCmd.AddCommand(viewCmd, statsCmd, filterCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
