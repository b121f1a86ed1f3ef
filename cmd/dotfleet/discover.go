package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotfleet/dotfleet-go/pkg/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find dotfleet dashboards on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		iface, _ := cmd.Flags().GetString("interface")
		asJSON, _ := cmd.Flags().GetBool("json")

		b := discovery.NewBrowser(discovery.BrowserConfig{Interface: iface})
		found, err := b.Find(cmd.Context(), timeout)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if found == nil {
				found = []*discovery.Service{}
			}
			return enc.Encode(found)
		}
		if len(found) == 0 {
			fmt.Fprintln(out, "No dashboards found.")
			return nil
		}
		for _, svc := range found {
			fmt.Fprintf(out, "%s\n", svc.Instance)
			fmt.Fprintf(out, "  host:    %s:%d\n", svc.Host, svc.Port)
			if len(svc.Addresses) > 0 {
				fmt.Fprintf(out, "  addrs:   %s\n", strings.Join(svc.Addresses, ", "))
			}
			fmt.Fprintf(out, "  version: %s\n", svc.Version)
			fmt.Fprintf(out, "  ws:      %s  api: %s\n", svc.WSPath, svc.APIPath)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().Duration("timeout", discovery.BrowseTimeout, "how long to browse")
	discoverCmd.Flags().String("interface", "", "network interface to browse on")
	discoverCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(discoverCmd)
}

