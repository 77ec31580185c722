// Command nyx-bench is a conformance/loopback harness for the Nyx
// datapath: it drives two in-process session supervisors through a
// handshake, pushes frames through the AEAD/reorder/frame stack end to
// end, and prints the resulting telemetry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nyx-bench",
		Short: "Nyx datapath conformance and loopback harness",
		Long:  "Drives the Nyx session supervisor through a local handshake and frame loopback, reporting telemetry counters.",
	}

	root.AddCommand(
		loopbackCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harness version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "nyx-bench (dev)")
			return nil
		},
	}
}
