// Command bpfctl drives a bpffsd daemon over its HTTP API: it creates
// functions, writes their source and type, reports diagnostics and status,
// attaches them to kernel events and fetches their handles over the
// descriptor transport.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bpfctl",
		Short:         "Control a bpffsd daemon",
		Long:          `bpfctl manages BPF functions held by bpffsd: source, type, diagnostics, attachment and handles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch mode, _ := cmd.Flags().GetString("color"); mode {
			case "on":
				color.NoColor = false
			case "off":
				color.NoColor = true
			case "auto":
			default:
				return fmt.Errorf("--color must be auto, on or off")
			}
			return nil
		},
	}

	root.PersistentFlags().String("server", envOr("BPFCTL_SERVER", "http://127.0.0.1:9470"), "bpffsd HTTP API base URL")
	root.PersistentFlags().String("token", os.Getenv("BPFCTL_TOKEN"), "bearer token for the HTTP API")
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")

	root.AddCommand(
		newCreateCmd(),
		newRemoveCmd(),
		newListCmd(),
		newStatusCmd(),
		newSourceCmd(),
		newTypeCmd(),
		newErrorCmd(),
		newAttachCmd(),
		newDetachCmd(),
		newFetchCmd(),
		newTraceCmd(),
		newWatchCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
