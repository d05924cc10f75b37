package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "evpulse",
		Short:         "EV charging station analytics pipeline",
		Long:          "evpulse collects station, weather, traffic and usage data, derives daily features and tracks anomalies per charging station.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand(), newOnceCommand())
	return cmd
}
