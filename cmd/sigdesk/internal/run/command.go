package run

import (
	"github.com/spf13/cobra"
)

func NewRunCommand() *cobra.Command {
	var (
		debug       bool
		metricsAddr string
		ordered     bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"r"},
		Short:   "Connect to signald and print incoming messages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCmd(cmd, debug, metricsAddr, ordered)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&ordered, "ordered", false, "Decode inbound frames strictly in wire order")

	return cmd
}
