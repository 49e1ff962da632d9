package link

import (
	"github.com/spf13/cobra"
)

func NewLinkCommand() *cobra.Command {
	var deviceName string

	cmd := &cobra.Command{
		Use:     "link",
		Short:   "Link sigdesk as a new device of your Signal account",
		Example: "sigdesk link --device-name laptop",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return linkCmd(cmd, deviceName)
		},
	}

	cmd.Flags().StringVar(&deviceName, "device-name", "", "Name shown for this device on the phone")

	return cmd
}
