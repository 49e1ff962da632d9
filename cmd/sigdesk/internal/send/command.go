package send

import (
	"github.com/spf13/cobra"
)

func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "send <conversation> <message...>",
		Short:   "Send a text message to a contact or group",
		Example: `sigdesk send +15551234 "running late"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCmd(cmd, args[0], args[1:])
		},
	}

	return cmd
}
