package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var (
		debug   bool
		history int
	)

	cmd := &cobra.Command{
		Use:     "chat <conversation>",
		Aliases: []string{"c"},
		Short:   "Open an interactive conversation",
		Example: `sigdesk chat +15551234
sigdesk chat "Book club"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(cmd, args[0], history, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().IntVarP(&history, "history", "n", 20, "Recent messages to show on open")

	return cmd
}
