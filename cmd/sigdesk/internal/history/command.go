package history

import (
	"github.com/spf13/cobra"
)

func NewHistoryCommand() *cobra.Command {
	var (
		group string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history [number]",
		Short: "Show stored messages of a conversation",
		Example: `sigdesk history +15551234
sigdesk history --group 6wKf...== --limit 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := ""
			if len(args) == 1 {
				number = args[0]
			}
			return historyCmd(cmd, number, group, limit)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "Group id instead of a phone number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many recent messages (0 for all)")

	return cmd
}
