// sigdesk - terminal client core for Signal over a local signald daemon
// License: MIT
//
// Copyright (c) 2026 sigdesk contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/chat"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/history"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/link"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/run"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/send"
	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal/version"
)

func NewSigdeskCommand() *cobra.Command {
	short := fmt.Sprintf("%s sigdesk - Signal client over signald v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:           "sigdesk",
		Short:         short,
		Example:       "sigdesk chat +15551234",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(
		run.NewRunCommand(),
		link.NewLinkCommand(),
		send.NewSendCommand(),
		history.NewHistoryCommand(),
		chat.NewChatCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewSigdeskCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
