package link

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/pkg/app"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
)

func linkCmd(cmd *cobra.Command, deviceName string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if deviceName != "" {
		cfg.Signald.DeviceName = deviceName
	}
	if err := internal.SetupLogging(cfg, false); err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	s, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	acct, err := s.Link(ctx, internal.TerminalLinker(cmd.OutOrStdout()))
	if err != nil {
		return err
	}

	number := acct.AccountID
	if number == "" && acct.Address != nil {
		number = acct.Address.Number
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Linked %q to %s\n", internal.Logo, cfg.Signald.DeviceName, number)
	return nil
}
