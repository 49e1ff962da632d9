package send

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
)

func sendCmd(cmd *cobra.Command, target string, words []string) error {
	body := strings.Join(words, " ")

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, false); err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	s, err := internal.OpenSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	conv, err := internal.ResolveConversation(s.Registry(), target)
	if err != nil {
		return err
	}

	msg, err := s.SendText(ctx, conv, body)
	if err != nil {
		if msg != nil {
			return fmt.Errorf("message saved locally but not delivered: %w", err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", conv, internal.FormatMessage(*msg, nil, time.Now()))
	return nil
}
