package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/pkg/app"
	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
)

func runCmd(cmd *cobra.Command, debug bool, metricsAddr string, ordered bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	if ordered {
		cfg.Decoder.Ordered = true
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := internal.OpenSession(ctx, cfg, internal.TerminalLinker(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer s.Close()

	if s.Metrics != nil {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(s), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.InfoCF("run", "Serving metrics", map[string]any{"addr": cfg.Metrics.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCF("run", "Metrics server failed", map[string]any{"error": err.Error()})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Connected to %s as %s. Press Ctrl+C to stop.\n", internal.Logo, s.Conn.Path(), s.Account())

	names := internal.NameLookup(s.Registry())
	err = s.Serve(ctx, func(c conversation.Conversation, n bus.Notification) {
		if line := describe(c, n, names); line != "" {
			fmt.Fprintln(out, line)
		}
	})
	if ctx.Err() != nil {
		fmt.Fprintln(out, "\nShutting down...")
		return nil
	}
	return err
}

func metricsMux(s *app.Session) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	return mux
}

func describe(c conversation.Conversation, n bus.Notification, names func(string) string) string {
	switch n.Kind {
	case bus.KindNewMessage:
		if n.Message == nil {
			return ""
		}
		return fmt.Sprintf("%s %s", c.Name, internal.FormatMessage(*n.Message, names, time.Now()))
	case bus.KindReaction:
		if n.Reaction == nil {
			return ""
		}
		return fmt.Sprintf("%s reacted %s", names(n.Reaction.Author), n.Reaction.Emoji)
	}
	return ""
}
