package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyland-inc/sigdesk/pkg/bridge"
	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/config"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/metrics"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/signald"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

// Session owns every long-lived resource behind an App.
type Session struct {
	*App

	Conn       *signald.Conn
	Store      *store.Store
	Bus        *bus.NotificationBus
	Dispatcher *bridge.Dispatcher
	Metrics    *metrics.Metrics

	cfg     *config.Config
	cancel  context.CancelFunc
	runDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the daemon and opens the store as configured. The
// dispatcher runs until Close.
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	conn, err := signald.Connect(ctx, cfg.Signald.Sockets,
		signald.WithDialAttempts(cfg.Signald.DialAttempts),
		signald.WithBackoff(cfg.Signald.DialBackoff.Std(), signald.DefaultMaxBackoff),
		signald.WithInboundCapacity(cfg.Signald.InboundCapacity),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	nb := bus.NewNotificationBus(cfg.Bus.Capacity)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nb.Len)
	}

	disp := bridge.NewDispatcher(conn, bridge.Options{
		Timeout:   cfg.Signald.RequestTimeout.Std(),
		RateLimit: cfg.Signald.RequestRate,
		Burst:     cfg.Signald.RequestBurst,
		Metrics:   m,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		App: New(disp, st, nb, Options{
			DeviceName: cfg.Signald.DeviceName,
			NotifySync: cfg.Decoder.NotifySync,
			Metrics:    m,
		}),
		Conn:       conn,
		Store:      st,
		Bus:        nb,
		Dispatcher: disp,
		Metrics:    m,
		cfg:        cfg,
		cancel:     cancel,
		runDone:    make(chan struct{}),
	}
	go func() {
		defer close(s.runDone)
		disp.Run(runCtx)
	}()
	return s, nil
}

// Serve processes inbound frames until the daemon connection ends or ctx is
// done. Losing the connection is reported as an error.
func (s *Session) Serve(ctx context.Context, onUpdate func(conversation.Conversation, bus.Notification)) error {
	opts := bridge.PumpOptions{Ordered: s.cfg.Decoder.Ordered, Workers: s.cfg.Decoder.Workers}
	if err := s.App.Serve(ctx, s.Conn.Inbound(), opts, onUpdate); err != nil {
		return err
	}
	if err := s.Conn.Err(); err != nil {
		return fmt.Errorf("daemon connection lost: %w", err)
	}
	return nil
}

// Close releases every resource. Incoming frames the daemon already handed
// over but nobody consumed are persisted first, since signald does not
// deliver them again.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Session) close() error {
	s.Dispatcher.Close()
	s.cancel()
	s.Conn.Close()
	<-s.runDone
	s.Bus.Close()
	s.persistUnread()
	if err := s.Store.Close(); err != nil {
		logger.WarnCF("app", "Failed to close store", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func (s *Session) persistUnread() {
	frames := make([]protocol.Frame, 0, s.Conn.Backlog())
	for f := range s.Conn.Inbound() {
		frames = append(frames, f)
	}
	frames = append(frames, s.Conn.Drain()...)
	if len(frames) == 0 {
		return
	}

	logger.InfoCF("app", "Storing unconsumed inbound frames", map[string]any{"count": len(frames)})
	for _, f := range frames {
		// the bus is closed by now; the record is stored before publishing
		if err := s.decoder.HandleFrame(context.Background(), f); err != nil && !errors.Is(err, bus.ErrBusClosed) {
			logger.WarnCF("app", "Failed to store inbound frame", map[string]any{"type": f.Type, "error": err.Error()})
		}
	}
}
