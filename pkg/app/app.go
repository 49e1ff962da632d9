// Package app ties the daemon connection, the store, the notification bus
// and the conversation registry into one client session.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/sigdesk/pkg/bridge"
	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/decoder"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/metrics"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

var (
	ErrNotLinked      = errors.New("no signald account is linked")
	ErrNotInitialized = errors.New("session not initialized")
	ErrEmptyMessage   = errors.New("message body is empty")
)

// Linker shows the device-linking URI to the user, typically as a QR code
// to scan with the primary device.
type Linker interface {
	ShowLinkingURI(uri string) error
}

type LinkerFunc func(uri string) error

func (f LinkerFunc) ShowLinkingURI(uri string) error { return f(uri) }

type Options struct {
	DeviceName string
	NotifySync bool
	Metrics    *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type App struct {
	disp     *bridge.Dispatcher
	store    *store.Store
	bus      *bus.NotificationBus
	registry *conversation.Registry
	decoder  *decoder.Decoder

	deviceName string
	now        func() time.Time

	mu       sync.Mutex
	account  string
	lastSent int64
}

func New(d *bridge.Dispatcher, st *store.Store, nb *bus.NotificationBus, opts Options) *App {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		disp:       d,
		store:      st,
		bus:        nb,
		registry:   conversation.NewRegistry(),
		decoder:    decoder.New(st, nb, decoder.Options{NotifySync: opts.NotifySync, Metrics: opts.Metrics}),
		deviceName: opts.DeviceName,
		now:        now,
	}
}

func (a *App) Registry() *conversation.Registry { return a.registry }

func (a *App) Decoder() *decoder.Decoder { return a.decoder }

// Account is the number of the account in use, empty before Initialize.
func (a *App) Account() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.account
}

func (a *App) requireAccount() (string, error) {
	acct := a.Account()
	if acct == "" {
		return "", ErrNotInitialized
	}
	return acct, nil
}

func accountNumber(acct protocol.Account) string {
	if acct.AccountID != "" {
		return acct.AccountID
	}
	if acct.Address != nil {
		return acct.Address.Number
	}
	return ""
}

// Initialize selects the account, linking a new device through linker when
// the daemon has none, loads contacts and groups, and subscribes to incoming
// messages. Only the first account is used.
func (a *App) Initialize(ctx context.Context, linker Linker) error {
	accounts, err := a.disp.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var acct protocol.Account
	switch {
	case len(accounts) == 0:
		if linker == nil {
			return ErrNotLinked
		}
		linked, err := a.Link(ctx, linker)
		if err != nil {
			return err
		}
		acct = *linked
	default:
		if len(accounts) > 1 {
			logger.WarnCF("app", "Multiple accounts found, using the first", map[string]any{"count": len(accounts)})
		}
		acct = accounts[0]
	}

	number := accountNumber(acct)
	if number == "" {
		return fmt.Errorf("account without number")
	}
	a.mu.Lock()
	a.account = number
	a.mu.Unlock()
	logger.InfoCF("app", "Using account", map[string]any{"account": number})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		contacts, err := a.disp.ListContacts(gctx, number)
		if err != nil {
			return fmt.Errorf("list contacts: %w", err)
		}
		a.registry.AddContacts(contacts)
		return nil
	})
	g.Go(func() error {
		groups, err := a.disp.ListGroups(gctx, number)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		a.registry.AddGroups(groups)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.registry.Hydrate(a.store); err != nil {
		return err
	}
	if err := a.disp.Subscribe(ctx, number); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := a.disp.RequestSync(ctx, number); err != nil {
		return fmt.Errorf("request sync: %w", err)
	}
	return nil
}

// Link registers this client as a linked device. It returns once the user
// has confirmed the link on the primary device.
func (a *App) Link(ctx context.Context, linker Linker) (*protocol.Account, error) {
	uri, err := a.disp.GenerateLinkingURI(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate linking uri: %w", err)
	}
	if err := linker.ShowLinkingURI(uri.URI); err != nil {
		return nil, err
	}
	acct, err := a.disp.FinishLink(ctx, uri.SessionID, a.deviceName)
	if err != nil {
		return nil, fmt.Errorf("finish link: %w", err)
	}
	logger.InfoCF("app", "Device linked", map[string]any{"account": accountNumber(*acct)})
	return acct, nil
}

// nextTimestamp returns the current time in milliseconds, bumped past the
// previous send so two sends never share a natural key.
func (a *App) nextTimestamp() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.now().UnixMilli()
	if ts <= a.lastSent {
		ts = a.lastSent + 1
	}
	a.lastSent = ts
	return ts
}

// SendText stores body as an outgoing message of conv and then sends it.
// The stored record is returned even when the send fails.
func (a *App) SendText(ctx context.Context, conv conversation.Conversation, body string) (*store.Message, error) {
	if body == "" {
		return nil, ErrEmptyMessage
	}
	acct, err := a.requireAccount()
	if err != nil {
		return nil, err
	}

	ts := a.nextTimestamp()
	req := protocol.SendRequest{Username: acct, MessageBody: body, Timestamp: ts}
	m := store.Message{Timestamp: ts, FromMe: true, IsRead: true, Body: body}
	if conv.Kind == conversation.Group {
		req.RecipientGroupID = conv.ID
		m.GroupID = &conv.ID
	} else {
		req.RecipientAddress = protocol.NewAddress(conv.ID)
		m.Number = &conv.ID
	}

	if err := a.store.StoreMessage(m); err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	a.registry.Apply(bus.NewMessage(m))

	if _, err := a.disp.Send(ctx, req); err != nil {
		return &m, fmt.Errorf("send: %w", err)
	}
	return &m, nil
}

func (a *App) SetTyping(ctx context.Context, conv conversation.Conversation, typing bool) error {
	acct, err := a.requireAccount()
	if err != nil {
		return err
	}
	req := protocol.TypingRequest{Account: acct, Typing: typing, When: a.now().UnixMilli()}
	if conv.Kind == conversation.Group {
		req.Group = conv.ID
	} else {
		req.Address = protocol.NewAddress(conv.ID)
	}
	return a.disp.Typing(ctx, req)
}

// MarkRead sends read receipts for every unread incoming message of conv,
// one request per sender, and records them as read. It returns how many
// messages were marked.
func (a *App) MarkRead(ctx context.Context, conv conversation.Conversation) (int, error) {
	acct, err := a.requireAccount()
	if err != nil {
		return 0, err
	}
	msgs, err := a.store.QueryConversation(conv.Selector())
	if err != nil {
		return 0, err
	}

	bySender := make(map[string][]int64)
	for _, m := range msgs {
		if m.FromMe || m.IsRead || m.Number == nil {
			continue
		}
		bySender[*m.Number] = append(bySender[*m.Number], m.Timestamp)
	}
	senders := make([]string, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	sort.Strings(senders)

	var marked int
	for _, sender := range senders {
		timestamps := bySender[sender]
		err := a.disp.MarkRead(ctx, protocol.MarkReadRequest{
			Account:    acct,
			To:         protocol.NewAddress(sender),
			Timestamps: timestamps,
			When:       a.now().UnixMilli(),
		})
		if err != nil {
			return marked, fmt.Errorf("mark read: %w", err)
		}
		n, err := a.store.MarkRead(timestamps, &sender)
		if err != nil {
			return marked, err
		}
		marked += int(n)
	}
	a.registry.MarkRead(conv.Selector())
	return marked, nil
}

// History returns the stored messages of conv, oldest first.
func (a *App) History(conv conversation.Conversation) ([]store.Message, error) {
	return a.store.QueryConversation(conv.Selector())
}

// Serve decodes frames and applies the resulting notifications to the
// registry until frames is closed or ctx is done. The bus is closed when
// frames ends, so an App serves at most once.
func (a *App) Serve(ctx context.Context, frames <-chan protocol.Frame, opts bridge.PumpOptions, onUpdate func(conversation.Conversation, bus.Notification)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer a.bus.Close()
		return bridge.Pump(gctx, frames, opts, a.decoder.HandleFrame)
	})
	g.Go(func() error {
		return a.registry.Consume(gctx, a.bus, onUpdate)
	})
	return g.Wait()
}
