// Package decoder turns IncomingMessage envelopes into stored messages and
// notifications.
//
// An envelope is classified in a fixed priority order: a data message
// carrying a reaction, then a data message, then a sync transcript of a
// message sent from another linked device. Envelopes matching none of these
// are skipped and logged.
package decoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/metrics"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

// Store is the part of the persistent store the decoder writes to.
type Store interface {
	StoreMessage(m store.Message) error
	StoreAttachments(list []store.Attachment) (*string, error)
}

type Publisher interface {
	Publish(ctx context.Context, n bus.Notification) error
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeReaction
	OutcomeMessage
	OutcomeSync
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReaction:
		return "reaction"
	case OutcomeMessage:
		return "message"
	case OutcomeSync:
		return "sync"
	default:
		return "skipped"
	}
}

// FieldError reports a required envelope field that is missing or invalid.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Err == nil {
		return "decoder: missing required field " + e.Field
	}
	return fmt.Sprintf("decoder: invalid field %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

type Options struct {
	// NotifySync publishes messages learned from sync transcripts as well.
	NotifySync bool
	Metrics    *metrics.Metrics
}

type Decoder struct {
	store      Store
	pub        Publisher
	notifySync bool
	metrics    *metrics.Metrics
}

func New(st Store, pub Publisher, opts Options) *Decoder {
	return &Decoder{
		store:      st,
		pub:        pub,
		notifySync: opts.NotifySync,
		metrics:    opts.Metrics,
	}
}

// HandleFrame decodes one unsolicited frame. Frames other than
// IncomingMessage are ignored.
func (d *Decoder) HandleFrame(ctx context.Context, f protocol.Frame) error {
	if f.Type != protocol.EventIncomingMessage {
		logger.DebugCF("decoder", "Ignoring event", map[string]any{"type": f.Type})
		d.metrics.InboundHandled("ignored")
		return nil
	}

	p, err := protocol.DecodeEvent(f.Type, f.Data)
	if err != nil {
		d.metrics.InboundHandled("error")
		return fmt.Errorf("decoder: %w", err)
	}
	env, err := protocol.As[*protocol.IncomingMessage](p)
	if err != nil {
		d.metrics.InboundHandled("error")
		return err
	}

	outcome, err := d.Handle(ctx, env)
	if err != nil {
		d.metrics.InboundHandled("error")
		return err
	}
	d.metrics.InboundHandled(outcome.String())
	return nil
}

// Handle classifies env and applies it.
func (d *Decoder) Handle(ctx context.Context, env *protocol.IncomingMessage) (Outcome, error) {
	if dm := env.DataMessage; dm != nil {
		if dm.Reaction != nil {
			d.handleReaction(env, dm.Reaction)
			return OutcomeReaction, nil
		}
		return d.handleData(ctx, env, dm)
	}
	if sm := env.SyncMessage; sm != nil && sm.Sent != nil {
		if dm := sm.Sent.Message; dm != nil && dm.Reaction != nil {
			d.handleReaction(env, dm.Reaction)
			return OutcomeReaction, nil
		}
		return d.handleSync(ctx, sm.Sent)
	}

	logger.DebugCF("decoder", "Envelope without data or sent transcript", map[string]any{
		"source":    env.Sender(),
		"timestamp": env.Timestamp,
	})
	return OutcomeSkipped, nil
}

// Reactions are recognised so they never reach the data path, but they are
// not stored yet.
func (d *Decoder) handleReaction(env *protocol.IncomingMessage, r *protocol.Reaction) {
	fields := map[string]any{
		"emoji":            r.Emoji,
		"from":             env.Sender(),
		"target_timestamp": r.TargetSentTimestamp,
		"remove":           r.Remove,
	}
	if r.TargetAuthor != nil {
		fields["target_author"] = r.TargetAuthor.Number
	}
	logger.DebugCF("decoder", "Reaction received", fields)
}

func (d *Decoder) handleData(ctx context.Context, env *protocol.IncomingMessage, dm *protocol.DataMessage) (Outcome, error) {
	if dm.Body == "" {
		logger.DebugCF("decoder", "Data message without body", map[string]any{"source": env.Sender()})
		return OutcomeSkipped, nil
	}
	if dm.Timestamp == nil {
		return OutcomeSkipped, &FieldError{Field: "data_message.timestamp"}
	}
	if env.Sender() == "" && dm.GroupV2 == nil {
		return OutcomeSkipped, &FieldError{Field: "source"}
	}

	m, err := d.buildMessage(dm, *dm.Timestamp, env.Sender(), false, "data_message")
	if err != nil {
		return OutcomeSkipped, err
	}
	if err := d.store.StoreMessage(m); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			logger.WarnCF("decoder", "Message already stored", map[string]any{
				"timestamp": m.Timestamp,
				"source":    env.Sender(),
			})
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	if err := d.pub.Publish(ctx, bus.NewMessage(m)); err != nil {
		return OutcomeMessage, fmt.Errorf("decoder: publish: %w", err)
	}
	return OutcomeMessage, nil
}

func (d *Decoder) handleSync(ctx context.Context, sent *protocol.SentTranscript) (Outcome, error) {
	dm := sent.Message
	if dm == nil || dm.Body == "" {
		logger.DebugCF("decoder", "Sent transcript without body", nil)
		return OutcomeSkipped, nil
	}

	ts := dm.Timestamp
	if ts == nil {
		ts = sent.Timestamp
	}
	if ts == nil {
		return OutcomeSkipped, &FieldError{Field: "sync_message.sent.timestamp"}
	}

	to := sent.Destination.ID()
	if to == "" && dm.GroupV2 == nil {
		return OutcomeSkipped, &FieldError{Field: "sync_message.sent.destination"}
	}
	m, err := d.buildMessage(dm, *ts, to, true, "sync_message.sent.message")
	if err != nil {
		return OutcomeSkipped, err
	}
	if err := d.store.StoreMessage(m); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// our own send echoed back
			logger.DebugCF("decoder", "Sent message already stored", map[string]any{"timestamp": m.Timestamp})
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	if d.notifySync {
		if err := d.pub.Publish(ctx, bus.NewMessage(m)); err != nil {
			return OutcomeSync, fmt.Errorf("decoder: publish: %w", err)
		}
	}
	return OutcomeSync, nil
}

// buildMessage validates dm and persists its attachments. Nothing is written
// when validation fails.
func (d *Decoder) buildMessage(dm *protocol.DataMessage, ts int64, counterparty string, fromMe bool, path string) (store.Message, error) {
	mentions := make([]store.Mention, 0, len(dm.Mentions))
	for i, mn := range dm.Mentions {
		id, err := uuid.Parse(mn.UUID)
		if err != nil {
			return store.Message{}, &FieldError{Field: fmt.Sprintf("%s.mentions[%d].uuid", path, i), Err: err}
		}
		mentions = append(mentions, store.Mention{UUID: id, Start: mn.Start})
	}

	m := store.Message{
		Timestamp: ts,
		Number:    optional(counterparty),
		FromMe:    fromMe,
		IsRead:    fromMe,
		Body:      dm.Body,
	}
	if dm.GroupV2 != nil {
		m.GroupID = optional(dm.GroupV2.ID)
	}
	if q := dm.Quote; q != nil {
		m.QuoteTimestamp = q.ID
		if q.Author != nil {
			m.QuoteAuthor = optional(q.Author.Number)
		}
	}
	m.Mentions, m.MentionsStart = store.EncodeMentions(mentions)

	if len(dm.Attachments) > 0 {
		list := make([]store.Attachment, 0, len(dm.Attachments))
		for i, a := range dm.Attachments {
			if a.ID == "" {
				return store.Message{}, &FieldError{Field: fmt.Sprintf("%s.attachments[%d].id", path, i)}
			}
			list = append(list, store.Attachment{
				ID:          a.ID,
				Blurhash:    optional(a.Blurhash),
				ContentType: a.ContentType,
				Filename:    optional(a.StoredFilename),
			})
		}
		ids, err := d.store.StoreAttachments(list)
		if err != nil {
			return store.Message{}, fmt.Errorf("decoder: attachments: %w", err)
		}
		m.Attachments = ids
	}
	return m, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
