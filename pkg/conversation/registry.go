// Package conversation keeps the in-memory list of conversations the UI
// shows, fed by notifications from the bus.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

type Kind int

const (
	Individual Kind = iota + 1
	Group
)

func (k Kind) String() string {
	switch k {
	case Individual:
		return "individual"
	case Group:
		return "group"
	default:
		return "unknown"
	}
}

// Conversation is either a one-to-one chat keyed by phone number or a group
// keyed by group id.
type Conversation struct {
	Kind        Kind
	ID          string
	Name        string
	LastMessage int64
	Unread      int
}

func (c Conversation) Selector() store.Selector {
	if c.Kind == Group {
		return store.Group(c.ID)
	}
	return store.Individual(c.ID)
}

func (c Conversation) String() string {
	if c.Name != "" && c.Name != c.ID {
		return fmt.Sprintf("%s (%s)", c.Name, c.ID)
	}
	return c.ID
}

type key struct {
	kind Kind
	id   string
}

func keyOf(sel store.Selector) key {
	if sel.IsGroup() {
		return key{Group, sel.GroupID}
	}
	return key{Individual, sel.Number}
}

type Registry struct {
	mu    sync.RWMutex
	convs map[key]*Conversation
}

func NewRegistry() *Registry {
	return &Registry{convs: make(map[key]*Conversation)}
}

// Upsert adds c or refreshes the stored entry. A non-empty name replaces the
// known one; the last message timestamp only moves forward.
func (r *Registry) Upsert(c Conversation) Conversation {
	if c.Name == "" {
		c.Name = c.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{c.Kind, c.ID}
	existing, ok := r.convs[k]
	if !ok {
		cp := c
		r.convs[k] = &cp
		return cp
	}
	if c.Name != c.ID || existing.Name == "" {
		existing.Name = c.Name
	}
	if c.LastMessage > existing.LastMessage {
		existing.LastMessage = c.LastMessage
	}
	return *existing
}

// AddContacts registers one individual conversation per contact, keyed by
// number or, for contacts without one, by account uuid.
func (r *Registry) AddContacts(profiles []protocol.Profile) {
	for _, p := range profiles {
		id := p.Address.ID()
		if id == "" {
			continue
		}
		r.Upsert(Conversation{Kind: Individual, ID: id, Name: p.DisplayName()})
	}
}

func (r *Registry) AddGroups(groups []protocol.Group) {
	for _, g := range groups {
		if g.ID == "" {
			continue
		}
		r.Upsert(Conversation{Kind: Group, ID: g.ID, Name: g.Title})
	}
}

func (r *Registry) Get(sel store.Selector) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[keyOf(sel)]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Find looks a conversation up by id or by exact name.
func (r *Registry) Find(idOrName string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range []key{{Individual, idOrName}, {Group, idOrName}} {
		if c, ok := r.convs[k]; ok {
			return *c, true
		}
	}
	for _, c := range r.convs {
		if c.Name == idOrName {
			return *c, true
		}
	}
	return Conversation{}, false
}

// List returns every conversation, most recently active first.
func (r *Registry) List() []Conversation {
	r.mu.RLock()
	out := make([]Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessage != out[j].LastMessage {
			return out[i].LastMessage > out[j].LastMessage
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply folds one notification into the registry and returns the affected
// conversation. ok is false when the notification changes nothing.
func (r *Registry) Apply(n bus.Notification) (Conversation, bool) {
	if n.Kind != bus.KindNewMessage || n.Message == nil {
		return Conversation{}, false
	}
	m := n.Message

	var k key
	switch {
	case m.GroupID != nil:
		k = key{Group, *m.GroupID}
	case m.Number != nil:
		k = key{Individual, *m.Number}
	default:
		return Conversation{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[k]
	if !ok {
		c = &Conversation{Kind: k.kind, ID: k.id, Name: k.id}
		r.convs[k] = c
	}
	if m.Timestamp > c.LastMessage {
		c.LastMessage = m.Timestamp
	}
	if !m.FromMe && !m.IsRead {
		c.Unread++
	}
	return *c, true
}

// MarkRead clears the unread count of the selected conversation.
func (r *Registry) MarkRead(sel store.Selector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[keyOf(sel)]; ok {
		c.Unread = 0
	}
}

// Source yields notifications; *bus.NotificationBus implements it.
type Source interface {
	Consume(ctx context.Context) (bus.Notification, bool)
}

// Consume applies notifications from src until it is closed or ctx is done.
// onUpdate, when set, is called after every change.
func (r *Registry) Consume(ctx context.Context, src Source, onUpdate func(Conversation, bus.Notification)) error {
	for {
		n, ok := src.Consume(ctx)
		if !ok {
			return ctx.Err()
		}
		c, changed := r.Apply(n)
		if !changed {
			logger.DebugCF("conversation", "Notification left state unchanged", map[string]any{"kind": n.Kind.String()})
			continue
		}
		if onUpdate != nil {
			onUpdate(c, n)
		}
	}
}

// HistoryStore is the read side of the store used to seed the registry.
type HistoryStore interface {
	GetMostRecentMessage(sel store.Selector) (*store.Message, error)
	CountUnread(sel store.Selector) (int, error)
}

// Hydrate loads the last message time and unread count of every known
// conversation from st.
func (r *Registry) Hydrate(st HistoryStore) error {
	for _, c := range r.List() {
		sel := c.Selector()
		last, err := st.GetMostRecentMessage(sel)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", c.ID, err)
		}
		unread, err := st.CountUnread(sel)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", c.ID, err)
		}

		r.mu.Lock()
		if cur, ok := r.convs[key{c.Kind, c.ID}]; ok {
			if last != nil && last.Timestamp > cur.LastMessage {
				cur.LastMessage = last.Timestamp
			}
			cur.Unread = unread
		}
		r.mu.Unlock()
	}
	return nil
}
