package bus

import "github.com/tinyland-inc/sigdesk/pkg/store"

// Kind tags the variant carried by a Notification.
type Kind int

const (
	KindNewMessage Kind = iota + 1
	KindReaction
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindReaction:
		return "reaction"
	default:
		return "unknown"
	}
}

// Reaction describes an emoji reaction to an earlier message.
type Reaction struct {
	Emoji            string `json:"emoji"`
	Author           string `json:"author"`
	GroupID          string `json:"group_id,omitempty"`
	MessageTimestamp int64  `json:"message_timestamp"`
	Remove           bool   `json:"remove,omitempty"`
}

// Notification is one decoded domain event handed to the UI side.
// Message is set for KindNewMessage, Reaction for KindReaction.
type Notification struct {
	Kind     Kind
	Message  *store.Message
	Reaction *Reaction
}

func NewMessage(m store.Message) Notification {
	return Notification{Kind: KindNewMessage, Message: &m}
}

func NewReaction(r Reaction) Notification {
	return Notification{Kind: KindReaction, Reaction: &r}
}
