package protocol

// IncomingMessage is the envelope of an inbound push from the daemon.
// Normally exactly one of DataMessage and SyncMessage is set.
type IncomingMessage struct {
	Account                 string       `json:"account,omitempty"`
	Source                  *Address     `json:"source,omitempty"`
	SourceDevice            int          `json:"source_device,omitempty"`
	Type                    string       `json:"type,omitempty"`
	Timestamp               int64        `json:"timestamp,omitempty"`
	ServerReceiverTimestamp int64        `json:"server_receiver_timestamp,omitempty"`
	DataMessage             *DataMessage `json:"data_message,omitempty"`
	SyncMessage             *SyncMessage `json:"sync_message,omitempty"`
}

// Sender identifies the sender by number, falling back to the account uuid.
// It is "" when the envelope has no source.
func (m *IncomingMessage) Sender() string {
	return m.Source.ID()
}

type DataMessage struct {
	Timestamp   *int64       `json:"timestamp,omitempty"`
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	GroupV2     *GroupV2Info `json:"groupV2,omitempty"`
	Quote       *Quote       `json:"quote,omitempty"`
	Mentions    []Mention    `json:"mentions,omitempty"`
	Reaction    *Reaction    `json:"reaction,omitempty"`
}

type GroupV2Info struct {
	ID       string `json:"id"`
	Revision int    `json:"revision,omitempty"`
}

type Attachment struct {
	ID             string `json:"id,omitempty"`
	ContentType    string `json:"contentType,omitempty"`
	Blurhash       string `json:"blurhash,omitempty"`
	StoredFilename string `json:"storedFilename,omitempty"`
	CustomFilename string `json:"customFilename,omitempty"`
	Size           int64  `json:"size,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Caption        string `json:"caption,omitempty"`
}

type Quote struct {
	ID     *int64   `json:"id,omitempty"`
	Author *Address `json:"author,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Mention struct {
	UUID   string `json:"uuid"`
	Start  int32  `json:"start"`
	Length int32  `json:"length,omitempty"`
}

type Reaction struct {
	Emoji               string   `json:"emoji"`
	Remove              bool     `json:"remove,omitempty"`
	TargetAuthor        *Address `json:"targetAuthor,omitempty"`
	TargetSentTimestamp int64    `json:"targetSentTimestamp,omitempty"`
}

type SyncMessage struct {
	Sent *SentTranscript `json:"sent,omitempty"`
}

// SentTranscript describes a message this account sent from another linked device.
type SentTranscript struct {
	Destination *Address     `json:"destination,omitempty"`
	Timestamp   *int64       `json:"timestamp,omitempty"`
	Message     *DataMessage `json:"message,omitempty"`
}
