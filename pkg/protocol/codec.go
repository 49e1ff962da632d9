package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// Version is stamped on every outbound frame.
const Version = "v1"

// Frame is one unsolicited frame read from the daemon socket.
type Frame struct {
	Type string
	Data json.RawMessage
}

var responseTypes = map[string]func() Payload{
	KeyListAccounts:       func() Payload { return &AccountList{} },
	KeyFinishLink:         func() Payload { return &Account{} },
	KeyListContacts:       func() Payload { return &ProfileList{} },
	KeyListGroups:         func() Payload { return &GroupList{} },
	KeyGenerateLinkingURI: func() Payload { return &LinkingURI{} },
	KeySend:               func() Payload { return &SendResults{} },
	KeySubscribe:          func() Payload { return &Empty{} },
	KeyRequestSync:        func() Payload { return &Empty{} },
	KeyTyping:             func() Payload { return &Empty{} },
	KeyMarkRead:           func() Payload { return &Empty{} },
}

// EncodeRequest renders p as one newline-terminated request frame carrying
// the operation key, the correlation id and the protocol version.
func EncodeRequest(key string, id uuid.UUID, p Payload) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("protocol: empty request key")
	}
	body := []byte("{}")
	if p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s: %w", key, err)
		}
		if !bytes.Equal(b, []byte("null")) {
			body = b
		}
	}

	var err error
	if body, err = sjson.SetBytes(body, "type", key); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "id", id.String()); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "version", Version); err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// DecodeResponse decodes the data of a response to the request named key.
// Keys this package does not model decode to *Raw.
func DecodeResponse(key string, data []byte) (Payload, error) {
	newPayload, ok := responseTypes[key]
	if !ok {
		return &Raw{Type: key, Data: append(json.RawMessage(nil), data...)}, nil
	}
	p := newPayload()
	if isEmptyJSON(data) {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("protocol: decode %s response: %w", key, err)
	}
	return p, nil
}

// DecodeEvent decodes the data of an unsolicited frame of the given type.
func DecodeEvent(typ string, data []byte) (Payload, error) {
	switch typ {
	case EventIncomingMessage:
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", typ, err)
		}
		return &msg, nil
	default:
		return &Raw{Type: typ, Data: append(json.RawMessage(nil), data...)}, nil
	}
}

func isEmptyJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
