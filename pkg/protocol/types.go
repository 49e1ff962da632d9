// Package protocol is the typed model of the signald v1 socket protocol.
//
// Every request, response and event body is a Payload. The set of payload
// types is closed: only types in this package implement it, so decode sites
// can switch over a known set and unwrap with As instead of asserting blindly.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload is one typed body exchanged with the daemon.
type Payload interface {
	payload()
}

// Request keys understood by signald.
const (
	KeyListAccounts       = "list_accounts"
	KeySubscribe          = "subscribe"
	KeyRequestSync        = "request_sync"
	KeyListContacts       = "list_contacts"
	KeyListGroups         = "list_groups"
	KeySend               = "send"
	KeyTyping             = "typing"
	KeyMarkRead           = "mark_read"
	KeyGenerateLinkingURI = "generate_linking_uri"
	KeyFinishLink         = "finish_link"
)

// Event types pushed by the daemon without a request id.
const (
	EventIncomingMessage = "IncomingMessage"
	EventListenerState   = "ListenerState"
	EventVersion         = "version"
)

type Address struct {
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
	Relay  string `json:"relay,omitempty"`
}

// ID is the number, or the account uuid when the number is unknown.
func (a *Address) ID() string {
	if a == nil {
		return ""
	}
	if a.Number != "" {
		return a.Number
	}
	return a.UUID
}

// NewAddress is the inverse of ID: a uuid becomes an address by uuid,
// anything else a phone number. It returns nil for an empty id.
func NewAddress(id string) *Address {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err == nil {
		return &Address{UUID: id}
	}
	return &Address{Number: id}
}

// --- requests ---

type ListAccountsRequest struct{}

type SubscribeRequest struct {
	Account string `json:"account"`
}

type RequestSyncRequest struct {
	Account       string `json:"account"`
	Groups        bool   `json:"groups"`
	Configuration bool   `json:"configuration"`
	Contacts      bool   `json:"contacts"`
	Blocked       bool   `json:"blocked"`
}

type ListContactsRequest struct {
	Account string `json:"account"`
	Async   bool   `json:"async,omitempty"`
}

type ListGroupsRequest struct {
	Account string `json:"account"`
}

type SendRequest struct {
	Username         string       `json:"username"`
	RecipientAddress *Address     `json:"recipientAddress,omitempty"`
	RecipientGroupID string       `json:"recipientGroupId,omitempty"`
	MessageBody      string       `json:"messageBody,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Quote            *Quote       `json:"quote,omitempty"`
	Timestamp        int64        `json:"timestamp,omitempty"`
	Mentions         []Mention    `json:"mentions,omitempty"`
}

type TypingRequest struct {
	Account string   `json:"account"`
	Address *Address `json:"address,omitempty"`
	Group   string   `json:"group,omitempty"`
	Typing  bool     `json:"typing"`
	When    int64    `json:"when,omitempty"`
}

type MarkReadRequest struct {
	Account    string   `json:"account"`
	To         *Address `json:"to"`
	Timestamps []int64  `json:"timestamps"`
	When       int64    `json:"when,omitempty"`
}

type GenerateLinkingURIRequest struct {
	Server string `json:"server,omitempty"`
}

type FinishLinkRequest struct {
	SessionID  string `json:"session_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// --- responses ---

type Account struct {
	AccountID string   `json:"account_id"`
	Address   *Address `json:"address,omitempty"`
	DeviceID  int64    `json:"device_id,omitempty"`
}

type AccountList struct {
	Accounts []Account `json:"accounts"`
}

type Profile struct {
	Name        string   `json:"name,omitempty"`
	ProfileName string   `json:"profile_name,omitempty"`
	ContactName string   `json:"contact_name,omitempty"`
	Address     *Address `json:"address,omitempty"`
}

// DisplayName prefers the contact-book name, then the profile name, then the address.
func (p Profile) DisplayName() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.ProfileName != "":
		return p.ProfileName
	}
	return p.Address.ID()
}

type ProfileList struct {
	Profiles []Profile `json:"profiles"`
}

type Group struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Revision int       `json:"revision,omitempty"`
	Members  []Address `json:"members,omitempty"`
}

type GroupList struct {
	Groups []Group `json:"groups"`
}

type LinkingURI struct {
	URI       string `json:"uri"`
	SessionID string `json:"session_id"`
}

type SendResult struct {
	Address             *Address `json:"address,omitempty"`
	IdentityFailure     string   `json:"identityFailure,omitempty"`
	NetworkFailure      bool     `json:"networkFailure,omitempty"`
	UnregisteredFailure bool     `json:"unregisteredFailure,omitempty"`
}

type SendResults struct {
	Results   []SendResult `json:"results,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

// Empty is the response body of calls that only acknowledge.
type Empty struct{}

// Raw carries a body whose type this package does not model.
type Raw struct {
	Type string          `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("{}"), nil
	}
	return r.Data, nil
}

func (ListAccountsRequest) payload()       {}
func (SubscribeRequest) payload()          {}
func (RequestSyncRequest) payload()        {}
func (ListContactsRequest) payload()       {}
func (ListGroupsRequest) payload()         {}
func (SendRequest) payload()               {}
func (TypingRequest) payload()             {}
func (MarkReadRequest) payload()           {}
func (GenerateLinkingURIRequest) payload() {}
func (FinishLinkRequest) payload()         {}
func (Account) payload()                   {}
func (AccountList) payload()               {}
func (ProfileList) payload()               {}
func (GroupList) payload()                 {}
func (LinkingURI) payload()                {}
func (SendResults) payload()               {}
func (Empty) payload()                     {}
func (Raw) payload()                       {}
func (IncomingMessage) payload()           {}

// WrongVariantError reports that a payload was not the expected variant.
type WrongVariantError struct {
	Want string
	Got  string
}

func (e *WrongVariantError) Error() string {
	return fmt.Sprintf("protocol: expected %s payload, got %s", e.Want, e.Got)
}

// As unwraps p as the variant T.
func As[T Payload](p Payload) (T, error) {
	v, ok := p.(T)
	if !ok {
		var zero T
		return zero, &WrongVariantError{Want: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", p)}
	}
	return v, nil
}
