package bridge

import (
	"context"

	"github.com/tinyland-inc/sigdesk/pkg/protocol"
)

func call[T protocol.Payload](ctx context.Context, d *Dispatcher, key string, req protocol.Payload) (T, error) {
	p, err := d.Dispatch(ctx, key, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return protocol.As[T](p)
}

func (d *Dispatcher) ListAccounts(ctx context.Context) ([]protocol.Account, error) {
	list, err := call[*protocol.AccountList](ctx, d, protocol.KeyListAccounts, protocol.ListAccountsRequest{})
	if err != nil {
		return nil, err
	}
	return list.Accounts, nil
}

func (d *Dispatcher) ListContacts(ctx context.Context, account string) ([]protocol.Profile, error) {
	list, err := call[*protocol.ProfileList](ctx, d, protocol.KeyListContacts, protocol.ListContactsRequest{Account: account, Async: true})
	if err != nil {
		return nil, err
	}
	return list.Profiles, nil
}

func (d *Dispatcher) ListGroups(ctx context.Context, account string) ([]protocol.Group, error) {
	list, err := call[*protocol.GroupList](ctx, d, protocol.KeyListGroups, protocol.ListGroupsRequest{Account: account})
	if err != nil {
		return nil, err
	}
	return list.Groups, nil
}

// Subscribe asks the daemon to push incoming messages for account.
func (d *Dispatcher) Subscribe(ctx context.Context, account string) error {
	_, err := call[*protocol.Empty](ctx, d, protocol.KeySubscribe, protocol.SubscribeRequest{Account: account})
	return err
}

// RequestSync asks the primary device to resend contacts, groups and
// configuration.
func (d *Dispatcher) RequestSync(ctx context.Context, account string) error {
	_, err := call[*protocol.Empty](ctx, d, protocol.KeyRequestSync, protocol.RequestSyncRequest{
		Account:       account,
		Groups:        true,
		Configuration: true,
		Contacts:      true,
		Blocked:       true,
	})
	return err
}

func (d *Dispatcher) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResults, error) {
	return call[*protocol.SendResults](ctx, d, protocol.KeySend, req)
}

func (d *Dispatcher) Typing(ctx context.Context, req protocol.TypingRequest) error {
	_, err := call[*protocol.Empty](ctx, d, protocol.KeyTyping, req)
	return err
}

func (d *Dispatcher) MarkRead(ctx context.Context, req protocol.MarkReadRequest) error {
	_, err := call[*protocol.Empty](ctx, d, protocol.KeyMarkRead, req)
	return err
}

func (d *Dispatcher) GenerateLinkingURI(ctx context.Context) (*protocol.LinkingURI, error) {
	return call[*protocol.LinkingURI](ctx, d, protocol.KeyGenerateLinkingURI, protocol.GenerateLinkingURIRequest{})
}

// FinishLink blocks until the primary device has scanned the linking URI.
func (d *Dispatcher) FinishLink(ctx context.Context, sessionID, deviceName string) (*protocol.Account, error) {
	return call[*protocol.Account](ctx, d, protocol.KeyFinishLink, protocol.FinishLinkRequest{
		SessionID:  sessionID,
		DeviceName: deviceName,
	})
}
