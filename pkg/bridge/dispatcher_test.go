package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/signald"
	"github.com/tinyland-inc/sigdesk/pkg/signald/signaldtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

type fakeCall struct {
	key     string
	id      uuid.UUID
	payload protocol.Payload
	reply   chan Result
}

// fakeCaller hands every call to the test and waits for the test to answer.
type fakeCaller struct {
	calls chan *fakeCall
	stop  chan struct{}
	once  sync.Once
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{calls: make(chan *fakeCall, 64), stop: make(chan struct{})}
}

func (f *fakeCaller) RemoteCall(ctx context.Context, key string, id uuid.UUID, payload protocol.Payload) (protocol.Payload, error) {
	c := &fakeCall{key: key, id: id, payload: payload, reply: make(chan Result, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stop:
		return nil, signald.ErrConnClosed
	}
}

func (f *fakeCaller) close() { f.once.Do(func() { close(f.stop) }) }

func (f *fakeCaller) next(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no call reached the caller")
		return nil
	}
}

// answerAll replies to every call with fn's result.
func (f *fakeCaller) answerAll(fn func(c *fakeCall) Result) {
	go func() {
		for {
			select {
			case c := <-f.calls:
				c.reply <- fn(c)
			case <-f.stop:
				return
			}
		}
	}()
}

func startDispatcher(t *testing.T, fc *fakeCaller, opts Options) *Dispatcher {
	t.Helper()
	d := NewDispatcher(fc, opts)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		fc.close()
		<-errc
	})
	return d
}

func TestDispatch_PermutedRepliesReachTheirCallers(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})

	const n = 16
	got := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profiles, err := d.ListContacts(context.Background(), fmt.Sprintf("acct-%d", i))
			if err != nil {
				errs[i] = err
				return
			}
			got[i] = profiles[0].Name
		}(i)
	}

	calls := make([]*fakeCall, n)
	seen := make(map[uuid.UUID]bool)
	for i := range calls {
		calls[i] = fc.next(t)
		assert.False(t, seen[calls[i].id], "correlation id reused")
		seen[calls[i].id] = true
	}

	for _, i := range rand.Perm(n) {
		req := calls[i].payload.(protocol.ListContactsRequest)
		calls[i].reply <- Result{Payload: &protocol.ProfileList{
			Profiles: []protocol.Profile{{Name: "reply to " + req.Account}},
		}}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("reply to acct-%d", i), got[i])
	}
}

func TestDispatch_ErrorReachesOnlyItsCaller(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})
	boom := &signald.ProtocolError{Key: protocol.KeySend, Type: "RateLimitError", Message: "slow down"}
	fc.answerAll(func(c *fakeCall) Result {
		if c.key == protocol.KeySend {
			return Result{Err: boom}
		}
		return Result{Payload: &protocol.GroupList{Groups: []protocol.Group{{ID: "g1"}}}}
	})

	var wg sync.WaitGroup
	var sendErr, groupsErr error
	var groups []protocol.Group
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, sendErr = d.Send(context.Background(), protocol.SendRequest{Username: "+1"})
	}()
	go func() {
		defer wg.Done()
		groups, groupsErr = d.ListGroups(context.Background(), "+1")
	}()
	wg.Wait()

	var perr *signald.ProtocolError
	require.True(t, errors.As(sendErr, &perr))
	assert.Equal(t, "RateLimitError", perr.Type)
	require.NoError(t, groupsErr)
	assert.Equal(t, "g1", groups[0].ID)
}

func TestDispatch_WrongVariant(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})
	fc.answerAll(func(*fakeCall) Result { return Result{Payload: &protocol.Empty{}} })

	_, err := d.ListAccounts(context.Background())
	var werr *protocol.WrongVariantError
	assert.True(t, errors.As(err, &werr))
}

func TestDispatch_Timeout(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{Timeout: 20 * time.Millisecond})

	_, err := d.Dispatch(context.Background(), protocol.KeyRequestSync, protocol.RequestSyncRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatch_RateLimited(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{RateLimit: 20})
	fc.answerAll(func(*fakeCall) Result { return Result{Payload: &protocol.Empty{}} })

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), protocol.KeySubscribe, protocol.SubscribeRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDispatch_RateLimitWaitBoundedByTimeout(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{RateLimit: 0.5, Timeout: 50 * time.Millisecond})
	fc.answerAll(func(*fakeCall) Result { return Result{Payload: &protocol.Empty{}} })

	_, err := d.Dispatch(context.Background(), protocol.KeySubscribe, protocol.SubscribeRequest{})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), protocol.KeySubscribe, protocol.SubscribeRequest{})
	assert.Error(t, err)
}

func TestDispatch_ContextCancelled(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fc.calls
		cancel()
	}()
	_, err := d.Dispatch(ctx, protocol.KeySubscribe, protocol.SubscribeRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_AfterClose(t *testing.T) {
	fc := newFakeCaller()
	d := NewDispatcher(fc, Options{})
	errc := make(chan error, 1)
	go func() { errc <- d.Run(context.Background()) }()

	d.Close()
	d.Close()
	assert.NoError(t, <-errc)

	_, err := d.Dispatch(context.Background(), protocol.KeySubscribe, protocol.SubscribeRequest{})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.ErrorIs(t, d.Post(context.Background(), protocol.KeyTyping, protocol.TypingRequest{}), ErrDispatcherClosed)
}

func TestDispatch_RunTwice(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})
	// let the first Run claim the dispatcher
	fc.answerAll(func(*fakeCall) Result { return Result{Payload: &protocol.Empty{}} })
	require.NoError(t, d.Subscribe(context.Background(), "+1"))

	assert.Error(t, d.Run(context.Background()))
}

func TestPost_FireAndForget(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})

	require.NoError(t, d.Post(context.Background(), protocol.KeyTyping, protocol.TypingRequest{Account: "+1", Typing: true}))
	c := fc.next(t)
	assert.Equal(t, protocol.KeyTyping, c.key)
	assert.NotEqual(t, uuid.Nil, c.id)
	c.reply <- Result{Payload: &protocol.Empty{}}
}

func TestTypedHelpers_Payloads(t *testing.T) {
	fc := newFakeCaller()
	d := startDispatcher(t, fc, Options{})

	var mu sync.Mutex
	seen := map[string]protocol.Payload{}
	fc.answerAll(func(c *fakeCall) Result {
		mu.Lock()
		seen[c.key] = c.payload
		mu.Unlock()
		switch c.key {
		case protocol.KeyGenerateLinkingURI:
			return Result{Payload: &protocol.LinkingURI{URI: "sgnl://linkdevice?uuid=x", SessionID: "s1"}}
		case protocol.KeyFinishLink:
			return Result{Payload: &protocol.Account{AccountID: "+15550001"}}
		}
		return Result{Payload: &protocol.Empty{}}
	})

	ctx := context.Background()
	require.NoError(t, d.RequestSync(ctx, "+1"))
	require.NoError(t, d.Typing(ctx, protocol.TypingRequest{Account: "+1", Typing: true}))
	require.NoError(t, d.MarkRead(ctx, protocol.MarkReadRequest{Account: "+1", Timestamps: []int64{5}}))

	uri, err := d.GenerateLinkingURI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", uri.SessionID)

	acct, err := d.FinishLink(ctx, uri.SessionID, "sigdesk")
	require.NoError(t, err)
	assert.Equal(t, "+15550001", acct.AccountID)

	mu.Lock()
	defer mu.Unlock()
	rs := seen[protocol.KeyRequestSync].(protocol.RequestSyncRequest)
	assert.True(t, rs.Groups && rs.Contacts && rs.Configuration)
	link := seen[protocol.KeyFinishLink].(protocol.FinishLinkRequest)
	assert.Equal(t, "sigdesk", link.DeviceName)
}

func TestDispatcher_OverSocket(t *testing.T) {
	daemon := signaldtest.New(t)
	daemon.Respond(protocol.KeyListAccounts, map[string]any{
		"accounts": []map[string]any{{"account_id": "+15550001"}},
	})

	conn, err := signald.Connect(context.Background(), []string{daemon.Path()}, signald.WithDialAttempts(1))
	require.NoError(t, err)
	defer conn.Close()

	d := NewDispatcher(conn, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	accounts, err := d.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "+15550001", accounts[0].AccountID)
	assert.Len(t, daemon.Requests(protocol.KeyListAccounts), 1)
}
