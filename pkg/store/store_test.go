package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func incoming(ts int64, number, body string) Message {
	return Message{Timestamp: ts, Number: ptr(number), Body: body}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sigdesk.db")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.StoreMessage(incoming(1, "+1555", "hello")))
	require.NoError(t, s.Close())

	// schema creation is idempotent and data survives reopen
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	m, err := s.GetMessage(Key{Timestamp: 1, Number: ptr("+1555")})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Body)
}

func TestStoreMessage_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	ids, starts := EncodeMentions([]Mention{{Start: 4}})
	in := Message{
		Timestamp:      1000,
		Number:         ptr("+15551234"),
		Body:           "hi @x",
		GroupID:        ptr("grp=="),
		Attachments:    ptr("att1\n"),
		QuoteTimestamp: ptr(int64(900)),
		QuoteAuthor:    ptr("+15550000"),
		Mentions:       ids,
		MentionsStart:  starts,
	}
	require.NoError(t, s.StoreMessage(in))

	got, err := s.GetMessage(in.Key())
	require.NoError(t, err)
	assert.Equal(t, in, *got)
}

func TestStoreMessage_NullColumnsStayNull(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreMessage(incoming(5, "+1555", "plain")))

	got, err := s.GetMessage(Key{Timestamp: 5, Number: ptr("+1555")})
	require.NoError(t, err)
	assert.Nil(t, got.GroupID)
	assert.Nil(t, got.Attachments)
	assert.Nil(t, got.Mentions)
	assert.Nil(t, got.MentionsStart)
	assert.Nil(t, got.ReactionEmojis)
	assert.False(t, got.IsRead)
	assert.False(t, got.FromMe)
}

func TestStoreMessage_RejectsDuplicateNaturalKey(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"individual", incoming(10, "+1555", "a")},
		{"group without number", Message{Timestamp: 11, GroupID: ptr("g"), FromMe: true, Body: "b"}},
		{"no number no group", Message{Timestamp: 12, FromMe: true, Body: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			require.NoError(t, s.StoreMessage(tt.msg))

			dup := tt.msg
			dup.Body = "changed"
			err := s.StoreMessage(dup)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDuplicateMessage))

			got, err := s.GetMessage(tt.msg.Key())
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Body, got.Body, "first write wins")
		})
	}
}

func TestStoreMessage_DistinctKeysCoexist(t *testing.T) {
	s := openTestStore(t)
	base := incoming(20, "+1555", "x")
	require.NoError(t, s.StoreMessage(base))

	fromMe := base
	fromMe.FromMe = true
	require.NoError(t, s.StoreMessage(fromMe))

	inGroup := base
	inGroup.GroupID = ptr("g")
	require.NoError(t, s.StoreMessage(inGroup))

	other := base
	other.Number = ptr("+1666")
	require.NoError(t, s.StoreMessage(other))
}

func TestGetMessage_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetMessage(Key{Timestamp: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRead_Idempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreMessage(incoming(30, "+1555", "a")))
	require.NoError(t, s.StoreMessage(incoming(31, "+1555", "b")))

	n, err := s.MarkRead([]int64{30}, ptr("+1555"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.MarkRead([]int64{30}, ptr("+1555"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := s.GetMessage(Key{Timestamp: 30, Number: ptr("+1555")})
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	other, err := s.GetMessage(Key{Timestamp: 31, Number: ptr("+1555")})
	require.NoError(t, err)
	assert.False(t, other.IsRead)
}

func TestMarkRead_Empty(t *testing.T) {
	s := openTestStore(t)
	n, err := s.MarkRead(nil, ptr("+1555"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryConversation(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreMessage(incoming(3, "+1555", "third")))
	require.NoError(t, s.StoreMessage(incoming(1, "+1555", "first")))
	require.NoError(t, s.StoreMessage(Message{Timestamp: 2, Number: ptr("+1555"), FromMe: true, Body: "second"}))
	require.NoError(t, s.StoreMessage(Message{Timestamp: 4, Number: ptr("+1555"), GroupID: ptr("g"), Body: "group"}))
	require.NoError(t, s.StoreMessage(Message{Timestamp: 5, Number: ptr("+1666"), GroupID: ptr("g"), Body: "group2"}))

	msgs, err := s.QueryConversation(Individual("+1555"))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body})

	msgs, err = s.QueryConversation(Group("g"))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = s.QueryConversation(Individual("+1999"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSelector_Invalid(t *testing.T) {
	s := openTestStore(t)
	_, err := s.QueryConversation(Selector{})
	assert.ErrorIs(t, err, ErrInvalidSelector)
	_, err = s.GetMostRecentMessage(Selector{Number: "a", GroupID: "b"})
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestGetMostRecentMessage(t *testing.T) {
	s := openTestStore(t)

	m, err := s.GetMostRecentMessage(Individual("+1555"))
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, s.StoreMessage(incoming(7, "+1555", "old")))
	require.NoError(t, s.StoreMessage(incoming(9, "+1555", "new")))

	m, err = s.GetMostRecentMessage(Individual("+1555"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "new", m.Body)
}

func TestCountUnread(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StoreMessage(incoming(1, "+1555", "a")))
	require.NoError(t, s.StoreMessage(incoming(2, "+1555", "b")))
	require.NoError(t, s.StoreMessage(Message{Timestamp: 3, Number: ptr("+1555"), FromMe: true, Body: "mine"}))

	n, err := s.CountUnread(Individual("+1555"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.MarkRead([]int64{1, 2}, ptr("+1555"))
	require.NoError(t, err)
	n, err = s.CountUnread(Individual("+1555"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreAttachments(t *testing.T) {
	s := openTestStore(t)

	ids, err := s.StoreAttachments(nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = s.StoreAttachments([]Attachment{
		{ID: "a1", ContentType: "image/png", Blurhash: ptr("LEHV6n")},
		{ID: "a2", ContentType: "text/plain", Filename: ptr("/tmp/a2")},
	})
	require.NoError(t, err)
	require.NotNil(t, ids)
	assert.Equal(t, "a1\na2\n", *ids)
	assert.Equal(t, []string{"a1", "a2"}, AttachmentIDs(ids))

	// storing the same id again keeps the first row
	id, err := s.StoreAttachment(Attachment{ID: "a1", ContentType: "other"})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	a, err := s.GetAttachment("a1")
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, "LEHV6n", *a.Blurhash)
	assert.Nil(t, a.Filename)

	_, err = s.GetAttachment("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.StoreAttachment(Attachment{ContentType: "x"})
	assert.Error(t, err)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			assert.NoError(t, s.StoreMessage(incoming(ts, "+1555", "m")))
			_, err := s.QueryConversation(Individual("+1555"))
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	msgs, err := s.QueryConversation(Individual("+1555"))
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}
