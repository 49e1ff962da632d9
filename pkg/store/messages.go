package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Message is one persisted message row.
type Message struct {
	Timestamp       int64
	Number          *string // counterparty; nil for group-only context
	FromMe          bool
	IsRead          bool
	Attachments     *string // attachment ids, each followed by '\n'
	Body            string
	GroupID         *string
	QuoteTimestamp  *int64
	QuoteAuthor     *string
	Mentions        []byte
	MentionsStart   []byte
	ReactionEmojis  *string
	ReactionAuthors *string
}

// Key is the natural key of a message.
type Key struct {
	Timestamp int64
	Number    *string
	FromMe    bool
	GroupID   *string
}

func (m *Message) Key() Key {
	return Key{Timestamp: m.Timestamp, Number: m.Number, FromMe: m.FromMe, GroupID: m.GroupID}
}

// Selector picks one conversation: an individual by number or a group by id.
type Selector struct {
	Number  string
	GroupID string
}

func Individual(number string) Selector { return Selector{Number: number} }

func Group(id string) Selector { return Selector{GroupID: id} }

func (s Selector) IsGroup() bool { return s.GroupID != "" }

func (s Selector) where() (string, []any, error) {
	switch {
	case s.Number != "" && s.GroupID == "":
		return "number = ? AND groupid IS NULL", []any{s.Number}, nil
	case s.GroupID != "" && s.Number == "":
		return "groupid = ?", []any{s.GroupID}, nil
	}
	return "", nil, ErrInvalidSelector
}

const messageColumns = `timestamp, number, from_me, is_read, attachments, body, groupid,
	quote_timestamp, quote_author, mentions, mentions_start, reaction_emojis, reaction_authors`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.Timestamp, &m.Number, &m.FromMe, &m.IsRead, &m.Attachments, &m.Body, &m.GroupID,
		&m.QuoteTimestamp, &m.QuoteAuthor, &m.Mentions, &m.MentionsStart,
		&m.ReactionEmojis, &m.ReactionAuthors,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// StoreMessage inserts m. A row with the same natural key is never
// overwritten; ErrDuplicateMessage is returned instead.
func (s *Store) StoreMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Timestamp, m.Number, m.FromMe, m.IsRead, m.Attachments, m.Body, m.GroupID,
		m.QuoteTimestamp, m.QuoteAuthor, nullBytes(m.Mentions), nullBytes(m.MentionsStart),
		m.ReactionEmojis, m.ReactionAuthors,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: timestamp %d", ErrDuplicateMessage, m.Timestamp)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage loads the message with the given natural key.
func (s *Store) GetMessage(k Key) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE timestamp = ? AND number IS ? AND from_me = ? AND groupid IS ?`,
		k.Timestamp, k.Number, k.FromMe, k.GroupID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return m, nil
}

// MarkRead flags the messages at the given timestamps in the conversation
// with number as read. Marking an already-read message is a no-op. It
// returns the number of messages that changed state.
func (s *Store) MarkRead(timestamps []int64, number *string) (int64, error) {
	if len(timestamps) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(timestamps)), ",")
	args := make([]any, 0, len(timestamps)+1)
	args = append(args, number)
	for _, ts := range timestamps {
		args = append(args, ts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE messages SET is_read = 1
		WHERE number IS ? AND is_read = 0 AND timestamp IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return res.RowsAffected()
}

// GetMostRecentMessage returns the newest message of a conversation, or nil
// when the conversation has none.
func (s *Store) GetMostRecentMessage(sel Selector) (*Message, error) {
	where, args, err := sel.where()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where+`
		ORDER BY timestamp DESC LIMIT 1`, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load most recent message: %w", err)
	}
	return m, nil
}

// QueryConversation returns every message of a conversation, oldest first.
func (s *Store) QueryConversation(sel Selector) ([]Message, error) {
	where, args, err := sel.where()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE `+where+`
		ORDER BY timestamp ASC, from_me ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountUnread counts incoming messages of a conversation not yet read.
func (s *Store) CountUnread(sel Selector) (int, error) {
	where, args, err := sel.where()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE `+where+`
		AND from_me = 0 AND is_read = 0`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}
