package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Attachment is one attachment row. ID is the identifier issued by the daemon.
type Attachment struct {
	ID          string
	Blurhash    *string
	ContentType string
	Filename    *string
}

// StoreAttachment inserts a if its id is not stored yet and returns the id.
func (s *Store) StoreAttachment(a Attachment) (string, error) {
	if a.ID == "" {
		return "", errors.New("store: attachment without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO attachments (id, blurhash, content_type, filename)
		VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Blurhash, a.ContentType, a.Filename)
	if err != nil {
		return "", fmt.Errorf("failed to insert attachment: %w", err)
	}
	return a.ID, nil
}

// StoreAttachments stores each attachment and returns the ids in the form
// kept in the messages table. A nil or empty list yields nil.
func (s *Store) StoreAttachments(list []Attachment) (*string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, a := range list {
		id, err := s.StoreAttachment(a)
		if err != nil {
			return nil, err
		}
		b.WriteString(id)
		b.WriteByte('\n')
	}
	ids := b.String()
	return &ids, nil
}

func (s *Store) GetAttachment(id string) (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a Attachment
	err := s.db.QueryRow(`SELECT id, blurhash, content_type, filename FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.Blurhash, &a.ContentType, &a.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", err)
	}
	return &a, nil
}

// AttachmentIDs splits the attachments column of a message.
func AttachmentIDs(column *string) []string {
	if column == nil {
		return nil
	}
	return strings.FieldsFunc(*column, func(r rune) bool { return r == '\n' })
}
