package store

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Mention is a reference to a participant inside a message body.
type Mention struct {
	UUID  uuid.UUID
	Start int32
}

const (
	mentionIDWidth    = 16
	mentionStartWidth = 4
)

// EncodeMentions renders mentions as the two parallel columns: raw 16-byte
// UUIDs and little-endian int32 start offsets. No mentions encodes as two
// nil columns.
func EncodeMentions(mentions []Mention) (ids, starts []byte) {
	if len(mentions) == 0 {
		return nil, nil
	}
	ids = make([]byte, 0, len(mentions)*mentionIDWidth)
	starts = make([]byte, 0, len(mentions)*mentionStartWidth)
	for _, m := range mentions {
		ids = append(ids, m.UUID[:]...)
		starts = binary.LittleEndian.AppendUint32(starts, uint32(m.Start))
	}
	return ids, starts
}

// DecodeMentions is the inverse of EncodeMentions.
func DecodeMentions(ids, starts []byte) ([]Mention, error) {
	if len(ids)%mentionIDWidth != 0 {
		return nil, fmt.Errorf("store: mention id column length %d is not a multiple of %d", len(ids), mentionIDWidth)
	}
	if len(starts)%mentionStartWidth != 0 {
		return nil, fmt.Errorf("store: mention start column length %d is not a multiple of %d", len(starts), mentionStartWidth)
	}
	n := len(ids) / mentionIDWidth
	if n != len(starts)/mentionStartWidth {
		return nil, fmt.Errorf("store: %d mention ids but %d start offsets", n, len(starts)/mentionStartWidth)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]Mention, n)
	for i := range out {
		copy(out[i].UUID[:], ids[i*mentionIDWidth:(i+1)*mentionIDWidth])
		out[i].Start = int32(binary.LittleEndian.Uint32(starts[i*mentionStartWidth:]))
	}
	return out, nil
}
