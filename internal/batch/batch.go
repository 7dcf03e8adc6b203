// Package batch defines the Batch unit of work and the ordered
// unflushed/flushed queues the owner state machine maintains for it.
package batch

import (
	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/pkset"
)

// Message is a single row payload fetched in Stage 2, carrying enough
// identity to be filtered against the PK multiset and, once flushed,
// assigned a commit position.
type Message struct {
	PK      cursor.PK
	Payload []byte // consumer-filtered row payload; format is a sink concern

	// CommitLSN and CommitIdx are assigned only at flush time (§4.4
	// step 6); zero until then.
	CommitLSN string
	CommitIdx int
}

// Batch is an immutable-once-produced unit of work: a page of rows
// fetched together, bracketed in the CDC stream by watermark markers.
type Batch struct {
	ID             pkset.BatchID
	Cursor         cursor.Cursor // the cursor this batch begins at
	NextCursor     cursor.Cursor // the cursor Stage 1 computed; the owner's cursor advances to it on Stage-2 success
	ApproximateLSN string        // replication-slot write position observed at fetch time

	Messages []Message // cleared once flushed to SMS to reclaim memory
	size     int        // preserved after Messages is cleared
}

// NewBatch constructs a Batch from a Stage-1/Stage-2 result.
func NewBatch(id pkset.BatchID, startCursor, nextCursor cursor.Cursor, lsn string, messages []Message) *Batch {
	return &Batch{
		ID:             id,
		Cursor:         startCursor,
		NextCursor:     nextCursor,
		ApproximateLSN: lsn,
		Messages:       messages,
		size:           len(messages),
	}
}

// Size returns the message count, even after Messages has been
// cleared post-flush.
func (b *Batch) Size() int {
	if b.Messages != nil {
		return len(b.Messages)
	}
	return b.size
}

// ClearMessages drops the message payloads to reclaim memory once the
// batch has been pushed to the SMS, while preserving Size().
func (b *Batch) ClearMessages() {
	b.size = len(b.Messages)
	b.Messages = nil
}

// FilterByMultiset returns the subset of Messages whose PK is still
// present in set under the batch's id, preserving cursor order.
func (b *Batch) FilterByMultiset(set *pkset.Multiset) []Message {
	survivors := make([]Message, 0, len(b.Messages))
	for _, m := range b.Messages {
		if set.Contains(b.ID, m.PK) {
			survivors = append(survivors, m)
		}
	}
	return survivors
}
