// Package ports declares the interfaces this module consumes from its
// external collaborators: the Source Database Adapter, the Slot
// Message Store, the Backfill Registry, and the Watermark Emitter.
// Each is specified only by the interface it exposes; this module
// never assumes a concrete transport for them.
package ports

import (
	"context"

	"github.com/streamforge/tablereader/internal/cursor"
)

// ScanPKsResult is the output of a Stage-1 primary-key scan.
type ScanPKsResult struct {
	PKs        []cursor.PK
	NextCursor cursor.Cursor
}

// FetchRowsResult is the output of a Stage-2 row fetch.
type FetchRowsResult struct {
	Messages []RawMessage
}

// RawMessage is a row payload as returned by the Source Database
// Adapter, before commit_lsn/commit_idx are assigned at flush time.
type RawMessage struct {
	PK      cursor.PK
	Payload []byte
}

// WatermarkResult is the output of a Stage-2 fetch run under a
// watermark bracket.
type WatermarkResult struct {
	Messages       []RawMessage
	ApproximateLSN string
}

// SourceDB is the Source Database Adapter: executes the primary-key
// scan, the follow-up row fetch, and reports the current
// replication-slot write position.
type SourceDB interface {
	// ScanPKs performs the keyset-paginated primary-key scan (Stage 1).
	// includeMin toggles >= vs > on the leading sort key.
	ScanPKs(ctx context.Context, tableOID string, afterCursor cursor.Cursor, limit int, includeMin bool) (ScanPKsResult, error)

	// FetchRows performs the full row fetch (Stage 2), filtered by the
	// consumer's schema/predicate.
	FetchRows(ctx context.Context, tableOID string, afterCursor cursor.Cursor, limit int, includeMin bool) (FetchRowsResult, error)

	// WithWatermark runs body bracketed by a low and high watermark
	// emitted into the replication stream via the Watermark Emitter,
	// returning the approximate LSN observed at fetch time.
	WithWatermark(ctx context.Context, slotID, backfillID, batchID, tableOID string, body func(ctx context.Context) (FetchRowsResult, error)) (WatermarkResult, error)

	// FetchSlotLSN returns the current write position of the named
	// replication slot, or an error of kind rerr.KindSlotNotFound when
	// the slot does not exist.
	FetchSlotLSN(ctx context.Context, slotName string) (string, error)
}

// PushOutcome is the result of an SMS push attempt.
type PushOutcome int

const (
	PushOK PushOutcome = iota
	PushPayloadTooLarge
	PushOtherError
)

// SMS is the Slot Message Store: accepts batches, reports which batch
// ids are not yet persisted, and counts pending messages.
type SMS interface {
	// Put pushes messages for batchID to the consumer's store.
	Put(ctx context.Context, consumerID string, messages []OutgoingMessage, batchID string) (PushOutcome, error)

	// UnpersistedBatchIDs returns which of the given batch ids are
	// still unpersisted; the complement is considered committed.
	UnpersistedBatchIDs(ctx context.Context, consumerID string, candidates []string) ([]string, error)

	// CountMessages returns the number of pending messages for the
	// consumer, used for backpressure.
	CountMessages(ctx context.Context, consumerID string) (int, error)
}

// OutgoingMessage is a message as delivered to the SMS, carrying the
// commit position assigned at flush time.
type OutgoingMessage struct {
	PK        cursor.PK
	Payload   []byte
	CommitLSN string
	CommitIdx int
}

// BackfillRegistry persists the advancing cursor and progress counters
// for a backfill, and signals deactivation/completion.
type BackfillRegistry interface {
	UpdateCursor(ctx context.Context, backfillID string, c cursor.Cursor) error
	DeleteCursor(ctx context.Context, backfillID string) error
	Finished(ctx context.Context, consumerID string) error
	UpdateCounters(ctx context.Context, backfillID string, rowsProcessed, rowsIngested int) error

	// LoadCursor returns the persisted cursor for backfillID, or
	// (Cursor{}, false, nil) if none is persisted yet.
	LoadCursor(ctx context.Context, backfillID string) (cursor.Cursor, bool, error)

	// IsActive reports whether the backfill is still active; false
	// means it has been deactivated and the worker should stop
	// normally.
	IsActive(ctx context.Context, backfillID string) (bool, error)

	// ConsumerExists reports whether the backing consumer record is
	// still present.
	ConsumerExists(ctx context.Context, consumerID string) (bool, error)
}

// BatchesChanged is the pub/sub channel keyed
// {table_reader_batches_changed, consumer_id} whose messages
// opportunistically trigger check_sms.
type BatchesChanged interface {
	// Subscribe returns a channel that receives a value whenever the
	// named consumer's batch set may have changed, and an unsubscribe
	// function.
	Subscribe(consumerID string) (ch <-chan struct{}, unsubscribe func())
}
