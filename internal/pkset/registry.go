package pkset

import (
	"sync"

	"github.com/streamforge/tablereader/internal/cursor"
)

// ConsumerID identifies the downstream consumer a backfill feeds.
type ConsumerID string

// registry is the process-global, externally-addressable directory of
// multisets keyed by consumer id, mirroring the reference reader's use
// of a package-level *sync.Map (runningReaders) to publish a handle
// that callers outside the owner goroutine can reach directly.
var registry sync.Map // ConsumerID -> *Multiset

// Register idempotently publishes a Multiset under consumer, returning
// the one now registered (an existing registration wins, so concurrent
// startup attempts converge on a single instance).
func Register(consumer ConsumerID) *Multiset {
	fresh := New()
	actual, _ := registry.LoadOrStore(consumer, fresh)
	return actual.(*Multiset)
}

// Lookup returns the Multiset registered for consumer, or nil if none
// is registered. A nil return means the table reader for that consumer
// is not currently running.
func Lookup(consumer ConsumerID) *Multiset {
	v, ok := registry.Load(consumer)
	if !ok {
		return nil
	}
	return v.(*Multiset)
}

// Unregister releases the named handle on worker termination.
func Unregister(consumer ConsumerID) {
	registry.Delete(consumer)
}

// PksSeen is the hot-path CDC entry point: it mutates the named
// multiset directly, never touching the state machine's mailbox. If
// the table reader for consumer is not running, this is a silent
// no-op — avoiding a race between CDC delivery and worker
// startup/shutdown.
func PksSeen(consumer ConsumerID, pks []cursor.PK) {
	set := Lookup(consumer)
	if set == nil {
		return
	}
	set.Remove(pks)
}
