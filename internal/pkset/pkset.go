// Package pkset implements the per-batch primary-key multiset: a
// concurrently readable/writable mapping from batch id to the set of
// primary keys still considered part of that batch. Stage 1 populates
// it, CDC events and the drop_pks admin operation remove from it, and
// the flush coordinator consults it — all without routing through the
// state machine's mailbox, since pks_seen is a hot path.
package pkset

import (
	"sync"

	"github.com/streamforge/tablereader/internal/cursor"
)

// BatchID identifies a batch within a single table-reader instance.
type BatchID string

// Multiset is a concurrency-safe batch_id -> set<PK> map.
type Multiset struct {
	mu   sync.RWMutex
	data map[BatchID]map[string]struct{}
}

// New returns an empty Multiset.
func New() *Multiset {
	return &Multiset{data: make(map[BatchID]map[string]struct{})}
}

// Add union-inserts pks into the set for batchID. Idempotent.
func (m *Multiset) Add(batchID BatchID, pks []cursor.PK) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.data[batchID]
	if !ok {
		set = make(map[string]struct{}, len(pks))
		m.data[batchID] = set
	}
	for _, pk := range pks {
		set[pk.Key()] = struct{}{}
	}
}

// Remove deletes pks from every batch they appear under — a CDC event
// names only the primary key, not which in-flight batch it belongs to,
// so removal fans out across all keys the way drop_pks does. Idempotent
// and silently ignores pks/batches that are not present.
func (m *Multiset) Remove(pks []cursor.PK) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pk := range pks {
		key := pk.Key()
		for batchID, set := range m.data {
			delete(set, key)
			_ = batchID
		}
	}
}

// RemoveFromBatch deletes pks from a single batch's set only, for
// callers that already know the batch id.
func (m *Multiset) RemoveFromBatch(batchID BatchID, pks []cursor.PK) {
	if len(pks) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.data[batchID]
	if !ok {
		return
	}
	for _, pk := range pks {
		delete(set, pk.Key())
	}
}

// Contains reports whether pk is still present under batchID.
func (m *Multiset) Contains(batchID BatchID, pk cursor.PK) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.data[batchID]
	if !ok {
		return false
	}
	_, present := set[pk.Key()]
	return present
}

// Keys returns the batch ids currently tracked.
func (m *Multiset) Keys() []BatchID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]BatchID, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Delete drops the entire entry for batchID.
func (m *Multiset) Delete(batchID BatchID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, batchID)
}

// Size returns the number of PKs tracked under batchID, or 0 if the
// batch has no entry.
func (m *Multiset) Size(batchID BatchID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[batchID])
}
