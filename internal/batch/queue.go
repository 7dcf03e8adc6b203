package batch

// Queue is an ordered, append/pop-front sequence of batches. Both the
// unflushed and flushed queues the owner maintains are Queues; together
// they must never exceed the configured max_batches_in_memory (spec
// invariant 6).
type Queue struct {
	items []*Batch
}

// Len returns the number of batches in the queue.
func (q *Queue) Len() int { return len(q.items) }

// Push appends b to the tail.
func (q *Queue) Push(b *Batch) { q.items = append(q.items, b) }

// Head returns the batch at the front of the queue, or nil if empty.
func (q *Queue) Head() *Batch {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// PopHead removes and returns the batch at the front of the queue, or
// nil if empty.
func (q *Queue) PopHead() *Batch {
	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b
}

// ContainsID reports whether a batch with the given id is present.
func (q *Queue) ContainsID(id string) bool {
	for _, b := range q.items {
		if string(b.ID) == id {
			return true
		}
	}
	return false
}

// Remove deletes the batch with the given id, wherever it sits in the
// queue. Used by the periodic SMS sweep, which removes the contiguous
// prefix of persisted batches from the head of the flushed queue.
func (q *Queue) Remove(id string) *Batch {
	for i, b := range q.items {
		if string(b.ID) == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return b
		}
	}
	return nil
}

// All returns the batches in queue order. The returned slice must not
// be mutated.
func (q *Queue) All() []*Batch {
	return q.items
}
