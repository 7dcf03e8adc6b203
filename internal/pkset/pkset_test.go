package pkset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamforge/tablereader/internal/cursor"
)

func TestAddContainsRemove(t *testing.T) {
	m := New()
	b := BatchID("b1")
	pk1 := cursor.NewPK(int64(1))
	pk2 := cursor.NewPK(int64(2))
	pk3 := cursor.NewPK(int64(3))

	m.Add(b, []cursor.PK{pk1, pk2, pk3})
	assert.True(t, m.Contains(b, pk1))
	assert.True(t, m.Contains(b, pk2))
	assert.Equal(t, 3, m.Size(b))

	m.RemoveFromBatch(b, []cursor.PK{pk2})
	assert.False(t, m.Contains(b, pk2))
	assert.True(t, m.Contains(b, pk1))
	assert.Equal(t, 2, m.Size(b))
}

func TestRemoveIsIdempotentAndAcrossBatches(t *testing.T) {
	m := New()
	pk := cursor.NewPK(int64(42))
	m.Add("a", []cursor.PK{pk})
	m.Add("b", []cursor.PK{pk})

	m.Remove([]cursor.PK{pk})
	assert.False(t, m.Contains("a", pk))
	assert.False(t, m.Contains("b", pk))

	// idempotent: removing again does not panic or error
	m.Remove([]cursor.PK{pk})
}

func TestDeleteDropsKey(t *testing.T) {
	m := New()
	m.Add("a", []cursor.PK{cursor.NewPK(int64(1))})
	m.Delete("a")
	assert.Equal(t, 0, m.Size("a"))
	assert.NotContains(t, m.Keys(), BatchID("a"))
}

func TestConcurrentAccess(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.Add(BatchID("b"), []cursor.PK{cursor.NewPK(int64(i))})
		}(i)
		go func(i int) {
			defer wg.Done()
			m.Remove([]cursor.PK{cursor.NewPK(int64(i))})
		}(i)
	}
	wg.Wait()
}

func TestRegistryRoundTrip(t *testing.T) {
	consumer := ConsumerID("consumer-test-registry")
	defer Unregister(consumer)

	set := Register(consumer)
	pk := cursor.NewPK(int64(9))
	set.Add("b1", []cursor.PK{pk})

	PksSeen(consumer, []cursor.PK{pk})
	assert.False(t, set.Contains("b1", pk))

	same := Register(consumer)
	assert.Same(t, set, same)
}

func TestPksSeenNoopWhenNotRunning(t *testing.T) {
	// must not panic when nothing is registered
	PksSeen(ConsumerID("nobody-home"), []cursor.PK{cursor.NewPK(int64(1))})
}
