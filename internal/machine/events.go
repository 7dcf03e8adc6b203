package machine

import (
	"time"

	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/ports"
)

// event is the mailbox message type. Every state mutation the owner
// performs originates from one of these landing in the mailbox
// channel and being handled by the single owner goroutine.
type event interface{ isEvent() }

type stage1Result struct {
	batchID     string
	startCursor cursor.Cursor
	includeMin  bool
	pageSize    int
	res         ports.ScanPKsResult
	elapsed     time.Duration
	err         error
}

type stage2Result struct {
	batchID     string
	startCursor cursor.Cursor
	nextCursor  cursor.Cursor
	includeMin  bool
	pageSize    int
	res         ports.WatermarkResult
	elapsed     time.Duration
	err         error
}

type flushBatchCall struct {
	batchID   string
	commitLSN string
	reply     chan error
	deferred  bool // set on self re-enqueue, for logging only
}

func (stage1Result) isEvent()   {}
func (stage2Result) isEvent()   {}
func (flushBatchCall) isEvent() {}
