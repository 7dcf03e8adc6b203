package machine

import (
	"context"
	"time"

	"github.com/streamforge/tablereader/internal/logutil"
	"github.com/streamforge/tablereader/internal/pkset"
	"github.com/streamforge/tablereader/internal/ports"
	"github.com/streamforge/tablereader/internal/rerr"
)

// handleFlushBatch dispatches flush_batch(batch_id, commit_lsn) per the
// six ordered cases of §4.4.
func (o *Owner) handleFlushBatch(ctx context.Context, call flushBatchCall) (Result, bool) {
	// Case 1: a Stage-2 task for this batch is still in flight — the
	// call raced ahead of its own result landing in the mailbox. Defer
	// back to self without mutating state.
	if o.stage2InFlight && o.stage2BatchID == call.batchID {
		deferred := call
		deferred.deferred = true
		time.AfterFunc(time.Millisecond, func() {
			o.mailbox <- deferred
		})
		return Result{}, false
	}

	// Case 2: batch was marked ignorable (Stage 2 produced no
	// surviving messages, or fetching had already stopped).
	if _, ok := o.ignorable[call.batchID]; ok {
		delete(o.ignorable, call.batchID)
		o.pks.Delete(pkset.BatchID(call.batchID))
		call.reply <- nil
		return Result{}, false
	}

	// Case 3: unflushed_batches is empty and the id is unknown — late or
	// duplicate delivery after the batch was already fully retired.
	if o.unflushed.Len() == 0 && !o.flushed.ContainsID(call.batchID) {
		logutil.Debugf("table reader %s: flush_batch for unknown batch %s, acknowledging", o.identity.BackfillID, call.batchID)
		call.reply <- nil
		return Result{}, false
	}

	// Case 4: the batch already sits in flushed_batches — a duplicate
	// flush of something already accepted, which the reference treats
	// as a worker-fatal logic error (see open question in design
	// notes).
	if o.flushed.ContainsID(call.batchID) {
		call.reply <- nil
		return Result{StopReason: rerr.StopDuplicateFlush,
			Err: rerr.New(rerr.KindSMSFatal, "duplicate flush_batch for already-flushed batch %s", call.batchID)}, true
	}

	head := o.unflushed.Head()
	if head == nil || string(head.ID) != call.batchID {
		// Case 5: out-of-order flush. The periodic check_sms/check_state
		// sweep will eventually reconcile or catch staleness.
		headDesc := "<none>"
		if head != nil {
			headDesc = string(head.ID)
		}
		logutil.Warnf("table reader %s: out-of-order flush_batch for %s (head is %s)", o.identity.BackfillID, call.batchID, headDesc)
		call.reply <- nil
		return Result{}, false
	}

	// Case 6: normal flush of the head.
	return o.flushHead(ctx, call)
}

func (o *Owner) flushHead(ctx context.Context, call flushBatchCall) (Result, bool) {
	head := o.unflushed.Head()
	survivors := head.FilterByMultiset(o.pks)
	o.pks.Delete(head.ID)

	if len(survivors) == 0 {
		o.unflushed.PopHead()
		if err := o.deps.Registry.UpdateCursor(ctx, o.identity.BackfillID, head.NextCursor); err != nil {
			logutil.Errorf("table reader %s: persisting cursor for committed-in-place batch %s failed: %v", o.identity.BackfillID, head.ID, err)
		}
		call.reply <- nil
		o.tryFetch(ctx)
		return Result{}, false
	}

	outgoing := make([]ports.OutgoingMessage, len(survivors))
	for i, m := range survivors {
		outgoing[i] = ports.OutgoingMessage{PK: m.PK, Payload: m.Payload, CommitLSN: call.commitLSN, CommitIdx: i}
	}

	if err := o.sms.Push(ctx, string(o.identity.ConsumerID), outgoing, string(head.ID)); err != nil {
		call.reply <- nil
		if reason, fatal := rerr.StopReasonFor(err); fatal {
			return Result{StopReason: reason, Err: err}, true
		}
		logutil.Errorf("table reader %s: sms push for batch %s failed: %v", o.identity.BackfillID, head.ID, err)
		return Result{}, false
	}

	o.unflushed.PopHead()
	head.Messages = survivors // Size() of a flushed batch counts what reached the SMS
	head.ClearMessages()
	o.flushed.Push(head)
	call.reply <- nil
	o.tryFetch(ctx)
	return Result{}, false
}
