// Package machine implements the single-owner cooperative state
// machine that drives one table-reader backfill worker: a mailbox loop
// that launches Stage-1/Stage-2 fetches as helper goroutines, folds
// their results into the batch queues, and dispatches flush_batch and
// the periodic timers described in the reference reader's owner-loop
// style (one goroutine, ticker-driven, everything else off to the
// side and reported back through the same channel).
package machine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/tablereader/internal/batch"
	"github.com/streamforge/tablereader/internal/config"
	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/logutil"
	"github.com/streamforge/tablereader/internal/metrics"
	"github.com/streamforge/tablereader/internal/pagesize"
	"github.com/streamforge/tablereader/internal/pkset"
	"github.com/streamforge/tablereader/internal/ports"
	"github.com/streamforge/tablereader/internal/rerr"
	"github.com/streamforge/tablereader/internal/smsclient"
)

// Deps bundles an Owner's external collaborators.
type Deps struct {
	SourceDB       ports.SourceDB
	SMS            ports.SMS
	Registry       ports.BackfillRegistry
	BatchesChanged ports.BatchesChanged // optional; nil disables the opportunistic check_sms trigger
}

// Identity names the backfill instance this Owner drives.
type Identity struct {
	BackfillID string
	ConsumerID pkset.ConsumerID
	TableOID   string
	SlotName   string
}

// Result is what Run returns once the worker reaches a terminal state.
type Result struct {
	StopReason rerr.StopReason
	Err        error
}

// Owner is the single-goroutine state machine for one backfill.
type Owner struct {
	identity Identity
	cfg      config.Config
	deps     Deps
	sms      *smsclient.Client
	opt      *pagesize.Optimizer
	pks      *pkset.Multiset

	mailbox chan event

	unflushed *batch.Queue
	flushed   *batch.Queue
	ignorable map[string]struct{}

	cursor     cursor.Cursor
	includeMin bool
	doneFetching bool

	stage1InFlight bool
	stage1BatchID  string
	stage2InFlight bool
	stage2BatchID  string

	// stage1Elapsed is the Stage-1 time of the batch whose Stage 2 was
	// launched last, so the optimizer can be fed the slower stage.
	stage1Elapsed time.Duration

	failures           int
	lastFetchRequestAt time.Time

	smsPendingCount int
	currentSlotLSN  string

	rowsProcessedSinceLog int
	rowsIngestedSinceLog  int

	// unreportedRowsProcessed/unreportedRowsIngested accumulate the
	// delta since the last Registry.UpdateCounters call, independent
	// of the logging accumulators above (which reset on their own,
	// much longer, process_logging cadence). UpdateCounters' contract
	// is an increment, so this delta must be zeroed immediately after
	// each call or the same rows get added again on the next tick.
	unreportedRowsProcessed int
	unreportedRowsIngested  int

	// smsCheckFailures counts consecutive failed check_state
	// CountMessages calls; past smsDeathThreshold the SMS is
	// considered dead and the worker stops.
	smsCheckFailures int
}

// smsDeathThreshold is the number of consecutive check_state SMS probe
// failures that mark the SMS process as dead rather than transiently
// unreachable.
const smsDeathThreshold = 3

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// New constructs an Owner, resuming from the persisted cursor if one
// exists, otherwise starting from initial.
func New(ctx context.Context, identity Identity, cfg config.Config, deps Deps, initial cursor.Cursor) (*Owner, error) {
	persisted, ok, err := deps.Registry.LoadCursor(ctx, identity.BackfillID)
	if err != nil {
		return nil, err
	}
	start := initial
	includeMin := true
	if ok {
		start = persisted
		includeMin = false
	}

	o := &Owner{
		identity:   identity,
		cfg:        cfg,
		deps:       deps,
		sms:        smsclient.New(deps.SMS, cfg.MaxBackoff(), cfg.MaxBackoffTime()),
		opt:        pagesize.New(pagesize.Config{Initial: cfg.InitialPageSize, Max: cfg.MaxPageSize, TimeoutBudget: cfg.QueryTimeout()}),
		pks:        pkset.Register(identity.ConsumerID),
		mailbox:    make(chan event, 64),
		unflushed:  &batch.Queue{},
		flushed:    &batch.Queue{},
		ignorable:  make(map[string]struct{}),
		cursor:     start,
		includeMin: includeMin,
	}
	return o, nil
}

// Run drives the owner loop until the worker reaches a terminal state
// or ctx is canceled. Stage-1 and Stage-2 fetches run in helper
// goroutines that report back through the mailbox. SMS pushes and
// queries, registry calls, and the slot-LSN probe are made directly on
// the owner goroutine, which waits for each of them to return.
func (o *Owner) Run(ctx context.Context) Result {
	defer pkset.Unregister(o.identity.ConsumerID)

	maybeFetch := time.NewTicker(backoffBase)
	defer maybeFetch.Stop()
	checkState := time.NewTicker(o.cfg.CheckStateInterval())
	defer checkState.Stop()
	checkSMS := time.NewTicker(o.cfg.CheckSMSInterval())
	defer checkSMS.Stop()
	processLogging := time.NewTicker(30 * time.Second)
	defer processLogging.Stop()

	var batchesChanged <-chan struct{}
	if o.deps.BatchesChanged != nil {
		var unsub func()
		batchesChanged, unsub = o.deps.BatchesChanged.Subscribe(string(o.identity.ConsumerID))
		defer unsub()
	}

	o.tryFetch(ctx)

	for {
		select {
		case <-ctx.Done():
			return Result{StopReason: rerr.StopReason("canceled"), Err: ctx.Err()}

		case <-maybeFetch.C:
			o.tryFetch(ctx)

		case <-checkState.C:
			if res, done := o.handleCheckState(ctx); done {
				return res
			}

		case <-checkSMS.C:
			if res, done := o.handleCheckSMS(ctx); done {
				return res
			}

		case <-batchesChanged:
			if res, done := o.handleCheckSMS(ctx); done {
				return res
			}

		case <-processLogging.C:
			o.handleProcessLogging()

		case ev := <-o.mailbox:
			if res, done := o.handleEvent(ctx, ev); done {
				return res
			}
			o.tryFetch(ctx)
		}
	}
}

func (o *Owner) handleEvent(ctx context.Context, ev event) (Result, bool) {
	switch e := ev.(type) {
	case stage1Result:
		return o.handleStage1(ctx, e)
	case stage2Result:
		return o.handleStage2(ctx, e)
	case flushBatchCall:
		return o.handleFlushBatch(ctx, e)
	default:
		logutil.Warnf("table reader %s: unrecognized mailbox event %T", o.identity.BackfillID, ev)
		return Result{}, false
	}
}

// shouldFetch implements §4.6.3.
func (o *Owner) shouldFetch() bool {
	if o.doneFetching {
		return false
	}
	if o.stage1InFlight || o.stage2InFlight {
		return false
	}
	if o.unflushed.Len()+o.flushed.Len() >= o.cfg.MaxBatchesInMemory {
		return false
	}
	if o.failures > 0 {
		wait := backoffBase << uint(min(o.failures-1, 20))
		if wait > backoffCap {
			wait = backoffCap
		}
		if time.Since(o.lastFetchRequestAt) < wait {
			return false
		}
	}
	if o.smsPendingCount >= o.cfg.MaxPendingMessages {
		return false
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (o *Owner) tryFetch(ctx context.Context) {
	if !o.shouldFetch() {
		return
	}
	o.lastFetchRequestAt = time.Now()
	o.launchStage1(ctx)
}

func (o *Owner) launchStage1(ctx context.Context) {
	o.stage1InFlight = true
	batchID := uuid.NewString()
	o.stage1BatchID = batchID
	startCursor := o.cursor
	includeMin := o.includeMin
	pageSize := o.opt.Size()

	go func() {
		start := time.Now()
		res, err := o.deps.SourceDB.ScanPKs(ctx, o.identity.TableOID, startCursor, pageSize, includeMin)
		o.mailbox <- stage1Result{
			batchID:     batchID,
			startCursor: startCursor,
			includeMin:  includeMin,
			pageSize:    pageSize,
			res:         res,
			elapsed:     time.Since(start),
			err:         err,
		}
	}()
}

func (o *Owner) launchStage2(ctx context.Context, batchID string, startCursor, nextCursor cursor.Cursor, includeMin bool, pageSize int, pks []cursor.PK) {
	o.pks.Add(pkset.BatchID(batchID), pks)
	o.stage2InFlight = true
	o.stage2BatchID = batchID

	go func() {
		start := time.Now()
		wm, err := o.deps.SourceDB.WithWatermark(ctx, o.identity.SlotName, o.identity.BackfillID, batchID, o.identity.TableOID,
			func(ctx context.Context) (ports.FetchRowsResult, error) {
				return o.deps.SourceDB.FetchRows(ctx, o.identity.TableOID, startCursor, pageSize, includeMin)
			})
		o.mailbox <- stage2Result{
			batchID:     batchID,
			startCursor: startCursor,
			nextCursor:  nextCursor,
			includeMin:  includeMin,
			pageSize:    pageSize,
			res:         wm,
			elapsed:     time.Since(start),
			err:         err,
		}
	}()
}

// handleStage1 implements §4.6.4.
func (o *Owner) handleStage1(ctx context.Context, e stage1Result) (Result, bool) {
	if e.batchID != o.stage1BatchID {
		logutil.Debugf("table reader %s: stray stage-1 result for %s", o.identity.BackfillID, e.batchID)
		return Result{}, false
	}
	o.stage1InFlight = false

	if e.err != nil {
		return o.handleFetchError(e.err, e.pageSize)
	}

	metrics.FetchDuration.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "stage1").Observe(e.elapsed.Seconds())

	if len(e.res.PKs) == 0 {
		if o.unflushed.Len() == 0 && o.flushed.Len() == 0 {
			if err := o.deps.Registry.Finished(ctx, string(o.identity.ConsumerID)); err != nil {
				logutil.Errorf("table reader %s: notify finished failed: %v", o.identity.BackfillID, err)
			}
			if err := o.deps.Registry.DeleteCursor(ctx, o.identity.BackfillID); err != nil {
				logutil.Errorf("table reader %s: delete cursor failed: %v", o.identity.BackfillID, err)
			}
			return Result{StopReason: rerr.StopNormal}, true
		}
		o.doneFetching = true
		o.ignorable[e.batchID] = struct{}{}
		return Result{}, false
	}

	o.failures = 0
	o.stage1Elapsed = e.elapsed
	o.launchStage2(ctx, e.batchID, e.startCursor, e.res.NextCursor, e.includeMin, e.pageSize, e.res.PKs)
	return Result{}, false
}

// handleStage2 implements §4.6.5.
func (o *Owner) handleStage2(ctx context.Context, e stage2Result) (Result, bool) {
	if e.batchID != o.stage2BatchID {
		logutil.Debugf("table reader %s: stray stage-2 result for %s", o.identity.BackfillID, e.batchID)
		return Result{}, false
	}
	o.stage2InFlight = false

	if e.err != nil {
		return o.handleFetchError(e.err, e.pageSize)
	}

	metrics.FetchDuration.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "stage2").Observe(e.elapsed.Seconds())
	elapsed := e.elapsed
	if o.stage1Elapsed > elapsed {
		elapsed = o.stage1Elapsed
	}
	o.opt.RecordTiming(e.pageSize, elapsed)
	o.failures = 0

	messages := make([]batch.Message, 0, len(e.res.Messages))
	for _, raw := range e.res.Messages {
		messages = append(messages, batch.Message{PK: raw.PK, Payload: raw.Payload})
	}
	o.rowsProcessedSinceLog += len(messages)
	o.unreportedRowsProcessed += len(messages)
	metrics.RowsProcessed.WithLabelValues(o.identity.BackfillID, o.identity.TableOID).Add(float64(len(messages)))

	if len(messages) == 0 {
		o.pks.Delete(pkset.BatchID(e.batchID))
		o.ignorable[e.batchID] = struct{}{}
		o.cursor = e.nextCursor
		o.includeMin = false
		o.tryFetch(ctx)
		return Result{}, false
	}

	b := batch.NewBatch(pkset.BatchID(e.batchID), e.startCursor, e.nextCursor, e.res.ApproximateLSN, messages)
	o.unflushed.Push(b)
	o.cursor = e.nextCursor
	o.includeMin = false
	metrics.QueueDepth.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "unflushed").Set(float64(o.unflushed.Len()))
	o.tryFetch(ctx)
	return Result{}, false
}

// handleFetchError implements the timeout/non-timeout split shared by
// §4.6.4 and §4.6.5.
func (o *Owner) handleFetchError(err error, pageSize int) (Result, bool) {
	kind := rerr.KindOf(err)
	metrics.FetchErrors.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, kind.String()).Inc()

	if kind == rerr.KindQueryTimeout {
		o.opt.RecordTimeout(pageSize)
		return Result{}, false
	}
	o.failures++
	o.lastFetchRequestAt = time.Now()
	logutil.Warnf("table reader %s: fetch failed (failures=%d): %v", o.identity.BackfillID, o.failures, err)
	return Result{}, false
}

// handleCheckState implements the check_state timer of §4.6.2.
func (o *Owner) handleCheckState(ctx context.Context) (Result, bool) {
	active, err := o.deps.Registry.IsActive(ctx, o.identity.BackfillID)
	if err != nil {
		logutil.Errorf("table reader %s: check_state IsActive failed: %v", o.identity.BackfillID, err)
		return Result{}, false
	}
	if !active {
		return Result{StopReason: rerr.StopBackfillDeactivated}, true
	}

	exists, err := o.deps.Registry.ConsumerExists(ctx, string(o.identity.ConsumerID))
	if err != nil {
		logutil.Errorf("table reader %s: check_state ConsumerExists failed: %v", o.identity.BackfillID, err)
		return Result{}, false
	}
	if !exists {
		return Result{StopReason: rerr.StopConsumerMissing}, true
	}

	pending, err := o.deps.SMS.CountMessages(ctx, string(o.identity.ConsumerID))
	if err != nil {
		o.smsCheckFailures++
		logutil.Warnf("table reader %s: check_state CountMessages failed (failures=%d): %v", o.identity.BackfillID, o.smsCheckFailures, err)
		if o.smsCheckFailures >= smsDeathThreshold {
			return Result{StopReason: rerr.StopSMSDown, Err: rerr.New(rerr.KindSMSDown, "sms unreachable for %d consecutive check_state probes: %v", o.smsCheckFailures, err)}, true
		}
	} else {
		o.smsCheckFailures = 0
		o.smsPendingCount = pending
	}

	lsn, err := o.deps.SourceDB.FetchSlotLSN(ctx, o.identity.SlotName)
	if err != nil {
		if rerr.Is(err, rerr.KindSlotNotFound) {
			return Result{StopReason: rerr.StopSlotNotFound, Err: err}, true
		}
		logutil.Warnf("table reader %s: check_state FetchSlotLSN failed: %v", o.identity.BackfillID, err)
		return Result{}, false
	}
	o.currentSlotLSN = lsn

	for _, b := range o.unflushed.All() {
		if b.ApproximateLSN != "" && b.ApproximateLSN < lsn {
			return Result{StopReason: rerr.StopStaleBatch, Err: rerr.New(rerr.KindStaleBatch, "batch %s lsn %s behind slot lsn %s", b.ID, b.ApproximateLSN, lsn)}, true
		}
	}
	return Result{}, false
}

// handleCheckSMS implements the check_sms timer of §4.6.2.
func (o *Owner) handleCheckSMS(ctx context.Context) (Result, bool) {
	ids := make([]string, 0, o.flushed.Len())
	for _, b := range o.flushed.All() {
		ids = append(ids, string(b.ID))
	}
	if len(ids) == 0 {
		return Result{}, false
	}

	unpersisted, err := o.deps.SMS.UnpersistedBatchIDs(ctx, string(o.identity.ConsumerID), ids)
	if err != nil {
		logutil.Warnf("table reader %s: check_sms failed: %v", o.identity.BackfillID, err)
		return Result{}, false
	}
	still := make(map[string]struct{}, len(unpersisted))
	for _, id := range unpersisted {
		still[id] = struct{}{}
	}

	// Only the contiguous prefix of committed batches starting at the
	// head may be dropped and have its cursor persisted. The SMS can
	// report persistence out of order, so a later batch reporting
	// persisted before an earlier one does not make it safe to move the
	// durable cursor past it; a crash in between would lose the earlier
	// batch's rows. Stop at the first batch still pending and persist
	// only the last contiguously-committed one.
	var lastCommitted *batch.Batch
	for _, id := range ids {
		if _, pending := still[id]; pending {
			break
		}
		b := o.flushed.Remove(id)
		if b == nil {
			continue
		}
		lastCommitted = b
		o.rowsIngestedSinceLog += b.Size()
		o.unreportedRowsIngested += b.Size()
		metrics.RowsIngested.WithLabelValues(o.identity.BackfillID, o.identity.TableOID).Add(float64(b.Size()))
		metrics.CursorAdvanced.WithLabelValues(o.identity.BackfillID, o.identity.TableOID).Inc()
	}
	if lastCommitted != nil {
		if err := o.deps.Registry.UpdateCursor(ctx, o.identity.BackfillID, lastCommitted.NextCursor); err != nil {
			logutil.Errorf("table reader %s: persisting cursor for committed batch %s failed: %v", o.identity.BackfillID, lastCommitted.ID, err)
		}
	}
	metrics.QueueDepth.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "flushed").Set(float64(o.flushed.Len()))
	if o.unreportedRowsProcessed != 0 || o.unreportedRowsIngested != 0 {
		_ = o.deps.Registry.UpdateCounters(ctx, o.identity.BackfillID, o.unreportedRowsProcessed, o.unreportedRowsIngested)
		o.unreportedRowsProcessed = 0
		o.unreportedRowsIngested = 0
	}
	return Result{}, false
}

func (o *Owner) handleProcessLogging() {
	metrics.PageSize.WithLabelValues(o.identity.BackfillID, o.identity.TableOID).Set(float64(o.opt.Size()))
	metrics.QueueDepth.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "unflushed").Set(float64(o.unflushed.Len()))
	metrics.QueueDepth.WithLabelValues(o.identity.BackfillID, o.identity.TableOID, "flushed").Set(float64(o.flushed.Len()))
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logutil.Infof("table reader %s: rows_processed=%d rows_ingested=%d page_size=%d unflushed=%d flushed=%d heap_alloc_bytes=%d sys_bytes=%d",
		o.identity.BackfillID, o.rowsProcessedSinceLog, o.rowsIngestedSinceLog, o.opt.Size(), o.unflushed.Len(), o.flushed.Len(), mem.HeapAlloc, mem.Sys)
	o.rowsProcessedSinceLog = 0
	o.rowsIngestedSinceLog = 0
}

// DropPKs implements the drop_pks admin operation (§4.6.8). It bypasses
// the mailbox entirely, like pks_seen, since the multiset already
// serializes concurrent mutation and the operation needs no owner
// state.
func (o *Owner) DropPKs(pks []cursor.PK) {
	o.pks.Remove(pks)
}

// FlushBatch implements the flush_batch RPC (§4.4): it enqueues the
// call onto the owner's mailbox and blocks until the owner has
// processed it (including any self-deferral while Stage 2 is still in
// flight). Always returns nil: failures are internalized as worker
// stops, per the interface contract in §6.
func (o *Owner) FlushBatch(batchID, commitLSN string) error {
	reply := make(chan error, 1)
	o.mailbox <- flushBatchCall{batchID: batchID, commitLSN: commitLSN, reply: reply}
	return <-reply
}

func (o *Owner) String() string {
	return fmt.Sprintf("table-reader(backfill=%s table=%s)", o.identity.BackfillID, o.identity.TableOID)
}
