// Package observe wraps the Source Database Adapter and SMS client
// with opentracing spans around Stage-1/Stage-2 fetches and SMS
// pushes, the way the reference pack's logical-replication provider
// wraps its appliers and stagers in chaos/diagnostic decorators
// without changing their interface.
package observe

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/ports"
)

// TracedSourceDB wraps a ports.SourceDB, opening a span per call.
type TracedSourceDB struct {
	Inner  ports.SourceDB
	Tracer opentracing.Tracer
}

func (t *TracedSourceDB) tracer() opentracing.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}
	return opentracing.GlobalTracer()
}

func (t *TracedSourceDB) ScanPKs(ctx context.Context, tableOID string, after cursor.Cursor, limit int, includeMin bool) (ports.ScanPKsResult, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.scan_pks")
	defer span.Finish()
	span.SetTag("table_oid", tableOID)
	span.SetTag("limit", limit)
	res, err := t.Inner.ScanPKs(ctx, tableOID, after, limit, includeMin)
	if err != nil {
		span.SetTag("error", true)
	}
	span.SetTag("pks", len(res.PKs))
	return res, err
}

func (t *TracedSourceDB) FetchRows(ctx context.Context, tableOID string, after cursor.Cursor, limit int, includeMin bool) (ports.FetchRowsResult, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.fetch_rows")
	defer span.Finish()
	span.SetTag("table_oid", tableOID)
	span.SetTag("limit", limit)
	res, err := t.Inner.FetchRows(ctx, tableOID, after, limit, includeMin)
	if err != nil {
		span.SetTag("error", true)
	}
	span.SetTag("messages", len(res.Messages))
	return res, err
}

func (t *TracedSourceDB) WithWatermark(ctx context.Context, slotID, backfillID, batchID, tableOID string, body func(ctx context.Context) (ports.FetchRowsResult, error)) (ports.WatermarkResult, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.with_watermark")
	defer span.Finish()
	span.SetTag("batch_id", batchID)
	span.SetTag("backfill_id", backfillID)
	res, err := t.Inner.WithWatermark(ctx, slotID, backfillID, batchID, tableOID, body)
	if err != nil {
		span.SetTag("error", true)
	}
	span.SetTag("approximate_lsn", res.ApproximateLSN)
	return res, err
}

func (t *TracedSourceDB) FetchSlotLSN(ctx context.Context, slotName string) (string, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.fetch_slot_lsn")
	defer span.Finish()
	span.SetTag("slot_name", slotName)
	lsn, err := t.Inner.FetchSlotLSN(ctx, slotName)
	if err != nil {
		span.SetTag("error", true)
	}
	return lsn, err
}

// TracedSMS wraps a ports.SMS, opening a span per push/query.
type TracedSMS struct {
	Inner  ports.SMS
	Tracer opentracing.Tracer
}

func (t *TracedSMS) tracer() opentracing.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}
	return opentracing.GlobalTracer()
}

func (t *TracedSMS) Put(ctx context.Context, consumerID string, messages []ports.OutgoingMessage, batchID string) (ports.PushOutcome, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.sms_put")
	defer span.Finish()
	span.SetTag("batch_id", batchID)
	span.SetTag("messages", len(messages))
	outcome, err := t.Inner.Put(ctx, consumerID, messages, batchID)
	if err != nil {
		span.SetTag("error", true)
	}
	return outcome, err
}

func (t *TracedSMS) UnpersistedBatchIDs(ctx context.Context, consumerID string, candidates []string) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.sms_unpersisted_batch_ids")
	defer span.Finish()
	return t.Inner.UnpersistedBatchIDs(ctx, consumerID, candidates)
}

func (t *TracedSMS) CountMessages(ctx context.Context, consumerID string) (int, error) {
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer(), "table_reader.sms_count_messages")
	defer span.Finish()
	return t.Inner.CountMessages(ctx, consumerID)
}
