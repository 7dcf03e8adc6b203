// Package metrics declares the prometheus instruments one table-reader
// worker exports, grouped by concern the way the reference pack's
// staging-layer metrics are: one histogram or counter per operation,
// registered once via promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var labels = []string{"backfill_id", "table_oid"}

var (
	// FetchDuration records wall-clock time of Stage-1 and Stage-2
	// fetches, labeled by stage, feeding the page-size optimizer's
	// headroom calculation.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tablereader",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of a source database fetch, by stage.",
		Buckets:   prometheus.DefBuckets,
	}, append(labels, "stage"))

	// FetchErrors counts fetch failures by tagged error kind.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablereader",
		Name:      "fetch_errors_total",
		Help:      "Count of fetch failures by rerr.Kind.",
	}, append(labels, "kind"))

	// QueueDepth reports the batch count of the unflushed and of the
	// flushed queue, one series per queue label; their sum is bounded by
	// max_batches_in_memory.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablereader",
		Name:      "queue_depth",
		Help:      "Number of batches held in the unflushed or flushed queue.",
	}, append(labels, "queue"))

	// PageSize reports the optimizer's current page size.
	PageSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablereader",
		Name:      "page_size",
		Help:      "Current adaptive page size used for Stage-1/Stage-2 fetches.",
	}, labels)

	// BackoffActive reports whether the optimizer is currently in a
	// post-timeout backoff window (1 = yes).
	BackoffActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablereader",
		Name:      "backoff_active",
		Help:      "1 if the page-size optimizer is backing off after a timeout.",
	}, labels)

	// RowsProcessed counts rows fetched in Stage 2, before multiset
	// filtering drops any that were concurrently canceled.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablereader",
		Name:      "rows_processed_total",
		Help:      "Rows fetched by Stage 2, before multiset filtering.",
	}, labels)

	// RowsIngested counts rows that survived multiset filtering and
	// were pushed to the SMS.
	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablereader",
		Name:      "rows_ingested_total",
		Help:      "Rows that survived multiset filtering and reached the SMS.",
	}, labels)

	// SMSPushDuration records wall-clock time of SMS push attempts,
	// including retries.
	SMSPushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tablereader",
		Name:      "sms_push_duration_seconds",
		Help:      "Duration of a full SMS push, including payload-too-large retries.",
		Buckets:   prometheus.DefBuckets,
	}, labels)

	// CursorAdvanced counts successful cursor commits.
	CursorAdvanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablereader",
		Name:      "cursor_advanced_total",
		Help:      "Count of committed cursor advances.",
	}, labels)
)
