// Package dashboard defines the Grafana dashboard-as-code for a
// table-reader worker's exported metrics, built with K-Phoen/grabana
// the way operational dashboards are assembled elsewhere in this
// codebase's ancestry: one row per concern, one panel per instrument.
package dashboard

import (
	"context"

	"github.com/K-Phoen/grabana"
	"github.com/K-Phoen/grabana/dashboard"
	"github.com/K-Phoen/grabana/row"
	"github.com/K-Phoen/grabana/target/prometheus"
	"github.com/K-Phoen/grabana/timeseries"
	"github.com/K-Phoen/grabana/timeseries/axis"
)

// Build returns the dashboard definition for one table-reader worker's
// metrics, labeled by backfill_id.
func Build(backfillID string) dashboard.Builder {
	return dashboard.New(
		"Table Reader: "+backfillID,
		dashboard.Tags([]string{"tablereader", "backfill"}),
		dashboard.Row("Fetch",
			row.WithTimeSeries("Fetch duration",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`histogram_quantile(0.95, sum(rate(tablereader_fetch_duration_seconds_bucket{backfill_id="`+backfillID+`"}[5m])) by (le, stage))`,
					prometheus.Legend("{{stage}} p95"),
				),
				timeseries.Axis(axis.Unit("s")),
			),
			row.WithTimeSeries("Page size",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`tablereader_page_size{backfill_id="`+backfillID+`"}`,
					prometheus.Legend("page size"),
				),
			),
		),
		dashboard.Row("Queues",
			row.WithTimeSeries("Queue depth",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`tablereader_queue_depth{backfill_id="`+backfillID+`"}`,
					prometheus.Legend("{{queue}}"),
				),
			),
			row.WithTimeSeries("Backoff active",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`tablereader_backoff_active{backfill_id="`+backfillID+`"}`,
					prometheus.Legend("backoff"),
				),
			),
		),
		dashboard.Row("Throughput",
			row.WithTimeSeries("Rows processed vs ingested",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`rate(tablereader_rows_processed_total{backfill_id="`+backfillID+`"}[5m])`,
					prometheus.Legend("processed"),
				),
				timeseries.WithPrometheusTarget(
					`rate(tablereader_rows_ingested_total{backfill_id="`+backfillID+`"}[5m])`,
					prometheus.Legend("ingested"),
				),
			),
			row.WithTimeSeries("Fetch errors",
				timeseries.Span(6),
				timeseries.WithPrometheusTarget(
					`sum(rate(tablereader_fetch_errors_total{backfill_id="`+backfillID+`"}[5m])) by (kind)`,
					prometheus.Legend("{{kind}}"),
				),
			),
		),
	)
}

// Publish pushes the dashboard to a Grafana instance reachable at
// addr, authenticated with apiToken, in the named folder.
func Publish(ctx context.Context, addr, apiToken, folder, backfillID string) error {
	client := grabana.NewClient(nil, addr, grabana.WithAPIToken(apiToken))
	f, err := client.FindOrCreateFolder(ctx, folder)
	if err != nil {
		return err
	}
	_, err = client.UpsertDashboard(ctx, f, Build(backfillID))
	return err
}
