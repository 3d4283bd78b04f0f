package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics are the counters recorded by the sync engine.
type SyncMetrics struct {
	commits  metric.Int64Counter
	pulls    metric.Int64Counter
	webhooks metric.Int64Counter
	builds   metric.Int64Counter
}

var (
	syncMetrics     *SyncMetrics
	syncMetricsOnce sync.Once
)

// Sync returns the process-wide sync counters, created on first use from the
// global meter provider.
func Sync() *SyncMetrics {
	syncMetricsOnce.Do(func() {
		m := Meter(instrumentationScope + "/sync")
		syncMetrics = &SyncMetrics{}
		syncMetrics.commits, _ = m.Int64Counter("reposync.push.commits",
			metric.WithDescription("Commits created by push"),
			metric.WithUnit("{commit}"),
		)
		syncMetrics.pulls, _ = m.Int64Counter("reposync.pull.applied",
			metric.WithDescription("Pulls that replaced local records"),
			metric.WithUnit("{pull}"),
		)
		syncMetrics.webhooks, _ = m.Int64Counter("reposync.webhook.events",
			metric.WithDescription("Webhook push notifications received"),
			metric.WithUnit("{event}"),
		)
		syncMetrics.builds, _ = m.Int64Counter("reposync.build.dispatched",
			metric.WithDescription("Build requests dispatched"),
			metric.WithUnit("{build}"),
		)
	})
	return syncMetrics
}

func add(ctx context.Context, c metric.Int64Counter, projectID string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("reposync.project", projectID)))
}

// CommitCreated counts a commit made by push.
func (m *SyncMetrics) CommitCreated(ctx context.Context, projectID string) { add(ctx, m.commits, projectID) }

// PullApplied counts a pull that replaced records.
func (m *SyncMetrics) PullApplied(ctx context.Context, projectID string) { add(ctx, m.pulls, projectID) }

// WebhookReceived counts an authenticated webhook delivery.
func (m *SyncMetrics) WebhookReceived(ctx context.Context, projectID string) {
	add(ctx, m.webhooks, projectID)
}

// BuildDispatched counts a dispatched build.
func (m *SyncMetrics) BuildDispatched(ctx context.Context, projectID string) {
	add(ctx, m.builds, projectID)
}
