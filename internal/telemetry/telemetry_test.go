package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}, "reposync", "test"))

	_, span := Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "no-op tracer yields invalid spans")
	span.End()

	// Counters are safe to use with the no-op provider.
	m := Sync()
	require.NotNil(t, m)
	m.CommitCreated(context.Background(), "p1")
	m.PullApplied(context.Background(), "p1")
	m.WebhookReceived(context.Background(), "p1")
	m.BuildDispatched(context.Background(), "p1")

	Shutdown(context.Background())
}

func TestInit_Enabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: true}, "reposync", "test"))
	t.Cleanup(func() {
		Shutdown(context.Background())
		_ = Init(context.Background(), Config{}, "reposync", "test")
	})

	_, span := Tracer("").Start(context.Background(), "real")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}
