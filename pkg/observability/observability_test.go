package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/acgs-platform/agentbus/pkg/observability"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackMessage(context.Background(),
		attribute.String("lane", "fast"))
	require.NotNil(t, ctx)
	finish(errors.New("boom"))

	_, span := p.StartSpan(context.Background(), "test")
	span.End()

	require.NoError(t, p.RegisterQueueDepth("audit", func() int { return 3 }))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := observability.DefaultConfig()
	assert.Equal(t, "agentbus", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestDisabledTracerAndMeterAreUsable(t *testing.T) {
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}
