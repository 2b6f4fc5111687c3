package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestTransitions_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	transitions, err := NewTransitions(mp)
	require.NoError(t, err)

	ctx := context.Background()
	transitions.Record(ctx, "PENDING->CLAIMED", "claim")
	transitions.Record(ctx, "PENDING->CLAIMED", "claim")
	transitions.Record(ctx, "RUNNING->FAILED", "timeout")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "jobs.transitions", m.Name)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	got := map[attribute.Distinct]int64{}
	for _, dp := range sum.DataPoints {
		got[dp.Attributes.Equivalent()] = dp.Value
	}

	claim := attribute.NewSet(attribute.String("transition", "PENDING->CLAIMED"), attribute.String("kind", "claim"))
	timeout := attribute.NewSet(attribute.String("transition", "RUNNING->FAILED"), attribute.String("kind", "timeout"))
	assert.Equal(t, int64(2), got[claim.Equivalent()])
	assert.Equal(t, int64(1), got[timeout.Equivalent()])
}
