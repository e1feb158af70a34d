package datasync

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/biolink/internal/domain"
)

func TestMetrics_RecordsSyncActivity(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	h := newHarness(t, WithMetrics(metrics))
	unsub := h.m.Subscribe(profileRef, func(Snapshot) {})
	defer unsub()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.subscriptions))

	h.conn.Set(false)
	require.NoError(t, h.m.Create(ctx, profileRef, domain.Document{"bio": "x"}, SetOptions{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queueDepth))

	h.conn.Set(true)
	h.flush(t)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.drains))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.itemsSynced.WithLabelValues(string(OpCreate))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.pushes), "initial state and the confirmed write")

	_, err = h.m.Get(ctx, profileRef, GetOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.cacheHits), 1.0)
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordHit()
		m.recordSynced(OpSet)
		m.recordPush(true)
		m.updateQueueDepth(3)
	})
}
