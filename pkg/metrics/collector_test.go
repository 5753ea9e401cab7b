package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbtrace/anchor/pkg/types"
)

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

func TestRecordStats(t *testing.T) {
	RecordStats(types.SyncStats{
		Events: map[types.SyncStatus]int{
			types.SyncStatusPending: 4,
			types.SyncStatusSynced:  10,
			types.SyncStatusFailed:  2,
		},
		Queue: types.QueueCounts{Waiting: 3, Delayed: 1, Completed: 9, Failed: 2},
	})

	tests := []struct {
		gauge prometheus.Gauge
		want  float64
	}{
		{EventsByStatus.WithLabelValues("PENDING"), 4},
		{EventsByStatus.WithLabelValues("UPLOADING"), 0},
		{EventsByStatus.WithLabelValues("SYNCED"), 10},
		{EventsByStatus.WithLabelValues("FAILED"), 2},
		{QueueJobs.WithLabelValues("waiting"), 3},
		{QueueJobs.WithLabelValues("delayed"), 1},
		{QueueJobs.WithLabelValues("active"), 0},
		{QueueJobs.WithLabelValues("completed"), 9},
		{QueueJobs.WithLabelValues("failed"), 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gaugeValue(tt.gauge))
	}
}

type fakeStats struct {
	stats types.SyncStats
	err   atomic.Pointer[error]
	calls atomic.Int32
}

func (f *fakeStats) Stats(ctx context.Context) (types.SyncStats, error) {
	f.calls.Add(1)
	if err := f.err.Load(); err != nil {
		return types.SyncStats{}, *err
	}
	return f.stats, nil
}

func TestCollectorScrapesOnStart(t *testing.T) {
	freshBoard(t)
	src := &fakeStats{stats: types.SyncStats{Events: map[types.SyncStatus]int{types.SyncStatusUploading: 7}}}

	c := NewCollector(src, time.Hour)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return gaugeValue(EventsByStatus.WithLabelValues("UPLOADING")) == 7
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCollectorReportsScrapeFailures(t *testing.T) {
	freshBoard(t)
	src := &fakeStats{stats: types.SyncStats{Queue: types.QueueCounts{Active: 5}}}
	c := NewCollector(src, time.Second)

	c.Collect(context.Background())
	assert.Equal(t, 5.0, gaugeValue(QueueJobs.WithLabelValues("active")))
	assert.Equal(t, StatusHealthy, GetHealth().Status)

	boom := errors.New("database is locked")
	src.err.Store(&boom)
	c.Collect(context.Background())

	hs := GetHealth()
	assert.Equal(t, StatusDegraded, hs.Status)
	assert.Equal(t, "unhealthy: database is locked", hs.Components[collectorComponent])
	assert.Equal(t, 5.0, gaugeValue(QueueJobs.WithLabelValues("active")), "gauges keep the last good scrape")

	src.err.Store(nil)
	c.Collect(context.Background())
	assert.Equal(t, StatusHealthy, GetHealth().Status)
}

func TestCollectorStopWaits(t *testing.T) {
	src := &fakeStats{}
	c := NewCollector(src, 5*time.Millisecond)
	c.Start()
	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)

	c.Stop()
	n := src.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, src.calls.Load())
}
