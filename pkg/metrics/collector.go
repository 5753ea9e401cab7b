package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/herbtrace/anchor/pkg/types"
)

// StatsSource reports event and queue counts
type StatsSource interface {
	Stats(ctx context.Context) (types.SyncStats, error)
}

// collectorComponent is the name the collector reports itself under. It is
// not critical: a failed scrape only degrades overall health.
const collectorComponent = "collector"

// Collector refreshes the event and queue gauges from a StatsSource
type Collector struct {
	source   StatsSource
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{source: source, interval: interval}
}

// Start scrapes once immediately and then every interval until Stop
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			c.Collect(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight scrape
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Collect scrapes the source once. A failure leaves the gauges at their
// previous values and marks the collector component down.
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		if ctx.Err() != context.Canceled {
			UpdateComponent(collectorComponent, false, err.Error())
		}
		return
	}
	RecordStats(stats)
	UpdateComponent(collectorComponent, true, "")
}

// RecordStats sets the state gauges from a stats snapshot
func RecordStats(stats types.SyncStats) {
	for _, status := range types.AllSyncStatuses {
		EventsByStatus.WithLabelValues(string(status)).Set(float64(stats.Events[status]))
	}

	q := stats.Queue
	for state, n := range map[types.JobState]int{
		types.JobStateWaiting:   q.Waiting,
		types.JobStateDelayed:   q.Delayed,
		types.JobStateActive:    q.Active,
		types.JobStateCompleted: q.Completed,
		types.JobStateFailed:    q.Failed,
	} {
		QueueJobs.WithLabelValues(string(state)).Set(float64(n))
	}
}
