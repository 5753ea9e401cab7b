package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueFactory func(t *testing.T, opts Options) Queue

func boltFactory(t *testing.T, opts Options) Queue {
	q, err := NewBoltQueue(filepath.Join(t.TempDir(), "queue.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func redisFactory(t *testing.T, opts Options) Queue {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("anchor-test-%d", time.Now().UnixNano())
	q := NewRedisQueueWithClient(client, prefix, opts)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), "{"+prefix+"}:*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		q.Close()
	})
	return q
}

func backends() map[string]queueFactory {
	return map[string]queueFactory{
		"bolt":  boltFactory,
		"redis": redisFactory,
	}
}

func testOptions(clock *fakeClock) Options {
	opts := DefaultOptions()
	opts.Clock = clock.Now
	return opts
}

func TestQueue_IdempotentEnqueue(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			q := factory(t, testOptions(newFakeClock()))
			ctx := context.Background()

			job, created, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "sync-evt-1", job.ID)
			assert.Equal(t, "evt-1", job.EventID())
			assert.Equal(t, 3, job.MaxAttempts)

			again, created, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{Priority: 10})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, 0, again.Priority, "existing job is untouched")

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, counts.Waiting)

			// still a no-op while active
			claimed, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, claimed)
			_, created, err = q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)
			assert.False(t, created)

			// replaced once completed
			require.NoError(t, q.Complete(ctx, claimed.ID, "w1"))
			fresh, created, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, types.JobStateWaiting, fresh.State)
			assert.Equal(t, 0, fresh.AttemptsMade)

			counts, err = q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.QueueCounts{Waiting: 1}, counts)
		})
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			q := factory(t, testOptions(newFakeClock()))
			ctx := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			createdCount := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, created, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
					assert.NoError(t, err)
					if created {
						mu.Lock()
						createdCount++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, createdCount)
			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, counts.Waiting)
		})
	}
}

func TestQueue_ClaimOrder(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			q := factory(t, testOptions(clock))
			ctx := context.Background()

			enqueue := func(id string, priority int) {
				_, _, err := q.Enqueue(ctx, id, EnqueueOptions{Priority: priority})
				require.NoError(t, err)
				clock.Advance(time.Millisecond)
			}
			enqueue("retry-2", -2)
			enqueue("fresh-1", 0)
			enqueue("retry-1", -1)
			enqueue("fresh-2", 0)

			var order []string
			for {
				job, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				if job == nil {
					break
				}
				order = append(order, job.EventID())
			}
			assert.Equal(t, []string{"fresh-1", "fresh-2", "retry-1", "retry-2"}, order)
		})
	}
}

func TestQueue_DelayedJobs(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			q := factory(t, testOptions(clock))
			ctx := context.Background()

			job, _, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{Delay: 5 * time.Second})
			require.NoError(t, err)
			assert.Equal(t, types.JobStateDelayed, job.State)

			claimed, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			assert.Nil(t, claimed)

			clock.Advance(5 * time.Second)
			claimed, err = q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, "evt-1", claimed.EventID())
		})
	}
}

func TestQueue_FailAndBackoff(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			q := factory(t, testOptions(clock))
			ctx := context.Background()
			cause := serrors.Submission("submit", errors.New("peer rejected"))

			_, _, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)

			expectedDelays := []time.Duration{5 * time.Second, 10 * time.Second}
			for attempt, delay := range expectedDelays {
				job, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				require.NotNil(t, job, "attempt %d", attempt+1)

				failed, err := q.Fail(ctx, job.ID, "w1", cause)
				require.NoError(t, err)
				assert.Equal(t, types.JobStateDelayed, failed.State)
				assert.Equal(t, attempt+1, failed.AttemptsMade)
				assert.Contains(t, failed.LastError, "peer rejected")

				clock.Advance(delay - time.Millisecond)
				none, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				assert.Nil(t, none, "claimed before backoff elapsed")
				clock.Advance(time.Millisecond)
			}

			job, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, job)
			final, err := q.Fail(ctx, job.ID, "w1", cause)
			require.NoError(t, err)
			assert.Equal(t, types.JobStateFailed, final.State)
			assert.Equal(t, 3, final.AttemptsMade)
			assert.NotNil(t, final.FinishedAt)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.QueueCounts{Failed: 1}, counts)
		})
	}
}

func TestQueue_PermanentFailure(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			q := factory(t, testOptions(newFakeClock()))
			ctx := context.Background()

			_, _, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)
			job, err := q.Claim(ctx, "w1")
			require.NoError(t, err)

			failed, err := q.Fail(ctx, job.ID, "w1", serrors.Validation("build payload", "species is required"))
			require.NoError(t, err)
			assert.Equal(t, types.JobStateFailed, failed.State)
			assert.Equal(t, 1, failed.AttemptsMade)
		})
	}
}

func TestQueue_Leases(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			q := factory(t, testOptions(clock))
			ctx := context.Background()

			_, _, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)
			job, err := q.Claim(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, "w1", job.LeaseOwner)

			err = q.Complete(ctx, job.ID, "w2")
			assert.True(t, serrors.IsKind(err, serrors.KindLeaseLost))
			err = q.Heartbeat(ctx, job.ID, "w2")
			assert.True(t, serrors.IsKind(err, serrors.KindLeaseLost))
			_, err = q.Fail(ctx, job.ID, "w2", errors.New("x"))
			assert.True(t, serrors.IsKind(err, serrors.KindLeaseLost))

			// heartbeat keeps the lease alive past the original expiry
			clock.Advance(20 * time.Second)
			require.NoError(t, q.Heartbeat(ctx, job.ID, "w1"))
			clock.Advance(20 * time.Second)
			res, err := q.ReclaimStalled(ctx)
			require.NoError(t, err)
			assert.Empty(t, res.Requeued)

			require.NoError(t, q.Complete(ctx, job.ID, "w1"))
			got, err := q.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, types.JobStateCompleted, got.State)
			assert.Empty(t, got.LeaseOwner)
		})
	}
}

func TestQueue_ReclaimStalled(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			q := factory(t, testOptions(clock))
			ctx := context.Background()

			_, _, err := q.Enqueue(ctx, "evt-1", EnqueueOptions{})
			require.NoError(t, err)

			// first stall: back to waiting
			job, err := q.Claim(ctx, "crashed-1")
			require.NoError(t, err)
			clock.Advance(31 * time.Second)
			res, err := q.ReclaimStalled(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{job.ID}, res.Requeued)
			assert.Empty(t, res.Failed)

			err = q.Complete(ctx, job.ID, "crashed-1")
			assert.True(t, serrors.IsKind(err, serrors.KindLeaseLost), "reclaimed lease is gone")

			// second stall exceeds the bound
			job, err = q.Claim(ctx, "crashed-2")
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, 1, job.StalledCount)
			clock.Advance(31 * time.Second)
			res, err = q.ReclaimStalled(ctx)
			require.NoError(t, err)
			assert.Empty(t, res.Requeued)
			require.Len(t, res.Failed, 1)
			assert.Equal(t, "evt-1", res.Failed[0].EventID())
			assert.Contains(t, res.Failed[0].LastError, "STALLED_JOB")

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.QueueCounts{Failed: 1}, counts)
		})
	}
}

func TestQueue_Retention(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			opts := testOptions(clock)
			opts.KeepCompleted = 2
			opts.KeepFailed = 1
			q := factory(t, opts)
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				id := fmt.Sprintf("evt-%d", i)
				_, _, err := q.Enqueue(ctx, id, EnqueueOptions{})
				require.NoError(t, err)
				job, err := q.Claim(ctx, "w1")
				require.NoError(t, err)
				if i%2 == 0 {
					require.NoError(t, q.Complete(ctx, job.ID, "w1"))
				} else {
					_, err = q.Fail(ctx, job.ID, "w1", serrors.Permanent(errors.New("bad")))
					require.NoError(t, err)
				}
				clock.Advance(time.Second)
			}

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, counts.Completed)
			assert.Equal(t, 1, counts.Failed)

			_, err = q.Get(ctx, "sync-evt-1")
			assert.True(t, serrors.IsKind(err, serrors.KindNotFound), "oldest failed job trimmed")

			failed, err := q.List(ctx, types.JobStateFailed, 0)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "evt-3", failed[0].EventID())

			n, err := q.Prune(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := boltFactory(t, DefaultOptions())
	_, _, err := q.Enqueue(context.Background(), "", EnqueueOptions{})
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))

	_, err = q.Get(context.Background(), "sync-missing")
	assert.True(t, serrors.IsKind(err, serrors.KindNotFound))

	_, err = q.List(context.Background(), types.JobState("bogus"), 0)
	assert.True(t, serrors.IsKind(err, serrors.KindValidation))
}

func TestBoltQueue_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := NewBoltQueue(path, DefaultOptions())
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, "evt-1", EnqueueOptions{Priority: -1, MaxAttempts: 2})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = NewBoltQueue(path, DefaultOptions())
	require.NoError(t, err)
	defer q.Close()

	job, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "evt-1", job.EventID())
	assert.Equal(t, -1, job.Priority)
	assert.Equal(t, 2, job.MaxAttempts)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), configWithBackend("kafka"))
	assert.Error(t, err)
}
