package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

var (
	bucketJobs      = []byte("jobs")
	bucketWaiting   = []byte("waiting")
	bucketDelayed   = []byte("delayed")
	bucketActive    = []byte("active")
	bucketCompleted = []byte("completed")
	bucketFailed    = []byte("failed")
)

// record is the persisted form of a job. Key is the job's entry in the
// index bucket of its current state.
type record struct {
	types.SyncJob
	Key []byte `json:"key,omitempty"`
}

// BoltQueue is a Queue persisted in a single bbolt file. Every transition
// runs in one read-write transaction, which bbolt serializes.
type BoltQueue struct {
	db   *bolt.DB
	opts Options
}

// NewBoltQueue opens (or creates) the queue file at path.
func NewBoltQueue(path string, opts Options) (*BoltQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketWaiting, bucketDelayed, bucketActive, bucketCompleted, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db, opts: opts.withDefaults()}, nil
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}

func (q *BoltQueue) Enqueue(ctx context.Context, eventID string, opts EnqueueOptions) (*types.SyncJob, bool, error) {
	if eventID == "" {
		return nil, false, serrors.Validation("enqueue", "event id is required")
	}
	id := types.JobIDFor(eventID)
	now := q.opts.now()

	var job *types.SyncJob
	created := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State.Live() {
				job = cloneJob(&existing.SyncJob)
				return nil
			}
			if err := unindex(tx, existing); err != nil {
				return err
			}
		}

		rec := &record{SyncJob: types.SyncJob{
			ID:          id,
			Payload:     types.JobPayload{EventID: eventID},
			Priority:    opts.Priority,
			MaxAttempts: q.opts.maxAttemptsFor(opts),
			State:       types.JobStateWaiting,
			ReadyAt:     now.Add(opts.Delay),
			CreatedAt:   now,
		}}
		if opts.Delay > 0 {
			rec.State = types.JobStateDelayed
		}
		if err := index(tx, rec); err != nil {
			return err
		}
		job = cloneJob(&rec.SyncJob)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func (q *BoltQueue) Claim(ctx context.Context, workerID string) (*types.SyncJob, error) {
	now := q.opts.now()

	var job *types.SyncJob
	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := promoteDue(tx, now); err != nil {
			return err
		}

		k, v := tx.Bucket(bucketWaiting).Cursor().First()
		if k == nil {
			return nil
		}
		rec, err := getRecord(tx, string(v))
		if err != nil {
			return err
		}
		if rec == nil {
			return tx.Bucket(bucketWaiting).Delete(k)
		}
		if err := unindex(tx, rec); err != nil {
			return err
		}

		processed := now
		rec.State = types.JobStateActive
		rec.LeaseOwner = workerID
		rec.LeaseExpiresAt = now.Add(q.opts.LeaseDuration)
		rec.ProcessedAt = &processed
		if err := index(tx, rec); err != nil {
			return err
		}
		job = cloneJob(&rec.SyncJob)
		return nil
	})
	return job, err
}

func (q *BoltQueue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := q.opts.now()
	return q.db.Update(func(tx *bolt.Tx) error {
		rec, err := leasedRecord(tx, jobID, workerID)
		if err != nil {
			return err
		}
		rec.LeaseExpiresAt = now.Add(q.opts.LeaseDuration)
		return putRecord(tx, rec)
	})
}

func (q *BoltQueue) Complete(ctx context.Context, jobID, workerID string) error {
	now := q.opts.now()
	return q.db.Update(func(tx *bolt.Tx) error {
		rec, err := leasedRecord(tx, jobID, workerID)
		if err != nil {
			return err
		}
		if err := unindex(tx, rec); err != nil {
			return err
		}
		rec.State = types.JobStateCompleted
		rec.FinishedAt = &now
		clearLease(rec)
		if err := index(tx, rec); err != nil {
			return err
		}
		_, err = trim(tx, bucketCompleted, q.opts.KeepCompleted)
		return err
	})
}

func (q *BoltQueue) Fail(ctx context.Context, jobID, workerID string, cause error) (*types.SyncJob, error) {
	now := q.opts.now()

	var job *types.SyncJob
	err := q.db.Update(func(tx *bolt.Tx) error {
		rec, err := leasedRecord(tx, jobID, workerID)
		if err != nil {
			return err
		}
		if err := unindex(tx, rec); err != nil {
			return err
		}

		rec.AttemptsMade++
		if cause != nil {
			rec.LastError = cause.Error()
		}
		clearLease(rec)

		if !serrors.IsRetryable(cause) || rec.AttemptsMade >= rec.MaxAttempts {
			rec.State = types.JobStateFailed
			rec.FinishedAt = &now
		} else {
			rec.State = types.JobStateDelayed
			rec.ReadyAt = now.Add(q.opts.Backoff(rec.AttemptsMade))
		}
		if err := index(tx, rec); err != nil {
			return err
		}
		if rec.State == types.JobStateFailed {
			if _, err := trim(tx, bucketFailed, q.opts.KeepFailed); err != nil {
				return err
			}
		}
		job = cloneJob(&rec.SyncJob)
		return nil
	})
	return job, err
}

func (q *BoltQueue) ReclaimStalled(ctx context.Context) (ReclaimResult, error) {
	now := q.opts.now()

	var result ReclaimResult
	err := q.db.Update(func(tx *bolt.Tx) error {
		var expired []*record
		err := tx.Bucket(bucketActive).ForEach(func(k, v []byte) error {
			rec, err := getRecord(tx, string(v))
			if err != nil {
				return err
			}
			if rec != nil && rec.LeaseExpiresAt.Before(now) {
				expired = append(expired, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range expired {
			if err := unindex(tx, rec); err != nil {
				return err
			}
			rec.StalledCount++
			clearLease(rec)
			if rec.StalledCount > q.opts.MaxStalled {
				rec.State = types.JobStateFailed
				rec.FinishedAt = &now
				rec.LastError = serrors.StalledJob(rec.ID, rec.StalledCount).Error()
				result.Failed = append(result.Failed, cloneJob(&rec.SyncJob))
			} else {
				rec.State = types.JobStateWaiting
				rec.ReadyAt = now
				result.Requeued = append(result.Requeued, rec.ID)
			}
			if err := index(tx, rec); err != nil {
				return err
			}
		}
		if len(result.Failed) > 0 {
			_, err = trim(tx, bucketFailed, q.opts.KeepFailed)
		}
		return err
	})
	return result, err
}

func (q *BoltQueue) Prune(ctx context.Context) (int, error) {
	var removed int
	err := q.db.Update(func(tx *bolt.Tx) error {
		n, err := trim(tx, bucketCompleted, q.opts.KeepCompleted)
		if err != nil {
			return err
		}
		m, err := trim(tx, bucketFailed, q.opts.KeepFailed)
		removed = n + m
		return err
	})
	return removed, err
}

func (q *BoltQueue) Counts(ctx context.Context) (types.QueueCounts, error) {
	var counts types.QueueCounts
	err := q.db.View(func(tx *bolt.Tx) error {
		counts.Waiting = countKeys(tx.Bucket(bucketWaiting))
		counts.Delayed = countKeys(tx.Bucket(bucketDelayed))
		counts.Active = countKeys(tx.Bucket(bucketActive))
		counts.Completed = countKeys(tx.Bucket(bucketCompleted))
		counts.Failed = countKeys(tx.Bucket(bucketFailed))
		return nil
	})
	return counts, err
}

func (q *BoltQueue) Get(ctx context.Context, jobID string) (*types.SyncJob, error) {
	var job *types.SyncJob
	err := q.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, jobID)
		if err != nil {
			return err
		}
		if rec == nil {
			return serrors.NotFound("get job", "job", jobID)
		}
		job = cloneJob(&rec.SyncJob)
		return nil
	})
	return job, err
}

func (q *BoltQueue) List(ctx context.Context, state types.JobState, limit int) ([]*types.SyncJob, error) {
	bucket := stateBucket(state)
	if bucket == nil {
		return nil, serrors.Validation("list jobs", fmt.Sprintf("unknown job state %q", state))
	}

	var jobs []*types.SyncJob
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(jobs) >= limit {
				break
			}
			rec, err := getRecord(tx, string(v))
			if err != nil {
				return err
			}
			if rec != nil {
				jobs = append(jobs, cloneJob(&rec.SyncJob))
			}
		}
		return nil
	})
	return jobs, err
}

// promoteDue moves delayed jobs whose ready time has passed to waiting.
func promoteDue(tx *bolt.Tx, now time.Time) error {
	c := tx.Bucket(bucketDelayed).Cursor()
	var due []string
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if int64(binary.BigEndian.Uint64(k[:8])) > now.UnixNano() {
			break
		}
		due = append(due, string(v))
	}

	for _, id := range due {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if err := unindex(tx, rec); err != nil {
			return err
		}
		rec.State = types.JobStateWaiting
		if err := index(tx, rec); err != nil {
			return err
		}
	}
	return nil
}

// index assigns rec a key in its state bucket and persists it.
func index(tx *bolt.Tx, rec *record) error {
	jobs := tx.Bucket(bucketJobs)
	seq, err := jobs.NextSequence()
	if err != nil {
		return err
	}

	bucket := stateBucket(rec.State)
	switch rec.State {
	case types.JobStateWaiting:
		rec.Key = waitingKey(rec.Priority, rec.ReadyAt, seq)
	case types.JobStateDelayed:
		rec.Key = timeKey(rec.ReadyAt, seq)
	case types.JobStateActive:
		rec.Key = []byte(rec.ID)
	default:
		rec.Key = timeKey(*rec.FinishedAt, seq)
	}
	if err := tx.Bucket(bucket).Put(rec.Key, []byte(rec.ID)); err != nil {
		return err
	}
	return putRecord(tx, rec)
}

func unindex(tx *bolt.Tx, rec *record) error {
	if rec.Key == nil {
		return nil
	}
	if err := tx.Bucket(stateBucket(rec.State)).Delete(rec.Key); err != nil {
		return err
	}
	rec.Key = nil
	return nil
}

// trim deletes the oldest entries of a terminal bucket beyond keep.
func trim(tx *bolt.Tx, bucket []byte, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	b := tx.Bucket(bucket)
	excess := countKeys(b) - keep
	if excess <= 0 {
		return 0, nil
	}

	type entry struct{ key, id []byte }
	victims := make([]entry, 0, excess)
	c := b.Cursor()
	for k, v := c.First(); k != nil && len(victims) < excess; k, v = c.Next() {
		victims = append(victims, entry{key: append([]byte(nil), k...), id: append([]byte(nil), v...)})
	}
	jobs := tx.Bucket(bucketJobs)
	for _, e := range victims {
		if err := b.Delete(e.key); err != nil {
			return 0, err
		}
		if err := jobs.Delete(e.id); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

func getRecord(tx *bolt.Tx, id string) (*record, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(tx *bolt.Tx, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(rec.ID), data)
}

func leasedRecord(tx *bolt.Tx, jobID, workerID string) (*record, error) {
	rec, err := getRecord(tx, jobID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, serrors.NotFound("lease", "job", jobID)
	}
	if rec.State != types.JobStateActive || rec.LeaseOwner != workerID {
		return nil, serrors.LeaseLost(jobID, workerID)
	}
	return rec, nil
}

func clearLease(rec *record) {
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = time.Time{}
}

func stateBucket(state types.JobState) []byte {
	switch state {
	case types.JobStateWaiting:
		return bucketWaiting
	case types.JobStateDelayed:
		return bucketDelayed
	case types.JobStateActive:
		return bucketActive
	case types.JobStateCompleted:
		return bucketCompleted
	case types.JobStateFailed:
		return bucketFailed
	}
	return nil
}

// waitingKey sorts by descending priority, then ready time, then sequence.
func waitingKey(priority int, readyAt time.Time, seq uint64) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], ^(uint64(int64(priority)) ^ 1<<63))
	binary.BigEndian.PutUint64(key[8:16], uint64(readyAt.UnixNano()))
	binary.BigEndian.PutUint64(key[16:24], seq)
	return key
}

func timeKey(t time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(key[8:16], seq)
	return key
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func cloneJob(j *types.SyncJob) *types.SyncJob {
	cp := *j
	return &cp
}
