package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

// Lua helpers shared by the scripts below. Every script receives the job
// key prefix so job hashes can be addressed by id.
const luaTrim = `
local function trim(set, keep, prefix)
  if keep < 0 then return 0 end
  local n = redis.call('ZCARD', set)
  if n <= keep then return 0 end
  local old = redis.call('ZRANGE', set, 0, n - keep - 1)
  for _, id in ipairs(old) do redis.call('DEL', prefix .. id) end
  redis.call('ZREMRANGEBYRANK', set, 0, n - keep - 1)
  return #old
end
`

const luaLease = `
local function holds(jk, worker)
  return redis.call('HGET', jk, 'state') == 'active' and redis.call('HGET', jk, 'leaseOwner') == worker
end
`

// KEYS: job, waiting, delayed, completed, failed
// ARGV: id, eventId, priority, maxAttempts, readyAtMs, nowMs, waitScore
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then return 0 end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[1])
local newState = 'waiting'
if tonumber(ARGV[5]) > tonumber(ARGV[6]) then newState = 'delayed' end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'eventId', ARGV[2], 'priority', ARGV[3],
  'attemptsMade', 0, 'maxAttempts', ARGV[4], 'state', newState, 'stalledCount', 0,
  'readyAt', ARGV[5], 'createdAt', ARGV[6])
if newState == 'waiting' then
  redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`)

// KEYS: waiting, delayed, active
// ARGV: nowMs, worker, leaseMs, jobPrefix
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local jk = ARGV[4] .. id
  local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
  local ready = tonumber(redis.call('HGET', jk, 'readyAt') or ARGV[1])
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], -prio * 1e13 + ready, id)
  redis.call('HSET', jk, 'state', 'waiting')
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local id = head[1]
local jk = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
local expires = tonumber(ARGV[1]) + tonumber(ARGV[3])
redis.call('HSET', jk, 'state', 'active', 'leaseOwner', ARGV[2], 'leaseExpiresAt', expires, 'processedAt', ARGV[1])
redis.call('ZADD', KEYS[3], expires, id)
return id
`)

// KEYS: job, active
// ARGV: id, worker, nowMs, leaseMs
var heartbeatScript = redis.NewScript(luaLease + `
if not holds(KEYS[1], ARGV[2]) then return 0 end
local expires = tonumber(ARGV[3]) + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'leaseExpiresAt', expires)
redis.call('ZADD', KEYS[2], expires, ARGV[1])
return 1
`)

// KEYS: job, active, completed
// ARGV: id, worker, nowMs, keepCompleted, jobPrefix
var completeScript = redis.NewScript(luaTrim + luaLease + `
if not holds(KEYS[1], ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'finishedAt', ARGV[3], 'leaseOwner', '', 'leaseExpiresAt', 0)
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
trim(KEYS[3], tonumber(ARGV[4]), ARGV[5])
return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: id, worker, nowMs, lastError, retryable, backoffBaseMs, backoffMaxMs, keepFailed, jobPrefix
var failScript = redis.NewScript(luaTrim + luaLease + `
if not holds(KEYS[1], ARGV[2]) then return 'lost' end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attemptsMade') or '0') + 1
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'maxAttempts') or '1')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'attemptsMade', attempts, 'lastError', ARGV[4], 'leaseOwner', '', 'leaseExpiresAt', 0)
if ARGV[5] == '0' or attempts >= maxAttempts then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finishedAt', ARGV[3])
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
  trim(KEYS[4], tonumber(ARGV[8]), ARGV[9])
  return 'failed'
end
local delay = tonumber(ARGV[6]) * (2 ^ (attempts - 1))
local cap = tonumber(ARGV[7])
if cap > 0 and delay > cap then delay = cap end
local ready = tonumber(ARGV[3]) + delay
redis.call('HSET', KEYS[1], 'state', 'delayed', 'readyAt', ready)
redis.call('ZADD', KEYS[3], ready, ARGV[1])
return 'delayed'
`)

// KEYS: active, waiting, failed
// ARGV: nowMs, maxStalled, jobPrefix, keepFailed
var reclaimScript = redis.NewScript(luaTrim + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local requeued, failed = {}, {}
for _, id in ipairs(expired) do
  local jk = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  local n = tonumber(redis.call('HGET', jk, 'stalledCount') or '0') + 1
  redis.call('HSET', jk, 'stalledCount', n, 'leaseOwner', '', 'leaseExpiresAt', 0)
  if n > tonumber(ARGV[2]) then
    redis.call('HSET', jk, 'state', 'failed', 'finishedAt', ARGV[1],
      'lastError', '[STALLED_JOB reclaim] job ' .. id .. ' stalled ' .. n .. ' times')
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    table.insert(failed, id)
  else
    local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
    redis.call('HSET', jk, 'state', 'waiting', 'readyAt', ARGV[1])
    redis.call('ZADD', KEYS[2], -prio * 1e13 + tonumber(ARGV[1]), id)
    table.insert(requeued, id)
  end
end
trim(KEYS[3], tonumber(ARGV[4]), ARGV[3])
return {requeued, failed}
`)

// KEYS: completed, failed
// ARGV: keepCompleted, keepFailed, jobPrefix
var pruneScript = redis.NewScript(luaTrim + `
return trim(KEYS[1], tonumber(ARGV[1]), ARGV[3]) + trim(KEYS[2], tonumber(ARGV[2]), ARGV[3])
`)

// RedisQueue is a Queue stored in Redis. State sets are sorted sets and
// every transition is a Lua script, so transitions are atomic on the server.
// All keys share a hash tag so the scripts stay on one cluster slot.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	prefix string
}

// NewRedisQueue connects to the Redis server at url.
func NewRedisQueue(ctx context.Context, url, prefix string, opts Options) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisQueueWithClient(client, prefix, opts), nil
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "anchor"
	}
	return &RedisQueue{
		client: client,
		opts:   opts.withDefaults(),
		prefix: "{" + prefix + "}:",
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + name
}

func (q *RedisQueue) jobPrefix() string {
	return q.prefix + "job:"
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix() + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, eventID string, opts EnqueueOptions) (*types.SyncJob, bool, error) {
	if eventID == "" {
		return nil, false, serrors.Validation("enqueue", "event id is required")
	}
	id := types.JobIDFor(eventID)
	now := q.opts.now()
	readyAt := now.Add(opts.Delay)

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("waiting"), q.key("delayed"), q.key("completed"), q.key("failed")},
		id, eventID, opts.Priority, q.opts.maxAttemptsFor(opts), readyAt.UnixMilli(), now.UnixMilli(),
		waitScore(opts.Priority, readyAt),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue %s: %w", id, err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, created == 1, nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string) (*types.SyncJob, error) {
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("delayed"), q.key("active")},
		q.opts.now().UnixMilli(), workerID, q.opts.LeaseDuration.Milliseconds(), q.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return q.Get(ctx, id)
}

func (q *RedisQueue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	ok, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.key("active")},
		jobID, workerID, q.opts.now().UnixMilli(), q.opts.LeaseDuration.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease of %s: %w", jobID, err)
	}
	if ok == 0 {
		return serrors.LeaseLost(jobID, workerID)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID, workerID string) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.key("active"), q.key("completed")},
		jobID, workerID, q.opts.now().UnixMilli(), q.opts.KeepCompleted, q.jobPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", jobID, err)
	}
	if ok == 0 {
		return serrors.LeaseLost(jobID, workerID)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID, workerID string, cause error) (*types.SyncJob, error) {
	retryable := "0"
	if serrors.IsRetryable(cause) {
		retryable = "1"
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	outcome, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.key("active"), q.key("delayed"), q.key("failed")},
		jobID, workerID, q.opts.now().UnixMilli(), lastError, retryable,
		q.opts.BackoffBase.Milliseconds(), q.opts.BackoffMax.Milliseconds(), q.opts.KeepFailed, q.jobPrefix(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to record failure of %s: %w", jobID, err)
	}
	if outcome == "lost" {
		return nil, serrors.LeaseLost(jobID, workerID)
	}
	return q.Get(ctx, jobID)
}

func (q *RedisQueue) ReclaimStalled(ctx context.Context) (ReclaimResult, error) {
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("waiting"), q.key("failed")},
		q.opts.now().UnixMilli(), q.opts.MaxStalled, q.jobPrefix(), q.opts.KeepFailed,
	).Slice()
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("failed to reclaim stalled jobs: %w", err)
	}

	var result ReclaimResult
	if len(res) != 2 {
		return result, fmt.Errorf("unexpected reclaim reply: %v", res)
	}
	result.Requeued = toStrings(res[0])
	for _, id := range toStrings(res[1]) {
		job, err := q.Get(ctx, id)
		if err != nil {
			// trimmed by retention in the same script
			job = &types.SyncJob{ID: id, State: types.JobStateFailed, Payload: types.JobPayload{EventID: id[len(types.JobIDPrefix):]}}
		}
		result.Failed = append(result.Failed, job)
	}
	return result, nil
}

func (q *RedisQueue) Prune(ctx context.Context) (int, error) {
	n, err := pruneScript.Run(ctx, q.client,
		[]string{q.key("completed"), q.key("failed")},
		q.opts.KeepCompleted, q.opts.KeepFailed, q.jobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (types.QueueCounts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.QueueCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return types.QueueCounts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*types.SyncJob, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, serrors.NotFound("get job", "job", jobID)
	}
	return decodeJob(fields)
}

func (q *RedisQueue) List(ctx context.Context, state types.JobState, limit int) ([]*types.SyncJob, error) {
	if stateBucket(state) == nil {
		return nil, serrors.Validation("list jobs", fmt.Sprintf("unknown job state %q", state))
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.client.ZRange(ctx, q.key(string(state)), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	jobs := make([]*types.SyncJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if serrors.IsKind(err, serrors.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// waitScore orders the waiting set by descending priority, then ready time.
func waitScore(priority int, readyAt time.Time) float64 {
	return -float64(priority)*1e13 + float64(readyAt.UnixMilli())
}

func decodeJob(f map[string]string) (*types.SyncJob, error) {
	job := &types.SyncJob{
		ID:         f["id"],
		Payload:    types.JobPayload{EventID: f["eventId"]},
		State:      types.JobState(f["state"]),
		LeaseOwner: f["leaseOwner"],
		LastError:  f["lastError"],
	}
	var err error
	ints := []struct {
		field string
		dst   *int
	}{
		{"priority", &job.Priority},
		{"attemptsMade", &job.AttemptsMade},
		{"maxAttempts", &job.MaxAttempts},
		{"stalledCount", &job.StalledCount},
	}
	for _, i := range ints {
		if *i.dst, err = atoi(f[i.field]); err != nil {
			return nil, fmt.Errorf("job %s field %s: %w", job.ID, i.field, err)
		}
	}

	job.ReadyAt = millis(f["readyAt"])
	job.CreatedAt = millis(f["createdAt"])
	job.LeaseExpiresAt = millis(f["leaseExpiresAt"])
	if t := millis(f["processedAt"]); !t.IsZero() {
		job.ProcessedAt = &t
	}
	if t := millis(f["finishedAt"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// millis parses a Lua-formatted millisecond timestamp; zero means unset.
func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(f))
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
