package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTaskStore is a Redis-based implementation of TaskStore.
// Suitable for distributed production deployments.
//
// Layout under the key prefix:
//
//	task:<id>       hash with the task fields (times in unix ms)
//	task:queued     zset, score ranks priority desc then seq asc
//	task:delayed    zset, score is scheduled_at
//	task:running    zset, score is lease_until
//	task:all        zset, score is seq
//	task:seq        FIFO counter
type RedisTaskStore struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
}

// rank = (MaxPriority - priority) * 1e12 + seq, so ZRANGE 0 0 is the best task.
const rankLua = `
local function rank(key, maxPrio)
  local f = redis.call('HMGET', key, 'priority', 'seq')
  return (maxPrio - tonumber(f[1])) * 1e12 + tonumber(f[2])
end
`

// KEYS: task, queued, delayed, seq, all
// ARGV: id, maxPrio, nowMs, field, value, ...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('HSET', KEYS[1], 'seq', seq)
-- 新任务先进入 delayed，由 claim 按调用方时钟提升
local sched = tonumber(redis.call('HGET', KEYS[1], 'scheduled_at'))
redis.call('ZADD', KEYS[3], sched, ARGV[1])
redis.call('ZADD', KEYS[5], seq, ARGV[1])
return seq
`)

// KEYS: queued, delayed, running
// ARGV: nowMs, leaseUntilMs, worker, taskKeyPrefix, maxPrio
var claimScript = redis.NewScript(rankLua + `
local now = tonumber(ARGV[1])
local prefix = ARGV[4]
local maxPrio = tonumber(ARGV[5])

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], rank(prefix .. id, maxPrio), id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(expired) do
  local key = prefix .. id
  redis.call('ZREM', KEYS[3], id)
  redis.call('HSET', key, 'status', 'queued', 'owner', '', 'lease_until', '0')
  redis.call('ZADD', KEYS[1], rank(key, maxPrio), id)
end

local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local id = head[1]
local key = prefix .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', key, 'status', 'running', 'owner', ARGV[3], 'lease_until', ARGV[2], 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HINCRBY', key, 'epoch', 1)
redis.call('ZADD', KEYS[3], ARGV[2], id)
return id
`)

// KEYS: task, running
// ARGV: id, worker, epoch, leaseUntilMs
var renewScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'owner', 'epoch')
if f[1] ~= 'running' or f[2] ~= ARGV[2] or f[3] ~= ARGV[3] then return 0 end
redis.call('HSET', KEYS[1], 'lease_until', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: task, queued, delayed, running
// ARGV: id, worker, epoch, status, result, lastError, scheduledMs, nowMs, maxPrio, refund
var releaseScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'status', 'owner', 'epoch')
if f[1] ~= 'running' or f[2] ~= ARGV[2] or f[3] ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[4], ARGV[1])
local status = ARGV[4]
redis.call('HSET', KEYS[1], 'status', status, 'owner', '', 'lease_until', '0', 'updated_at', ARGV[8])
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'result', ARGV[5]) end
if ARGV[6] ~= '' then redis.call('HSET', KEYS[1], 'last_error', ARGV[6]) end
if status == 'queued' then
  redis.call('HSET', KEYS[1], 'scheduled_at', ARGV[7])
  redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
end
if ARGV[10] == '1' and tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
return 1
`)

// NewRedisTaskStore creates a new Redis-based task store
func NewRedisTaskStore(config StoreConfig) (*RedisTaskStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisTaskStoreWithClient(client, config.Redis.KeyPrefix)
	store.ownClient = true
	return store, nil
}

// NewRedisTaskStoreWithClient wraps an existing client; Close leaves it open.
func NewRedisTaskStoreWithClient(client *redis.Client, keyPrefix string) *RedisTaskStore {
	if keyPrefix == "" {
		keyPrefix = "brokerflow:"
	}
	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
	}
}

// Close closes the store
func (s *RedisTaskStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) taskKey(taskID string) string { return s.keyPrefix + taskID }
func (s *RedisTaskStore) queuedKey() string            { return s.keyPrefix + "queued" }
func (s *RedisTaskStore) delayedKey() string           { return s.keyPrefix + "delayed" }
func (s *RedisTaskStore) runningKey() string           { return s.keyPrefix + "running" }
func (s *RedisTaskStore) allKey() string               { return s.keyPrefix + "all" }
func (s *RedisTaskStore) seqKey() string               { return s.keyPrefix + "seq" }

// Create persists a new task
func (s *RedisTaskStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Priority = clampPriority(task.Priority)
	task.Status = TaskStatusQueued

	args := []any{task.ID, MaxPriority, now.UnixMilli()}
	args = append(args, encodeTask(task)...)
	seq, err := createScript.Run(ctx, s.client,
		[]string{s.taskKey(task.ID), s.queuedKey(), s.delayedKey(), s.seqKey(), s.allKey()},
		args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if seq == 0 {
		return ErrAlreadyExists
	}
	task.Seq = seq
	return nil
}

// Get retrieves a task by ID
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*Task, error) {
	fields, err := s.client.HGetAll(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeTask(fields)
}

// Claim takes the best visible task
func (s *RedisTaskStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Task, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.queuedKey(), s.delayedKey(), s.runningKey()},
		now.UnixMilli(), now.Add(lease).UnixMilli(), workerID, s.keyPrefix, MaxPriority,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return s.Get(ctx, id)
}

// Renew extends a held lease
func (s *RedisTaskStore) Renew(ctx context.Context, taskID, workerID string, epoch int64, leaseUntil time.Time) error {
	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.taskKey(taskID), s.runningKey()},
		taskID, workerID, strconv.FormatInt(epoch, 10), leaseUntil.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if ok == 0 {
		return s.lostOrMissing(ctx, taskID)
	}
	return nil
}

// Release hands a held task back
func (s *RedisTaskStore) Release(ctx context.Context, taskID, workerID string, epoch int64, rel Release) (*Task, error) {
	now := time.Now()
	ok, err := releaseScript.Run(ctx, s.client,
		[]string{s.taskKey(taskID), s.queuedKey(), s.delayedKey(), s.runningKey()},
		taskID, workerID, strconv.FormatInt(epoch, 10), string(rel.Status),
		string(rel.Result), rel.LastError, msOrZero(rel.ScheduledAt), now.UnixMilli(), MaxPriority,
		boolFlag(rel.Refund),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to release task: %w", err)
	}
	if ok == 0 {
		return nil, s.lostOrMissing(ctx, taskID)
	}
	return s.Get(ctx, taskID)
}

func (s *RedisTaskStore) lostOrMissing(ctx context.Context, taskID string) error {
	n, err := s.client.Exists(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrLeaseLost
}

// List retrieves tasks matching the filter, oldest first
func (s *RedisTaskStore) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(ids) == 0 {
		return []*Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	out := make([]*Task, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decodeTask(fields)
		if err != nil {
			return nil, err
		}
		if filter.match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Cleanup removes old succeeded tasks
func (s *RedisTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := s.List(ctx, TaskFilter{Status: []TaskStatus{TaskStatusSucceeded}})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	pipe := s.client.TxPipeline()
	count := 0
	for _, t := range tasks {
		if t.UpdatedAt.Before(cutoff) {
			pipe.Del(ctx, s.taskKey(t.ID))
			pipe.ZRem(ctx, s.allKey(), t.ID)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to cleanup tasks: %w", err)
	}
	return count, nil
}

// Stats returns task counts by status
func (s *RedisTaskStore) Stats(ctx context.Context) (*TaskStoreStats, error) {
	tasks, err := s.List(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}
	stats := &TaskStoreStats{ByStatus: make(map[TaskStatus]int64)}
	for _, t := range tasks {
		stats.TotalTasks++
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// encodeTask flattens the creatable fields into HSET arguments.
func encodeTask(t *Task) []any {
	return []any{
		"id", t.ID,
		"type", t.Type,
		"payload", string(t.Payload),
		"priority", t.Priority,
		"attempts", t.Attempts,
		"max_attempts", t.MaxAttempts,
		"status", string(t.Status),
		"scheduled_at", msOrZero(t.ScheduledAt),
		"last_error", t.LastError,
		"result", string(t.Result),
		"owner", "",
		"lease_until", 0,
		"epoch", t.Epoch,
		"created_at", t.CreatedAt.UnixMilli(),
		"updated_at", t.UpdatedAt.UnixMilli(),
	}
}

func decodeTask(f map[string]string) (*Task, error) {
	atoi := func(key string) (int64, error) {
		v, ok := f[key]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("task %s: bad %s %q: %w", f["id"], key, v, err)
		}
		return n, nil
	}

	t := &Task{
		ID:          f["id"],
		Type:        f["type"],
		Status:      TaskStatus(f["status"]),
		LastError:   f["last_error"],
		Owner:       f["owner"],
		ScheduledAt: fromMs(f["scheduled_at"]),
		LeaseUntil:  fromMs(f["lease_until"]),
		CreatedAt:   fromMs(f["created_at"]),
		UpdatedAt:   fromMs(f["updated_at"]),
	}
	if p := f["payload"]; p != "" {
		t.Payload = json.RawMessage(p)
	}
	if r := f["result"]; r != "" {
		t.Result = json.RawMessage(r)
	}

	var err error
	var n int64
	if n, err = atoi("priority"); err != nil {
		return nil, err
	}
	t.Priority = int(n)
	if n, err = atoi("attempts"); err != nil {
		return nil, err
	}
	t.Attempts = int(n)
	if n, err = atoi("max_attempts"); err != nil {
		return nil, err
	}
	t.MaxAttempts = int(n)
	if t.Epoch, err = atoi("epoch"); err != nil {
		return nil, err
	}
	if t.Seq, err = atoi("seq"); err != nil {
		return nil, err
	}
	return t, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
