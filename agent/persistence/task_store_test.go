package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisTaskStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultStoreConfig()
	config.Type = StoreTypeRedis
	config.Redis.Addr = mr.Addr()
	store, err := NewRedisTaskStore(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})
	return mr, store
}

// forEachStore runs the same contract against every backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store TaskStore)) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryTaskStore(DefaultStoreConfig())
		defer store.Close()
		fn(t, store)
	})
	t.Run("redis", func(t *testing.T) {
		_, store := setupRedisStore(t)
		fn(t, store)
	})
}

func newTask(id string, priority int) *Task {
	return &Task{
		ID:          id,
		Type:        "fetch_context",
		Payload:     json.RawMessage(`{"instance_id":"wf-1"}`),
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Ping(ctx))

		task := newTask("t-1", 5)
		require.NoError(t, store.Create(ctx, task))
		assert.Equal(t, int64(1), task.Seq)
		assert.ErrorIs(t, store.Create(ctx, newTask("t-1", 5)), ErrAlreadyExists)

		got, err := store.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, TaskStatusQueued, got.Status)
		assert.Equal(t, "fetch_context", got.Type)
		assert.JSONEq(t, `{"instance_id":"wf-1"}`, string(got.Payload))
		assert.Equal(t, 3, got.MaxAttempts)
		assert.Equal(t, 0, got.Attempts)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTaskStore_ClaimOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTask("low", 1)))
		require.NoError(t, store.Create(ctx, newTask("high-1", 10)))
		require.NoError(t, store.Create(ctx, newTask("normal", 5)))
		require.NoError(t, store.Create(ctx, newTask("high-2", 10)))

		now := time.Now()
		var order []string
		for i := 0; i < 4; i++ {
			task, err := store.Claim(ctx, "w-1", now, time.Minute)
			require.NoError(t, err)
			require.NotNil(t, task)
			order = append(order, task.ID)
			assert.Equal(t, TaskStatusRunning, task.Status)
			assert.Equal(t, "w-1", task.Owner)
			assert.Equal(t, 1, task.Attempts)
			assert.Equal(t, int64(1), task.Epoch)
		}
		assert.Equal(t, []string{"high-1", "high-2", "normal", "low"}, order)

		empty, err := store.Claim(ctx, "w-1", now, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, empty)
	})
}

func TestTaskStore_DelayedTaskBecomesVisible(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		now := time.Now()
		task := newTask("later", 5)
		task.ScheduledAt = now.Add(time.Minute)
		require.NoError(t, store.Create(ctx, task))

		got, err := store.Claim(ctx, "w-1", now, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = store.Claim(ctx, "w-1", now.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "later", got.ID)
	})
}

func TestTaskStore_ExpiredLeaseIsReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTask("t-1", 5)))

		now := time.Now()
		first, err := store.Claim(ctx, "crashed", now, time.Second)
		require.NoError(t, err)
		require.NotNil(t, first)

		none, err := store.Claim(ctx, "w-2", now.Add(500*time.Millisecond), time.Second)
		require.NoError(t, err)
		assert.Nil(t, none, "lease still held")

		second, err := store.Claim(ctx, "w-2", now.Add(2*time.Second), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "w-2", second.Owner)
		assert.Equal(t, 2, second.Attempts)
		assert.Equal(t, int64(2), second.Epoch)

		// 过期工作者的迟到结果被拒绝
		_, err = store.Release(ctx, "t-1", "crashed", first.Epoch, Release{Status: TaskStatusSucceeded})
		assert.ErrorIs(t, err, ErrLeaseLost)
		assert.ErrorIs(t, store.Renew(ctx, "t-1", "crashed", first.Epoch, now.Add(time.Hour)), ErrLeaseLost)

		done, err := store.Release(ctx, "t-1", "w-2", second.Epoch, Release{
			Status: TaskStatusSucceeded,
			Result: json.RawMessage(`{"ok":true}`),
		})
		require.NoError(t, err)
		assert.Equal(t, TaskStatusSucceeded, done.Status)
		assert.Empty(t, done.Owner)
		assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	})
}

func TestTaskStore_RenewExtendsLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTask("t-1", 5)))

		now := time.Now()
		task, err := store.Claim(ctx, "w-1", now, time.Second)
		require.NoError(t, err)
		require.NoError(t, store.Renew(ctx, task.ID, "w-1", task.Epoch, now.Add(time.Hour)))

		stolen, err := store.Claim(ctx, "w-2", now.Add(time.Minute), time.Second)
		require.NoError(t, err)
		assert.Nil(t, stolen)

		assert.ErrorIs(t, store.Renew(ctx, "missing", "w-1", 1, now), ErrNotFound)
	})
}

func TestTaskStore_ReleaseRequeueWithBackoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTask("t-1", 5)))

		now := time.Now()
		task, err := store.Claim(ctx, "w-1", now, time.Minute)
		require.NoError(t, err)

		retryAt := now.Add(10 * time.Second)
		back, err := store.Release(ctx, task.ID, "w-1", task.Epoch, Release{
			Status:      TaskStatusQueued,
			LastError:   "carrier portal timeout",
			ScheduledAt: retryAt,
		})
		require.NoError(t, err)
		assert.Equal(t, TaskStatusQueued, back.Status)
		assert.Equal(t, "carrier portal timeout", back.LastError)
		assert.Equal(t, retryAt.UnixMilli(), back.ScheduledAt.UnixMilli())

		early, err := store.Claim(ctx, "w-1", now.Add(time.Second), time.Minute)
		require.NoError(t, err)
		assert.Nil(t, early)

		again, err := store.Claim(ctx, "w-1", now.Add(11*time.Second), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempts)
	})
}

func TestTaskStore_ReleaseRefundKeepsAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTask("t-1", 5)))

		now := time.Now()
		task, err := store.Claim(ctx, "w-1", now, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, task.Attempts)

		back, err := store.Release(ctx, task.ID, "w-1", task.Epoch, Release{
			Status:      TaskStatusQueued,
			ScheduledAt: now,
			Refund:      true,
		})
		require.NoError(t, err)
		assert.Equal(t, TaskStatusQueued, back.Status)
		assert.Equal(t, 0, back.Attempts)
		assert.Empty(t, back.LastError)

		again, err := store.Claim(ctx, "w-2", now.Add(time.Millisecond), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 1, again.Attempts)
		assert.Greater(t, again.Epoch, task.Epoch)
	})
}

func TestTaskStore_ListStatsCleanup(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Create(ctx, newTask(fmt.Sprintf("t-%d", i), 5)))
		}
		task, err := store.Claim(ctx, "w-1", time.Now(), time.Minute)
		require.NoError(t, err)
		_, err = store.Release(ctx, task.ID, "w-1", task.Epoch, Release{Status: TaskStatusDead, LastError: "boom"})
		require.NoError(t, err)

		dead, err := store.List(ctx, TaskFilter{Status: []TaskStatus{TaskStatusDead}})
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "t-0", dead[0].ID)

		all, err := store.List(ctx, TaskFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalTasks)
		assert.Equal(t, int64(2), stats.ByStatus[TaskStatusQueued])
		assert.Equal(t, int64(1), stats.ByStatus[TaskStatusDead])

		next, err := store.Claim(ctx, "w-1", time.Now(), time.Minute)
		require.NoError(t, err)
		_, err = store.Release(ctx, next.ID, "w-1", next.Epoch, Release{Status: TaskStatusSucceeded})
		require.NoError(t, err)

		removed, err := store.Cleanup(ctx, -time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		_, err = store.Get(ctx, next.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTaskStore_ConcurrentClaimsNeverShareALease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store TaskStore) {
		ctx := context.Background()
		const n = 20
		for i := 0; i < n; i++ {
			require.NoError(t, store.Create(ctx, newTask(fmt.Sprintf("t-%02d", i), i%3)))
		}

		var mu sync.Mutex
		seen := make(map[string]string)
		var wg sync.WaitGroup
		for w := 0; w < 5; w++ {
			worker := fmt.Sprintf("w-%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := store.Claim(ctx, worker, time.Now(), time.Minute)
					if err != nil || task == nil {
						return
					}
					mu.Lock()
					if prev, dup := seen[task.ID]; dup {
						t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
					}
					seen[task.ID] = worker
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, n)
	})
}

func TestNewTaskStore(t *testing.T) {
	store, err := NewTaskStore(DefaultStoreConfig())
	require.NoError(t, err)
	assert.IsType(t, &MemoryTaskStore{}, store)
	require.NoError(t, store.Close())

	_, err = NewTaskStore(StoreConfig{Type: "file"})
	assert.Error(t, err)

	_, err = NewTaskStore(StoreConfig{Type: StoreTypeRedis})
	assert.ErrorIs(t, err, ErrInvalidInput)

	mr := miniredis.RunT(t)
	cfg := DefaultStoreConfig()
	cfg.Type = " Redis "
	cfg.Redis.Addr = mr.Addr()
	store, err = NewTaskStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisTaskStore{}, store)
	assert.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
}

func TestParseStoreType(t *testing.T) {
	for in, want := range map[string]StoreType{"": StoreTypeMemory, "memory": StoreTypeMemory, "REDIS": StoreTypeRedis} {
		got, err := ParseStoreType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseStoreType("mongo")
	assert.Error(t, err)
}
