package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/model"
)

func newTestManager(t *testing.T, registry Registry, queues ...model.QueueConfig) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromRedis(rdb)

	if len(queues) == 0 {
		queues = []model.QueueConfig{{
			Name: "image_generation", MaxConcurrent: 2, JobTimeout: time.Second,
			KeepResult: time.Minute, MaxTries: 2, RetryDelays: []int{0},
		}}
	}
	return New(c, queues, registry), mr
}

func TestSubmitAndGetStatus(t *testing.T) {
	m, _ := newTestManager(t, Registry{})
	ctx := context.Background()

	taskID, err := m.Submit(ctx, "noop", nil, nil, "image_generation")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	rec, ok, err := m.GetStatus(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.TaskPending, rec.Status)
	require.Equal(t, "noop", rec.FunctionName)
}

func TestSubmitUnknownQueue(t *testing.T) {
	m, _ := newTestManager(t, Registry{})
	_, err := m.Submit(context.Background(), "noop", nil, nil, "does-not-exist")
	require.Error(t, err)
}

func TestWorkerExecutesAndCompletes(t *testing.T) {
	executed := make(chan struct{}, 1)
	registry := Registry{
		"echo": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			executed <- struct{}{}
			return "ok", nil
		},
	}
	m, _ := newTestManager(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartWorkers(ctx, map[string]int{"image_generation": 1})

	taskID, err := m.Submit(ctx, "echo", nil, nil, "image_generation")
	require.NoError(t, err)

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("task never executed")
	}

	require.Eventually(t, func() bool {
		rec, ok, err := m.GetStatus(ctx, taskID)
		return err == nil && ok && rec.Status == model.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	var calls int
	registry := Registry{
		"always_fail": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, errors.New("boom")
		},
	}
	queues := []model.QueueConfig{{
		Name: "image_generation", MaxConcurrent: 1, JobTimeout: time.Second,
		KeepResult: time.Minute, MaxTries: 2, RetryDelays: []int{0},
	}}
	m, _ := newTestManager(t, registry, queues...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartWorkers(ctx, map[string]int{"image_generation": 1})

	taskID, err := m.Submit(ctx, "always_fail", nil, nil, "image_generation")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok, err := m.GetStatus(ctx, taskID)
		return err == nil && ok && rec.Status == model.TaskFailed
	}, 3*time.Second, 10*time.Millisecond)

	rec, _, _ := m.GetStatus(ctx, taskID)
	require.Equal(t, 2, rec.RetryCount)
	require.Equal(t, 2, calls)
}

func TestRecoverTasksRequeuesRunning(t *testing.T) {
	m, mr := newTestManager(t, Registry{})
	ctx := context.Background()

	taskID, err := m.Submit(ctx, "noop", nil, nil, "image_generation")
	require.NoError(t, err)

	rec, _, _ := m.GetStatus(ctx, taskID)
	rec.Status = model.TaskRunning
	require.NoError(t, m.putRecord(ctx, rec))
	require.NoError(t, m.cache.SAdd(ctx, runningSetKey("image_generation"), taskID))
	// Simulate the task having already been popped off the queue.
	_, _ = mr.Lpop(queueKey("image_generation"))

	require.NoError(t, m.RecoverTasks(ctx))

	rec, ok, err := m.GetStatus(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.TaskPending, rec.Status)

	members, err := m.cache.SMembers(ctx, runningSetKey("image_generation"))
	require.NoError(t, err)
	require.Empty(t, members)

	qlen, err := m.cache.LLen(ctx, queueKey("image_generation"))
	require.NoError(t, err)
	require.Equal(t, int64(1), qlen)
}

func TestHasActiveTasksAndClearAllQueues(t *testing.T) {
	m, _ := newTestManager(t, Registry{})
	ctx := context.Background()

	active, err := m.HasActiveTasks(ctx)
	require.NoError(t, err)
	require.False(t, active)

	_, err = m.Submit(ctx, "noop", nil, nil, "image_generation")
	require.NoError(t, err)

	active, err = m.HasActiveTasks(ctx)
	require.NoError(t, err)
	require.True(t, active)

	cleared, err := m.ClearAllQueues(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cleared["queues"])
	require.Equal(t, 1, cleared["task_info"])

	active, err = m.HasActiveTasks(ctx)
	require.NoError(t, err)
	require.False(t, active)
}
