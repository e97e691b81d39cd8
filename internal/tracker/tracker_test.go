package tracker

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
	"github.com/deepstoryhq/storyengine/internal/taskqueue"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewFromRedis(rdb)
}

func TestDirectModeSetResult(t *testing.T) {
	c := newTestCache(t)
	tr := New(c, nil, "req1", 10*time.Millisecond)

	want := model.NewImageResult("https://example.test/bg.png")
	tr.SetResult("bg_lab_night", want)

	got, err := tr.Get(context.Background(), "bg_lab_night", time.Second)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.True(t, tr.IsReady("bg_lab_night"))
}

func TestDirectModeSetErrorIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	tr := New(c, nil, "req1", 10*time.Millisecond)

	tr.SetError("voice_mira", errors.New("boom"))
	tr.SetResult("voice_mira", model.NewAudioResult("should-not-apply")) // settle-once: ignored

	_, err := tr.Get(context.Background(), "voice_mira", time.Second)
	require.EqualError(t, err, "boom")
}

func TestGetTimesOutWhenUnsettled(t *testing.T) {
	c := newTestCache(t)
	tr := New(c, nil, "req1", 10*time.Millisecond)

	_, err := tr.Get(context.Background(), "never_settled", 30*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskModeSubmitAndPoll(t *testing.T) {
	c := newTestCache(t)
	registry := taskqueue.Registry{
		"tasks.scene_drawing": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return model.NewImageResult("https://example.test/scene.png"), nil
		},
	}
	queues := []model.QueueConfig{{
		Name: "image_generation", MaxConcurrent: 1, JobTimeout: time.Second,
		KeepResult: time.Minute, MaxTries: 1, RetryDelays: []int{0},
	}}
	mgr := taskqueue.New(c, queues, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.StartWorkers(ctx, map[string]int{"image_generation": 1})

	tr := New(c, mgr, "req1", 10*time.Millisecond)
	require.NoError(t, tr.Submit(ctx, "bg_lab_night", "tasks.scene_drawing", nil, nil, "image_generation"))
	tr.StartPolling(ctx)
	defer tr.StopPolling()

	result, err := tr.Get(ctx, "bg_lab_night", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "https://example.test/scene.png", result.PrimaryURL())
	require.Equal(t, 1, tr.TaskCount())
}

func TestSubmitDoesNotDuplicatePendingResource(t *testing.T) {
	c := newTestCache(t)
	var calls int
	registry := taskqueue.Registry{
		"tasks.slow": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			calls++
			time.Sleep(50 * time.Millisecond)
			return model.NewImageResult("https://example.test/x.png"), nil
		},
	}
	queues := []model.QueueConfig{{
		Name: "image_generation", MaxConcurrent: 1, JobTimeout: time.Second,
		KeepResult: time.Minute, MaxTries: 1, RetryDelays: []int{0},
	}}
	mgr := taskqueue.New(c, queues, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.StartWorkers(ctx, map[string]int{"image_generation": 1})

	tr := New(c, mgr, "req1", 10*time.Millisecond)
	require.NoError(t, tr.Submit(ctx, "k", "tasks.slow", nil, nil, "image_generation"))
	require.NoError(t, tr.Submit(ctx, "k", "tasks.slow", nil, nil, "image_generation"))

	tr.StartPolling(ctx)
	defer tr.StopPolling()
	_, err := tr.Get(ctx, "k", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestClearAndClearCompleted(t *testing.T) {
	c := newTestCache(t)
	tr := New(c, nil, "req1", 10*time.Millisecond)

	tr.SetResult("a", model.NewImageResult("u1"))
	tr.Register("b")

	n, err := tr.ClearCompleted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, tr.TotalCount())

	require.NoError(t, tr.Clear(context.Background(), "b"))
	require.Equal(t, 0, tr.TotalCount())
}

func TestInitializeRecoversFromRedis(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.HSet(ctx, "tracker:req1:resources", "bg_lab_night", `{"task_id":"abc","queue":"image_generation"}`))

	tr := New(c, nil, "req1", 10*time.Millisecond)
	require.NoError(t, tr.Initialize(ctx))

	require.Equal(t, 1, tr.TotalCount())
	require.Equal(t, 1, tr.TaskCount())
	require.False(t, tr.IsReady("bg_lab_night"))
}
