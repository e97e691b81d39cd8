// Package tracker implements the resource tracker: a future-like handle per
// resource key that settles either directly (set by the producer itself,
// for cheap lookups like a voice match) or by polling a taskqueue.Manager
// job to completion (for slow resources like image/audio generation). The
// key -> task mapping is persisted to Redis so a restarted process can
// reattach its polling loop to work already in flight.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/taskqueue"
)

var log = logging.WithComponent("tracker")

// future is a settle-once holder for a resource result. The zero value is
// not usable; construct with newFuture.
type future struct {
	done    chan struct{}
	mu      sync.Mutex
	settled bool
	result  model.ResourceResult
	err     error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// settle sets the result exactly once; later calls are no-ops, matching the
// "first settle wins" semantics resources are tracked under.
func (f *future) settle(result model.ResourceResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return
	}
	f.settled = true
	f.result = result
	f.err = err
	close(f.done)
}

func (f *future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) peek() (model.ResourceResult, error, bool) {
	if !f.isDone() {
		return model.ResourceResult{}, nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err, true
}

func (f *future) wait(ctx context.Context) (model.ResourceResult, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.err
	case <-ctx.Done():
		return model.ResourceResult{}, ctx.Err()
	}
}

type trackedResource struct {
	key    string
	future *future
	taskID string
	queue  string
}

// Tracker owns every resource key tracked for one request.
type Tracker struct {
	cache        *cache.Client
	manager      *taskqueue.Manager
	requestID    string
	pollInterval time.Duration

	mu        sync.Mutex
	resources map[string]*trackedResource

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
	polling    bool
}

// New builds a Tracker scoped to requestID. manager may be nil if the
// caller only ever uses direct-mode resources (Register/SetResult/SetError)
// and never Submit.
func New(c *cache.Client, manager *taskqueue.Manager, requestID string, pollInterval time.Duration) *Tracker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Tracker{
		cache:        c,
		manager:      manager,
		requestID:    requestID,
		pollInterval: pollInterval,
		resources:    make(map[string]*trackedResource),
	}
}

func (t *Tracker) redisKey() string {
	return fmt.Sprintf("tracker:%s:resources", t.requestID)
}

// Initialize recovers task-mode resource mappings from Redis (a restarted
// process re-registers each key as unsettled; StartPolling reattaches).
func (t *Tracker) Initialize(ctx context.Context) error {
	mapping, err := t.cache.HGetAll(ctx, t.redisKey())
	if err != nil {
		return fmt.Errorf("tracker: recover mapping: %w", err)
	}
	recovered := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, raw := range mapping {
		var data struct {
			TaskID string `json:"task_id"`
			Queue  string `json:"queue"`
		}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			log.Warn("failed to recover resource mapping", "key", key, "error", err)
			continue
		}
		t.resources[key] = &trackedResource{key: key, future: newFuture(), taskID: data.TaskID, queue: data.Queue}
		recovered++
	}
	if recovered > 0 {
		log.Info("recovered tracked resources", "count", recovered)
	}
	return nil
}

// Register ensures key has a future, creating it (unsettled, direct mode)
// if this is the first reference. It returns nothing; use Get or GetNowait
// to read the value.
func (t *Tracker) Register(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(key)
}

func (t *Tracker) registerLocked(key string) *trackedResource {
	if r, ok := t.resources[key]; ok {
		return r
	}
	r := &trackedResource{key: key, future: newFuture()}
	t.resources[key] = r
	return r
}

// SetResult settles key directly with a value (direct mode). A no-op if the
// key was already settled.
func (t *Tracker) SetResult(key string, result model.ResourceResult) {
	t.mu.Lock()
	r := t.registerLocked(key)
	t.mu.Unlock()
	r.future.settle(result, nil)
}

// SetError settles key directly with an error (direct mode).
func (t *Tracker) SetError(key string, err error) {
	t.mu.Lock()
	r := t.registerLocked(key)
	t.mu.Unlock()
	r.future.settle(model.ResourceResult{}, err)
}

// Submit enqueues a taskqueue job and tracks it under key (task mode). If
// key is already tracked and not yet settled, the existing pending
// resource is returned rather than submitting a duplicate job.
func (t *Tracker) Submit(ctx context.Context, key, function string, args []any, kwargs map[string]any, queue string) error {
	if t.manager == nil {
		return fmt.Errorf("tracker: no taskqueue manager configured, cannot submit %q", key)
	}

	t.mu.Lock()
	if r, ok := t.resources[key]; ok && !r.future.isDone() {
		t.mu.Unlock()
		log.Warn("resource already tracked, not resubmitting", "key", key)
		return nil
	}
	t.mu.Unlock()

	taskID, err := t.manager.Submit(ctx, function, args, kwargs, queue)
	if err != nil {
		return fmt.Errorf("tracker: submit %q: %w", key, err)
	}

	t.mu.Lock()
	t.resources[key] = &trackedResource{key: key, future: newFuture(), taskID: taskID, queue: queue}
	t.mu.Unlock()

	if err := t.persist(ctx, key, taskID, queue); err != nil {
		log.Warn("failed to persist resource mapping", "key", key, "error", err)
	}
	log.Info("submitted and tracking", "key", key, "task_id", taskID)
	return nil
}

func (t *Tracker) persist(ctx context.Context, key, taskID, queue string) error {
	raw, err := json.Marshal(struct {
		TaskID string `json:"task_id"`
		Queue  string `json:"queue"`
	}{taskID, queue})
	if err != nil {
		return err
	}
	return t.cache.HSet(ctx, t.redisKey(), key, string(raw))
}

// StartPolling launches the background loop that settles task-mode
// resources from their taskqueue job status. A no-op if already polling.
func (t *Tracker) StartPolling(ctx context.Context) {
	t.mu.Lock()
	if t.polling {
		t.mu.Unlock()
		return
	}
	t.polling = true
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.mu.Unlock()

	t.pollWG.Add(1)
	go t.pollLoop(pollCtx)
	log.Info("polling started", "request_id", t.requestID)
}

// StopPolling cancels the background loop and waits for it to exit.
func (t *Tracker) StopPolling() {
	t.mu.Lock()
	if !t.polling {
		t.mu.Unlock()
		return
	}
	t.polling = false
	cancel := t.pollCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.pollWG.Wait()
	log.Info("polling stopped", "request_id", t.requestID)
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer t.pollWG.Done()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	pending := make([]*trackedResource, 0, len(t.resources))
	for _, r := range t.resources {
		if r.taskID != "" && !r.future.isDone() {
			pending = append(pending, r)
		}
	}
	t.mu.Unlock()

	for _, r := range pending {
		rec, ok, err := t.manager.GetStatus(ctx, r.taskID)
		if err != nil {
			log.Error("poll: get task status failed", "task_id", r.taskID, "error", err)
			continue
		}
		if !ok {
			r.future.settle(model.ResourceResult{}, fmt.Errorf("task %s not found", r.taskID))
			continue
		}
		switch rec.Status {
		case model.TaskCompleted:
			result, err := decodeResult(rec.Result)
			r.future.settle(result, err)
		case model.TaskFailed:
			msg := rec.Error
			if msg == "" {
				msg = "task failed"
			}
			r.future.settle(model.ResourceResult{}, fmt.Errorf("%s", msg))
		}
	}
}

func decodeResult(raw any) (model.ResourceResult, error) {
	if raw == nil {
		return model.ResourceResult{}, fmt.Errorf("tracker: task completed with no result")
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.ResourceResult{}, fmt.Errorf("tracker: re-encode task result: %w", err)
	}
	var result model.ResourceResult
	if err := json.Unmarshal(buf, &result); err != nil {
		return model.ResourceResult{}, fmt.Errorf("tracker: decode task result: %w", err)
	}
	return result, nil
}

// Get waits for key to settle, up to timeout (0 means wait forever, bounded
// only by ctx). On a timed-out or cancelled wait it logs and returns the
// zero value.
func (t *Tracker) Get(ctx context.Context, key string, timeout time.Duration) (model.ResourceResult, error) {
	t.mu.Lock()
	r := t.registerLocked(key)
	t.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := r.future.wait(waitCtx)
	if err == context.DeadlineExceeded || err == context.Canceled {
		log.Warn("timed out waiting for resource", "key", key)
		return model.ResourceResult{}, err
	}
	return result, err
}

// GetNowait returns a settled result without blocking, or (zero, false) if
// the resource is unknown, unsettled, or settled with an error.
func (t *Tracker) GetNowait(key string) (model.ResourceResult, bool) {
	t.mu.Lock()
	r, ok := t.resources[key]
	t.mu.Unlock()
	if !ok {
		return model.ResourceResult{}, false
	}
	result, err, done := r.future.peek()
	if !done || err != nil {
		return model.ResourceResult{}, false
	}
	return result, true
}

// IsReady reports whether key has settled (successfully or not).
func (t *Tracker) IsReady(key string) bool {
	t.mu.Lock()
	r, ok := t.resources[key]
	t.mu.Unlock()
	return ok && r.future.isDone()
}

// Clear drops one resource, both in memory and from its Redis mapping.
func (t *Tracker) Clear(ctx context.Context, key string) error {
	t.mu.Lock()
	_, ok := t.resources[key]
	delete(t.resources, key)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.cache.HDel(ctx, t.redisKey(), key)
}

// ClearCompleted drops every settled resource and returns how many were
// removed.
func (t *Tracker) ClearCompleted(ctx context.Context) (int, error) {
	t.mu.Lock()
	var done []string
	for k, r := range t.resources {
		if r.future.isDone() {
			done = append(done, k)
		}
	}
	for _, k := range done {
		delete(t.resources, k)
	}
	t.mu.Unlock()

	for _, k := range done {
		if err := t.cache.HDel(ctx, t.redisKey(), k); err != nil {
			return len(done), err
		}
	}
	return len(done), nil
}

// ClearAll drops every tracked resource and its Redis mapping.
func (t *Tracker) ClearAll(ctx context.Context) error {
	t.mu.Lock()
	t.resources = make(map[string]*trackedResource)
	t.mu.Unlock()
	return t.cache.Del(ctx, t.redisKey())
}

// PendingCount reports how many tracked resources have not yet settled.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.resources {
		if !r.future.isDone() {
			n++
		}
	}
	return n
}

// TotalCount reports how many resources are currently tracked.
func (t *Tracker) TotalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// TaskCount reports how many tracked resources are task-mode (have a
// taskqueue job backing them, as opposed to direct-mode).
func (t *Tracker) TaskCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.resources {
		if r.taskID != "" {
			n++
		}
	}
	return n
}
