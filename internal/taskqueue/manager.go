// Package taskqueue implements the Redis-backed, per-queue
// concurrency-bounded job system the engine submits image/audio/search work
// to: FIFO submission via LPUSH/BRPOP, priority-requeue of retries via
// RPUSH, a running-set for crash recovery, and task records persisted as
// JSON with a TTL.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
)

var log = logging.WithComponent("taskqueue")

// Func is the shape every registered job function must have. There is no
// dynamic dispatch by dotted import path here: the engine registers each
// function it wants workers to run under a stable name, and Submit refers
// to jobs by that name.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps a function name to its implementation.
type Registry map[string]Func

func queueKey(name string) string        { return "tasks:queue:" + name }
func runningSetKey(name string) string    { return "tasks:running:" + name }
func taskInfoKey(taskID string) string    { return "tasks:info:" + taskID }

// queueSem is a counting semaphore built on a buffered channel: Acquire
// sends a token (blocking once max concurrent holders are out), Release
// receives one. len(tokens) is the current running count.
type queueSem struct {
	tokens chan struct{}
}

func newQueueSem(max int) *queueSem {
	return &queueSem{tokens: make(chan struct{}, max)}
}

func (s *queueSem) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *queueSem) Release() { <-s.tokens }

func (s *queueSem) running() int { return len(s.tokens) }
func (s *queueSem) cap() int     { return cap(s.tokens) }

// Manager is the task queue's runtime: one per process, shared by every
// queue it was configured with.
type Manager struct {
	cache    *cache.Client
	queues   map[string]model.QueueConfig
	sems     map[string]*queueSem
	registry Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Manager for the given queues and registered functions.
func New(c *cache.Client, queues []model.QueueConfig, registry Registry) *Manager {
	m := &Manager{
		cache:    c,
		queues:   make(map[string]model.QueueConfig, len(queues)),
		sems:     make(map[string]*queueSem, len(queues)),
		registry: registry,
	}
	for _, q := range queues {
		m.queues[q.Name] = q
		m.sems[q.Name] = newQueueSem(q.MaxConcurrent)
	}
	return m
}

// RecoverTasks re-queues every task left in a running-set from a prior
// process (a crash or restart): if its record still exists it is reset to
// pending and re-pushed with LPUSH, like a fresh submission; if the record expired
// in the meantime it is dropped as an orphan.
func (m *Manager) RecoverTasks(ctx context.Context) error {
	recovered := 0
	for name := range m.queues {
		ids, err := m.cache.SMembers(ctx, runningSetKey(name))
		if err != nil {
			return fmt.Errorf("taskqueue: list running set %s: %w", name, err)
		}
		for _, id := range ids {
			rec, ok, err := m.getRecord(ctx, id)
			if err != nil {
				log.Error("recover: fetch task record failed", "task_id", id, "error", err)
				continue
			}
			if !ok {
				if err := m.cache.SRem(ctx, runningSetKey(name), id); err != nil {
					log.Error("recover: drop orphaned running entry failed", "task_id", id, "error", err)
				}
				continue
			}
			rec.Status = model.TaskPending
			rec.StartedAt = nil
			if err := m.putRecord(ctx, rec); err != nil {
				log.Error("recover: persist reset record failed", "task_id", id, "error", err)
				continue
			}
			if err := m.cache.LPush(ctx, queueKey(name), id); err != nil {
				log.Error("recover: requeue failed", "task_id", id, "error", err)
				continue
			}
			if err := m.cache.SRem(ctx, runningSetKey(name), id); err != nil {
				log.Error("recover: clear running entry failed", "task_id", id, "error", err)
			}
			recovered++
		}
	}
	log.Info("task recovery complete", "recovered", recovered)
	return nil
}

// Submit enqueues a job by registered function name and returns its task id.
func (m *Manager) Submit(ctx context.Context, function string, args []any, kwargs map[string]any, queue string) (string, error) {
	qc, ok := m.queues[queue]
	if !ok {
		return "", fmt.Errorf("taskqueue: unknown queue %q", queue)
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	rec := &model.TaskRecord{
		TaskID:       uuid.NewString(),
		QueueName:    queue,
		FunctionName: function,
		Args:         args,
		Kwargs:       kwargs,
		Status:       model.TaskPending,
		CreatedAt:    float64(time.Now().UnixNano()) / 1e9,
		MaxTries:     qc.MaxTries,
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return "", err
	}
	if err := m.cache.LPush(ctx, queueKey(queue), rec.TaskID); err != nil {
		return "", fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	log.Info("task submitted", "task_id", rec.TaskID, "queue", queue, "function", function)
	return rec.TaskID, nil
}

// GetStatus returns a task's current record, or (nil, false) if it no
// longer exists (expired past its queue's keep_result TTL).
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*model.TaskRecord, bool, error) {
	return m.getRecord(ctx, taskID)
}

func (m *Manager) getRecord(ctx context.Context, taskID string) (*model.TaskRecord, bool, error) {
	raw, err := m.cache.Get(ctx, taskInfoKey(taskID))
	if err != nil {
		if err == cache.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec model.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("taskqueue: decode task record %s: %w", taskID, err)
	}
	return &rec, true, nil
}

func (m *Manager) putRecord(ctx context.Context, rec *model.TaskRecord) error {
	qc := m.queues[rec.QueueName]
	ttl := qc.KeepResult
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("taskqueue: encode task record %s: %w", rec.TaskID, err)
	}
	if err := m.cache.SetEX(ctx, taskInfoKey(rec.TaskID), string(raw), ttl); err != nil {
		return fmt.Errorf("taskqueue: persist task record %s: %w", rec.TaskID, err)
	}
	return nil
}

// StartWorkers launches the given number of worker goroutines per queue
// (defaulting to one per queue's max_concurrent) and returns once they are
// all launched. Call Shutdown to stop them.
func (m *Manager) StartWorkers(ctx context.Context, workersPerQueue map[string]int) {
	m.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	for name, qc := range m.queues {
		count := qc.MaxConcurrent
		if workersPerQueue != nil {
			if n, ok := workersPerQueue[name]; ok {
				count = n
			}
		}
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			workerID := fmt.Sprintf("%s-worker-%d", name, i+1)
			m.wg.Add(1)
			go m.workerLoop(runCtx, name, workerID)
		}
	}
	log.Info("workers started", "queues", len(m.queues))
}

func (m *Manager) workerLoop(ctx context.Context, queueName, workerID string) {
	defer m.wg.Done()
	sem := m.sems[queueName]
	log.Info("worker started", "worker_id", workerID, "queue", queueName)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped", "worker_id", workerID)
			return
		default:
		}

		taskID, ok, err := m.cache.BRPop(ctx, queueKey(queueName), 3*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker brpop failed", "worker_id", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		// taskID is already dequeued: it must run to completion from here,
		// so acquisition and execution use a context independent of the
		// poll loop's shutdown cancellation. Otherwise a Shutdown (or the
		// SIGTERM that triggers it) would cancel every in-flight task's
		// context the instant it fires, discarding real results in favor
		// of a spurious timeout — Shutdown only stops new BRPOP polls and
		// waits on m.wg, it does not cancel work already past this point.
		taskCtx := context.Background()
		if err := sem.Acquire(taskCtx); err != nil {
			return
		}
		m.executeTask(taskCtx, taskID, queueName, workerID)
		sem.Release()
	}
}

func (m *Manager) executeTask(ctx context.Context, taskID, queueName, workerID string) {
	rec, ok, err := m.getRecord(ctx, taskID)
	if err != nil || !ok {
		log.Warn("task not found for execution", "task_id", taskID, "worker_id", workerID)
		return
	}

	now := float64(time.Now().UnixNano()) / 1e9
	rec.Status = model.TaskRunning
	rec.StartedAt = &now
	if err := m.putRecord(ctx, rec); err != nil {
		log.Error("persist running state failed", "task_id", taskID, "error", err)
	}
	if err := m.cache.SAdd(ctx, runningSetKey(queueName), taskID); err != nil {
		log.Error("add to running set failed", "task_id", taskID, "error", err)
	}

	log.Info("executing task", "worker_id", workerID, "task_id", taskID, "function", rec.FunctionName)

	qc := m.queues[queueName]
	result, execErr := m.callFunction(ctx, rec, qc.JobTimeout)

	retry := false
	var retryDelay time.Duration
	if execErr != nil {
		log.Error("task failed", "worker_id", workerID, "task_id", taskID, "error", execErr)
		rec.Error = execErr.Error()
		retry, retryDelay = m.handleFailure(ctx, rec, qc)
	} else {
		completed := float64(time.Now().UnixNano()) / 1e9
		rec.Status = model.TaskCompleted
		rec.CompletedAt = &completed
		rec.Result = result
		log.Info("task completed", "worker_id", workerID, "task_id", taskID)
	}

	if err := m.cache.SRem(ctx, runningSetKey(queueName), taskID); err != nil {
		log.Error("remove from running set failed", "task_id", taskID, "error", err)
	}
	if err := m.putRecord(ctx, rec); err != nil {
		log.Error("persist final task state failed", "task_id", taskID, "error", err)
	}
	// The retry timer starts only after the retrying record is persisted, so
	// delayedRequeue never reads the earlier running state.
	if retry {
		m.wg.Add(1)
		go m.delayedRequeue(taskID, qc.Name, retryDelay)
	}
}

func (m *Manager) callFunction(ctx context.Context, rec *model.TaskRecord, timeout time.Duration) (result any, err error) {
	fn, ok := m.registry[rec.FunctionName]
	if !ok {
		return nil, fmt.Errorf("taskqueue: no function registered as %q", rec.FunctionName)
	}

	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("taskqueue: function %s panicked: %v", rec.FunctionName, r)
			}
		}()
		result, err = fn(callCtx, rec.Args, rec.Kwargs)
	}()

	select {
	case <-done:
		return result, err
	case <-callCtx.Done():
		return nil, fmt.Errorf("task timed out after %s", timeout)
	}
}

// handleFailure records a failed attempt and reports whether, and after what
// delay, the task should be requeued. An unregistered function name fails
// the task on its first attempt.
func (m *Manager) handleFailure(ctx context.Context, rec *model.TaskRecord, qc model.QueueConfig) (bool, time.Duration) {
	rec.RetryCount++

	if _, known := m.registry[rec.FunctionName]; known && rec.RetryCount < rec.MaxTries {
		rec.Status = model.TaskRetrying
		delay := qc.RetryDelay(rec.RetryCount)
		log.Info("task will retry", "task_id", rec.TaskID, "attempt", rec.RetryCount, "max_tries", rec.MaxTries, "delay", delay)
		return true, delay
	}

	completed := float64(time.Now().UnixNano()) / 1e9
	rec.Status = model.TaskFailed
	rec.CompletedAt = &completed
	log.Error("task permanently failed", "task_id", rec.TaskID, "attempts", rec.RetryCount)
	return false, 0
}

func (m *Manager) delayedRequeue(taskID, queueName string, delay time.Duration) {
	defer m.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C

	ctx := context.Background()
	rec, ok, err := m.getRecord(ctx, taskID)
	if err != nil || !ok || rec.Status != model.TaskRetrying {
		return
	}
	rec.Status = model.TaskPending
	if err := m.putRecord(ctx, rec); err != nil {
		log.Error("requeue: persist pending state failed", "task_id", taskID, "error", err)
		return
	}
	// RPUSH, not LPUSH: a retry lands next to the BRPOP end and is served
	// ahead of fresh submissions already waiting in the queue.
	if err := m.cache.RPush(ctx, queueKey(queueName), taskID); err != nil {
		log.Error("requeue: push failed", "task_id", taskID, "error", err)
		return
	}
	log.Info("task requeued for retry", "task_id", taskID)
}

// QueueStats summarizes one queue's current load.
type QueueStats struct {
	PendingTasks  int64
	RunningTasks  int64
	MaxConcurrent int
	AvailableSlots int
}

// GetQueueStats reports pending/running counts per queue.
func (m *Manager) GetQueueStats(ctx context.Context) (map[string]QueueStats, error) {
	stats := make(map[string]QueueStats, len(m.queues))
	for name, qc := range m.queues {
		pending, err := m.cache.LLen(ctx, queueKey(name))
		if err != nil {
			return nil, fmt.Errorf("taskqueue: queue length %s: %w", name, err)
		}
		running, err := m.cache.SCard(ctx, runningSetKey(name))
		if err != nil {
			return nil, fmt.Errorf("taskqueue: running count %s: %w", name, err)
		}
		sem := m.sems[name]
		stats[name] = QueueStats{
			PendingTasks:   pending,
			RunningTasks:   running,
			MaxConcurrent:  qc.MaxConcurrent,
			AvailableSlots: sem.cap() - sem.running(),
		}
	}
	return stats, nil
}

// HasActiveTasks reports whether any queue has pending or running work.
func (m *Manager) HasActiveTasks(ctx context.Context) (bool, error) {
	for name := range m.queues {
		pending, err := m.cache.LLen(ctx, queueKey(name))
		if err != nil {
			return false, err
		}
		if pending > 0 {
			return true, nil
		}
		running, err := m.cache.SCard(ctx, runningSetKey(name))
		if err != nil {
			return false, err
		}
		if running > 0 {
			return true, nil
		}
	}
	return false, nil
}

// ClearAllQueues wipes every queue, running-set, and task-info record. Used
// only by maintenance tooling and test setup, never on a request path.
func (m *Manager) ClearAllQueues(ctx context.Context) (map[string]int, error) {
	cleared := map[string]int{"queues": 0, "running_tasks": 0, "task_info": 0}

	for name := range m.queues {
		n, err := m.cache.LLen(ctx, queueKey(name))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := m.cache.Del(ctx, queueKey(name)); err != nil {
				return nil, err
			}
			cleared["queues"] += int(n)
		}
	}
	for name := range m.queues {
		n, err := m.cache.SCard(ctx, runningSetKey(name))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := m.cache.Del(ctx, runningSetKey(name)); err != nil {
				return nil, err
			}
			cleared["running_tasks"] += int(n)
		}
	}

	keys, err := m.cache.ScanKeys(ctx, "tasks:info:*")
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		if err := m.cache.Del(ctx, keys...); err != nil {
			return nil, err
		}
		cleared["task_info"] = len(keys)
	}

	log.Info("all queues cleared", "cleared", cleared)
	return cleared, nil
}

// Shutdown stops accepting new task dispatch and waits for in-flight
// workers (and any pending delayed requeues) to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
