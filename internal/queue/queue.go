// Package queue is the Background Job Queue: a durable,
// priority-ordered task scheduler with dependency edges, per-kind
// concurrency caps, retries with backoff, cancellation and throttled
// progress callbacks. Every state transition is persisted to bbolt so a
// crash can rebuild the in-flight graph.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/coreerrors"
	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateSkipped   State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// Task is one unit of scheduled work.
type Task struct {
	ID          string
	Kind        string
	Priority    int
	Payload     map[string]any
	DependsOn   []string
	Attempts    int
	MaxAttempts int
	State       State
	Progress    float64
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	LastError   string
}

// ProgressFunc reports fractional completion and an optional message.
type ProgressFunc func(fraction float64, message string)

// Handler executes one Task. It must be idempotent: the queue may invoke
// it again after a crash recovery rehydrates a running task back to
// queued.
type Handler func(ctx context.Context, task *Task, progress ProgressFunc) error

// ProgressSink receives throttled progress updates for downstream
// broadcast.
type ProgressSink interface {
	TaskProgress(taskID string, fraction float64, message string)
}

const (
	backoffBase   = 30 * time.Second
	backoffCap    = 10 * time.Minute
	progressEvery = 200 * time.Millisecond
)

// Queue is the in-memory task graph plus its bbolt-backed durability layer.
type Queue struct {
	db           *bolt.DB
	mu           sync.Mutex
	tasks        map[string]*Task
	handlers     map[string]Handler
	kindCaps     map[string]int
	kindInFlight map[string]int
	globalCap    int
	globalInUse  int
	cancels      map[string]context.CancelFunc
	sink         ProgressSink
	logger       zerolog.Logger
	wake         chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
}

var bucketTasks = []byte("queue_tasks")

// Config configures a new Queue.
type Config struct {
	DB           *bolt.DB
	Workers      int
	KindCaps     map[string]int
	ProgressSink ProgressSink
}

func New(cfg Config) (*Queue, error) {
	if cfg.DB != nil {
		if err := cfg.DB.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketTasks)
			return err
		}); err != nil {
			return nil, fmt.Errorf("init queue bucket: %w", err)
		}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		db:           cfg.DB,
		tasks:        make(map[string]*Task),
		handlers:     make(map[string]Handler),
		kindCaps:     cfg.KindCaps,
		kindInFlight: make(map[string]int),
		globalCap:    workers,
		cancels:      make(map[string]context.CancelFunc),
		sink:         cfg.ProgressSink,
		logger:       log.WithComponent("queue"),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	if q.kindCaps == nil {
		q.kindCaps = make(map[string]int)
	}
	return q, nil
}

// RegisterHandler binds a Handler to every task of the given kind.
func (q *Queue) RegisterHandler(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Start launches the scheduling loop. Call Load first to rehydrate
// persisted tasks (the Recovery Coordinator's responsibility).
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.loop(ctx)
}

// Stop signals the scheduling loop to exit and waits for in-flight tasks to
// observe cancellation.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Enqueue admits a new task. DependsOn references must already exist in the
// queue (typically from earlier Enqueue calls in the same DAG submission).
func (q *Queue) Enqueue(ctx context.Context, kind string, priority int, payload map[string]any, dependsOn []string, maxAttempts int) (*Task, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	t := &Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		Priority:    priority,
		Payload:     payload,
		DependsOn:   dependsOn,
		MaxAttempts: maxAttempts,
		State:       StateQueued,
		CreatedAt:   time.Now(),
	}
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.mu.Unlock()
	if err := q.persist(t); err != nil {
		return nil, err
	}
	q.nudge()
	return t, nil
}

// Cancel marks a task cancelled; a running task observes this via its
// context, and its dependents are transitioned to skipped.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return coreerrors.New(coreerrors.KindDependencyFailed, "unknown task id")
	}
	if t.State.Terminal() {
		q.mu.Unlock()
		return nil
	}
	t.State = StateCancelled
	now := time.Now()
	t.FinishedAt = &now
	cancel, running := q.cancels[taskID]
	q.mu.Unlock()
	if running {
		cancel()
	}
	_ = q.persist(t)
	q.skipDependents(taskID, "task cancelled")
	q.nudge()
	return nil
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		q.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchReady dequeues tasks by (priority desc, createdAt asc) among
// those whose dependencies are all terminal-success, respecting the global
// and per-kind concurrency caps.
func (q *Queue) dispatchReady(ctx context.Context) {
	q.mu.Lock()
	if q.globalInUse >= q.globalCap {
		q.mu.Unlock()
		return
	}
	var ready []*Task
	for _, t := range q.tasks {
		if t.State != StateQueued {
			continue
		}
		if q.dependenciesSatisfied(t) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	var toRun []*Task
	for _, t := range ready {
		if q.globalInUse >= q.globalCap {
			break
		}
		kindCap := q.kindCaps[t.Kind]
		if kindCap > 0 && q.kindInFlight[t.Kind] >= kindCap {
			continue
		}
		t.State = StateRunning
		now := time.Now()
		t.StartedAt = &now
		t.Attempts++
		q.globalInUse++
		q.kindInFlight[t.Kind]++
		toRun = append(toRun, t)
	}
	q.mu.Unlock()

	for _, t := range toRun {
		_ = q.persist(t)
		q.wg.Add(1)
		go q.run(ctx, t)
	}

	s := q.Stats()
	metrics.QueueDepthSet(s.Queued, s.Running)
}

// dependenciesSatisfied must be called with q.mu held. A task only becomes
// ready once every dependency has reached StateSucceeded; dependencies that
// failed/cancelled/skipped instead drive this task to skipped via
// skipDependents, so it never appears ready at all.
func (q *Queue) dependenciesSatisfied(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := q.tasks[depID]
		if !ok || dep.State != StateSucceeded {
			return false
		}
	}
	return true
}

func (q *Queue) run(ctx context.Context, t *Task) {
	defer q.wg.Done()
	q.mu.Lock()
	handler, ok := q.handlers[t.Kind]
	q.mu.Unlock()
	if !ok {
		q.finish(t, StateFailed, fmt.Sprintf("no handler registered for kind %q", t.Kind))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	q.mu.Lock()
	q.cancels[t.ID] = cancel
	q.mu.Unlock()

	var lastProgress time.Time
	progress := func(fraction float64, message string) {
		q.mu.Lock()
		t.Progress = fraction
		q.mu.Unlock()
		if time.Since(lastProgress) < progressEvery {
			return
		}
		lastProgress = time.Now()
		if q.sink != nil {
			q.sink.TaskProgress(t.ID, fraction, message)
		}
	}

	err := handler(taskCtx, t, progress)

	q.mu.Lock()
	delete(q.cancels, t.ID)
	q.globalInUse--
	if q.kindInFlight[t.Kind] > 0 {
		q.kindInFlight[t.Kind]--
	}
	cancelledAlready := t.State == StateCancelled
	q.mu.Unlock()

	if cancelledAlready {
		q.nudge()
		return
	}

	if err == nil {
		q.finish(t, StateSucceeded, "")
		q.nudge()
		return
	}

	if terminalErr(err) || t.Attempts >= t.MaxAttempts {
		q.finish(t, StateFailed, err.Error())
		q.skipDependents(t.ID, "dependency failed")
		q.nudge()
		return
	}

	q.retryWithBackoff(t, err)
	q.nudge()
}

func terminalErr(err error) bool {
	var kind coreerrors.Kind
	if e, ok := err.(*coreerrors.Error); ok {
		kind = e.Kind
	}
	return coreerrors.Terminal(kind)
}

func (q *Queue) retryWithBackoff(t *Task, cause error) {
	delay := backoffDelay(t.Attempts)
	q.mu.Lock()
	t.State = StateQueued
	t.LastError = cause.Error()
	q.mu.Unlock()
	_ = q.persist(t)
	time.AfterFunc(delay, q.nudge)
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64()*2 - 1))
	return d + jitter
}

func (q *Queue) finish(t *Task, state State, lastError string) {
	q.mu.Lock()
	t.State = state
	t.LastError = lastError
	now := time.Now()
	t.FinishedAt = &now
	var took time.Duration
	if t.StartedAt != nil {
		took = now.Sub(*t.StartedAt)
	}
	q.mu.Unlock()
	metrics.QueueTaskFinished(t.Kind, string(state), took)
	_ = q.persist(t)
}

// skipDependents walks every task depending (directly or transitively) on
// failedID and marks them skipped.
func (q *Queue) skipDependents(failedID, reason string) {
	q.mu.Lock()
	var affected []*Task
	changed := true
	skipped := map[string]bool{}
	for changed {
		changed = false
		for _, t := range q.tasks {
			if skipped[t.ID] || t.State.Terminal() {
				continue
			}
			for _, dep := range t.DependsOn {
				if dep == failedID || skipped[dep] {
					t.State = StateSkipped
					t.LastError = reason
					now := time.Now()
					t.FinishedAt = &now
					skipped[t.ID] = true
					affected = append(affected, t)
					changed = true
					break
				}
			}
		}
	}
	q.mu.Unlock()
	for _, t := range affected {
		_ = q.persist(t)
	}
}

func (q *Queue) persist(t *Task) error {
	if q.db == nil {
		return nil
	}
	val, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), val)
	})
}

// Load rehydrates every persisted task into memory; the Recovery
// Coordinator calls this at startup before transitioning running tasks
// back to queued.
func (q *Queue) Load() error {
	if q.db == nil {
		return nil
	}
	return q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			cp := t
			q.mu.Lock()
			q.tasks[cp.ID] = &cp
			q.mu.Unlock()
		}
		return nil
	})
}

// RehydrateRunning transitions any task left in `running` by a crash back
// to `queued`; handlers must be idempotent.
func (q *Queue) RehydrateRunning() {
	q.mu.Lock()
	var changed []*Task
	for _, t := range q.tasks {
		if t.State == StateRunning {
			t.State = StateQueued
			changed = append(changed, t)
		}
	}
	q.mu.Unlock()
	for _, t := range changed {
		_ = q.persist(t)
	}
	q.nudge()
}

// Get returns a snapshot copy of a task by id.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Stats reports queued/running counts for the queue_stats_update
// broadcast.
type Stats struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.tasks {
		switch t.State {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		case StateSucceeded:
			s.Succeeded++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}
