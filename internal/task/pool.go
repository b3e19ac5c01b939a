// Package task runs background jobs on a worker pool under a
// shared/exclusive resource discipline: a job declares the resources it
// needs, the pool serializes writers per resource while letting readers of
// the same resource run concurrently.
package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State describes where a task is in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateCanceled means the pool rejected the task before it ran
	// (backlog contention). Distinct from failure; the caller may retry.
	StateCanceled State = "canceled"
)

// Job is the body of a background task. Once started it runs to completion
// or fails atomically; there is no mid-flight cancellation.
type Job func() error

// Task is the handle returned by Submit.
type Task struct {
	ID   string
	Name string

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure error, nil unless the task failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done reports whether the task reached a terminal state.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task reaches a terminal state.
func (t *Task) Wait() {
	<-t.done
}

func (t *Task) finish(state State, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

type queued struct {
	task      *Task
	job       Job
	exclusive []string
	shared    []string
}

// Pool is a fixed-size worker pool with per-resource read/write locks.
type Pool struct {
	logger *zap.Logger
	queue  chan *queued
	wg     sync.WaitGroup

	lockMu sync.Mutex
	locks  map[string]*sync.RWMutex

	tasksMu sync.RWMutex
	tasks   map[string]*Task
}

// NewPool starts workers consuming the backlog. Submissions beyond the
// backlog capacity are canceled rather than blocked.
func NewPool(workers, backlog int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if backlog <= 0 {
		backlog = 32
	}
	p := &Pool{
		logger: logger,
		queue:  make(chan *queued, backlog),
		locks:  make(map[string]*sync.RWMutex),
		tasks:  make(map[string]*Task),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Resource builds a lock key for a named record, e.g. Resource("repository", 3).
func Resource(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Submit enqueues a job with its resource set and returns its handle. The
// job takes a write lock on each exclusive resource and a read lock on each
// shared one before running. A full backlog cancels the task immediately.
func (p *Pool) Submit(name string, job Job, exclusive, shared []string) *Task {
	t := &Task{
		ID:    uuid.NewString(),
		Name:  name,
		state: StatePending,
		done:  make(chan struct{}),
	}
	p.tasksMu.Lock()
	p.tasks[t.ID] = t
	p.tasksMu.Unlock()

	select {
	case p.queue <- &queued{task: t, job: job, exclusive: exclusive, shared: shared}:
		p.logger.Info("task dispatched",
			zap.String("task", t.ID),
			zap.String("name", name),
			zap.Strings("exclusive", exclusive),
			zap.Strings("shared", shared),
		)
	default:
		t.finish(StateCanceled, nil)
		p.logger.Warn("task canceled, backlog full",
			zap.String("task", t.ID),
			zap.String("name", name),
		)
	}
	return t
}

// Get looks up a task by id.
func (p *Pool) Get(id string) (*Task, bool) {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	t, ok := p.tasks[id]
	return t, ok
}

// Close drains the backlog and stops the workers.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for q := range p.queue {
		p.run(q)
	}
}

func (p *Pool) run(q *queued) {
	unlock := p.acquire(q.exclusive, q.shared)
	defer unlock()

	q.task.mu.Lock()
	q.task.state = StateRunning
	q.task.mu.Unlock()

	if err := q.job(); err != nil {
		q.task.finish(StateFailed, err)
		p.logger.Error("task failed",
			zap.String("task", q.task.ID),
			zap.String("name", q.task.Name),
			zap.Error(err),
		)
		return
	}
	q.task.finish(StateCompleted, nil)
	p.logger.Info("task completed",
		zap.String("task", q.task.ID),
		zap.String("name", q.task.Name),
	)
}

// acquire takes all locks in a global order so concurrent tasks with
// overlapping resource sets cannot deadlock. A resource listed both
// exclusive and shared is locked exclusively.
func (p *Pool) acquire(exclusive, shared []string) (unlock func()) {
	mode := make(map[string]bool, len(exclusive)+len(shared))
	for _, r := range shared {
		mode[r] = false
	}
	for _, r := range exclusive {
		mode[r] = true
	}
	names := make([]string, 0, len(mode))
	for r := range mode {
		names = append(names, r)
	}
	sort.Strings(names)

	held := make([]func(), 0, len(names))
	for _, r := range names {
		mu := p.lock(r)
		if mode[r] {
			mu.Lock()
			held = append(held, mu.Unlock)
		} else {
			mu.RLock()
			held = append(held, mu.RUnlock)
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
}

func (p *Pool) lock(resource string) *sync.RWMutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	mu, ok := p.locks[resource]
	if !ok {
		mu = &sync.RWMutex{}
		p.locks[resource] = mu
	}
	return mu
}
