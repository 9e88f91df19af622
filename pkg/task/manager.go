package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

var (
	ErrExists = errors.New("task already exists")
	ErrClosed = errors.New("task manager is closed")
)

// Status of a background task
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusNotFound  Status = "not_found"
)

// Finished reports whether the task function has returned
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusError
}

// Func is the body of a task. The result is kept for status queries.
type Func func() (interface{}, error)

// Info is a read-only view of a task
type Info struct {
	Status    Status      `json:"status"`
	StartTime *time.Time  `json:"startTime,omitempty"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Duration  int         `json:"duration,omitempty"` // whole seconds
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type task struct {
	status Status
	start  time.Time
	end    time.Time
	result interface{}
	err    string
	done   chan struct{}
}

func (t *task) info(now time.Time) Info {
	info := Info{Status: t.status, Result: t.result, Error: t.err}
	if !t.start.IsZero() {
		start := t.start
		info.StartTime = &start
		end := now
		if !t.end.IsZero() {
			e := t.end
			info.EndTime = &e
			end = e
		}
		info.Duration = int(end.Sub(start).Seconds())
	}
	return info
}

// Manager runs one background goroutine per key and drains them on close
type Manager struct {
	tasks   map[string]*task
	mutex   sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*task)}
}

// Start runs fn in its own goroutine under id. A panic in fn is recovered
// and recorded as a task error.
func (m *Manager) Start(id string, fn Func) error {
	m.mutex.Lock()
	if m.closing {
		m.mutex.Unlock()
		return ErrClosed
	}
	if _, ok := m.tasks[id]; ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	t := &task{status: StatusStarting, done: make(chan struct{})}
	m.tasks[id] = t
	m.wg.Add(1)
	m.mutex.Unlock()

	go m.run(id, t, fn)
	log.WithSession(id).Debugf("Started background task")
	return nil
}

func (m *Manager) run(id string, t *task, fn Func) {
	defer m.wg.Done()
	defer close(t.done)

	m.mutex.Lock()
	if t.status == StatusStarting {
		t.status = StatusRunning
	}
	t.start = time.Now()
	m.mutex.Unlock()

	var (
		result interface{}
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithSession(id).Errorf("Task panicked: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		result, err = fn()
	}()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	t.end = time.Now()
	t.result = result
	if err != nil {
		t.status = StatusError
		t.err = err.Error()
		log.WithSession(id).Errorf("Background task failed: %v", err)
		return
	}
	t.status = StatusCompleted
}

// Status returns the task's view, or StatusNotFound
func (m *Manager) Status(id string) Info {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Info{Status: StatusNotFound}
	}
	return t.info(time.Now())
}

// Done returns a channel closed when the task function returns
func (m *Manager) Done(id string) (<-chan struct{}, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return t.done, true
}

// RequestStop marks a running task as stopping. The task itself has to
// notice; this only changes what Status reports.
func (m *Manager) RequestStop(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.status.Finished() {
		return false
	}
	t.status = StatusStopping
	return true
}

// Cleanup forgets a finished task
func (m *Manager) Cleanup(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tasks[id]
	if !ok || !t.status.Finished() {
		return false
	}
	delete(m.tasks, id)
	return true
}

// All returns a view of every known task
func (m *Manager) All() map[string]Info {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := time.Now()
	out := make(map[string]Info, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = t.info(now)
	}
	return out
}

// CloseAndWait refuses new tasks and waits for the running ones, bounded
// by ctx
func (m *Manager) CloseAndWait(ctx context.Context) error {
	m.mutex.Lock()
	m.closing = true
	m.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task drain timeout: %w", ctx.Err())
	}
}
