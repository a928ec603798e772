// ABOUTME: In-flight RPC wait entries resolved by direct signal, store poll, deadline or disconnect
// ABOUTME: Each entry delivers exactly one outcome to its caller

package waiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/store"
)

// DefaultPollInterval is how often a waiting call re-reads its task.
const DefaultPollInterval = 2 * time.Second

// Status is how an RPC wait ended.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusDisconnected Status = "disconnected"
	StatusShutdown     Status = "shutdown"
)

// Outcome is delivered once per entry. Task is set for completed and failed.
type Outcome struct {
	Status Status
	Task   *store.Task
}

// TaskReader is the slice of the task store the fallback poll needs.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
}

// Entry is one registered wait. Its channel has room for exactly one outcome
// and only the trigger that removes the entry from the map sends on it.
type Entry struct {
	taskID string
	ch     chan Outcome
}

// TaskID returns the task being waited on.
func (e *Entry) TaskID() string { return e.taskID }

// Waiter owns the wait entries for one process.
type Waiter struct {
	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	tasks  TaskReader
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Waiter. pollInterval <= 0 uses DefaultPollInterval.
// Pass nil logger for default.
func New(tasks TaskReader, pollInterval time.Duration, logger *slog.Logger) *Waiter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		entries: make(map[string]*Entry),
		tasks:   tasks,
		poll:    pollInterval,
		logger:  logger.With("component", "waiter"),
	}
}

// Register creates the wait entry for taskID. After Close, the entry comes
// back already resolved as shutdown.
func (w *Waiter) Register(taskID string) *Entry {
	e := &Entry{taskID: taskID, ch: make(chan Outcome, 1)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		e.ch <- Outcome{Status: StatusShutdown}
		return e
	}
	w.entries[taskID] = e
	return e
}

// Signal resolves the wait on task.ID, if any, from the task's terminal
// state. It reports whether a waiting entry was resolved.
func (w *Waiter) Signal(task *store.Task) bool {
	out, ok := outcomeOf(task)
	if !ok {
		return false
	}

	w.mu.Lock()
	e := w.entries[task.ID]
	w.mu.Unlock()
	if e == nil {
		return false
	}
	return w.resolve(e, out)
}

// Cancel drops an entry that will never be waited on.
func (w *Waiter) Cancel(e *Entry) {
	w.resolve(e, Outcome{Status: StatusDisconnected})
}

// Wait blocks until the entry resolves. The first of a direct Signal, a poll
// that finds the task terminal, the timeout, or ctx ending decides the
// outcome; the timers stop when Wait returns.
func (w *Waiter) Wait(ctx context.Context, e *Entry, timeout time.Duration) Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(w.poll)
	defer poll.Stop()

	for {
		select {
		case out := <-e.ch:
			return out

		case <-ctx.Done():
			return w.settle(e, Outcome{Status: StatusDisconnected})

		case <-deadline.C:
			return w.settle(e, Outcome{Status: StatusTimeout})

		case <-poll.C:
			task, err := w.tasks.GetTask(ctx, e.taskID)
			if err != nil {
				w.logger.Debug("poll failed", "task_id", e.taskID, "error", err)
				continue
			}
			if out, ok := outcomeOf(task); ok {
				return w.settle(e, out)
			}
		}
	}
}

// Pending returns the number of unresolved entries.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close resolves every remaining entry as shutdown and makes later
// registrations resolve immediately.
func (w *Waiter) Close() {
	w.mu.Lock()
	w.closed = true
	remaining := make([]*Entry, 0, len(w.entries))
	for _, e := range w.entries {
		remaining = append(remaining, e)
	}
	w.mu.Unlock()

	for _, e := range remaining {
		w.resolve(e, Outcome{Status: StatusShutdown})
	}
	if len(remaining) > 0 {
		w.logger.Info("resolved pending waits on shutdown", "count", len(remaining))
	}
}

// resolve removes e and delivers out. Only the caller that removes the
// entry sends, so the buffered channel never sees a second outcome.
func (w *Waiter) resolve(e *Entry, out Outcome) bool {
	w.mu.Lock()
	current, ok := w.entries[e.taskID]
	if !ok || current != e {
		w.mu.Unlock()
		return false
	}
	delete(w.entries, e.taskID)
	w.mu.Unlock()

	e.ch <- out
	return true
}

// settle tries to resolve e with out and returns whichever outcome won.
func (w *Waiter) settle(e *Entry, out Outcome) Outcome {
	w.resolve(e, out)
	return <-e.ch
}

func outcomeOf(task *store.Task) (Outcome, bool) {
	switch task.Status {
	case store.TaskStatusCompleted:
		return Outcome{Status: StatusCompleted, Task: task}, true
	case store.TaskStatusFailed:
		return Outcome{Status: StatusFailed, Task: task}, true
	default:
		return Outcome{}, false
	}
}
