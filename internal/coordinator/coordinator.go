// ABOUTME: Coordinator composing the task store, event registry, RPC waiter and notifiers
// ABOUTME: Implements assign, claim, complete, fail, rpc and event stream connection

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/events"
	"github.com/2389/coven-courier/internal/notify"
	"github.com/2389/coven-courier/internal/store"
	"github.com/2389/coven-courier/internal/waiter"
)

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotClaimable is returned by Claim whether the task is missing or
	// already taken; the two are not told apart.
	ErrNotClaimable = errors.New("task not found or already claimed")

	// ErrDisconnected is returned by RPC when the caller left before an
	// outcome arrived. Nothing should be written back.
	ErrDisconnected = errors.New("caller disconnected")

	// ErrShuttingDown is returned by RPC when the server stopped before an
	// outcome arrived. The task stays answerable.
	ErrShuttingDown = errors.New("server shutting down")
)

// Task event types pushed to agent streams.
const (
	EventTaskAssigned  = "task.assigned"
	EventTaskRPC       = "task.rpc"
	EventTaskClaimed   = "task.claimed"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// Config holds RPC and notification tuning.
type Config struct {
	PollInterval   time.Duration // fallback poll for waiting RPC calls
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration // used when the caller gives none
	NotifyTimeout  time.Duration // bound on each side-channel notification
}

// DefaultConfig returns the standard RPC limits.
func DefaultConfig() Config {
	return Config{
		PollInterval:   waiter.DefaultPollInterval,
		MinTimeout:     5 * time.Second,
		MaxTimeout:     300 * time.Second,
		DefaultTimeout: 60 * time.Second,
		NotifyTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxTimeout < c.MinTimeout {
		c.MaxTimeout = c.MinTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Options wires a Coordinator. Notifier is optional.
type Options struct {
	Store       store.Store
	Multiplexer *events.Multiplexer
	Notifier    notify.Notifier
	Config      Config
	Logger      *slog.Logger
}

// Coordinator is the service behind every transport.
type Coordinator struct {
	store    store.Store
	mux      *events.Multiplexer
	registry *events.Registry
	waiter   *waiter.Waiter
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	notifying sync.WaitGroup
}

// New creates a Coordinator. The waiter is owned by the coordinator and
// closed with it.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()
	return &Coordinator{
		store:    opts.Store,
		mux:      opts.Multiplexer,
		registry: opts.Multiplexer.Registry(),
		waiter:   waiter.New(opts.Store, cfg.PollInterval, logger),
		notifier: opts.Notifier,
		cfg:      cfg,
		logger:   logger.With("component", "coordinator"),
	}
}

// MaxExpiresInSeconds bounds AssignRequest.ExpiresInSeconds (one year).
const MaxExpiresInSeconds = 365 * 24 * 60 * 60

// AssignRequest describes a task to hand to another agent.
type AssignRequest struct {
	Assignee         string          // agent name or ID
	TaskType         string          // defaults to "generic"
	Payload          json.RawMessage // any JSON value
	ExpiresInSeconds int             // recorded as expires_at; not enforced
}

// Assign creates a task for the named agent and notifies it.
func (c *Coordinator) Assign(ctx context.Context, assignerID string, req AssignRequest) (*TaskView, error) {
	if req.Assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", ErrInvalidInput)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	if req.ExpiresInSeconds < 0 || req.ExpiresInSeconds > MaxExpiresInSeconds {
		return nil, fmt.Errorf("%w: expires_in_seconds must be between 0 and %d", ErrInvalidInput, MaxExpiresInSeconds)
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = store.TaskTypeGeneric
	}

	task, err := c.create(ctx, assignerID, req.Assignee, taskType, req.Payload, time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		return nil, err
	}

	view := viewOf(task)
	c.deliver(task.AssigneeID, events.Event{Type: EventTaskAssigned, Data: view})

	c.logger.Info("task assigned",
		"task_id", task.ID,
		"assigner", task.AssignerID,
		"assignee", task.AssigneeID,
		"type", taskType)
	return view, nil
}

func (c *Coordinator) create(ctx context.Context, assignerID, assignee, taskType string, payload json.RawMessage, expiresIn time.Duration) (*store.Task, error) {
	agent, err := c.store.ResolveAgent(ctx, assignee)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", assignee, err)
	}
	if assignerID == "" {
		assignerID = store.MasterAssignerID
	}

	task := &store.Task{
		AssignerID: assignerID,
		AssigneeID: agent.ID,
		TaskType:   taskType,
		Payload:    payload,
	}
	if expiresIn > 0 {
		exp := time.Now().UTC().Add(expiresIn)
		task.ExpiresAt = &exp
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return task, nil
}

// ListPending returns the agent's outstanding work, pending and claimed, oldest first.
func (c *Coordinator) ListPending(ctx context.Context, assigneeID string) ([]*TaskView, error) {
	tasks, err := c.store.ListTasksByAssignee(ctx, assigneeID, store.TaskStatusPending, store.TaskStatusClaimed)
	if err != nil {
		return nil, err
	}
	return viewsOf(tasks), nil
}

// ListAssigned returns tasks the agent handed out, newest first.
func (c *Coordinator) ListAssigned(ctx context.Context, assignerID string, limit int) ([]*TaskView, error) {
	if assignerID == "" {
		assignerID = store.MasterAssignerID
	}
	tasks, err := c.store.ListTasksByAssigner(ctx, assignerID, limit)
	if err != nil {
		return nil, err
	}
	return viewsOf(tasks), nil
}

// Get returns one task.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return viewOf(task), nil
}

// Claim takes a pending task. Any caller holding the task ID may claim it.
func (c *Coordinator) Claim(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := c.store.ClaimTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}

	view := viewOf(task)
	c.tellAssigner(task, events.Event{Type: EventTaskClaimed, Data: view})
	c.logger.Info("task claimed", "task_id", task.ID, "assignee", task.AssigneeID)
	return view, nil
}

// Complete finishes a claimed task with result.
func (c *Coordinator) Complete(ctx context.Context, taskID string, result json.RawMessage) (*TaskView, error) {
	if err := validJSON(result, "result"); err != nil {
		return nil, err
	}
	task, err := c.store.CompleteTask(ctx, taskID, result)
	if err != nil {
		return nil, err
	}
	return c.finished(task), nil
}

// CompleteDirect finishes a pending or claimed task in one step.
func (c *Coordinator) CompleteDirect(ctx context.Context, taskID string, result json.RawMessage) (*TaskView, error) {
	if err := validJSON(result, "result"); err != nil {
		return nil, err
	}
	task, err := c.store.CompleteTaskDirect(ctx, taskID, result)
	if err != nil {
		return nil, err
	}
	return c.finished(task), nil
}

// Fail marks a claimed task failed with errValue.
func (c *Coordinator) Fail(ctx context.Context, taskID string, errValue json.RawMessage) (*TaskView, error) {
	if err := validJSON(errValue, "error"); err != nil {
		return nil, err
	}
	task, err := c.store.FailTask(ctx, taskID, errValue)
	if err != nil {
		return nil, err
	}
	return c.finished(task), nil
}

// finished wakes any RPC caller and tells the assigner.
func (c *Coordinator) finished(task *store.Task) *TaskView {
	woke := c.waiter.Signal(task)

	view := viewOf(task)
	eventType := EventTaskCompleted
	if task.Status == store.TaskStatusFailed {
		eventType = EventTaskFailed
	}
	c.tellAssigner(task, events.Event{Type: eventType, Data: view})

	c.logger.Info("task finished", "task_id", task.ID, "status", task.Status, "rpc_waiter", woke)
	return view
}

// ConnectEvents streams the agent's events to sink until ctx ends.
// Returns events.ErrTooManyConnections when the agent is at its cap.
func (c *Coordinator) ConnectEvents(ctx context.Context, agentID string, sink events.Sink) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidInput)
	}
	return c.mux.Serve(ctx, agentID, sink)
}

// PendingWaits returns the number of RPC calls currently blocked.
func (c *Coordinator) PendingWaits() int {
	return c.waiter.Pending()
}

// Registry exposes the event registry for health reporting.
func (c *Coordinator) Registry() *events.Registry {
	return c.registry
}

// Close releases every blocked RPC call with ErrShuttingDown and waits for
// in-flight notifications.
func (c *Coordinator) Close() {
	c.waiter.Close()
	c.notifying.Wait()
}

// deliver pushes to the agent, falling back to every connection when the
// agent has none.
func (c *Coordinator) deliver(agentID string, ev events.Event) {
	if c.registry.Push(agentID, ev) {
		return
	}
	n := c.registry.Broadcast(ev)
	c.logger.Debug("agent not connected, broadcast event",
		"agent_id", agentID,
		"event", ev.Type,
		"delivered", n)
}

// tellAssigner pushes progress to the agent that created the task. There is
// no broadcast fallback and nothing is sent for master-assigned tasks.
func (c *Coordinator) tellAssigner(task *store.Task, ev events.Event) {
	if task.AssignerID == store.MasterAssignerID {
		return
	}
	c.registry.Push(task.AssignerID, ev)
}

// sideNotify runs the fallback notifier in the background. Its result never
// reaches the caller.
func (c *Coordinator) sideNotify(agentID, subject, body string) {
	if c.notifier == nil {
		return
	}
	c.notifying.Add(1)
	go func() {
		defer c.notifying.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, agentID, subject, body); err != nil {
			c.logger.Warn("fallback notification failed", "agent_id", agentID, "error", err)
		}
	}()
}

func validJSON(v json.RawMessage, field string) error {
	if len(v) > 0 && !json.Valid(v) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidInput, field)
	}
	return nil
}
