// ABOUTME: Synchronous RPC over the task queue
// ABOUTME: Creates an rpc task, notifies the target and blocks for its outcome

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-courier/internal/events"
	"github.com/2389/coven-courier/internal/store"
	"github.com/2389/coven-courier/internal/waiter"
)

// RPCRequest asks Target to perform Task and answer within TimeoutSeconds.
type RPCRequest struct {
	Target         string
	Task           string
	Payload        json.RawMessage
	TimeoutSeconds int
}

// RPCPayload is what an rpc task carries.
type RPCPayload struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RPC status values. Disconnected calls return ErrDisconnected and calls
// cut short by Close return ErrShuttingDown instead.
const (
	RPCCompleted = "completed"
	RPCFailed    = "failed"
	RPCTimeout   = "timeout"
)

// RPCResult is the caller-facing outcome of an RPC call.
type RPCResult struct {
	Status  string          `json:"status"`
	TaskID  string          `json:"task_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RPC assigns an rpc task and blocks until it completes, fails, times out,
// or ctx ends. A timed out task is left as it is so it can still be answered.
func (c *Coordinator) RPC(ctx context.Context, assignerID string, req RPCRequest) (*RPCResult, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if req.Task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidInput)
	}
	if err := validJSON(req.Payload, "payload"); err != nil {
		return nil, err
	}
	timeout := c.clampTimeout(req.TimeoutSeconds)

	payload, err := json.Marshal(RPCPayload{Task: req.Task, Payload: req.Payload})
	if err != nil {
		return nil, fmt.Errorf("encoding rpc payload: %w", err)
	}

	task, err := c.create(ctx, assignerID, req.Target, store.TaskTypeRPC, payload, 0)
	if err != nil {
		return nil, err
	}
	entry := c.waiter.Register(task.ID)

	c.deliver(task.AssigneeID, events.Event{Type: EventTaskRPC, Data: viewOf(task)})
	c.sideNotify(task.AssigneeID,
		"RPC request from "+task.AssignerID,
		rpcNotice(task, req.Task, timeout))

	c.logger.Info("rpc issued",
		"task_id", task.ID,
		"assigner", task.AssignerID,
		"assignee", task.AssigneeID,
		"timeout", timeout)

	start := time.Now()
	out := c.waiter.Wait(ctx, entry, timeout)
	c.logger.Info("rpc resolved",
		"task_id", task.ID,
		"status", out.Status,
		"elapsed", time.Since(start).Round(time.Millisecond))

	switch out.Status {
	case waiter.StatusCompleted:
		return &RPCResult{Status: RPCCompleted, TaskID: task.ID, Result: out.Task.Result}, nil
	case waiter.StatusFailed:
		return &RPCResult{Status: RPCFailed, TaskID: task.ID, Error: out.Task.Error}, nil
	case waiter.StatusTimeout:
		return &RPCResult{
			Status:  RPCTimeout,
			TaskID:  task.ID,
			Message: fmt.Sprintf("not completed within %d seconds, check status via get()", int(timeout/time.Second)),
		}, nil
	case waiter.StatusShutdown:
		return nil, fmt.Errorf("rpc %s: %w", task.ID, ErrShuttingDown)
	default:
		return nil, ErrDisconnected
	}
}

// clampTimeout applies the default and bounds to a caller's timeout.
func (c *Coordinator) clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return clamp(c.cfg.DefaultTimeout, c.cfg.MinTimeout, c.cfg.MaxTimeout)
	}
	// compare in seconds first so huge values cannot overflow the multiply
	if int64(seconds) > int64(c.cfg.MaxTimeout/time.Second) {
		return c.cfg.MaxTimeout
	}
	return clamp(time.Duration(seconds)*time.Second, c.cfg.MinTimeout, c.cfg.MaxTimeout)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func rpcNotice(task *store.Task, request string, timeout time.Duration) string {
	return fmt.Sprintf("**%s** is waiting on you for up to %d seconds.\n\n"+
		"> %s\n\n"+
		"Claim task `%s` and complete it to answer.",
		task.AssignerID, int(timeout/time.Second), request, task.ID)
}
