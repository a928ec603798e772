// ABOUTME: Store interfaces and data types for coven-courier persistence
// ABOUTME: Defines Task, Agent, AgentMail and the guarded task status machine

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a task transition's precondition is not met
var ErrConflict = errors.New("task not in expected state")

// ErrDuplicateAgent is returned when an agent name is already taken
var ErrDuplicateAgent = errors.New("agent already exists")

// ConflictError reports a rejected transition along with the status the task
// actually had, so callers can decide what to do next.
type ConflictError struct {
	TaskID string
	Status TaskStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s is %s", e.TaskID, e.Status)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// MasterAssignerID is recorded as the assigner when the caller has no agent identity.
const MasterAssignerID = "master"

// TaskStatus is a task's position in its state machine.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task types with meaning to the coordinator. Any other string is accepted and echoed back.
const (
	TaskTypeGeneric = "generic"
	TaskTypeRPC     = "rpc"
)

// Task is a unit of delegated work. Payload, Result and Error are opaque JSON
// values stored and returned verbatim.
type Task struct {
	ID          string
	AssignerID  string
	AssigneeID  string
	TaskType    string
	Payload     json.RawMessage
	Status      TaskStatus
	Result      json.RawMessage // set only when completed
	Error       json.RawMessage // set only when failed
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time // recorded, not enforced
}

// Agent is an addressable identity in the agent directory.
type Agent struct {
	ID        string
	Name      string
	Address   string // mailbox address, informational
	CreatedAt time.Time
}

// AgentMail represents a message in an agent's mailbox
type AgentMail struct {
	ID          string
	FromAgentID string
	ToAgentID   string
	Subject     string
	Content     string
	ContentHTML string
	ReadAt      *time.Time
	CreatedAt   time.Time
}

// TaskStore persists tasks. Every mutation is a compare-and-swap on the
// task's current status; a mismatch returns *ConflictError.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ClaimTask(ctx context.Context, id string) (*Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) (*Task, error)
	CompleteTaskDirect(ctx context.Context, id string, result json.RawMessage) (*Task, error)
	FailTask(ctx context.Context, id string, errValue json.RawMessage) (*Task, error)

	// ListTasksByAssignee returns tasks oldest-first. With no statuses, all tasks are returned.
	ListTasksByAssignee(ctx context.Context, assigneeID string, statuses ...TaskStatus) ([]*Task, error)
	// ListTasksByAssigner returns tasks newest-first.
	ListTasksByAssigner(ctx context.Context, assignerID string, limit int) ([]*Task, error)
}

// AgentDirectory resolves agent identities.
type AgentDirectory interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ResolveAgent looks an agent up by ID first, then by name.
	ResolveAgent(ctx context.Context, nameOrID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// MailStore is the per-agent mailbox substrate.
type MailStore interface {
	SendMail(ctx context.Context, mail *AgentMail) error
	GetMail(ctx context.Context, id string) (*AgentMail, error)
	ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*AgentMail, error)
	// ListInboxSince returns mail received at or after since, oldest first.
	ListInboxSince(ctx context.Context, agentID string, since time.Time) ([]*AgentMail, error)
	MarkMailRead(ctx context.Context, id string) error
	DeleteMail(ctx context.Context, id string) error
}

// Store combines everything the service persists.
type Store interface {
	TaskStore
	AgentDirectory
	MailStore

	// Close releases any resources held by the store
	Close() error
}
