// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database while keeping CAS semantics

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task      // keyed by task ID
	agents map[string]*Agent     // keyed by agent ID
	mail   map[string]*AgentMail // keyed by mail ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:  make(map[string]*Task),
		agents: make(map[string]*Agent),
		mail:   make(map[string]*AgentMail),
	}
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[task.AssigneeID]; !ok {
		return fmt.Errorf("assignee %s: %w", task.AssigneeID, ErrNotFound)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if len(task.Payload) == 0 {
		task.Payload = json.RawMessage("null")
	}

	m.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// ClaimTask moves a pending task to claimed.
func (m *MockStore) ClaimTask(ctx context.Context, id string) (*Task, error) {
	return m.transition(id, func(t *Task, now time.Time) bool {
		if t.Status != TaskStatusPending {
			return false
		}
		t.Status = TaskStatusClaimed
		t.ClaimedAt = &now
		return true
	})
}

// CompleteTask moves a claimed task to completed.
func (m *MockStore) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	return m.transition(id, func(t *Task, now time.Time) bool {
		if t.Status != TaskStatusClaimed {
			return false
		}
		t.Status = TaskStatusCompleted
		t.Result = nullJSON(result)
		t.CompletedAt = &now
		return true
	})
}

// CompleteTaskDirect completes a pending or claimed task.
func (m *MockStore) CompleteTaskDirect(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	return m.transition(id, func(t *Task, now time.Time) bool {
		switch t.Status {
		case TaskStatusPending:
			t.ClaimedAt = &now
		case TaskStatusClaimed:
		default:
			return false
		}
		t.Status = TaskStatusCompleted
		t.Result = nullJSON(result)
		t.CompletedAt = &now
		return true
	})
}

// FailTask moves a claimed task to failed.
func (m *MockStore) FailTask(ctx context.Context, id string, errValue json.RawMessage) (*Task, error) {
	return m.transition(id, func(t *Task, now time.Time) bool {
		if t.Status != TaskStatusClaimed {
			return false
		}
		t.Status = TaskStatusFailed
		t.Error = nullJSON(errValue)
		t.CompletedAt = &now
		return true
	})
}

func (m *MockStore) transition(id string, apply func(t *Task, now time.Time) bool) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !apply(t, time.Now().UTC()) {
		return nil, &ConflictError{TaskID: id, Status: t.Status}
	}
	return copyTask(t), nil
}

// ListTasksByAssignee returns the assignee's tasks oldest-first.
func (m *MockStore) ListTasksByAssignee(ctx context.Context, assigneeID string, statuses ...TaskStatus) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Task
	for _, t := range m.tasks {
		if t.AssigneeID != assigneeID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, t.Status) {
			continue
		}
		result = append(result, copyTask(t))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListTasksByAssigner returns tasks created by assignerID newest-first.
func (m *MockStore) ListTasksByAssigner(ctx context.Context, assignerID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Task
	for _, t := range m.tasks {
		if t.AssignerID == assignerID {
			result = append(result, copyTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicateAgent
	}
	for _, a := range m.agents {
		if a.Name == agent.Name {
			return ErrDuplicateAgent
		}
	}

	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ResolveAgent looks up an agent by ID, then by name.
func (m *MockStore) ResolveAgent(ctx context.Context, nameOrID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.agents[nameOrID]; ok {
		result := *a
		return &result, nil
	}
	for _, a := range m.agents {
		if a.Name == nameOrID {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns all agents ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// SendMail stores a mail message.
func (m *MockStore) SendMail(ctx context.Context, mail *AgentMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mail.ID == "" {
		mail.ID = uuid.New().String()
	}
	if mail.CreatedAt.IsZero() {
		mail.CreatedAt = time.Now().UTC()
	}
	cp := *mail
	m.mail[cp.ID] = &cp
	return nil
}

// GetMail retrieves a mail message by ID.
func (m *MockStore) GetMail(ctx context.Context, id string) (*AgentMail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mail, ok := m.mail[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mail
	return &cp, nil
}

// ListInbox lists mail for an agent, newest first.
func (m *MockStore) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*AgentMail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var result []*AgentMail
	for _, mail := range m.mail {
		if mail.ToAgentID != agentID || (unreadOnly && mail.ReadAt != nil) {
			continue
		}
		cp := *mail
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListInboxSince returns mail received at or after since, oldest first.
func (m *MockStore) ListInboxSince(ctx context.Context, agentID string, since time.Time) ([]*AgentMail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AgentMail
	for _, mail := range m.mail {
		if mail.ToAgentID != agentID || mail.CreatedAt.Before(since) {
			continue
		}
		cp := *mail
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkMailRead marks a mail message as read.
func (m *MockStore) MarkMailRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mail, ok := m.mail[id]
	if !ok {
		return ErrNotFound
	}
	if mail.ReadAt == nil {
		now := time.Now().UTC()
		mail.ReadAt = &now
	}
	return nil
}

// DeleteMail removes a mail message.
func (m *MockStore) DeleteMail(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mail[id]; !ok {
		return ErrNotFound
	}
	delete(m.mail, id)
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		cp.Error = append(json.RawMessage(nil), t.Error...)
	}
	return &cp
}

func nullJSON(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return append(json.RawMessage(nil), v...)
}

func containsStatus(statuses []TaskStatus, s TaskStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
