// ABOUTME: Coordinator operations exposed as MCP tools for LLM-driven agents
// ABOUTME: Each tool runs as the session's agent and returns the same JSON as the HTTP API

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/store"
)

// ErrToolNotFound is returned for calls naming an unknown tool.
var ErrToolNotFound = errors.New("tool not found")

// Handler executes a tool for agentID with raw JSON arguments.
type Handler func(ctx context.Context, agentID string, input json.RawMessage) (any, error)

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema string
	Handler     Handler
}

// Toolset holds the tools a Server exposes.
type Toolset struct {
	tools map[string]*Tool
}

// NewToolset builds the task, RPC, directory and mailbox tools.
func NewToolset(coord *coordinator.Coordinator, s store.Store) *Toolset {
	h := &handlers{coord: coord, agents: s, mail: s}
	ts := &Toolset{tools: make(map[string]*Tool)}
	for _, t := range []*Tool{
		{
			Name:        "task_assign",
			Description: "Assign a task to another agent by name or ID",
			InputSchema: `{"type":"object","properties":{"assignee":{"type":"string"},"task_type":{"type":"string"},"payload":{},"expires_in_seconds":{"type":"integer"}},"required":["assignee"]}`,
			Handler:     h.assign,
		},
		{
			Name:        "task_pending",
			Description: "List your pending and claimed tasks, oldest first",
			InputSchema: `{"type":"object","properties":{}}`,
			Handler:     h.pending,
		},
		{
			Name:        "task_assigned",
			Description: "List tasks you assigned, newest first",
			InputSchema: `{"type":"object","properties":{"limit":{"type":"integer"}}}`,
			Handler:     h.assigned,
		},
		{
			Name:        "task_get",
			Description: "Get a task by ID",
			InputSchema: taskIDSchema,
			Handler:     h.get,
		},
		{
			Name:        "task_claim",
			Description: "Claim a pending task",
			InputSchema: taskIDSchema,
			Handler:     h.claim,
		},
		{
			Name:        "task_complete",
			Description: "Complete a claimed task with a result",
			InputSchema: `{"type":"object","properties":{"task_id":{"type":"string"},"result":{}},"required":["task_id"]}`,
			Handler:     h.complete,
		},
		{
			Name:        "task_complete_direct",
			Description: "Complete a pending or claimed task without claiming first",
			InputSchema: `{"type":"object","properties":{"task_id":{"type":"string"},"result":{}},"required":["task_id"]}`,
			Handler:     h.completeDirect,
		},
		{
			Name:        "task_fail",
			Description: "Fail a claimed task with an error value",
			InputSchema: `{"type":"object","properties":{"task_id":{"type":"string"},"error":{}},"required":["task_id"]}`,
			Handler:     h.fail,
		},
		{
			Name:        "rpc_call",
			Description: "Ask another agent to perform a task and wait for its answer",
			InputSchema: `{"type":"object","properties":{"target":{"type":"string"},"task":{"type":"string"},"payload":{},"timeout_seconds":{"type":"integer"}},"required":["target","task"]}`,
			Handler:     h.rpc,
		},
		{
			Name:        "agents_list",
			Description: "List registered agents",
			InputSchema: `{"type":"object","properties":{}}`,
			Handler:     h.listAgents,
		},
		{
			Name:        "mail_send",
			Description: "Send a message to another agent",
			InputSchema: `{"type":"object","properties":{"to":{"type":"string"},"subject":{"type":"string"},"content":{"type":"string"}},"required":["to","subject","content"]}`,
			Handler:     h.sendMail,
		},
		{
			Name:        "mail_inbox",
			Description: "List received messages",
			InputSchema: `{"type":"object","properties":{"limit":{"type":"integer"},"unread_only":{"type":"boolean"}}}`,
			Handler:     h.inbox,
		},
		{
			Name:        "mail_read",
			Description: "Read a message and mark it read",
			InputSchema: `{"type":"object","properties":{"message_id":{"type":"string"}},"required":["message_id"]}`,
			Handler:     h.readMail,
		},
	} {
		ts.tools[t.Name] = t
	}
	return ts
}

const taskIDSchema = `{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`

// List returns tools sorted by name.
func (ts *Toolset) List() []*Tool {
	out := make([]*Tool, 0, len(ts.tools))
	for _, t := range ts.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named tool and returns its JSON output.
func (ts *Toolset) Call(ctx context.Context, agentID, name string, input json.RawMessage) (json.RawMessage, error) {
	t, ok := ts.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	out, err := t.Handler(ctx, agentID, input)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type handlers struct {
	coord  *coordinator.Coordinator
	agents store.AgentDirectory
	mail   store.MailStore
}

func decode(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %v", coordinator.ErrInvalidInput, err)
	}
	return nil
}

type assignInput struct {
	Assignee         string          `json:"assignee"`
	TaskType         string          `json:"task_type"`
	Payload          json.RawMessage `json:"payload"`
	ExpiresInSeconds int             `json:"expires_in_seconds"`
}

func (h *handlers) assign(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in assignInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return h.coord.Assign(ctx, agentID, coordinator.AssignRequest{
		Assignee:         in.Assignee,
		TaskType:         in.TaskType,
		Payload:          in.Payload,
		ExpiresInSeconds: in.ExpiresInSeconds,
	})
}

func (h *handlers) pending(ctx context.Context, agentID string, _ json.RawMessage) (any, error) {
	if agentID == store.MasterAssignerID {
		return nil, fmt.Errorf("%w: an agent identity is required", coordinator.ErrInvalidInput)
	}
	tasks, err := h.coord.ListPending(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (h *handlers) assigned(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	tasks, err := h.coord.ListAssigned(ctx, agentID, in.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

type taskInput struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func taskRef(input json.RawMessage) (taskInput, error) {
	var in taskInput
	if err := decode(input, &in); err != nil {
		return in, err
	}
	if in.TaskID == "" {
		return in, fmt.Errorf("%w: task_id is required", coordinator.ErrInvalidInput)
	}
	return in, nil
}

func (h *handlers) get(ctx context.Context, _ string, input json.RawMessage) (any, error) {
	in, err := taskRef(input)
	if err != nil {
		return nil, err
	}
	return h.coord.Get(ctx, in.TaskID)
}

func (h *handlers) claim(ctx context.Context, _ string, input json.RawMessage) (any, error) {
	in, err := taskRef(input)
	if err != nil {
		return nil, err
	}
	return h.coord.Claim(ctx, in.TaskID)
}

func (h *handlers) complete(ctx context.Context, _ string, input json.RawMessage) (any, error) {
	in, err := taskRef(input)
	if err != nil {
		return nil, err
	}
	return h.coord.Complete(ctx, in.TaskID, in.Result)
}

func (h *handlers) completeDirect(ctx context.Context, _ string, input json.RawMessage) (any, error) {
	in, err := taskRef(input)
	if err != nil {
		return nil, err
	}
	return h.coord.CompleteDirect(ctx, in.TaskID, in.Result)
}

func (h *handlers) fail(ctx context.Context, _ string, input json.RawMessage) (any, error) {
	in, err := taskRef(input)
	if err != nil {
		return nil, err
	}
	return h.coord.Fail(ctx, in.TaskID, in.Error)
}

type rpcInput struct {
	Target         string          `json:"target"`
	Task           string          `json:"task"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (h *handlers) rpc(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in rpcInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return h.coord.RPC(ctx, agentID, coordinator.RPCRequest{
		Target:         in.Target,
		Task:           in.Task,
		Payload:        in.Payload,
		TimeoutSeconds: in.TimeoutSeconds,
	})
}

type agentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address,omitempty"`
	Connections int    `json:"connections"`
}

func (h *handlers) listAgents(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	agents, err := h.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	registry := h.coord.Registry()
	out := make([]agentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentInfo{
			ID:          a.ID,
			Name:        a.Name,
			Address:     a.Address,
			Connections: registry.ConnectionCount(a.ID),
		})
	}
	return map[string]any{"agents": out, "count": len(out)}, nil
}

type mailSendInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

func (h *handlers) sendMail(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in mailSendInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.To == "" || in.Subject == "" || in.Content == "" {
		return nil, fmt.Errorf("%w: to, subject and content are required", coordinator.ErrInvalidInput)
	}
	to, err := h.agents.ResolveAgent(ctx, in.To)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", in.To, err)
	}

	mail := &store.AgentMail{
		FromAgentID: agentID,
		ToAgentID:   to.ID,
		Subject:     in.Subject,
		Content:     in.Content,
	}
	if err := h.mail.SendMail(ctx, mail); err != nil {
		return nil, err
	}
	return map[string]string{"id": mail.ID, "status": "sent"}, nil
}

type mailInboxInput struct {
	Limit      int  `json:"limit"`
	UnreadOnly bool `json:"unread_only"`
}

func (h *handlers) inbox(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in mailInboxInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	messages, err := h.mail.ListInbox(ctx, agentID, in.UnreadOnly, limit)
	if err != nil {
		return nil, err
	}
	out := make([]mailInfo, 0, len(messages))
	for _, m := range messages {
		out = append(out, mailInfoOf(m))
	}
	return map[string]any{"messages": out, "count": len(out)}, nil
}

func (h *handlers) readMail(ctx context.Context, agentID string, input json.RawMessage) (any, error) {
	var in struct {
		MessageID string `json:"message_id"`
	}
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("%w: message_id is required", coordinator.ErrInvalidInput)
	}

	mail, err := h.mail.GetMail(ctx, in.MessageID)
	if err != nil {
		return nil, err
	}
	// Other agents' mail reads as missing.
	if mail.ToAgentID != agentID {
		return nil, store.ErrNotFound
	}
	if err := h.mail.MarkMailRead(ctx, mail.ID); err != nil {
		return nil, err
	}
	if mail.ReadAt == nil {
		now := time.Now().UTC()
		mail.ReadAt = &now
	}
	return mailInfoOf(mail), nil
}

type mailInfo struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func mailInfoOf(m *store.AgentMail) mailInfo {
	return mailInfo{
		ID:        m.ID,
		From:      m.FromAgentID,
		Subject:   m.Subject,
		Content:   m.Content,
		Read:      m.ReadAt != nil,
		CreatedAt: m.CreatedAt,
	}
}
