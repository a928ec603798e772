// ABOUTME: HTTP API handlers exposing the coordinator over JSON and SSE
// ABOUTME: Task lifecycle, blocking RPC, event streams, agent directory and mailbox routes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/events"
	"github.com/2389/coven-courier/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// errForbidden is returned when a token-authenticated caller asks for
// another agent's view.
var errForbidden = errors.New("forbidden")

// AssignTaskRequest is the JSON request body for POST /api/tasks.
type AssignTaskRequest struct {
	Assignee         string          `json:"assignee"`
	TaskType         string          `json:"task_type,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ExpiresInSeconds int             `json:"expires_in_seconds,omitempty"`
}

// TaskOutcomeRequest is the JSON request body for complete, complete-direct and fail.
type TaskOutcomeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// RPCRequest is the JSON request body for POST /api/rpc.
type RPCRequest struct {
	Target         string          `json:"target"`
	Task           string          `json:"task"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// CreateAgentRequest is the JSON request body for POST /api/agents.
type CreateAgentRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// AgentResponse is the JSON view of a directory entry.
type AgentResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	Connections int       `json:"connections"`
	CreatedAt   time.Time `json:"created_at"`
}

// SendMailRequest is the JSON request body for POST /api/mail.
type SendMailRequest struct {
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html,omitempty"`
}

// MailResponse is the JSON view of a mailbox message.
type MailResponse struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	Content     string     `json:"content"`
	ContentHTML string     `json:"content_html,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Status       string         `json:"status"`
	Connections  int            `json:"connections"`
	Agents       map[string]int `json:"agents"`
	PendingWaits int            `json:"pending_waits"`
	MCPSessions  int            `json:"mcp_sessions"`
	SeenMail     int            `json:"seen_mail"`
}

// apiRoutes builds the /api/ handler tree.
func (g *Gateway) apiRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", g.handleAssign)
	mux.HandleFunc("GET /api/tasks/pending", g.handleListPending)
	mux.HandleFunc("GET /api/tasks/assigned", g.handleListAssigned)
	mux.HandleFunc("GET /api/tasks/{id}", g.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/claim", g.handleClaim)
	mux.HandleFunc("POST /api/tasks/{id}/complete", g.handleComplete)
	mux.HandleFunc("POST /api/tasks/{id}/complete-direct", g.handleCompleteDirect)
	mux.HandleFunc("POST /api/tasks/{id}/fail", g.handleFail)

	mux.HandleFunc("POST /api/rpc", g.handleRPC)
	mux.HandleFunc("GET /api/events", g.handleEvents)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("POST /api/agents", g.handleCreateAgent)

	mux.HandleFunc("GET /api/mail", g.handleListMail)
	mux.HandleFunc("POST /api/mail", g.handleSendMail)
	mux.HandleFunc("POST /api/mail/{id}/read", g.handleMarkRead)
	mux.HandleFunc("DELETE /api/mail/{id}", g.handleDeleteMail)

	return mux
}

// handleAssign handles POST /api/tasks.
func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignTaskRequest
	if !g.decode(w, r, &req) {
		return
	}
	view, err := g.coordinator.Assign(r.Context(), auth.AgentID(r.Context()), coordinator.AssignRequest{
		Assignee:         req.Assignee,
		TaskType:         req.TaskType,
		Payload:          req.Payload,
		ExpiresInSeconds: req.ExpiresInSeconds,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, view)
}

// handleListPending handles GET /api/tasks/pending?agent_id=X. The agent
// defaults to the caller.
func (g *Gateway) handleListPending(w http.ResponseWriter, r *http.Request) {
	agentID, err := subjectAgent(r, r.URL.Query().Get("agent_id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	tasks, err := g.coordinator.ListPending(r.Context(), agentID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleListAssigned handles GET /api/tasks/assigned?limit=N.
func (g *Gateway) handleListAssigned(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendError(w, err)
		return
	}
	tasks, err := g.coordinator.ListAssigned(r.Context(), auth.AgentID(r.Context()), limit)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := g.coordinator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	view, err := g.coordinator.Claim(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req TaskOutcomeRequest
	if !g.decode(w, r, &req) {
		return
	}
	view, err := g.coordinator.Complete(r.Context(), r.PathValue("id"), req.Result)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleCompleteDirect(w http.ResponseWriter, r *http.Request) {
	var req TaskOutcomeRequest
	if !g.decode(w, r, &req) {
		return
	}
	view, err := g.coordinator.CompleteDirect(r.Context(), r.PathValue("id"), req.Result)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleFail(w http.ResponseWriter, r *http.Request) {
	var req TaskOutcomeRequest
	if !g.decode(w, r, &req) {
		return
	}
	view, err := g.coordinator.Fail(r.Context(), r.PathValue("id"), req.Error)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleRPC handles POST /api/rpc. It blocks until the target answers or
// the timeout passes. A caller that hangs up gets nothing written back; a
// call cut short by shutdown gets 503.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if !g.decode(w, r, &req) {
		return
	}
	result, err := g.coordinator.RPC(r.Context(), auth.AgentID(r.Context()), coordinator.RPCRequest{
		Target:         req.Target,
		Task:           req.Task,
		Payload:        req.Payload,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if errors.Is(err, coordinator.ErrDisconnected) {
		return
	}
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, result)
}

// sseSink writes events to an SSE response. Headers are deferred to the
// first event so a rejected connection can still get a JSON error.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Send(ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEvents handles GET /api/events?agent_id=X as a server-sent event
// stream. Agents at their connection cap get 429.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID, err := subjectAgent(r, r.URL.Query().Get("agent_id"))
	if err != nil {
		g.sendError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	err = g.coordinator.ConnectEvents(r.Context(), agentID, sink)
	if err == nil {
		return
	}
	if !sink.started {
		g.sendError(w, err)
		return
	}
	g.logger.Debug("event stream ended", "agent_id", agentID, "error", err)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.sendError(w, err)
		return
	}
	registry := g.coordinator.Registry()
	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, AgentResponse{
			ID:          a.ID,
			Name:        a.Name,
			Address:     a.Address,
			Connections: registry.ConnectionCount(a.ID),
			CreatedAt:   a.CreatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": response})
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	agent := &store.Agent{ID: req.ID, Name: req.Name, Address: req.Address}
	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.sendError(w, err)
		return
	}
	g.logger.Info("agent added", "agent_id", agent.ID, "name", agent.Name)
	g.sendJSON(w, http.StatusCreated, AgentResponse{
		ID:        agent.ID,
		Name:      agent.Name,
		Address:   agent.Address,
		CreatedAt: agent.CreatedAt,
	})
}

// handleListMail handles GET /api/mail?agent_id=X&unread=true&limit=N.
func (g *Gateway) handleListMail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID, err := subjectAgent(r, q.Get("agent_id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.sendError(w, err)
		return
	}
	unread, _ := strconv.ParseBool(q.Get("unread"))

	inbox, err := g.store.ListInbox(r.Context(), agentID, unread, limit)
	if err != nil {
		g.sendError(w, err)
		return
	}
	response := make([]MailResponse, 0, len(inbox))
	for _, m := range inbox {
		response = append(response, mailResponse(m))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"mail": response})
}

// handleSendMail handles POST /api/mail. The sender is the caller.
func (g *Gateway) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var req SendMailRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.To == "" || req.Subject == "" {
		g.sendJSONError(w, http.StatusBadRequest, "to and subject are required")
		return
	}
	to, err := g.store.ResolveAgent(r.Context(), req.To)
	if err != nil {
		g.sendError(w, err)
		return
	}
	mail := &store.AgentMail{
		FromAgentID: auth.AgentID(r.Context()),
		ToAgentID:   to.ID,
		Subject:     req.Subject,
		Content:     req.Content,
		ContentHTML: req.ContentHTML,
	}
	if err := g.store.SendMail(r.Context(), mail); err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, mailResponse(mail))
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := g.store.MarkMailRead(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDeleteMail(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteMail(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports live connections and blocked RPC calls.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	registry := g.coordinator.Registry()
	agents := make(map[string]int)
	for _, id := range registry.Agents() {
		agents[id] = registry.ConnectionCount(id)
	}
	g.sendJSON(w, http.StatusOK, ReadyResponse{
		Status:       "ready",
		Connections:  registry.TotalConnections(),
		Agents:       agents,
		PendingWaits: g.coordinator.PendingWaits(),
		MCPSessions:  g.mcpServer.Sessions(),
		SeenMail:     g.seen.Len(),
	})
}

func mailResponse(m *store.AgentMail) MailResponse {
	return MailResponse{
		ID:          m.ID,
		From:        m.FromAgentID,
		To:          m.ToAgentID,
		Subject:     m.Subject,
		Content:     m.Content,
		ContentHTML: m.ContentHTML,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
	}
}

// subjectAgent picks the agent a read-side request is about: the explicit
// one, else the caller. Token-authenticated callers may only ask about
// themselves.
func subjectAgent(r *http.Request, requested string) (string, error) {
	return resolveSubject(auth.FromContext(r.Context()), requested)
}

func resolveSubject(id *auth.Identity, requested string) (string, error) {
	if id != nil && id.Method == auth.MethodToken {
		if requested != "" && requested != id.AgentID {
			return "", errForbidden
		}
		return id.AgentID, nil
	}
	if requested != "" {
		return requested, nil
	}
	if id.Anonymous() || id.AgentID == "" {
		return "", fmt.Errorf("%w: agent_id is required", coordinator.ErrInvalidInput)
	}
	return id.AgentID, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", coordinator.ErrInvalidInput, name)
	}
	return n, nil
}

// decode reads a JSON body into v, writing a 400 on failure. An empty body
// leaves v untouched.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, coordinator.ErrNotClaimable),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicateAgent):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, events.ErrTooManyConnections):
		return http.StatusTooManyRequests
	case errors.Is(err, events.ErrClosed),
		errors.Is(err, coordinator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error with the mapped status. Internal
// errors are logged and hidden.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, code, "internal server error")
		return
	}
	g.sendJSONError(w, code, err.Error())
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
