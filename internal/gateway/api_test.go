// ABOUTME: Tests for the HTTP API: task lifecycle, RPC, SSE streams, agents and mail
// ABOUTME: Drives a real gateway handler over httptest with MockStore underneath

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/coordinator"
)

type taskJSON struct {
	ID         string          `json:"id"`
	AssignerID string          `json:"assigner_id"`
	AssigneeID string          `json:"assignee_id"`
	TaskType   string          `json:"task_type"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Result     json.RawMessage `json:"result"`
}

type taskList struct {
	Tasks []taskJSON `json:"tasks"`
}

type errorJSON struct {
	Error string `json:"error"`
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready ReadyResponse
	code := f.do(t, http.MethodGet, "/health/ready", "", nil, &ready)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", ready.Status)
	assert.Zero(t, ready.Connections)
	assert.Zero(t, ready.PendingWaits)
	assert.Zero(t, ready.SeenMail)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	var created taskJSON
	code := f.do(t, http.MethodPost, "/api/tasks", aliceID, AssignTaskRequest{
		Assignee: "bob",
		Payload:  json.RawMessage(`{"file":"main.go"}`),
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, aliceID, created.AssignerID)
	assert.Equal(t, bobID, created.AssigneeID)
	assert.Equal(t, "generic", created.TaskType)
	assert.Equal(t, "pending", created.Status)
	assert.JSONEq(t, `{"file":"main.go"}`, string(created.Payload))

	var pending taskList
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks/pending", bobID, nil, &pending))
	require.Len(t, pending.Tasks, 1)
	assert.Equal(t, created.ID, pending.Tasks[0].ID)

	var claimed taskJSON
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/claim", bobID, nil, &claimed))
	assert.Equal(t, "claimed", claimed.Status)

	var conflict errorJSON
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/claim", bobID, nil, &conflict))
	assert.Equal(t, "task not found or already claimed", conflict.Error)

	var done taskJSON
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/complete", bobID,
		TaskOutcomeRequest{Result: json.RawMessage(`"ok"`)}, &done))
	assert.Equal(t, "completed", done.Status)
	assert.JSONEq(t, `"ok"`, string(done.Result))

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/fail", bobID,
		TaskOutcomeRequest{Error: json.RawMessage(`"late"`)}, nil))

	var got taskJSON
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks/"+created.ID, "", nil, &got))
	assert.Equal(t, "completed", got.Status)

	var assigned taskList
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks/assigned", aliceID, nil, &assigned))
	require.Len(t, assigned.Tasks, 1)
	assert.Equal(t, created.ID, assigned.Tasks[0].ID)
}

func TestAnonymousAssignUsesMaster(t *testing.T) {
	f := newFixture(t, nil)

	var created taskJSON
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", "", AssignTaskRequest{Assignee: bobID}, &created))
	assert.Equal(t, "master", created.AssignerID)

	var done taskJSON
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/complete-direct", "", nil, &done))
	assert.Equal(t, "completed", done.Status)
	assert.JSONEq(t, `null`, string(done.Result))
}

func TestAPIErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		agent  string
		body   any
		want   int
	}{
		{"missing assignee", http.MethodPost, "/api/tasks", aliceID, AssignTaskRequest{}, http.StatusBadRequest},
		{"unknown assignee", http.MethodPost, "/api/tasks", aliceID, AssignTaskRequest{Assignee: "nobody"}, http.StatusNotFound},
		{"huge expiry", http.MethodPost, "/api/tasks", aliceID, AssignTaskRequest{Assignee: "bob", ExpiresInSeconds: 10_000_000_000}, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/tasks/nope", "", nil, http.StatusNotFound},
		{"claim unknown task", http.MethodPost, "/api/tasks/nope/claim", "", nil, http.StatusConflict},
		{"complete unknown task", http.MethodPost, "/api/tasks/nope/complete", "", nil, http.StatusNotFound},
		{"pending without agent", http.MethodGet, "/api/tasks/pending", "", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/tasks/assigned?limit=abc", aliceID, nil, http.StatusBadRequest},
		{"rpc without target", http.MethodPost, "/api/rpc", aliceID, RPCRequest{Task: "x"}, http.StatusBadRequest},
		{"duplicate agent", http.MethodPost, "/api/agents", "", CreateAgentRequest{Name: "bob"}, http.StatusConflict},
		{"agent without name", http.MethodPost, "/api/agents", "", CreateAgentRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorJSON
			code := f.do(t, tt.method, tt.path, tt.agent, tt.body, &e)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, e.Error)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/tasks", strings.NewReader("{not json"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRPCOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	var (
		wg     sync.WaitGroup
		result coordinator.RPCResult
		code   int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		code = f.do(t, http.MethodPost, "/api/rpc", aliceID, RPCRequest{
			Target:         "bob",
			Task:           "add",
			Payload:        json.RawMessage(`[1,2]`),
			TimeoutSeconds: 10,
		}, &result)
	}()

	var pending taskList
	require.Eventually(t, func() bool {
		pending = taskList{}
		f.do(t, http.MethodGet, "/api/tasks/pending", bobID, nil, &pending)
		return len(pending.Tasks) == 1
	}, 3*time.Second, 20*time.Millisecond)

	rpcTask := pending.Tasks[0]
	assert.Equal(t, "rpc", rpcTask.TaskType)
	assert.JSONEq(t, `{"task":"add","payload":[1,2]}`, string(rpcTask.Payload))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/tasks/"+rpcTask.ID+"/complete-direct", bobID,
		TaskOutcomeRequest{Result: json.RawMessage(`3`)}, nil))

	wg.Wait()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, rpcTask.ID, result.TaskID)
	assert.JSONEq(t, `3`, string(result.Result))
}

func TestRPCOverHTTPDuringShutdown(t *testing.T) {
	f := newFixture(t, nil)

	var (
		wg   sync.WaitGroup
		e    errorJSON
		code int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		code = f.do(t, http.MethodPost, "/api/rpc", aliceID, RPCRequest{Target: "bob", Task: "slow", TimeoutSeconds: 60}, &e)
	}()

	require.Eventually(t, func() bool {
		return f.gw.Coordinator().PendingWaits() == 1
	}, 3*time.Second, 10*time.Millisecond)
	f.gw.Coordinator().Close()

	wg.Wait()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, e.Error, "server shutting down")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)

	stream, code := f.openEvents(t, bobID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "text/event-stream", stream.resp.Header.Get("Content-Type"))

	typ, data := stream.next(t)
	require.Equal(t, "connected", typ)
	var connected struct {
		AgentID         string `json:"agent_id"`
		MailboxWatching bool   `json:"mailbox_watching"`
	}
	require.NoError(t, json.Unmarshal(data, &connected))
	assert.Equal(t, bobID, connected.AgentID)
	assert.True(t, connected.MailboxWatching)

	require.Eventually(t, func() bool {
		return f.gw.Coordinator().Registry().ConnectionCount(bobID) == 1
	}, time.Second, 10*time.Millisecond)

	var created taskJSON
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", aliceID, AssignTaskRequest{Assignee: "bob"}, &created))

	var assigned taskJSON
	require.NoError(t, json.Unmarshal(stream.nextOfType(t, coordinator.EventTaskAssigned), &assigned))
	assert.Equal(t, created.ID, assigned.ID)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/mail", aliceID, SendMailRequest{
		To:      "bob",
		Subject: "hello",
		Content: "are you there?",
	}, nil))

	var mail struct {
		Kind    string `json:"kind"`
		Message struct {
			From    string `json:"from"`
			Subject string `json:"subject"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(stream.nextOfType(t, "mail.new"), &mail))
	assert.Equal(t, "new", mail.Kind)
	assert.Equal(t, aliceID, mail.Message.From)
	assert.Equal(t, "hello", mail.Message.Subject)

	var ready ReadyResponse
	f.do(t, http.MethodGet, "/health/ready", "", nil, &ready)
	assert.Equal(t, 1, ready.Connections)
	assert.Equal(t, 1, ready.Agents[bobID])
	assert.Equal(t, 1, ready.SeenMail)
}

func TestEventStreamConnectionCap(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Events.MaxConnectionsPerAgent = 1
	})

	first, code := f.openEvents(t, bobID)
	require.Equal(t, http.StatusOK, code)
	typ, _ := first.next(t)
	require.Equal(t, "connected", typ)

	second, code := f.openEvents(t, bobID)
	assert.Equal(t, http.StatusTooManyRequests, code)
	var e errorJSON
	require.NoError(t, json.NewDecoder(second.resp.Body).Decode(&e))
	assert.Contains(t, e.Error, "too many connections")

	// A different agent is unaffected.
	other, code := f.openEvents(t, aliceID)
	assert.Equal(t, http.StatusOK, code)
	typ, _ = other.next(t)
	assert.Equal(t, "connected", typ)

	// Closing the first stream frees the slot.
	first.close()
	require.Eventually(t, func() bool {
		return f.gw.Coordinator().Registry().ConnectionCount(bobID) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, code = f.openEvents(t, bobID)
	assert.Equal(t, http.StatusOK, code)
}

func TestAgentDirectory(t *testing.T) {
	f := newFixture(t, nil)

	var created AgentResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/agents", "", CreateAgentRequest{
		Name:    "carol",
		Address: "carol@agents",
	}, &created))
	assert.NotEmpty(t, created.ID)

	var list struct {
		Agents []AgentResponse `json:"agents"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/agents", "", nil, &list))
	require.Len(t, list.Agents, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"},
		[]string{list.Agents[0].Name, list.Agents[1].Name, list.Agents[2].Name})
}

func TestMailbox(t *testing.T) {
	f := newFixture(t, nil)

	var sent MailResponse
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/mail", aliceID, SendMailRequest{
		To:      "bob",
		Subject: "status",
		Content: "**done**",
	}, &sent))
	assert.Equal(t, aliceID, sent.From)
	assert.Equal(t, bobID, sent.To)

	var inbox struct {
		Mail []MailResponse `json:"mail"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/mail?unread=true", bobID, nil, &inbox))
	require.Len(t, inbox.Mail, 1)
	assert.Nil(t, inbox.Mail[0].ReadAt)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/mail/"+sent.ID+"/read", bobID, nil, nil))

	inbox.Mail = nil
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/mail?unread=true", bobID, nil, &inbox))
	assert.Empty(t, inbox.Mail)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/mail/"+sent.ID, bobID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/mail/"+sent.ID, bobID, nil, nil))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/mail", aliceID, SendMailRequest{
		To: "nobody", Subject: "x",
	}, nil))
}

func TestTokenIdentity(t *testing.T) {
	secret := strings.Repeat("k", 32)
	f := newFixture(t, func(c *config.Config) {
		c.Auth.JWTSecret = secret
	})
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(bobID, time.Hour)
	require.NoError(t, err)

	call := func(path, bearer string) int {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		// Ignored when tokens are configured.
		req.Header.Set("X-Agent-ID", aliceID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, call("/api/tasks/pending", token))
	assert.Equal(t, http.StatusOK, call("/api/tasks/pending?agent_id="+bobID, token))
	assert.Equal(t, http.StatusForbidden, call("/api/tasks/pending?agent_id="+aliceID, token))
	assert.Equal(t, http.StatusUnauthorized, call("/api/tasks/pending", "garbage"))
	// No credentials: anonymous, so an explicit agent is required.
	assert.Equal(t, http.StatusBadRequest, call("/api/tasks/pending", ""))
}

func TestResolveSubject(t *testing.T) {
	got, err := resolveSubject(nil, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	_, err = resolveSubject(nil, "")
	assert.ErrorIs(t, err, coordinator.ErrInvalidInput)

	got, err = resolveSubject(&auth.Identity{AgentID: "h", Method: auth.MethodHeader}, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", got)

	got, err = resolveSubject(&auth.Identity{AgentID: "t", Method: auth.MethodToken}, "")
	require.NoError(t, err)
	assert.Equal(t, "t", got)

	_, err = resolveSubject(&auth.Identity{AgentID: "t", Method: auth.MethodToken}, "other")
	assert.ErrorIs(t, err, errForbidden)
}

func TestMCPEndpointMounted(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	req.Header.Set("X-Agent-ID", aliceID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))

	var ready ReadyResponse
	f.do(t, http.MethodGet, "/health/ready", "", nil, &ready)
	assert.Equal(t, 1, ready.MCPSessions)
}
