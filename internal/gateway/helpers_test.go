// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway over MockStore with two agents and an httptest server

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/store"
)

const (
	aliceID = "agent-alice"
	bobID   = "agent-bob"
)

type fixture struct {
	gw    *Gateway
	store *store.MockStore
	srv   *httptest.Server
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Tasks.RPCPollInterval = 100 * time.Millisecond
	cfg.Mailwatch.PollInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: aliceID, Name: "alice"}))
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: bobID, Name: "bob"}))

	gw, err := NewWithStore(cfg, s, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	// Runs before srv.Close so open streams end first.
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &fixture{gw: gw, store: s, srv: srv}
}

// do sends a JSON request as agentID (empty for anonymous) and decodes the
// response into out when non-nil.
func (f *fixture) do(t *testing.T, method, path, agentID string, body any, out any) int {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

// openEvents connects to /api/events as agentID.
func (f *fixture) openEvents(t *testing.T, agentID string) (*sseStream, int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Agent-ID", agentID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	s := &sseStream{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(s.close)
	return s, resp.StatusCode
}

func (s *sseStream) close() {
	s.cancel()
	_ = s.resp.Body.Close()
}

// next reads one event, returning its type and raw data.
func (s *sseStream) next(t *testing.T) (string, json.RawMessage) {
	t.Helper()

	type result struct {
		typ  string
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				r.err = err
				break
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				r.typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				r.data = strings.TrimPrefix(line, "data: ")
			case line == "" && r.typ != "":
				done <- r
				return
			}
		}
		done <- r
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.typ, json.RawMessage(r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return "", nil
	}
}

// nextOfType skips events until one of type typ arrives.
func (s *sseStream) nextOfType(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		got, data := s.next(t)
		if got == typ {
			return data
		}
	}
	t.Fatalf("no %s event", typ)
	return nil
}
