// ABOUTME: Tests for synchronous RPC over the task queue
// ABOUTME: End-to-end completion, failure, timeout, disconnect and timeout clamping

package coordinator

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/store"
)

// answerRPC makes agent serve one rpc task from its stream with respond.
func answerRPC(t *testing.T, f *fixture, s *stream, respond func(ctx context.Context, taskID string)) {
	t.Helper()
	go func() {
		for ev := range s.ch {
			if ev.Type != EventTaskRPC {
				continue
			}
			view := ev.Data.(*TaskView)
			ctx := context.Background()
			if _, err := f.coord.Claim(ctx, view.ID); err != nil {
				return
			}
			respond(ctx, view.ID)
			return
		}
	}()
}

func TestRPC_CompletesViaDirectSignal(t *testing.T) {
	// The poll interval is far away so only the direct signal can answer in time.
	f := newFixture(t, Config{PollInterval: time.Minute}, nil)
	bob := f.connect(t, f.bob.ID)

	answerRPC(t, f, bob, func(ctx context.Context, taskID string) {
		_, _ = f.coord.Complete(ctx, taskID, json.RawMessage(`{"summary":"X is short"}`))
	})

	start := time.Now()
	res, err := f.coord.RPC(context.Background(), f.alice.ID, RPCRequest{
		Target:         "bob",
		Task:           "summarize X",
		Payload:        json.RawMessage(`{}`),
		TimeoutSeconds: 10,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, RPCCompleted, res.Status)
	assert.JSONEq(t, `{"summary":"X is short"}`, string(res.Result))
	assert.Equal(t, 0, f.coord.PendingWaits())

	task, err := f.store.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTypeRPC, task.TaskType)
	assert.JSONEq(t, `{"task":"summarize X","payload":{}}`, string(task.Payload))
}

func TestRPC_Failed(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Minute}, nil)
	bob := f.connect(t, f.bob.ID)

	answerRPC(t, f, bob, func(ctx context.Context, taskID string) {
		_, _ = f.coord.Fail(ctx, taskID, json.RawMessage(`"cannot read X"`))
	})

	res, err := f.coord.RPC(context.Background(), f.alice.ID, RPCRequest{Target: "bob", Task: "summarize X", TimeoutSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, RPCFailed, res.Status)
	assert.JSONEq(t, `"cannot read X"`, string(res.Error))
	assert.Nil(t, res.Result)
}

func TestRPC_CompletedElsewhereFoundByPoll(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 20 * time.Millisecond}, nil)
	bob := f.connect(t, f.bob.ID)

	// Complete straight through the store, as another instance would.
	answerRPC(t, f, bob, func(ctx context.Context, taskID string) {
		_, _ = f.store.CompleteTask(ctx, taskID, json.RawMessage(`42`))
	})

	res, err := f.coord.RPC(context.Background(), f.alice.ID, RPCRequest{Target: "bob", Task: "answer", TimeoutSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, RPCCompleted, res.Status)
	assert.JSONEq(t, `42`, string(res.Result))
}

func TestRPC_Timeout(t *testing.T) {
	f := newFixture(t, Config{MinTimeout: time.Second, PollInterval: 100 * time.Millisecond}, nil)
	f.connect(t, f.bob.ID) // connected but never answers

	start := time.Now()
	res, err := f.coord.RPC(context.Background(), f.alice.ID, RPCRequest{Target: "bob", Task: "summarize X", TimeoutSeconds: 1})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, RPCTimeout, res.Status)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, "not completed within 1 seconds, check status via get()", res.Message)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)

	// The task is untouched and can still be answered.
	view, err := f.coord.Get(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)
	_, err = f.coord.CompleteDirect(context.Background(), res.TaskID, json.RawMessage(`"late"`))
	assert.NoError(t, err)
}

func TestRPC_Disconnected(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := f.coord.RPC(ctx, f.alice.ID, RPCRequest{Target: "bob", Task: "x", TimeoutSeconds: 30})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Nil(t, res)
	assert.Equal(t, 0, f.coord.PendingWaits())
}

func TestRPC_Validation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := f.coord.RPC(ctx, "", RPCRequest{Task: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.coord.RPC(ctx, "", RPCRequest{Target: "bob"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.coord.RPC(ctx, "", RPCRequest{Target: "bob", Task: "x", Payload: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.coord.RPC(ctx, "", RPCRequest{Target: "ghost", Task: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, f.coord.PendingWaits())
}

func TestClampTimeout(t *testing.T) {
	c := &Coordinator{cfg: DefaultConfig()}

	assert.Equal(t, 60*time.Second, c.clampTimeout(0))
	assert.Equal(t, 5*time.Second, c.clampTimeout(1))
	assert.Equal(t, 30*time.Second, c.clampTimeout(30))
	assert.Equal(t, 300*time.Second, c.clampTimeout(3600))
	assert.Equal(t, 300*time.Second, c.clampTimeout(301))
	assert.Equal(t, 300*time.Second, c.clampTimeout(10_000_000_000))
	assert.Equal(t, 300*time.Second, c.clampTimeout(math.MaxInt))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MinTimeout: 10 * time.Second, MaxTimeout: time.Second}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.MaxTimeout, "max never below min")
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
}

func TestClose_ReleasesWaitingCalls(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Minute}, nil)

	result := make(chan error, 1)
	go func() {
		_, err := f.coord.RPC(context.Background(), f.alice.ID, RPCRequest{Target: "bob", Task: "x", TimeoutSeconds: 60})
		result <- err
	}()

	require.Eventually(t, func() bool { return f.coord.PendingWaits() == 1 }, time.Second, 5*time.Millisecond)
	f.coord.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("rpc not released")
	}
}
