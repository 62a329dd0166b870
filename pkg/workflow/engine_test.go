package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcloud/orchestrator/pkg/lock"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/sqlite"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

func newTestEngine(t *testing.T) (*workflow.Engine, workflow.HistoryStore) {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	history := sqlite.NewHistoryStore(db)
	locks := lock.NewManager(sqlite.NewLeaseStore(db),
		lock.WithPollInterval(5*time.Millisecond))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.New(history,
		workflow.WithLogger(logger),
		workflow.WithLocks(locks),
		workflow.WithPollInterval(5*time.Millisecond))
	return engine, history
}

func TestRunCompletesInstance(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterActivity("double", func(ctx context.Context, input json.RawMessage) (any, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		return n * 2, nil
	})
	engine.RegisterOrchestration("doubler", func(c *workflow.Context, input json.RawMessage) (any, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		var out int
		if err := c.Call("double", "double", n, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "doubler", "inst-1", 21, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-1"))

	st, err := engine.GetStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
	assert.JSONEq(t, "42", string(st.Output))
}

func TestReplayDoesNotReExecuteSteps(t *testing.T) {
	engine, history := newTestEngine(t)

	var calls atomic.Int32
	engine.RegisterActivity("count", func(ctx context.Context, input json.RawMessage) (any, error) {
		return calls.Add(1), nil
	})
	engine.RegisterOrchestration("counter", func(c *workflow.Context, input json.RawMessage) (any, error) {
		var first, second int32
		if err := c.Call("first", "count", nil, &first); err != nil {
			return nil, err
		}
		if err := c.Call("second", "count", nil, &second); err != nil {
			return nil, err
		}
		return []int32{first, second}, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "counter", "inst-replay", nil, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-replay"))
	require.EqualValues(t, 2, calls.Load())

	// Force the instance back to running, as if the process had crashed
	// after the steps were checkpointed but before the outcome was written.
	require.NoError(t, history.UpdateInstanceStatus(ctx, "inst-replay", model.StatusRunning, nil))
	require.NoError(t, engine.Run(ctx, "inst-replay"))

	assert.EqualValues(t, 2, calls.Load(), "recorded steps must not re-execute")
	st, err := engine.GetStatus(ctx, "inst-replay")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
	assert.JSONEq(t, "[1,2]", string(st.Output))
}

func TestCallRetriesTransientFailures(t *testing.T) {
	engine, _ := newTestEngine(t)

	var attempts atomic.Int32
	engine.RegisterActivity("flaky", func(ctx context.Context, input json.RawMessage) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	engine.RegisterOrchestration("retrying", func(c *workflow.Context, input json.RawMessage) (any, error) {
		var out string
		err := c.Call("flaky", "flaky", nil, &out,
			workflow.WithRetry(3), workflow.WithInitialBackoff(time.Millisecond))
		return out, err
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "retrying", "inst-retry", nil, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-retry"))
	assert.EqualValues(t, 3, attempts.Load())
}

func TestCallStopsOnTerminalError(t *testing.T) {
	engine, _ := newTestEngine(t)

	var attempts atomic.Int32
	engine.RegisterActivity("conflict", func(ctx context.Context, input json.RawMessage) (any, error) {
		attempts.Add(1)
		return nil, model.Terminal(errors.New("conflict"))
	})
	engine.RegisterOrchestration("conflicting", func(c *workflow.Context, input json.RawMessage) (any, error) {
		err := c.Call("conflict", "conflict", nil, nil,
			workflow.WithRetry(3), workflow.WithInitialBackoff(time.Millisecond))
		return nil, err
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "conflicting", "inst-conflict", nil, time.Minute))
	err := engine.Run(ctx, "inst-conflict")
	require.Error(t, err)
	assert.True(t, model.IsTerminal(err))
	assert.EqualValues(t, 1, attempts.Load(), "terminal errors must not retry")

	st, err := engine.GetStatus(ctx, "inst-conflict")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.RuntimeStatus)
}

func TestTimeoutMarksInstanceTerminated(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("stuck", func(c *workflow.Context, input json.RawMessage) (any, error) {
		_, err := c.WaitEvent("never", "never", time.Minute)
		return nil, err
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "stuck", "inst-timeout", nil, 50*time.Millisecond))
	err := engine.Run(ctx, "inst-timeout")
	require.Error(t, err)

	st, err := engine.GetStatus(ctx, "inst-timeout")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminated, st.RuntimeStatus)
}

func TestOutputPersistedOnFailure(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("failing", func(c *workflow.Context, input json.RawMessage) (any, error) {
		result := map[string]string{"state": "partial"}
		return result, errors.New("boom")
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "failing", "inst-fail", nil, time.Minute))
	require.Error(t, engine.Run(ctx, "inst-fail"))

	st, err := engine.GetStatus(ctx, "inst-fail")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.RuntimeStatus)
	assert.JSONEq(t, `{"state":"partial"}`, string(st.Output),
		"output must be written even when the orchestration fails")
}

func TestSubFailureDoesNotAbortParent(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("child-fails", func(c *workflow.Context, input json.RawMessage) (any, error) {
		return "child output", errors.New("child failed")
	})
	engine.RegisterOrchestration("parent", func(c *workflow.Context, input json.RawMessage) (any, error) {
		var childOut string
		err := c.Sub("spawn", "child-fails", nil, &childOut)
		require.Error(t, err)
		// The child's output is still observable despite its failure.
		assert.Equal(t, "child output", childOut)
		return "parent done", nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "parent", "inst-parent", nil, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-parent"))

	st, err := engine.GetStatus(ctx, "inst-parent")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)

	child, err := engine.GetStatus(ctx, "inst-parent:spawn")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, child.RuntimeStatus)
}

func TestRaiseEventResumesWaiter(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("waiting", func(c *workflow.Context, input json.RawMessage) (any, error) {
		payload, err := c.WaitEvent("callback", "callback", time.Minute)
		if err != nil {
			return nil, err
		}
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "waiting", "inst-event", nil, time.Minute))

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, "inst-event") }()

	require.Eventually(t, func() bool {
		return engine.RaiseEvent(ctx, "inst-event", "callback", json.RawMessage(`"hello"`)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)
	st, err := engine.GetStatus(ctx, "inst-event")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
	assert.JSONEq(t, `"hello"`, string(st.Output))
}

func TestTerminate(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("interruptible", func(c *workflow.Context, input json.RawMessage) (any, error) {
		_, err := c.WaitEvent("callback", "callback", time.Minute)
		return nil, err
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "interruptible", "inst-term", nil, time.Minute))

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, "inst-term") }()

	require.Eventually(t, func() bool {
		st, err := engine.GetStatus(ctx, "inst-term")
		return err == nil && st.RuntimeStatus == model.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.Terminate(ctx, "inst-term", "operator request"))
	require.Error(t, <-done)

	st, err := engine.GetStatus(ctx, "inst-term")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminated, st.RuntimeStatus)
}

func TestResubmitDoesNotResetTerminalInstance(t *testing.T) {
	engine, _ := newTestEngine(t)

	var calls atomic.Int32
	engine.RegisterOrchestration("once", func(c *workflow.Context, input json.RawMessage) (any, error) {
		calls.Add(1)
		return "done", nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "once", "inst-1", nil, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-1"))

	// A late duplicate submission, past the queue's dedup window, must
	// leave the finished instance and its output alone.
	require.NoError(t, engine.Submit(ctx, "once", "inst-1", nil, time.Minute))
	require.NoError(t, engine.Run(ctx, "inst-1"))

	st, err := engine.GetStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
	assert.JSONEq(t, `"done"`, string(st.Output))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterActivity("a", func(ctx context.Context, input json.RawMessage) (any, error) {
		return nil, nil
	})
	assert.Panics(t, func() {
		engine.RegisterActivity("a", func(ctx context.Context, input json.RawMessage) (any, error) {
			return nil, nil
		})
	})
}

func TestWaitForInstance(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterOrchestration("quick", func(c *workflow.Context, input json.RawMessage) (any, error) {
		return "done", nil
	})

	ctx := context.Background()
	require.NoError(t, engine.Submit(ctx, "quick", "inst-wait", nil, time.Minute))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = engine.Run(ctx, "inst-wait")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := engine.WaitForInstance(waitCtx, "inst-wait")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
}

func TestGetStatusUnknownInstance(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}
