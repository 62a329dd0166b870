package queue_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcloud/orchestrator/pkg/lock"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/queue"
	"github.com/teamcloud/orchestrator/pkg/sqlite"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

func startQueue(t *testing.T) *queue.Queue {
	t.Helper()
	srv := queue.NewEmbeddedServer(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { srv.Stop(context.Background()) })

	q, err := queue.New(queue.Config{URL: srv.URL(), MaxAge: time.Hour})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestPublishFetchAck(t *testing.T) {
	q := startQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "inst-1"))

	sub, err := q.PullSubscribe()
	require.NoError(t, err)

	msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "inst-1", string(msgs[0].Data))
	require.NoError(t, msgs[0].AckSync())

	_, err = sub.Fetch(1, nats.MaxWait(250*time.Millisecond))
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestPublishDeduplicatesByInstanceID(t *testing.T) {
	q := startQueue(t)
	ctx := context.Background()

	// A retried submission republishes under the same message id and must
	// not produce a second notice.
	require.NoError(t, q.Publish(ctx, "inst-1"))
	require.NoError(t, q.Publish(ctx, "inst-1"))
	require.NoError(t, q.Publish(ctx, "inst-2"))

	sub, err := q.PullSubscribe()
	require.NoError(t, err)

	var got []string
	for i := 0; i < 2; i++ {
		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		got = append(got, string(msgs[0].Data))
		require.NoError(t, msgs[0].AckSync())
	}
	assert.Equal(t, []string{"inst-1", "inst-2"}, got)

	_, err = sub.Fetch(1, nats.MaxWait(250*time.Millisecond))
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestWorkerDrivesSubmittedInstance(t *testing.T) {
	q := startQueue(t)

	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := lock.NewManager(sqlite.NewLeaseStore(db),
		lock.WithPollInterval(5*time.Millisecond))
	engine := workflow.New(sqlite.NewHistoryStore(db),
		workflow.WithLogger(logger),
		workflow.WithLocks(locks),
		workflow.WithPublisher(q),
		workflow.WithPollInterval(5*time.Millisecond))

	engine.RegisterOrchestration("echo", func(c *workflow.Context, input json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return nil, err
		}
		return s, nil
	})

	worker := queue.NewWorker(q, engine,
		queue.WithConcurrency(2),
		queue.WithWorkerLogger(logger))
	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		worker.Stop(stopCtx)
	})

	require.NoError(t, engine.Submit(ctx, "echo", "inst-1", "hello", time.Minute))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := engine.WaitForInstance(waitCtx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.RuntimeStatus)
	assert.JSONEq(t, `"hello"`, string(st.Output))
}
