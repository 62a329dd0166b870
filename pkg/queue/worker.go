package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// Worker consumes instance-ready notices and drives the engine. Each fetch
// is acknowledged only after Run returns, so an instance interrupted by a
// crash is redelivered and replayed.
type Worker struct {
	queue       *Queue
	engine      *workflow.Engine
	logger      *slog.Logger
	concurrency int

	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the worker pool size. Default 4.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates the worker pool service.
func NewWorker(q *Queue, engine *workflow.Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       q,
		engine:      engine,
		logger:      slog.Default(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Name() string { return "workers" }

// Start binds the durable consumer and launches the pool.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.queue.PullSubscribe()
	if err != nil {
		return err
	}
	w.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(runCtx)
	}
	return nil
}

// Stop drains the pool. In-flight instances finish their current run; their
// progress is checkpointed so redelivery resumes them.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.sub != nil {
		w.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) ||
				errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			w.logger.Error("fetch failed", slog.String("error", err.Error()))
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	instanceID := string(msg.Data)
	err := w.engine.Run(ctx, instanceID)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, workflow.ErrInstanceNotFound):
		// Nothing to replay against; redelivery would never succeed.
		w.logger.Warn("dropping notice for unknown instance",
			slog.String("instance", instanceID))
		msg.Ack()
	default:
		w.logger.Error("instance run failed",
			slog.String("instance", instanceID),
			slog.String("error", err.Error()))
		// A failed run may still have reached a terminal status with its
		// outcome persisted. Only redeliver when the instance can resume.
		if st, stErr := w.engine.GetStatus(context.Background(), instanceID); stErr == nil && st.RuntimeStatus.Terminal() {
			msg.Ack()
			return
		}
		msg.Nak()
	}
}
