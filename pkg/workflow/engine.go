package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/teamcloud/orchestrator/pkg/lock"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/observability"
)

// OrchestrationFunc is the body of one workflow instance. It must be
// deterministic aside from effects routed through the Context: on replay the
// function runs again, but recorded step outcomes are returned without
// re-executing their effects.
type OrchestrationFunc func(c *Context, input json.RawMessage) (any, error)

// ActivityFunc is a side-effecting unit of work invoked through a
// checkpointed Context.Call.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// Engine runs workflow instances against an append-only step log. Instances
// are single-threaded; many run concurrently across the worker pool, and all
// cross-instance coordination goes through the document lock and the status
// query interface.
type Engine struct {
	history   HistoryStore
	publisher Publisher
	locks     *lock.Manager
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer

	pollInterval time.Duration

	mu             sync.Mutex
	orchestrations map[string]OrchestrationFunc
	activities     map[string]ActivityFunc
	inboxes        map[string][]json.RawMessage
	waiters        map[string]chan json.RawMessage
	cancels        map[string]context.CancelFunc
	terminated     map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the queue submissions are published to. Without a
// publisher, Submit only persists the instance and the caller is expected to
// invoke Run.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLocks sets the document lock manager used by Context.Lock.
func WithLocks(m *lock.Manager) Option {
	return func(e *Engine) { e.locks = m }
}

// WithMetrics sets the metric instruments the engine records to.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPollInterval sets the status poll interval of WaitForInstance.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// New creates a workflow engine over the given history store.
func New(history HistoryStore, opts ...Option) *Engine {
	e := &Engine{
		history:        history,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/teamcloud/orchestrator/pkg/workflow"),
		pollInterval:   100 * time.Millisecond,
		orchestrations: map[string]OrchestrationFunc{},
		activities:     map[string]ActivityFunc{},
		inboxes:        map[string][]json.RawMessage{},
		waiters:        map[string]chan json.RawMessage{},
		cancels:        map[string]context.CancelFunc{},
		terminated:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterOrchestration registers an orchestration under a name. Registering
// the same name twice panics; the dispatch table is closed at startup.
func (e *Engine) RegisterOrchestration(name string, fn OrchestrationFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.orchestrations[name]; exists {
		panic(fmt.Sprintf("orchestration already registered: %s", name))
	}
	e.orchestrations[name] = fn
}

// RegisterActivity registers an activity under a name.
func (e *Engine) RegisterActivity(name string, fn ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[name]; exists {
		panic(fmt.Sprintf("activity already registered: %s", name))
	}
	e.activities[name] = fn
}

func (e *Engine) orchestration(name string) (OrchestrationFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.orchestrations[name]
	return fn, ok
}

func (e *Engine) activity(name string) (ActivityFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.activities[name]
	return fn, ok
}

// Submit persists a new instance and hands it to the worker pool. The
// instance id must be unique and stable; command workflows use the command
// id. Resubmitting an existing id leaves the stored instance untouched and
// only re-enqueues the notice, so submission is idempotent beyond the
// queue's dedup window.
func (e *Engine) Submit(ctx context.Context, orchestration, instanceID string, input any, timeout time.Duration) error {
	if _, ok := e.orchestration(orchestration); !ok {
		return fmt.Errorf("%w: %s", ErrOrchestrationNotFound, orchestration)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal instance input: %w", err)
	}
	if timeout <= 0 || timeout > model.MaximumTimeout {
		timeout = model.MaximumTimeout
	}

	now := time.Now().UTC()
	in := &Instance{
		ID:              instanceID,
		Orchestration:   orchestration,
		Status:          model.StatusUnknown,
		CreatedTime:     now,
		LastUpdatedTime: now,
		Input:           raw,
		Timeout:         timeout,
	}
	if err := e.history.SaveInstance(ctx, in); err != nil {
		return fmt.Errorf("save instance: %w", err)
	}

	if e.metrics != nil {
		e.metrics.CommandsSubmitted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("orchestration", orchestration)))
	}

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, instanceID); err != nil {
			return fmt.Errorf("publish instance: %w", err)
		}
	}
	return nil
}

// Run executes an instance to completion, replaying recorded steps first.
// Running a terminal instance is a no-op. The instance output is persisted
// on every exit path, success or failure.
func (e *Engine) Run(ctx context.Context, instanceID string) error {
	in, err := e.history.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if in.Status.Terminal() {
		return nil
	}

	fn, ok := e.orchestration(in.Orchestration)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrOrchestrationNotFound, in.Orchestration)
		_ = e.history.UpdateInstanceStatus(ctx, instanceID, model.StatusFailed, nil)
		return err
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = model.MaximumTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	e.trackCancel(instanceID, cancel)
	defer e.untrackCancel(instanceID)

	runCtx, span := e.tracer.Start(runCtx, "workflow.Run",
		trace.WithAttributes(
			attribute.String("workflow.instance_id", instanceID),
			attribute.String("workflow.orchestration", in.Orchestration),
		))
	defer span.End()

	if err := e.history.UpdateInstanceStatus(ctx, instanceID, model.StatusRunning, nil); err != nil {
		return fmt.Errorf("mark instance running: %w", err)
	}

	logger := e.logger.With(
		slog.String("instance_id", instanceID),
		slog.String("orchestration", in.Orchestration),
	)
	logger.Info("instance started")
	start := time.Now()

	c := &Context{engine: e, instanceID: instanceID, ctx: runCtx, logger: logger}

	var out any
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = model.NewCommandError("panic", fmt.Sprintf("orchestration panicked: %v", r))
			}
		}()
		out, runErr = fn(c, in.Input)
	}()

	if runErr != nil && runCtx.Err() == context.Canceled && !e.wasTerminated(instanceID) {
		// Host shutdown, not a workflow outcome. Leave the instance
		// running; it will be replayed on the next run.
		logger.Warn("instance interrupted by shutdown", slog.String("error", runErr.Error()))
		return runErr
	}

	status := model.StatusCompleted
	switch {
	case runErr == nil:
	case e.wasTerminated(instanceID), errors.Is(runErr, context.DeadlineExceeded), runCtx.Err() == context.DeadlineExceeded:
		status = model.StatusTerminated
	default:
		status = model.StatusFailed
	}

	var output json.RawMessage
	if out != nil {
		if b, err := json.Marshal(out); err == nil {
			output = b
		} else {
			logger.Error("failed to marshal instance output", slog.String("error", err.Error()))
		}
	}

	// The output is written out unconditionally, even when the
	// orchestration failed or timed out.
	finalCtx := context.WithoutCancel(ctx)
	if err := e.history.UpdateInstanceStatus(finalCtx, instanceID, status, output); err != nil {
		logger.Error("failed to persist instance outcome", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	if e.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("orchestration", in.Orchestration))
		e.metrics.InstanceDuration.Record(finalCtx, time.Since(start).Seconds(), attrs)
		if status == model.StatusCompleted {
			e.metrics.InstancesCompleted.Add(finalCtx, 1, attrs)
		} else {
			e.metrics.InstancesFailed.Add(finalCtx, 1, attrs)
		}
	}

	if runErr != nil {
		logger.Error("instance finished", slog.String("status", string(status)), slog.String("error", runErr.Error()))
		span.RecordError(runErr)
		return runErr
	}
	logger.Info("instance finished", slog.String("status", string(status)))
	return nil
}

// GetStatus implements the status query interface.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*model.InstanceStatus, error) {
	in, err := e.history.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return in.StatusRecord(), nil
}

// WaitForInstance polls an instance until it reaches a terminal status.
func (e *Engine) WaitForInstance(ctx context.Context, instanceID string) (*model.InstanceStatus, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		st, err := e.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if st.RuntimeStatus.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RaiseEvent delivers an external event (a provider callback) into a waiting
// instance. Events arriving before the instance awaits them are buffered in
// memory; a provider whose callback is lost to a crash is expected to retry.
func (e *Engine) RaiseEvent(ctx context.Context, instanceID, event string, payload json.RawMessage) error {
	if _, err := e.history.GetInstance(ctx, instanceID); err != nil {
		return err
	}
	key := inboxKey(instanceID, event)

	e.mu.Lock()
	if ch, ok := e.waiters[key]; ok {
		delete(e.waiters, key)
		e.mu.Unlock()
		ch <- payload
		return nil
	}
	e.inboxes[key] = append(e.inboxes[key], payload)
	e.mu.Unlock()
	return nil
}

// Terminate forcibly ends a running instance. Observers read the instance as
// Terminated.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) error {
	in, err := e.history.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if in.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	e.terminated[instanceID] = true
	cancel, running := e.cancels[instanceID]
	e.mu.Unlock()

	if reason != "" {
		_ = e.history.SetCustomStatus(ctx, instanceID, reason)
	}
	if running {
		cancel()
		return nil
	}
	return e.history.UpdateInstanceStatus(ctx, instanceID, model.StatusTerminated, nil)
}

func (e *Engine) trackCancel(instanceID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[instanceID] = cancel
}

func (e *Engine) untrackCancel(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, instanceID)
	delete(e.terminated, instanceID)
}

func (e *Engine) wasTerminated(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated[instanceID]
}

// subscribe returns a channel delivering the next event for (instance,
// event), draining any buffered delivery first.
func (e *Engine) subscribe(instanceID, event string) chan json.RawMessage {
	key := inboxKey(instanceID, event)
	ch := make(chan json.RawMessage, 1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if queued := e.inboxes[key]; len(queued) > 0 {
		ch <- queued[0]
		if len(queued) == 1 {
			delete(e.inboxes, key)
		} else {
			e.inboxes[key] = queued[1:]
		}
		return ch
	}
	e.waiters[key] = ch
	return ch
}

func (e *Engine) unsubscribe(instanceID, event string) {
	key := inboxKey(instanceID, event)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, key)
}

func inboxKey(instanceID, event string) string {
	return instanceID + "/" + event
}
