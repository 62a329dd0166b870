package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Context is the execution surface an orchestration sees. All effects go
// through it so they can be checkpointed and replayed. Step keys must be
// deterministic across replays of the same instance.
type Context struct {
	engine     *Engine
	instanceID string
	ctx        context.Context
	logger     *slog.Logger
}

// Context returns the instance's run context. It carries the command
// timeout deadline.
func (c *Context) Context() context.Context { return c.ctx }

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Logger returns a logger scoped to the instance.
func (c *Context) Logger() *slog.Logger { return c.logger }

// SetProgress updates the instance's custom status. Progress messages are
// observable through the status query interface while the instance runs.
func (c *Context) SetProgress(msg string) {
	c.logger.Info("progress", slog.String("custom_status", msg))
	if err := c.engine.history.SetCustomStatus(context.WithoutCancel(c.ctx), c.instanceID, msg); err != nil {
		c.logger.Error("failed to persist custom status", slog.String("error", err.Error()))
	}
}

// Call executes a registered activity exactly once per step key. A recorded
// outcome replays without re-executing the activity. Transient failures are
// retried within the configured attempt budget with exponential backoff;
// terminal errors cancel remaining attempts immediately.
func (c *Context) Call(step, activity string, input, output any, opts ...CallOption) error {
	if rec, err := c.engine.history.GetStep(c.ctx, c.instanceID, step); err != nil {
		return fmt.Errorf("load step %q: %w", step, err)
	} else if rec != nil {
		return decodeStep(rec, output)
	}

	fn, ok := c.engine.activity(activity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActivityNotFound, activity)
	}

	o := defaultCallOptions()
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal activity input: %w", err)
	}

	var result any
	attempts := 0
	op := func() error {
		attempts++
		if c.engine.metrics != nil {
			c.engine.metrics.ActivityAttempts.Add(c.ctx, 1,
				metric.WithAttributes(attribute.String("activity", activity)))
		}
		res, err := fn(c.ctx, raw)
		if err != nil {
			// Errors crossing the checkpoint boundary must be
			// serializable.
			ce := model.AsCommandError(err)
			if ce.Terminal {
				return backoff.Permanent(ce)
			}
			return ce
		}
		result = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.initialBackoff
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(o.attempts-1)), c.ctx))

	rec := &StepRecord{
		InstanceID: c.instanceID,
		StepKey:    step,
		Kind:       StepActivity,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Error = model.AsCommandError(err)
	} else if result != nil {
		if rec.Output, err = json.Marshal(result); err != nil {
			return fmt.Errorf("marshal activity output: %w", err)
		}
	}

	if err := c.engine.history.SaveStep(context.WithoutCancel(c.ctx), rec); err != nil {
		return fmt.Errorf("checkpoint step %q: %w", step, err)
	}
	return decodeStep(rec, output)
}

// Sub runs another orchestration as a child instance and checkpoints its
// outcome under the step key. A failing child does not abort siblings; the
// caller decides. The child's output is decoded into output even when the
// child failed, so failure results stay observable.
func (c *Context) Sub(step, orchestration string, input, output any) error {
	if rec, err := c.engine.history.GetStep(c.ctx, c.instanceID, step); err != nil {
		return fmt.Errorf("load step %q: %w", step, err)
	} else if rec != nil {
		return decodeStep(rec, output)
	}

	childID := c.instanceID + ":" + step

	if _, err := c.engine.history.GetInstance(c.ctx, childID); err != nil {
		if err != ErrInstanceNotFound {
			return err
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("marshal sub input: %w", err)
		}
		now := time.Now().UTC()
		child := &Instance{
			ID:              childID,
			Orchestration:   orchestration,
			Status:          model.StatusUnknown,
			CreatedTime:     now,
			LastUpdatedTime: now,
			Input:           raw,
		}
		if deadline, ok := c.ctx.Deadline(); ok {
			child.Timeout = time.Until(deadline)
		}
		if err := c.engine.history.SaveInstance(c.ctx, child); err != nil {
			return fmt.Errorf("save sub instance: %w", err)
		}
	}

	runErr := c.engine.Run(c.ctx, childID)

	rec := &StepRecord{
		InstanceID: c.instanceID,
		StepKey:    step,
		Kind:       StepSub,
		RecordedAt: time.Now().UTC(),
	}
	if child, err := c.engine.history.GetInstance(context.WithoutCancel(c.ctx), childID); err == nil {
		rec.Output = child.Output
	}
	if runErr != nil {
		rec.Error = model.AsCommandError(runErr)
	}
	if err := c.engine.history.SaveStep(context.WithoutCancel(c.ctx), rec); err != nil {
		return fmt.Errorf("checkpoint step %q: %w", step, err)
	}
	return decodeStep(rec, output)
}

// WaitEvent suspends until an external event is delivered to the instance,
// then checkpoints the payload. Timing out is an outcome and replays as
// such.
func (c *Context) WaitEvent(step, event string, timeout time.Duration) (json.RawMessage, error) {
	if rec, err := c.engine.history.GetStep(c.ctx, c.instanceID, step); err != nil {
		return nil, fmt.Errorf("load step %q: %w", step, err)
	} else if rec != nil {
		if rec.Error != nil {
			return nil, rec.Error
		}
		return rec.Output, nil
	}

	ch := c.engine.subscribe(c.instanceID, event)
	defer c.engine.unsubscribe(c.instanceID, event)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	rec := &StepRecord{
		InstanceID: c.instanceID,
		StepKey:    step,
		Kind:       StepEvent,
		RecordedAt: time.Now().UTC(),
	}
	select {
	case payload := <-ch:
		rec.Output = payload
	case <-timer:
		rec.Error = model.AsCommandError(fmt.Errorf("%w: %s", ErrEventTimeout, event))
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}

	if err := c.engine.history.SaveStep(context.WithoutCancel(c.ctx), rec); err != nil {
		return nil, fmt.Errorf("checkpoint step %q: %w", step, err)
	}
	if rec.Error != nil {
		return nil, rec.Error
	}
	return rec.Output, nil
}

// AwaitInstance blocks until another instance reaches a terminal status and
// checkpoints that status. A missing instance counts as already terminal.
func (c *Context) AwaitInstance(step, instanceID string) (*model.InstanceStatus, error) {
	if rec, err := c.engine.history.GetStep(c.ctx, c.instanceID, step); err != nil {
		return nil, fmt.Errorf("load step %q: %w", step, err)
	} else if rec != nil {
		if rec.Error != nil {
			return nil, rec.Error
		}
		var st model.InstanceStatus
		if len(rec.Output) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(rec.Output, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}

	st, err := c.engine.WaitForInstance(c.ctx, instanceID)
	if err != nil && err != ErrInstanceNotFound {
		return nil, err
	}

	rec := &StepRecord{
		InstanceID: c.instanceID,
		StepKey:    step,
		Kind:       StepAwait,
		RecordedAt: time.Now().UTC(),
	}
	if st != nil {
		if rec.Output, err = json.Marshal(st); err != nil {
			return nil, err
		}
	}
	if err := c.engine.history.SaveStep(context.WithoutCancel(c.ctx), rec); err != nil {
		return nil, fmt.Errorf("checkpoint step %q: %w", step, err)
	}
	return st, nil
}

// Lock acquires the document lock for (docType, docID) and returns the
// release function. Release must run on every exit path; callers defer it
// immediately. Lock acquisition is not checkpointed: a replayed instance
// re-acquires, and already-recorded steps inside the critical section do not
// re-execute their effects.
func (c *Context) Lock(docType, docID string) (func(), error) {
	if c.engine.locks == nil {
		return nil, fmt.Errorf("no lock manager configured")
	}
	lease, err := c.engine.locks.Acquire(c.ctx, docType, docID)
	if err != nil {
		// Infrastructure failure, not contention. Transient.
		return nil, model.AsCommandError(fmt.Errorf("acquire lock %s/%s: %w", docType, docID, err))
	}
	return func() {
		if err := lease.Release(); err != nil {
			c.logger.Error("failed to release document lock",
				slog.String("doc_type", docType),
				slog.String("doc_id", docID),
				slog.String("error", err.Error()))
		}
	}, nil
}

func decodeStep(rec *StepRecord, output any) error {
	if output != nil && len(rec.Output) > 0 {
		if err := json.Unmarshal(rec.Output, output); err != nil {
			return fmt.Errorf("decode step %q output: %w", rec.StepKey, err)
		}
	}
	if rec.Error != nil {
		return rec.Error
	}
	return nil
}
