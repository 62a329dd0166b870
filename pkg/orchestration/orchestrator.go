package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teamcloud/orchestrator/pkg/middleware"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// Orchestrator is the submission facade. It accepts commands, starts their
// workflow instances and reports status.
type Orchestrator struct {
	engine  *workflow.Engine
	handler middleware.Handler
}

// NewOrchestrator builds the facade with the given submission middlewares,
// first listed running outermost.
func NewOrchestrator(engine *workflow.Engine, mws ...middleware.Middleware) *Orchestrator {
	o := &Orchestrator{engine: engine}
	o.handler = middleware.Chain(middleware.HandlerFunc(o.submit), mws...)
	return o
}

// Submit runs the command through the middleware chain and enqueues its
// workflow instance. The returned result carries the initial status; the
// command keeps running asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	return o.handler.Handle(ctx, cmd)
}

func (o *Orchestrator) submit(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = model.NewCommandID()
	}
	if err := o.engine.Submit(ctx, string(cmd.Type), cmd.CommandID, cmd, cmd.Timeout); err != nil {
		return nil, fmt.Errorf("submit command %s: %w", cmd.CommandID, err)
	}

	result := model.CreateResult(cmd)
	result.Links["status"] = fmt.Sprintf("/api/commands/%s", cmd.CommandID)
	if st, err := o.engine.GetStatus(ctx, cmd.CommandID); err == nil {
		result.ApplyStatus(st)
	}
	return result, nil
}

// Status returns the current result of a submitted command, or
// workflow.ErrInstanceNotFound.
func (o *Orchestrator) Status(ctx context.Context, commandID string) (*model.CommandResult, error) {
	st, err := o.engine.GetStatus(ctx, commandID)
	if err != nil {
		return nil, err
	}
	result := &model.CommandResult{
		CommandID: commandID,
		Links:     map[string]string{"status": fmt.Sprintf("/api/commands/%s", commandID)},
	}
	result.ApplyStatus(st)
	if len(st.Output) > 0 {
		var out model.CommandResult
		if err := json.Unmarshal(st.Output, &out); err == nil && out.CommandID != "" {
			out.ApplyStatus(st)
			out.Links = result.Links
			return &out, nil
		}
		result.Result = st.Output
	}
	return result, nil
}

// Wait blocks until the command's instance reaches a terminal status or the
// context expires, then returns the final result.
func (o *Orchestrator) Wait(ctx context.Context, commandID string, timeout time.Duration) (*model.CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := o.engine.WaitForInstance(ctx, commandID); err != nil {
		return nil, err
	}
	return o.Status(ctx, commandID)
}
