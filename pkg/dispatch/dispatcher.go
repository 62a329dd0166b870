// Package dispatch fans a command out to a project's providers in batch
// order, chaining each batch's outputs into the next, and fans the
// per-provider results back in.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teamcloud/orchestrator/pkg/callback"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/transport"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// Names of the sub-orchestration and activities the dispatcher installs on
// the engine.
const (
	OrchestrationCommandSend = "command-send"
	ActivityCallbackAcquire  = "callback-acquire"
	ActivityProviderSend     = "provider-send"
)

// ErrDispatchFailed is returned when at least one provider result is
// non-successful. The per-provider results are still returned; callers
// decide whether to abort or continue.
var ErrDispatchFailed = errors.New("one or more providers failed")

// Dispatcher delivers commands to providers through checkpointed
// sub-workflows, so one provider's failure never aborts its batch siblings.
type Dispatcher struct {
	sender   *transport.Sender
	registry *callback.Registry
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(sender *transport.Sender, registry *callback.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, registry: registry, logger: logger}
}

// Register installs the dispatcher's sub-orchestration and activities on
// the engine. Must run before any instance using the dispatcher starts.
func (d *Dispatcher) Register(e *workflow.Engine) {
	e.RegisterActivity(ActivityCallbackAcquire, d.callbackAcquire)
	e.RegisterActivity(ActivityProviderSend, d.providerSend)
	e.RegisterOrchestration(OrchestrationCommandSend, d.commandSend)
}

// Batches groups providers by BatchOrder, ascending. Providers inside one
// batch run in parallel; batches run strictly in sequence.
func Batches(providers []*model.Provider) [][]*model.Provider {
	byOrder := map[int][]*model.Provider{}
	for _, p := range providers {
		byOrder[p.BatchOrder] = append(byOrder[p.BatchOrder], p)
	}
	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)

	batches := make([][]*model.Provider, 0, len(orders))
	for _, o := range orders {
		batch := byOrder[o]
		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
		batches = append(batches, batch)
	}
	return batches
}

// Send dispatches cmd to every provider, batch by batch. Before each batch,
// every earlier provider's output properties are merged into cmd.Results so
// later batches can read them. Returns the merged per-provider result map;
// the error is ErrDispatchFailed when any provider result is
// non-successful.
func (d *Dispatcher) Send(c *workflow.Context, cmd *model.Command, providers []*model.Provider) (map[string]*model.CommandResult, error) {
	results := map[string]*model.CommandResult{}
	if cmd.Results == nil {
		cmd.Results = map[string]map[string]string{}
	}

	for bi, batch := range Batches(providers) {
		for id, res := range results {
			var out model.ProviderOutput
			if err := res.UnmarshalResult(&out); err != nil || out.Properties == nil {
				continue
			}
			if _, exists := cmd.Results[id]; !exists {
				cmd.Results[id] = out.Properties
			}
		}

		var mu sync.Mutex
		var g errgroup.Group
		for _, p := range batch {
			g.Go(func() error {
				step := fmt.Sprintf("send:%d:%s", bi, p.ID)
				var res model.CommandResult
				err := c.Sub(step, OrchestrationCommandSend, &sendInput{Provider: p, Command: cmd}, &res)
				if err != nil {
					// The sibling sends keep going; the failure is
					// folded into this provider's result.
					if res.CommandID == "" {
						res = *model.CreateResult(cmd)
					}
					if len(res.Errors) == 0 {
						res.AddError(err)
					}
				}
				mu.Lock()
				results[p.ID] = &res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	var failed []string
	for id, res := range results {
		if res.RuntimeStatus() != model.StatusCompleted {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return results, fmt.Errorf("%w: %v", ErrDispatchFailed, failed)
	}
	return results, nil
}

type sendInput struct {
	Provider *model.Provider `json:"provider"`
	Command  *model.Command  `json:"command"`
}

type callbackAcquireInput struct {
	InstanceID string `json:"instanceId"`
	Event      string `json:"event"`
}

type providerSendInput struct {
	Provider *model.Provider       `json:"provider"`
	Message  *model.CommandMessage `json:"message"`
}

// commandSend is the per-provider sub-workflow: acquire a callback URL,
// post the command, and, when the provider answered with a pending result,
// await its asynchronous callback.
func (d *Dispatcher) commandSend(c *workflow.Context, input json.RawMessage) (any, error) {
	var in sendInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, model.AsCommandError(err)
	}

	result := model.CreateResult(in.Command)

	var callbackURL string
	if err := c.Call("acquire-callback", ActivityCallbackAcquire,
		&callbackAcquireInput{InstanceID: c.InstanceID(), Event: callback.Event},
		&callbackURL, workflow.WithRetry(3)); err != nil {
		result.AddError(err)
		return result, err
	}

	msg := &model.CommandMessage{Command: in.Command, CallbackURL: callbackURL}

	var sent model.CommandResult
	if err := c.Call("send", ActivityProviderSend,
		&providerSendInput{Provider: in.Provider, Message: msg},
		&sent, workflow.WithRetry(3)); err != nil {
		result.AddError(err)
		return result, err
	}

	if !sent.RuntimeStatus().Terminal() {
		c.SetProgress(fmt.Sprintf("Waiting on provider %s to complete command.", in.Provider.ID))
		payload, err := c.WaitEvent("await-callback", callback.Event, in.Command.Timeout)
		if err != nil {
			result.AddError(err)
			return result, err
		}
		if err := json.Unmarshal(payload, &sent); err != nil {
			err = model.AsCommandError(fmt.Errorf("provider '%s' pushed an unreadable result: %w", in.Provider.ID, err))
			result.AddError(err)
			return result, err
		}
	}

	return &sent, nil
}

func (d *Dispatcher) callbackAcquire(_ context.Context, input json.RawMessage) (any, error) {
	var in callbackAcquireInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, model.Terminal(err)
	}
	return d.registry.AcquireURL(in.InstanceID, in.Event)
}

func (d *Dispatcher) providerSend(ctx context.Context, input json.RawMessage) (any, error) {
	var in providerSendInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, model.Terminal(err)
	}
	return d.sender.Send(ctx, in.Provider, in.Message)
}
