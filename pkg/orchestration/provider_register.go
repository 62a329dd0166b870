package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// providerRegister sends the register command to one provider, or to all of
// them when the payload names none, and stores each successful provider's
// registration output on the instance document. Registration failures are
// recorded but never crash the instance.
func (r *Registry) providerRegister(c *workflow.Context, input json.RawMessage) (any, error) {
	var cmd model.Command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return nil, err
	}
	result := model.CreateResult(&cmd)
	lc := newLifecycle(c)

	var providerID string
	if err := cmd.UnmarshalPayload(&providerID); err != nil {
		return recoverErr(lc, result, err)
	}

	var instance model.TeamCloudInstance
	if err := c.Call("get-instance", ActivityTeamCloudGet, nil, &instance); err != nil {
		return recoverErr(lc, result, err)
	}

	targets := instance.Providers
	if providerID != "" {
		p := instance.Provider(providerID)
		if p == nil {
			return recoverErr(lc, result, model.Terminal(
				fmt.Errorf("%w: %s", model.ErrProviderNotFound, providerID)))
		}
		targets = []*model.Provider{p}
	}
	if len(targets) == 0 {
		lc.advance(eventComplete, "No providers to register.")
		return result, nil
	}

	lc.advance(eventDispatch, "Sending register command to providers.")
	providerCmd, err := providerCommand(&cmd, model.ProviderRegister, &instance)
	if err != nil {
		return recoverErr(lc, result, err)
	}
	results, dispatchErr := r.dispatcher.Send(c, providerCmd, targets)

	lc.advance(eventMutate, "Storing provider registrations.")
	registered := map[string]*model.ProviderOutput{}
	for id, pr := range results {
		if pr.RuntimeStatus() != model.StatusCompleted {
			continue
		}
		var out model.ProviderOutput
		if err := pr.UnmarshalResult(&out); err != nil {
			c.Logger().Warn("discarding unreadable registration output",
				"provider", id, "error", err)
			continue
		}
		registered[id] = &out
	}
	if len(registered) > 0 {
		release, err := c.Lock(model.DocumentTypeTeamCloud, model.TeamCloudInstanceID)
		if err != nil {
			return recoverErr(lc, result, err)
		}
		// Freed on every exit path, panics included.
		defer release()
		var current model.TeamCloudInstance
		if err := c.Call("reload-instance", ActivityTeamCloudGet, nil, &current); err != nil {
			return recoverErr(lc, result, err)
		}
		now := time.Now().UTC()
		for id, out := range registered {
			p := current.Provider(id)
			if p == nil {
				continue
			}
			p.Registered = &now
			p.Properties = out.Properties
		}
		if err := c.Call("store-registrations", ActivityTeamCloudSet, &current, &current); err != nil {
			return recoverErr(lc, result, err)
		}
		release()
	}

	if dispatchErr != nil {
		return recoverErr(lc, result, dispatchErr)
	}

	lc.advance(eventPersist, "")
	if err := result.SetResult(&instance); err != nil {
		return recoverErr(lc, result, err)
	}
	lc.advance(eventComplete, "Providers registered.")
	return result, nil
}
