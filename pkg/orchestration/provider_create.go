package orchestration

import (
	"encoding/json"
	"fmt"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// providerCreate appends a new provider to the instance document under the
// instance lock, then runs the registration workflow for it. A duplicate id
// is a business-rule conflict: recorded, no mutation, no retry. Registration
// failure is likewise recorded without crashing the instance.
func (r *Registry) providerCreate(c *workflow.Context, input json.RawMessage) (any, error) {
	var cmd model.Command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return nil, err
	}
	result := model.CreateResult(&cmd)
	lc := newLifecycle(c)

	var provider model.Provider
	if err := cmd.UnmarshalPayload(&provider); err != nil {
		return recoverErr(lc, result, err)
	}

	lc.advance(eventMutate, "Adding provider to instance.")
	release, err := c.Lock(model.DocumentTypeTeamCloud, model.TeamCloudInstanceID)
	if err != nil {
		return recoverErr(lc, result, err)
	}
	// Scope guard: the lease is freed on every exit path, panics included.
	// Release is idempotent, so the early release below stays.
	defer release()
	var instance model.TeamCloudInstance
	if err := c.Call("get-instance", ActivityTeamCloudGet, nil, &instance); err != nil {
		return recoverErr(lc, result, err)
	}
	if instance.Provider(provider.ID) != nil {
		return recoverErr(lc, result, model.Terminal(
			fmt.Errorf("%w: %s", model.ErrDuplicateProvider, provider.ID)))
	}

	// A new provider is unregistered until its registration command
	// completes.
	provider.Registered = nil
	provider.Properties = nil
	instance.Providers = append(instance.Providers, &provider)
	if err := c.Call("set-instance", ActivityTeamCloudSet, &instance, &instance); err != nil {
		return recoverErr(lc, result, err)
	}
	release()

	lc.advance(eventDispatch, "Registering provider.")
	regCmd, err := model.NewCommand(model.ProviderRegister, cmd.Initiator, provider.ID)
	if err != nil {
		return recoverErr(lc, result, err)
	}
	regCmd.CommandID = cmd.CommandID + ":register"
	regCmd.Timeout = cmd.Timeout
	var regResult model.CommandResult
	if err := c.Sub("register", string(model.ProviderRegister), regCmd, &regResult); err != nil {
		return recoverErr(lc, result, err)
	}
	if regResult.RuntimeStatus() == model.StatusFailed {
		result.Errors = append(result.Errors, regResult.Errors...)
	}

	lc.advance(eventPersist, "")
	if err := result.SetResult(&provider); err != nil {
		return recoverErr(lc, result, err)
	}
	lc.advance(eventComplete, "Provider created.")
	return result, nil
}
