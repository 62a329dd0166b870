package orchestration

import (
	"encoding/json"
	"log/slog"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// projectDelete tears a project down: providers first, then the provisioned
// resource group, then the document. Failures are recorded on the result and
// re-raised so the instance reads as failed, but the result is written out
// either way.
func (r *Registry) projectDelete(c *workflow.Context, input json.RawMessage) (any, error) {
	var cmd model.Command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return nil, err
	}
	result := model.CreateResult(&cmd)
	lc := newLifecycle(c)

	lc.advance(eventSerialize, "Waiting for other project operations to complete.")
	if err := r.waitForProjectCommands(c, &cmd); err != nil {
		return fail(lc, result, err)
	}

	var project model.Project
	if err := c.Call("get-project", ActivityProjectGet, cmd.ProjectID, &project); err != nil {
		return fail(lc, result, err)
	}
	var instance model.TeamCloudInstance
	if err := c.Call("get-instance", ActivityTeamCloudGet, nil, &instance); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventDispatch, "Sending delete command to providers.")
	providerCmd, err := providerCommand(&cmd, model.ProviderProjectDelete, &project)
	if err != nil {
		return fail(lc, result, err)
	}
	if _, err := r.dispatcher.Send(c, providerCmd, instance.Providers); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventMutate, "Deleting project resources.")
	if project.ResourceGroup != "" {
		if err := c.Call("delete-resources", ActivityResourceGroupDelete,
			project.ResourceGroup, nil, workflow.WithRetry(3)); err != nil {
			return fail(lc, result, err)
		}
	}
	if err := c.Call("delete-document", ActivityProjectDelete, project.ID, nil); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventPersist, "")
	if err := result.SetResult(&project); err != nil {
		return fail(lc, result, err)
	}
	lc.advance(eventComplete, "Project deleted.")
	return result, nil
}

// fail records the error, moves the lifecycle to its failed state and
// re-raises. The result travels back as the instance output regardless.
func fail(lc *lifecycle, result *model.CommandResult, err error) (any, error) {
	result.AddError(err)
	lc.advance(eventFail, "Command failed.")
	lc.c.Logger().Error("command failed",
		slog.String("commandId", result.CommandID),
		slog.String("error", err.Error()))
	return result, err
}

// recover records the error like fail but completes the instance, for
// templates where a partial failure must not crash the workflow.
func recoverErr(lc *lifecycle, result *model.CommandResult, err error) (any, error) {
	result.AddError(err)
	lc.advance(eventComplete, "Command completed with errors.")
	lc.c.Logger().Warn("command completed with errors",
		slog.String("commandId", result.CommandID),
		slog.String("error", err.Error()))
	return result, nil
}
