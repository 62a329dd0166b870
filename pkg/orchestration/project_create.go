package orchestration

import (
	"encoding/json"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// projectCreate persists the new project document, provisions its resource
// group and fans the create command out to the providers. Like deletion,
// failures are recorded on the result and re-raised.
func (r *Registry) projectCreate(c *workflow.Context, input json.RawMessage) (any, error) {
	var cmd model.Command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return nil, err
	}
	result := model.CreateResult(&cmd)
	lc := newLifecycle(c)

	var project model.Project
	if err := cmd.UnmarshalPayload(&project); err != nil {
		return fail(lc, result, err)
	}
	if project.ID == "" {
		project.ID = cmd.ProjectID
	}

	lc.advance(eventSerialize, "Waiting for other project operations to complete.")
	if err := r.waitForProjectCommands(c, &cmd); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventMutate, "Creating project.")
	if err := c.Call("create-document", ActivityProjectSet, &project, &project); err != nil {
		return fail(lc, result, err)
	}
	var resourceGroup string
	if err := c.Call("provision-resources", ActivityResourceGroupProvision,
		&provisionInput{Project: &project}, &resourceGroup, workflow.WithRetry(3)); err != nil {
		return fail(lc, result, err)
	}
	if resourceGroup != "" && resourceGroup != project.ResourceGroup {
		project.ResourceGroup = resourceGroup
		if err := c.Call("update-document", ActivityProjectSet, &project, &project); err != nil {
			return fail(lc, result, err)
		}
	}

	var instance model.TeamCloudInstance
	if err := c.Call("get-instance", ActivityTeamCloudGet, nil, &instance); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventDispatch, "Sending create command to providers.")
	providerCmd, err := providerCommand(&cmd, model.ProviderProjectCreate, &project)
	if err != nil {
		return fail(lc, result, err)
	}
	if _, err := r.dispatcher.Send(c, providerCmd, instance.Providers); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventPersist, "")
	if err := result.SetResult(&project); err != nil {
		return fail(lc, result, err)
	}
	lc.advance(eventComplete, "Project created.")
	return result, nil
}
