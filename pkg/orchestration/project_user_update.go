package orchestration

import (
	"encoding/json"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// projectUserUpdate mutates the project's user list under the project lock,
// then fans the update out to the providers. Like deletion, a failure is
// recorded and re-raised.
func (r *Registry) projectUserUpdate(c *workflow.Context, input json.RawMessage) (any, error) {
	var cmd model.Command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return nil, err
	}
	result := model.CreateResult(&cmd)
	lc := newLifecycle(c)

	var user model.User
	if err := cmd.UnmarshalPayload(&user); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventSerialize, "Waiting for other project operations to complete.")
	if err := r.waitForProjectCommands(c, &cmd); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventMutate, "Updating project user.")
	release, err := c.Lock(model.DocumentTypeProject, cmd.ProjectID)
	if err != nil {
		return fail(lc, result, err)
	}
	// Freed on every exit path, panics included. Release is idempotent, so
	// the early release after the mutation stays.
	defer release()
	var project model.Project
	if err := c.Call("get-project", ActivityProjectGet, cmd.ProjectID, &project); err != nil {
		return fail(lc, result, err)
	}
	upsertUser(&project, &user)
	if err := c.Call("set-project", ActivityProjectSet, &project, &project); err != nil {
		return fail(lc, result, err)
	}
	release()

	var instance model.TeamCloudInstance
	if err := c.Call("get-instance", ActivityTeamCloudGet, nil, &instance); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventDispatch, "Sending user update to providers.")
	providerCmd, err := providerCommand(&cmd, model.ProviderProjectUserUpdate, &user)
	if err != nil {
		return fail(lc, result, err)
	}
	if _, err := r.dispatcher.Send(c, providerCmd, instance.Providers); err != nil {
		return fail(lc, result, err)
	}

	lc.advance(eventPersist, "")
	if err := result.SetResult(&user); err != nil {
		return fail(lc, result, err)
	}
	lc.advance(eventComplete, "Project user updated.")
	return result, nil
}

// upsertUser replaces the user with a matching id or appends a new one.
func upsertUser(project *model.Project, user *model.User) {
	for i, u := range project.Users {
		if u.ID == user.ID {
			project.Users[i] = user
			return
		}
	}
	project.Users = append(project.Users, user)
}
