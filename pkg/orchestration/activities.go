package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Activity names registered by the Registry.
const (
	ActivitySerialize              = "project-command-serialize"
	ActivityProjectGet             = "project-get"
	ActivityProjectSet             = "project-set"
	ActivityProjectDelete          = "project-delete"
	ActivityTeamCloudGet           = "teamcloud-get"
	ActivityTeamCloudSet           = "teamcloud-set"
	ActivityResourceGroupProvision = "resourcegroup-provision"
	ActivityResourceGroupDelete    = "resourcegroup-delete"
)

type serializeInput struct {
	ProjectID string `json:"projectId"`
	CommandID string `json:"commandId"`
}

type provisionInput struct {
	Project *model.Project `json:"project"`
}

func (r *Registry) activitySerialize(ctx context.Context, input json.RawMessage) (any, error) {
	var in serializeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return r.serializer.Acquire(ctx, in.ProjectID, in.CommandID)
}

func (r *Registry) activityProjectGet(ctx context.Context, input json.RawMessage) (any, error) {
	var projectID string
	if err := json.Unmarshal(input, &projectID); err != nil {
		return nil, err
	}
	var project model.Project
	if err := r.store.Get(ctx, model.DocumentTypeProject, projectID, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *Registry) activityProjectSet(ctx context.Context, input json.RawMessage) (any, error) {
	var project model.Project
	if err := json.Unmarshal(input, &project); err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *Registry) activityProjectDelete(ctx context.Context, input json.RawMessage) (any, error) {
	var projectID string
	if err := json.Unmarshal(input, &projectID); err != nil {
		return nil, err
	}
	return nil, r.store.Delete(ctx, &model.Project{ID: projectID})
}

func (r *Registry) activityTeamCloudGet(ctx context.Context, _ json.RawMessage) (any, error) {
	var instance model.TeamCloudInstance
	if err := r.store.Get(ctx, model.DocumentTypeTeamCloud, model.TeamCloudInstanceID, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *Registry) activityTeamCloudSet(ctx context.Context, input json.RawMessage) (any, error) {
	var instance model.TeamCloudInstance
	if err := json.Unmarshal(input, &instance); err != nil {
		return nil, err
	}
	if err := r.store.Set(ctx, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *Registry) activityResourceGroupProvision(ctx context.Context, input json.RawMessage) (any, error) {
	var in provisionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	if in.Project == nil {
		return nil, fmt.Errorf("provision: missing project")
	}
	handle, err := r.resources.Provision(ctx, in.Project)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (r *Registry) activityResourceGroupDelete(ctx context.Context, input json.RawMessage) (any, error) {
	var resourceGroup string
	if err := json.Unmarshal(input, &resourceGroup); err != nil {
		return nil, err
	}
	return nil, r.resources.Teardown(ctx, resourceGroup)
}
