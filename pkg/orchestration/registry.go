// Package orchestration holds the per-command-type state machines. Each
// template sequences locking, command serialization, provider fan-out,
// local mutation and result persistence for one command type, and the set
// of types is closed: dispatch goes through the engine's lookup table.
package orchestration

import (
	"context"
	"log/slog"

	"github.com/teamcloud/orchestrator/pkg/dispatch"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/serializer"
	"github.com/teamcloud/orchestrator/pkg/store"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// ResourceManager provisions and tears down the infrastructure behind a
// project's resource group. The orchestrator only holds the opaque handle.
type ResourceManager interface {
	Provision(ctx context.Context, project *model.Project) (string, error)
	Teardown(ctx context.Context, resourceGroup string) error
}

// UnmanagedResources is a ResourceManager for deployments where project
// infrastructure is managed out of band. Provision returns an empty handle
// and Teardown is a no-op.
type UnmanagedResources struct{}

func (UnmanagedResources) Provision(context.Context, *model.Project) (string, error) {
	return "", nil
}

func (UnmanagedResources) Teardown(context.Context, string) error { return nil }

// Registry wires the command templates and their activities into the
// engine.
type Registry struct {
	store      store.DocumentStore
	resources  ResourceManager
	serializer *serializer.Serializer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewRegistry creates the template registry.
func NewRegistry(docs store.DocumentStore, resources ResourceManager, ser *serializer.Serializer, disp *dispatch.Dispatcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if resources == nil {
		resources = UnmanagedResources{}
	}
	return &Registry{
		store:      docs,
		resources:  resources,
		serializer: ser,
		dispatcher: disp,
		logger:     logger,
	}
}

// Register installs every template and activity. The dispatcher registers
// its own sub-orchestration separately.
func (r *Registry) Register(e *workflow.Engine) {
	e.RegisterActivity(ActivitySerialize, r.activitySerialize)
	e.RegisterActivity(ActivityProjectGet, r.activityProjectGet)
	e.RegisterActivity(ActivityProjectSet, r.activityProjectSet)
	e.RegisterActivity(ActivityProjectDelete, r.activityProjectDelete)
	e.RegisterActivity(ActivityTeamCloudGet, r.activityTeamCloudGet)
	e.RegisterActivity(ActivityTeamCloudSet, r.activityTeamCloudSet)
	e.RegisterActivity(ActivityResourceGroupProvision, r.activityResourceGroupProvision)
	e.RegisterActivity(ActivityResourceGroupDelete, r.activityResourceGroupDelete)

	e.RegisterOrchestration(string(model.ProjectCreate), r.projectCreate)
	e.RegisterOrchestration(string(model.ProjectDelete), r.projectDelete)
	e.RegisterOrchestration(string(model.ProjectUserUpdate), r.projectUserUpdate)
	e.RegisterOrchestration(string(model.ProviderCreate), r.providerCreate)
	e.RegisterOrchestration(string(model.ProviderRegister), r.providerRegister)
}

// waitForProjectCommands blocks the template until the serializer reports
// no other in-flight command for the project. The handle received from the
// serializer is awaited through a checkpointed step, so a replayed instance
// does not wait twice.
func (r *Registry) waitForProjectCommands(c *workflow.Context, cmd *model.Command) error {
	if cmd.ProjectID == "" {
		return nil
	}
	var prev string
	if err := c.Call("serialize", ActivitySerialize,
		&serializeInput{ProjectID: cmd.ProjectID, CommandID: cmd.CommandID},
		&prev); err != nil {
		return err
	}
	if prev == "" {
		return nil
	}
	_, err := c.AwaitInstance("wait-active:"+prev, prev)
	return err
}

// providerCommand derives the provider-facing command dispatched on behalf
// of an orchestrator command. It shares the command id so providers can
// correlate.
func providerCommand(cmd *model.Command, cmdType model.CommandType, payload any) (*model.Command, error) {
	pc, err := model.NewCommand(cmdType, cmd.Initiator, payload)
	if err != nil {
		return nil, err
	}
	pc.CommandID = cmd.CommandID
	pc.ProjectID = cmd.ProjectID
	pc.Timeout = cmd.Timeout
	return pc, nil
}
