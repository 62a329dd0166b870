// Package workflow implements a replay-safe workflow engine: every suspend
// point persists its outcome to an append-only step log before resuming, and
// re-entering an instance after a crash replays recorded outcomes instead of
// re-executing effects.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/teamcloud/orchestrator/pkg/model"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance doesn't exist.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrOrchestrationNotFound is returned when no orchestration is
	// registered under the requested name.
	ErrOrchestrationNotFound = errors.New("orchestration not registered")

	// ErrActivityNotFound is returned when no activity is registered under
	// the requested name.
	ErrActivityNotFound = errors.New("activity not registered")

	// ErrEventTimeout is returned when an awaited external event did not
	// arrive in time.
	ErrEventTimeout = errors.New("timed out waiting for event")
)

// Instance is the persisted record of one workflow instance. The instance id
// of a command workflow is the command id.
type Instance struct {
	ID              string
	Orchestration   string
	Status          model.RuntimeStatus
	CustomStatus    string
	CreatedTime     time.Time
	LastUpdatedTime time.Time
	Input           json.RawMessage
	Output          json.RawMessage
	Timeout         time.Duration
}

// StatusRecord converts the instance into the engine's public status shape.
func (in *Instance) StatusRecord() *model.InstanceStatus {
	return &model.InstanceStatus{
		InstanceID:      in.ID,
		RuntimeStatus:   in.Status,
		CustomStatus:    in.CustomStatus,
		CreatedTime:     in.CreatedTime,
		LastUpdatedTime: in.LastUpdatedTime,
		Output:          in.Output,
	}
}

// StepKind classifies a recorded suspend point.
type StepKind string

const (
	StepActivity StepKind = "activity"
	StepSub      StepKind = "sub"
	StepEvent    StepKind = "event"
	StepAwait    StepKind = "await"
)

// StepRecord is the checkpointed outcome of one suspend point. Records are
// keyed by (instance, step key) rather than by sequence so steps executed
// concurrently within one instance replay deterministically regardless of
// completion order.
type StepRecord struct {
	InstanceID string
	StepKey    string
	Kind       StepKind
	Output     json.RawMessage
	Error      *model.CommandError
	Attempts   int
	RecordedAt time.Time
}

// HistoryStore persists instances and their step logs. Implementations must
// be safe for concurrent use by many instances.
type HistoryStore interface {
	// SaveInstance inserts an instance record. An existing record with
	// the same id is kept untouched, so a duplicate submission can never
	// un-finish a terminal instance.
	SaveInstance(ctx context.Context, in *Instance) error

	// GetInstance loads an instance. Returns ErrInstanceNotFound if missing.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstanceStatus sets the runtime status and, when output is
	// non-nil, the instance output.
	UpdateInstanceStatus(ctx context.Context, id string, status model.RuntimeStatus, output json.RawMessage) error

	// SetCustomStatus updates the free-text progress description.
	SetCustomStatus(ctx context.Context, id, status string) error

	// SaveStep appends a step outcome. Writing the same step key twice
	// keeps the first record.
	SaveStep(ctx context.Context, rec *StepRecord) error

	// GetStep loads a recorded step outcome, or (nil, nil) when the step
	// has not completed yet.
	GetStep(ctx context.Context, instanceID, stepKey string) (*StepRecord, error)
}

// Publisher notifies the worker pool that an instance is ready to run.
// Implemented by the NATS command queue.
type Publisher interface {
	Publish(ctx context.Context, instanceID string) error
}

// StatusQuerier is the status query surface other components depend on.
type StatusQuerier interface {
	GetStatus(ctx context.Context, instanceID string) (*model.InstanceStatus, error)
}
