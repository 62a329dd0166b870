package orchestration

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// Template lifecycle states. Every command template walks this machine;
// completed and failed are reachable from any later state via the error
// path.
const (
	stateCreated     = "created"
	stateSerialized  = "serialized"
	stateDispatching = "dispatching"
	stateMutating    = "mutating"
	statePersisted   = "persisted"
	stateCompleted   = "completed"
	stateFailed      = "failed"
)

const (
	eventSerialize = "serialize"
	eventDispatch  = "dispatch"
	eventMutate    = "mutate"
	eventPersist   = "persist"
	eventComplete  = "complete"
	eventFail      = "fail"
)

// lifecycle tracks a template's progression and mirrors each transition
// into the instance's custom status.
type lifecycle struct {
	fsm *fsm.FSM
	c   *workflow.Context
}

func newLifecycle(c *workflow.Context) *lifecycle {
	running := []string{stateCreated, stateSerialized, stateDispatching, stateMutating, statePersisted}
	return &lifecycle{
		c: c,
		fsm: fsm.NewFSM(stateCreated,
			fsm.Events{
				{Name: eventSerialize, Src: []string{stateCreated}, Dst: stateSerialized},
				{Name: eventDispatch, Src: []string{stateCreated, stateSerialized}, Dst: stateDispatching},
				{Name: eventMutate, Src: []string{stateCreated, stateSerialized, stateDispatching}, Dst: stateMutating},
				{Name: eventPersist, Src: []string{stateDispatching, stateMutating}, Dst: statePersisted},
				{Name: eventComplete, Src: running, Dst: stateCompleted},
				{Name: eventFail, Src: running, Dst: stateFailed},
			},
			fsm.Callbacks{},
		),
	}
}

// advance fires the transition and publishes the progress message.
func (l *lifecycle) advance(event, progress string) {
	if err := l.fsm.Event(context.Background(), event); err != nil {
		l.c.Logger().Error("invalid lifecycle transition",
			slog.String("event", event),
			slog.String("state", l.fsm.Current()),
			slog.String("error", err.Error()))
	}
	if progress != "" {
		l.c.SetProgress(progress)
	}
}

func (l *lifecycle) state() string { return l.fsm.Current() }
