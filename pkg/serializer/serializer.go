// Package serializer enforces single-flight command execution per project:
// at most one command workflow actively mutates a project at a time. Each
// project key is owned by one actor goroutine that serializes all access to
// its state through a mailbox, never through shared-memory locking.
package serializer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// StateStore persists the per-project active command marker.
// Implemented in pkg/sqlite.
type StateStore interface {
	Get(ctx context.Context, projectID string) (string, error)
	Set(ctx context.Context, projectID, commandID string) error
}

// Serializer hands out blocking handles. Callers submit their command id
// and receive the id of the command they must wait on, or "" when the
// project is idle.
type Serializer struct {
	store  StateStore
	status workflow.StatusQuerier
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	done   chan struct{}
	closed bool
}

// New creates a serializer resolving prior-command status through the
// engine's status query interface.
func New(store StateStore, status workflow.StatusQuerier, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{
		store:  store,
		status: status,
		logger: logger,
		actors: map[string]*actor{},
		done:   make(chan struct{}),
	}
}

type request struct {
	ctx       context.Context
	commandID string
	reply     chan response
}

type response struct {
	prev string
	err  error
}

type actor struct {
	mailbox chan request
}

// Acquire registers commandID as the project's active command and returns
// the id of the previously active, still-running command the caller must
// wait on before proceeding ("" when there is none).
//
// The overwrite is unconditional: the most recently submitted command
// becomes the active marker even while the previous one is still pending.
// A third submission can therefore orphan the second's wait handle; this is
// best-effort serialization, not strict exclusion.
func (s *Serializer) Acquire(ctx context.Context, projectID, commandID string) (string, error) {
	a, err := s.actor(projectID)
	if err != nil {
		return "", err
	}

	req := request{ctx: ctx, commandID: commandID, reply: make(chan response, 1)}
	select {
	case a.mailbox <- req:
	case <-s.done:
		return "", errClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.prev, resp.err
	case <-s.done:
		return "", errClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops all actor goroutines. In-flight acquisitions fail with an
// error; the mailboxes stay open so a racing sender never hits a closed
// channel.
func (s *Serializer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

var errClosed = errors.New("serializer closed")

func (s *Serializer) actor(projectID string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	a, ok := s.actors[projectID]
	if !ok {
		a = &actor{mailbox: make(chan request, 16)}
		s.actors[projectID] = a
		go s.run(projectID, a)
	}
	return a, nil
}

func (s *Serializer) run(projectID string, a *actor) {
	for {
		select {
		case req := <-a.mailbox:
			prev, err := s.serialize(req.ctx, projectID, req.commandID)
			// The reply channel is buffered, the send never blocks.
			req.reply <- response{prev: prev, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *Serializer) serialize(ctx context.Context, projectID, commandID string) (string, error) {
	prev, err := s.store.Get(ctx, projectID)
	if err != nil {
		return "", err
	}

	if prev != "" {
		st, err := s.status.GetStatus(ctx, prev)
		switch {
		case errors.Is(err, workflow.ErrInstanceNotFound):
			prev = ""
		case err != nil:
			return "", err
		case st.RuntimeStatus.Terminal():
			prev = ""
		}
	}

	// Last write wins.
	if err := s.store.Set(ctx, projectID, commandID); err != nil {
		return "", err
	}

	if prev != "" {
		s.logger.Debug("command serialized behind active command",
			slog.String("project_id", projectID),
			slog.String("command_id", commandID),
			slog.String("active_command_id", prev))
	}
	return prev, nil
}
