// Package middleware wraps the command submission path with cross-cutting
// concerns: logging, panic recovery, validation, tracing.
package middleware

import (
	"context"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Handler processes a submitted command and returns its initial result.
type Handler interface {
	Handle(ctx context.Context, cmd *model.Command) (*model.CommandResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd *model.Command) (*model.CommandResult, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
	return f(ctx, cmd)
}

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
