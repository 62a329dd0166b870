package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Recovery converts panics in the submission path into errors.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *model.Command) (result *model.CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_id", cmd.CommandID),
						slog.String("command_type", string(cmd.Type)),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					result = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, cmd)
		})
	}
}
