package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Logging logs command submission with timing information using slog.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
			start := time.Now()

			logger.InfoContext(ctx, "submitting command",
				slog.String("command_type", string(cmd.Type)),
				slog.String("command_id", cmd.CommandID),
				slog.String("project_id", cmd.ProjectID),
			)

			result, err := next.Handle(ctx, cmd)

			duration := time.Since(start)
			if err != nil {
				logger.ErrorContext(ctx, "command submission failed",
					slog.String("command_type", string(cmd.Type)),
					slog.String("command_id", cmd.CommandID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command submitted",
				slog.String("command_type", string(cmd.Type)),
				slog.String("command_id", cmd.CommandID),
				slog.String("status", string(result.RuntimeStatus())),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return result, nil
		})
	}
}
