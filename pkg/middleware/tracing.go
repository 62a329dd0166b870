package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teamcloud/orchestrator/pkg/model"
)

// Tracing adds a span around command submission. Uses the global tracer
// provider.
func Tracing(tracerName string) Middleware {
	if tracerName == "" {
		tracerName = "github.com/teamcloud/orchestrator"
	}
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer creates the middleware against a specific tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd *model.Command) (*model.CommandResult, error) {
			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.Type),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.id", cmd.CommandID),
					attribute.String("command.type", string(cmd.Type)),
					attribute.String("command.project_id", cmd.ProjectID),
				),
			)
			defer span.End()

			result, err := next.Handle(spanCtx, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(attribute.String("command.status", string(result.RuntimeStatus())))
			span.SetStatus(codes.Ok, "command submitted")
			return result, nil
		})
	}
}
