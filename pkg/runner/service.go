package runner

import "context"

// Service is a long-running component managed by the Runner: the callback
// HTTP server, the queue worker pool, the embedded broker.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	// Start brings the service up. It returns once the service is ready
	// and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
