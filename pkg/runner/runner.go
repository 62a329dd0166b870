// Package runner manages the lifecycle of the orchestrator's long-running
// services: ordered startup, reverse-order graceful shutdown, and error
// aggregation.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Runner starts services in registration order and stops them in reverse
// order on shutdown.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's startup. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service and blocks until the context is cancelled or an
// interrupt signal arrives, then stops them all.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		WaitForShutdownSignal()
		r.logger.Info("shutdown signal received")
		cancel()
	}()

	r.logger.Info("starting services", slog.Int("count", len(r.services)))
	started := []Service{}
	for _, svc := range r.services {
		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		startCancel()
		if err != nil {
			r.logger.Error("failed to start service",
				slog.String("service", svc.Name()),
				slog.String("error", err.Error()))
			r.stopServices(started)
			return fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
		r.logger.Info("service started", slog.String("service", svc.Name()))
	}

	<-ctx.Done()

	r.logger.Info("shutting down services",
		slog.Duration("timeout", r.shutdownTimeout))
	return r.stopServices(started)
}

func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Stop(shutdownCtx); err != nil {
				r.logger.Error("error stopping service",
					slog.String("service", svc.Name()),
					slog.String("error", err.Error()))
				errCh <- fmt.Errorf("stop %s: %w", svc.Name(), err)
				return
			}
			r.logger.Info("service stopped", slog.String("service", svc.Name()))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// HealthCheck probes every service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		if hc, ok := svc.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
			}
		}
	}
	return nil
}

// WaitForShutdownSignal blocks until an interrupt or termination signal.
func WaitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
}
