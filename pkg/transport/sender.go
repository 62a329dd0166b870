// Package transport delivers commands to providers over the HTTP callback
// protocol and classifies failures for the workflow retry policy.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/teamcloud/orchestrator/pkg/credentials"
	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/observability"
)

// Auth and correlation headers of the provider protocol.
const (
	HeaderAuthCode = "x-functions-key"
	HeaderCallback = "x-functions-callback"
)

// Sender posts one command to one provider and parses the reply into a
// CommandResult.
type Sender struct {
	client   *resty.Client
	resolver credentials.Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithTimeout bounds a single POST attempt. Retries are owned by the
// workflow engine, not the HTTP client.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.client.SetTimeout(d) }
}

// WithResolver sets the auth code resolver.
func WithResolver(r credentials.Resolver) SenderOption {
	return func(s *Sender) { s.resolver = r }
}

// WithLogger sets the sender logger.
func WithLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logger }
}

// WithMetrics sets the metric instruments send attempts are recorded to.
func WithMetrics(m *observability.Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender creates a provider transport.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		client:   resty.New().SetTimeout(30 * time.Second),
		resolver: credentials.Static{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/teamcloud/orchestrator/pkg/transport"),
	}
	// Retry classification belongs to the workflow layer; one call is one
	// attempt.
	s.client.SetRetryCount(0)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts the command message to the provider.
//
// 409, 400 and 401 replies are terminal: the call either already had an
// effect or will never succeed, so automatic retry is suppressed. Every
// other failure (timeout, 5xx, connection reset) is transient and eligible
// for workflow-level retry.
func (s *Sender) Send(ctx context.Context, provider *model.Provider, msg *model.CommandMessage) (*model.CommandResult, error) {
	url, err := provider.CommandURL()
	if err != nil {
		return nil, model.Terminal(fmt.Errorf("provider '%s' has an invalid url: %w", provider.ID, err))
	}

	authCode, err := s.resolver.Resolve(ctx, provider.AuthCode)
	if err != nil {
		return nil, fmt.Errorf("resolve auth code for provider '%s': %w", provider.ID, err)
	}

	ctx, span := s.tracer.Start(ctx, "transport.Send",
		trace.WithAttributes(
			attribute.String("provider.id", provider.ID),
			attribute.String("command.id", msg.Command.CommandID),
			attribute.String("command.type", string(msg.Command.Type)),
		))
	defer span.End()

	s.logger.Info("sending command to provider",
		slog.String("command_id", msg.Command.CommandID),
		slog.String("command_type", string(msg.Command.Type)),
		slog.String("provider_id", provider.ID),
		slog.String("url", url))

	if s.metrics != nil {
		s.metrics.ProviderSends.Add(ctx, 1,
			metric.WithAttributes(attribute.String("provider", provider.ID)))
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderAuthCode, authCode).
		SetHeader(HeaderCallback, msg.CallbackURL).
		SetBody(msg).
		Post(url)
	if err != nil {
		span.RecordError(err)
		return nil, model.AsCommandError(fmt.Errorf("provider '%s' unreachable: %w", provider.ID, err))
	}

	switch resp.StatusCode() {
	case http.StatusConflict, http.StatusBadRequest, http.StatusUnauthorized:
		err := model.Terminal(fmt.Errorf("provider '%s' failed with status code %d", provider.ID, resp.StatusCode()))
		span.RecordError(err)
		return nil, err
	}
	if resp.IsError() {
		err := model.AsCommandError(fmt.Errorf("provider '%s' failed with status code %d", provider.ID, resp.StatusCode()))
		span.RecordError(err)
		return nil, err
	}

	var result model.CommandResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, model.AsCommandError(fmt.Errorf("provider '%s' returned an unreadable result: %w", provider.ID, err))
	}
	return &result, nil
}
