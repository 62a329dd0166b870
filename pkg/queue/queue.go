package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream holding pending instance notices.
	StreamName = "COMMANDS"

	// Subject carries instance-ready notices. The message body is the bare
	// instance id; the command itself lives in the history store.
	Subject = "commands.dispatch"
)

// Config holds command queue settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// MaxAge bounds how long an unprocessed notice is retained.
	MaxAge time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		MaxAge: 24 * time.Hour,
	}
}

// Queue publishes and consumes instance-ready notices over JetStream with
// at-least-once delivery. Replay safety in the engine makes redelivery
// harmless.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// New connects to NATS and ensures the command stream exists.
func New(config Config) (*Queue, error) {
	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	q := &Queue{nc: nc, js: js}
	if err := q.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return q, nil
}

func (q *Queue) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subject},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    config.MaxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
	if _, err := q.js.StreamInfo(StreamName); err != nil {
		if _, err := q.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}
	if _, err := q.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// Publish enqueues an instance-ready notice. The instance id doubles as the
// message id so a retried submission does not duplicate the notice.
func (q *Queue) Publish(ctx context.Context, instanceID string) error {
	_, err := q.js.Publish(Subject, []byte(instanceID),
		nats.MsgId(instanceID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish notice for %s: %w", instanceID, err)
	}
	return nil
}

// PullSubscribe binds the durable worker consumer. Workers fetch notices
// and acknowledge them only after the instance run returns, so a crashed
// worker's notices are redelivered.
func (q *Queue) PullSubscribe() (*nats.Subscription, error) {
	sub, err := q.js.PullSubscribe(Subject, "orchestrator-workers",
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// Close drains the connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Drain()
	}
}
