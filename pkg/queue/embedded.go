// Package queue delivers ready-to-run workflow instances to the worker
// pool over NATS JetStream, so a submission accepted before a crash is
// still processed after restart.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server inside the orchestrator process.
// JetStream is enabled so the command stream survives restarts.
type EmbeddedServer struct {
	server       *server.Server
	storeDir     string
	shutdownOnce sync.Once
}

// NewEmbeddedServer prepares an embedded server. An empty storeDir keeps
// the stream in a temp directory, which loses durability across restarts.
func NewEmbeddedServer(storeDir string) *EmbeddedServer {
	return &EmbeddedServer{storeDir: storeDir}
}

func (e *EmbeddedServer) Name() string { return "nats" }

// Start boots the server on a random local port and waits until it accepts
// connections.
func (e *EmbeddedServer) Start(ctx context.Context) error {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  e.storeDir,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded server: %w", err)
	}
	go s.Start()

	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !s.ReadyForConnections(deadline) {
		s.Shutdown()
		return fmt.Errorf("embedded server not ready")
	}
	e.server = s
	return nil
}

// Stop shuts the server down. Safe to call more than once.
func (e *EmbeddedServer) Stop(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	return nil
}

// URL returns the client connection URL. Valid after Start.
func (e *EmbeddedServer) URL() string {
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}
