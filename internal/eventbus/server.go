// Package eventbus runs an embedded, loopback-only NATS server and a thin
// publish/subscribe client over it, so every component in this process (and
// nothing outside it — there is no WebSocket gateway) can fan audit events
// out to whoever is watching a workspace.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Server wraps an embedded NATS server bound to 127.0.0.1 on an
// OS-assigned ephemeral port. It is never exposed beyond loopback: this bus
// is process-internal plumbing between the supervisor, executor, and
// recovery engine, not a network-facing broker.
type Server struct {
	mu      sync.RWMutex
	ns      *natsserver.Server
	running bool
}

// NewServer starts an embedded NATS server on an ephemeral loopback port and
// blocks until it's ready to accept connections.
func NewServer() (*Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // -1 asks NATS to pick an ephemeral free port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready for connections")
	}

	return &Server{ns: ns, running: true}, nil
}

// URL returns the loopback connection string a Client dials.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ns.ClientURL()
}

// Shutdown stops the embedded server and waits for it to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.running = false
}

// IsRunning reports whether the embedded server is currently accepting
// connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
