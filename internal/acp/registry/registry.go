package registry

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/problem"
)

// Registry is the single process-wide table of live connections
// (spec.md §9 "global mutable state"). All other state is per-connection.
type Registry struct {
	mu                sync.Mutex
	connections       map[string]*Connection
	ringCapacity      int
	broadcastCapacity int
}

// New constructs an empty Registry.
func New(ringCapacity, broadcastCapacity int) *Registry {
	return &Registry{
		connections:       map[string]*Connection{},
		ringCapacity:      ringCapacity,
		broadcastCapacity: broadcastCapacity,
	}
}

// Open idempotently creates a Connection for connectionID bound to
// agentID. A second open with a different agentID fails with Conflict
// (spec.md §4.4).
func (r *Registry) Open(connectionID string, agentID events.AgentID) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[connectionID]; ok {
		if agentID != "" && existing.DefaultAgent != agentID {
			return nil, problem.Wrap(problem.KindConflict,
				"connection already bound to a different agent", nil)
		}
		return existing, nil
	}

	conn := newConnection(connectionID, agentID, r.ringCapacity, r.broadcastCapacity)
	r.connections[connectionID] = conn
	return conn, nil
}

// Get returns the Connection for connectionID, if any.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// List returns every live connection id, for GET /v1/acp.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

// Delete disposes connectionID's backend (with grace) and removes it from
// the registry. Returns NO_CONTENT semantics regardless of prior
// existence (spec.md §4.4, §6): callers should always reply 204.
func (r *Registry) Delete(ctx context.Context, connectionID string, grace time.Duration) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if ok {
		delete(r.connections, connectionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.Close()
	if conn.Backend != nil {
		conn.Backend.Shutdown(ctx, grace)
	}
}
