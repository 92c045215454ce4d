// Package registry implements the Session & Connection Registry
// (spec.md §4.4): per-connection ring buffers, broadcast fan-out, pending
// request tables, and the sequence counter invariant.
package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/acp-runtime/internal/acp/backend"
	"github.com/kandev/acp-runtime/internal/acp/events"
)

// StreamMessage is one ring slot: a stamped Universal Event at a sequence.
type StreamMessage struct {
	Sequence uint64
	Payload  events.UniversalEvent
}

// PendingSlot is a one-shot reply slot for a request an HTTP caller
// forwarded to the agent, filled by the agent's matching response
// (spec.md §3 `pending`).
type PendingSlot struct {
	ReplyCh chan json.RawMessage
}

// pendingResolution tracks an agent-issued permission/question request
// that is awaiting the HTTP client's resolution, so the matching client
// response can be paired with a synthetic permission.resolved/
// question.resolved Universal Event (spec.md invariant 4).
type pendingResolution struct {
	kind      events.EventType
	sessionID string
}

// Session is the ACP-level conversation inside a Connection (spec.md §3).
type Session struct {
	SessionID       string
	NativeSessionID string
	ended           atomic.Bool
	eventCount      atomic.Uint64
}

func (s *Session) MarkEnded() bool     { return !s.ended.Swap(true) }
func (s *Session) Ended() bool         { return s.ended.Load() }
func (s *Session) IncEventCount()      { s.eventCount.Add(1) }
func (s *Session) EventCount() uint64  { return s.eventCount.Load() }

// Connection is the per-client runtime state (spec.md §3).
type Connection struct {
	ID           string
	DefaultAgent events.AgentID
	Backend      backend.Backend

	ringCapacity      int
	broadcastCapacity int

	// eventMu serializes push_event's (assign-sequence, ring-append,
	// broadcast-send) triple so ring order == broadcast order == SSE
	// order (spec.md §5).
	eventMu sync.Mutex
	seq     uint64
	ring    []StreamMessage

	broadcastMu sync.Mutex
	broadcast   chan events.UniversalEvent

	sseActive atomic.Bool
	closed    atomic.Bool
	exited    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*PendingSlot

	resolutionsMu sync.Mutex
	resolutions   map[string]pendingResolution

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	// mirror, if non-nil, receives every stamped event best-effort for
	// the optional NATS fan-out (SPEC_FULL.md Domain Stack); never on
	// the critical path of the ordering invariants above.
	mirror func(events.UniversalEvent)
}

func newConnection(id string, agentID events.AgentID, ringCapacity, broadcastCapacity int) *Connection {
	return &Connection{
		ID:                id,
		DefaultAgent:      agentID,
		ringCapacity:      ringCapacity,
		broadcastCapacity: broadcastCapacity,
		broadcast:         make(chan events.UniversalEvent, broadcastCapacity),
		pending:           map[string]*PendingSlot{},
		resolutions:       map[string]pendingResolution{},
		sessions:          map[string]*Session{},
	}
}

// SetMirror installs a best-effort event mirror (e.g. NATS publish).
func (c *Connection) SetMirror(fn func(events.UniversalEvent)) {
	c.mirror = fn
}

// Closed reports whether Close has been called (the connection has been
// explicitly deleted and is no longer in the registry).
func (c *Connection) Closed() bool { return c.closed.Load() }

// MarkExited marks the connection's backend as terminally exited (spec.md
// invariant 6, §7 AgentProcessExited). Unlike Close, the connection stays
// in the registry and keeps its ring/sessions/SSE state intact so a
// subscriber can still replay the final session.ended events; only new
// POSTs are rejected once this is set. Returns false if already marked.
func (c *Connection) MarkExited() bool { return !c.exited.Swap(true) }

// Exited reports whether the backend behind this connection has exited.
func (c *Connection) Exited() bool { return c.exited.Load() }

// PushEvent stamps an EventConversion into a full UniversalEvent, assigns
// the next sequence, appends to the ring (evicting the oldest beyond
// capacity), and fans out through the broadcast channel best-effort
// (spec.md §4.4). Returns the stamped event.
func (c *Connection) PushEvent(conv *events.EventConversion) events.UniversalEvent {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.seq++
	stamped := events.UniversalEvent{
		EventID:         uuid.NewString(),
		Sequence:        c.seq,
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:       conv.SessionID,
		NativeSessionID: conv.NativeSessionID,
		Synthetic:       conv.Synthetic,
		Source:          conv.Source,
		Type:            conv.Type,
		Data:            conv.Data,
		Raw:             conv.Raw,
	}

	c.ring = append(c.ring, StreamMessage{Sequence: stamped.Sequence, Payload: stamped})
	if len(c.ring) > c.ringCapacity {
		c.ring = c.ring[len(c.ring)-c.ringCapacity:]
	}

	select {
	case c.broadcast <- stamped:
	default:
		// Backpressure: slow/absent subscriber drops the live delivery;
		// the ring remains the authoritative replay buffer (spec.md §5).
	}

	if c.mirror != nil {
		go c.mirror(stamped)
	}

	if stamped.SessionID != "" {
		c.sessionsMu.Lock()
		if s, ok := c.sessions[stamped.SessionID]; ok {
			s.IncEventCount()
		}
		c.sessionsMu.Unlock()
	}

	return stamped
}

// ReplaySince returns every ring entry with sequence > lastEventID, in
// order, plus a fresh broadcast receiver attached after the snapshot
// (spec.md §4.6). Replay and receiver attach happen under eventMu so no
// event can land between the snapshot and the subscription; deliveries
// still buffered from before the snapshot are discarded, since the ring
// already holds them.
func (c *Connection) ReplaySince(lastEventID uint64) ([]events.UniversalEvent, <-chan events.UniversalEvent) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	var replay []events.UniversalEvent
	for _, msg := range c.ring {
		if msg.Sequence > lastEventID {
			replay = append(replay, msg.Payload)
		}
	}

	c.broadcastMu.Lock()
	ch := c.broadcast
	c.broadcastMu.Unlock()

drain:
	for {
		select {
		case <-ch:
		default:
			break drain
		}
	}

	return replay, ch
}

// TryClaimSSE enforces the single-active-subscriber guard (spec.md §4.6).
func (c *Connection) TryClaimSSE() bool {
	return c.sseActive.CompareAndSwap(false, true)
}

// ReleaseSSE clears the single-active-subscriber flag.
func (c *Connection) ReleaseSSE() {
	c.sseActive.Store(false)
}

// RegisterPending installs a reply slot for the id of a request forwarded
// to the agent, returning the channel the agent's later response will be
// delivered on.
func (c *Connection) RegisterPending(id string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = &PendingSlot{ReplyCh: ch}
	c.pendingMu.Unlock()
	return ch
}

// ResolvePending delivers result to a previously-registered pending id,
// if still present, and clears the slot. Returns false if no such pending
// id exists (already resolved, timed out, or never registered).
func (c *Connection) ResolvePending(id string, result json.RawMessage) bool {
	c.pendingMu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot.ReplyCh <- result:
	default:
	}
	return true
}

// ClearPending removes a pending slot without delivering a result (used
// on timeout so a late reply is discarded safely, spec.md §4.5/§5).
func (c *Connection) ClearPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// RegisterResolution notes that id (the agent-assigned request id for a
// permission request, or the tool call id for a question) is awaiting a
// client response of the given kind, so the eventual response can be
// paired with a resolved event.
func (c *Connection) RegisterResolution(id string, kind events.EventType, sessionID string) {
	c.resolutionsMu.Lock()
	c.resolutions[id] = pendingResolution{kind: kind, sessionID: sessionID}
	c.resolutionsMu.Unlock()
}

// TakeResolution removes and returns the pending resolution registered
// under id, if any.
func (c *Connection) TakeResolution(id string) (kind events.EventType, sessionID string, ok bool) {
	c.resolutionsMu.Lock()
	defer c.resolutionsMu.Unlock()
	r, ok := c.resolutions[id]
	if ok {
		delete(c.resolutions, id)
	}
	return r.kind, r.sessionID, ok
}

// EnsureSession creates (idempotently) a Session record for bookkeeping
// used by the supplemented GET .../sessions endpoint.
func (c *Connection) EnsureSession(sessionID, nativeSessionID string) *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &Session{SessionID: sessionID, NativeSessionID: nativeSessionID}
		c.sessions[sessionID] = s
	}
	return s
}

// Sessions returns a snapshot of all known sessions.
func (c *Connection) Sessions() []*Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// EndAllSessions marks every live session ended, returning those that
// transitioned (for emitting one terminal session.ended each, spec.md
// invariant 6/property 7).
func (c *Connection) EndAllSessions() []*Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	var ended []*Session
	for _, s := range c.sessions {
		if s.MarkEnded() {
			ended = append(ended, s)
		}
	}
	return ended
}

// Close marks the connection terminal (spec.md §3 `closed`), drops every
// pending reply slot and releases the SSE slot. PushEvent does not consult
// the flag: events pushed after Close are still stamped, stored in the
// ring and broadcast.
func (c *Connection) Close() {
	c.closed.Store(true)
	c.pendingMu.Lock()
	c.pending = map[string]*PendingSlot{}
	c.pendingMu.Unlock()
	c.ReleaseSSE()
}
