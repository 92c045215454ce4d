// Package router implements the Request Router (spec.md §4.5): the glue
// between the HTTP surface, the per-connection Backend, and the Event
// Normalizer. It classifies every inbound envelope, forwards requests and
// notifications to the bound agent, matches client responses against the
// pending table, and synthesizes session.ended on backend exit.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/acp-runtime/internal/acp/backend"
	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/extensions"
	"github.com/kandev/acp-runtime/internal/acp/eventmirror"
	"github.com/kandev/acp-runtime/internal/acp/jsonrpc"
	"github.com/kandev/acp-runtime/internal/acp/normalize"
	"github.com/kandev/acp-runtime/internal/acp/problem"
	"github.com/kandev/acp-runtime/internal/acp/registry"
	"github.com/kandev/acp-runtime/internal/common/logger"
)

// Options configures a Router.
type Options struct {
	Registry        *registry.Registry
	Logger          *logger.Logger
	RPCTimeout      time.Duration
	StderrHeadLines int
	StderrTailLines int
	// Mirror, if non-nil, is wired into every new connection's event
	// fan-out (SPEC_FULL.md Domain Stack's optional NATS mirror).
	Mirror *eventmirror.Mirror
}

// Router owns the registry and dispatches HTTP-surface traffic into it.
type Router struct {
	registry        *registry.Registry
	log             *logger.Logger
	rpcTimeout      time.Duration
	stderrHeadLines int
	stderrTailLines int
	mirror          *eventmirror.Mirror

	normalizersMu sync.Mutex
	normalizers   map[string]*normalize.Normalizer
}

// New constructs a Router.
func New(opts Options) *Router {
	return &Router{
		registry:        opts.Registry,
		log:             opts.Logger,
		rpcTimeout:      opts.RPCTimeout,
		stderrHeadLines: opts.StderrHeadLines,
		stderrTailLines: opts.StderrTailLines,
		mirror:          opts.Mirror,
		normalizers:     map[string]*normalize.Normalizer{},
	}
}

// Dispatch is the result of routing one inbound HTTP-level envelope.
type Dispatch struct {
	StatusCode int
	Body       json.RawMessage
}

// OpenConnection idempotently opens (and, if new, spawns a backend for)
// connectionID bound to agentID (spec.md §4.4, §6 agent query parameter).
// Bootstrapping a brand new connection requires a known, non-empty agent
// (spec.md §7 scenario S2); POSTing to a connection whose backend has
// already exited fails with AgentProcessExited rather than silently
// spawning a new one under the same id.
func (r *Router) OpenConnection(connectionID string, agentID events.AgentID) (*registry.Connection, error) {
	if _, exists := r.registry.Get(connectionID); !exists && !events.IsKnownAgent(agentID) {
		return nil, problem.Wrap(problem.KindInvalidRequest,
			fmt.Sprintf("agent query parameter must name a known agent, got %q", agentID), nil)
	}

	conn, err := r.registry.Open(connectionID, agentID)
	if err != nil {
		return nil, err
	}
	if conn.Exited() {
		return nil, problem.Wrap(problem.KindAgentExited, "agent process for this connection has already exited", nil)
	}
	if conn.Backend != nil {
		return conn, nil
	}
	return conn, r.spawnBackend(conn, agentID)
}

func (r *Router) spawnBackend(conn *registry.Connection, agentID events.AgentID) error {
	r.normalizersMu.Lock()
	r.normalizers[conn.ID] = normalize.New(agentID)
	r.normalizersMu.Unlock()

	if r.mirror != nil {
		conn.SetMirror(r.mirror.PublishFunc(conn.ID))
	}

	onLine := func(line []byte) { r.handleAgentLine(conn, line) }
	onExit := func(info backend.ExitInfo) { r.handleExit(conn, info) }

	if agentID == events.AgentMock {
		conn.Backend = backend.NewMockBackend(onLine, onExit)
		return nil
	}

	spec := events.LaunchSpec{Program: events.BinaryNameFor(agentID)}
	pb, err := backend.Spawn(backend.SpawnOptions{
		Spec:            spec,
		StderrHeadLines: r.stderrHeadLines,
		StderrTailLines: r.stderrTailLines,
		OnLine:          onLine,
		OnExit:          onExit,
		Logger:          r.log,
	})
	if err != nil {
		return problem.Wrap(problem.KindAgentNotInstalled, fmt.Sprintf("spawning agent %q", agentID), err)
	}
	conn.Backend = pb
	return nil
}

// HandleEnvelope classifies raw (one HTTP POST body) and routes it
// (spec.md §4.5, §6). It blocks until a request's reply arrives or
// r.rpcTimeout elapses; notifications and client responses return
// immediately.
func (r *Router) HandleEnvelope(ctx context.Context, conn *registry.Connection, raw []byte) (*Dispatch, error) {
	env, err := jsonrpc.ParseEnvelope(raw)
	if err != nil {
		return nil, problem.Wrap(problem.KindInvalidEnvelope, "malformed JSON-RPC envelope", err)
	}

	switch env.Classify() {
	case jsonrpc.KindInvalid:
		return nil, problem.Wrap(problem.KindInvalidEnvelope, "envelope is neither a request, notification, nor response", nil)

	case jsonrpc.KindClientResponse:
		// This is the HTTP caller answering a request the agent itself
		// issued (e.g. session/request_permission) — relay it to the
		// agent's stdin rather than resolving our own pending table,
		// which is keyed by the ids of requests HTTP callers sent to the
		// agent.
		if err := conn.Backend.Send(ctx, raw); err != nil {
			return nil, problem.Wrap(problem.KindAgentExited, "forwarding client response to agent", err)
		}
		r.resolvePendingInteraction(conn, env, raw)
		return &Dispatch{StatusCode: 202}, nil

	case jsonrpc.KindNotification:
		if err := conn.Backend.Send(ctx, raw); err != nil {
			return nil, problem.Wrap(problem.KindAgentExited, "forwarding notification to agent", err)
		}
		return &Dispatch{StatusCode: 202}, nil

	default: // KindRequest
		return r.handleRequest(ctx, conn, env, raw)
	}
}

func (r *Router) handleRequest(ctx context.Context, conn *registry.Connection, env *jsonrpc.Envelope, raw []byte) (*Dispatch, error) {
	idStr := jsonrpc.IDString(env.ID)
	replyCh := conn.RegisterPending(idStr)

	if err := conn.Backend.Send(ctx, raw); err != nil {
		conn.ClearPending(idStr)
		return nil, problem.Wrap(problem.KindAgentExited, "forwarding request to agent", err)
	}

	timeout := r.rpcTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	select {
	case result := <-replyCh:
		body := result
		if env.Method == jsonrpc.MethodInitialize {
			if injected, err := injectIntoResponse(result); err == nil {
				body = injected
			}
		}
		if env.Method == jsonrpc.MethodSessionNew {
			r.trackNewSession(conn, body)
		}
		return &Dispatch{StatusCode: 200, Body: body}, nil
	case <-time.After(timeout):
		conn.ClearPending(idStr)
		return nil, problem.Wrap(problem.KindTimeout, fmt.Sprintf("agent did not reply to %q within %s", env.Method, timeout), nil)
	case <-ctx.Done():
		conn.ClearPending(idStr)
		return nil, problem.Wrap(problem.KindTimeout, "request cancelled", ctx.Err())
	}
}

// injectIntoResponse extracts the "result" field from a full JSON-RPC
// response envelope, runs it through extensions.InjectInto, and
// re-assembles the envelope with the augmented result.
func injectIntoResponse(envelope json.RawMessage) (json.RawMessage, error) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(envelope, &asMap); err != nil {
		return nil, err
	}
	result, ok := asMap["result"]
	if !ok {
		return envelope, nil
	}
	injected, err := extensions.InjectInto(result)
	if err != nil {
		return nil, err
	}
	asMap["result"] = injected
	return json.Marshal(asMap)
}

func (r *Router) trackNewSession(conn *registry.Connection, body json.RawMessage) {
	var decoded struct {
		Result struct {
			SessionID string `json:"sessionId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Result.SessionID == "" {
		return
	}
	conn.EnsureSession(decoded.Result.SessionID, decoded.Result.SessionID)
}

// handleAgentLine is the Backend's onLine callback: classify, and either
// resolve a pending daemon-issued request, or run the line through the
// Normalizer and push every resulting Universal Event.
func (r *Router) handleAgentLine(conn *registry.Connection, line []byte) {
	env, err := jsonrpc.ParseEnvelope(line)
	if err == nil && env.Classify() == jsonrpc.KindClientResponse {
		conn.ResolvePending(jsonrpc.IDString(env.ID), line)
		return
	}

	r.normalizersMu.Lock()
	n := r.normalizers[conn.ID]
	r.normalizersMu.Unlock()
	if n == nil {
		return
	}

	conversions, err := n.Convert(line)
	if err != nil {
		return
	}
	for _, conv := range conversions {
		conn.PushEvent(conv)
		if id := interactionID(conv); id != "" {
			conn.RegisterResolution(id, conv.Type, conv.SessionID)
		}
	}
}

// interactionID extracts the id a later client response will be keyed by
// for a permission.requested/question.requested conversion, or "" if conv
// is not one of those (spec.md invariant 4: every such request is later
// paired with a resolved event).
func interactionID(conv *events.EventConversion) string {
	switch conv.Type {
	case events.TypePermissionRequest, events.TypeQuestionRequested:
	default:
		return ""
	}
	data, ok := conv.Data.(map[string]any)
	if !ok {
		return ""
	}
	if id, _ := data["requestId"].(string); id != "" {
		return id
	}
	if id, _ := data["toolCallId"].(string); id != "" {
		return id
	}
	return ""
}

// resolvePendingInteraction synthesizes and pushes the
// permission.resolved/question.resolved Universal Event that pairs with a
// previously registered permission.requested/question.requested, if env's
// id matches one (spec.md invariant 4, Testable Property 4 §8).
func (r *Router) resolvePendingInteraction(conn *registry.Connection, env *jsonrpc.Envelope, raw json.RawMessage) {
	idStr := jsonrpc.IDString(env.ID)
	kind, sessionID, ok := conn.TakeResolution(idStr)
	if !ok {
		return
	}
	resolvedType := events.TypePermissionResolved
	if kind == events.TypeQuestionRequested {
		resolvedType = events.TypeQuestionResolved
	}

	data := map[string]any{"requestId": idStr}
	if len(env.Result) > 0 {
		data["result"] = env.Result
	}
	if env.Error != nil {
		data["error"] = env.Error
	}

	conn.PushEvent(events.New(resolvedType, data).MarkSynthetic().WithSession(sessionID).WithRaw(raw))
}

// handleExit is the Backend's onExit callback (spec.md invariant 6): every
// still-live session gets exactly one synthetic session.ended, and the
// connection is marked exited in place so that it stays enumerable and its
// ring/SSE replay keep working, while any later POST against it fails with
// AgentProcessExited (spec.md §7) instead of being treated as a fresh open.
func (r *Router) handleExit(conn *registry.Connection, info backend.ExitInfo) {
	for _, sess := range conn.EndAllSessions() {
		conn.PushEvent(events.New(events.TypeSessionEnded, map[string]any{
			"reason":       info.Reason,
			"terminatedBy": info.TerminatedBy,
			"exitCode":     info.ExitCode,
			"stderr":       info.Stderr,
		}).MarkSynthetic().WithSession(sess.SessionID).WithNativeSession(sess.NativeSessionID))
	}
	conn.MarkExited()

	r.normalizersMu.Lock()
	delete(r.normalizers, conn.ID)
	r.normalizersMu.Unlock()
}
