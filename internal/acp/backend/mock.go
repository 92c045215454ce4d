package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// mockWordStreamDelay paces streamed word chunks so a prompt's delta events
// are individually observable rather than coalescing into one flush.
const mockWordStreamDelay = 30 * time.Millisecond

// MockBackend is a deterministic in-process agent sufficient to exercise
// every Universal Event path (spec.md §4.2).
type MockBackend struct {
	mu                sync.Mutex
	sessionCounter    uint64
	permissionCounter uint64
	sessions          map[string]bool
	endedSessions     map[string]bool

	alive  atomic.Bool
	onLine LineHandler
	onExit ExitHandler
}

// NewMockBackend constructs a MockBackend wired to emit lines through onLine.
func NewMockBackend(onLine LineHandler, onExit ExitHandler) *MockBackend {
	m := &MockBackend{
		sessions:      map[string]bool{},
		endedSessions: map[string]bool{},
		onLine:        onLine,
		onExit:        onExit,
	}
	m.alive.Store(true)
	return m
}

func (m *MockBackend) IsAlive() bool { return m.alive.Load() }

func (m *MockBackend) StderrOutput() StderrOutput { return StderrOutput{} }

// Shutdown marks the mock backend stopped; there is no real process to kill.
func (m *MockBackend) Shutdown(ctx context.Context, grace time.Duration) {
	if m.alive.CompareAndSwap(true, false) {
		if m.onExit != nil {
			m.onExit(ExitInfo{Reason: "terminated", TerminatedBy: TerminatedByDaemon, ExitCode: 0})
		}
	}
}

// Send parses envelope and dispatches it inline, emitting every resulting
// JSON-RPC message (request, notification, or response) via onLine, the
// same callback the Process Backend uses for real agent stdout lines.
func (m *MockBackend) Send(ctx context.Context, envelope []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(envelope, &payload); err != nil {
		return fmt.Errorf("mock backend: invalid envelope: %w", err)
	}

	emit := func(v map[string]any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		if m.onLine != nil {
			m.onLine(raw)
		}
	}

	method, _ := payload["method"].(string)
	if method == "" {
		return nil
	}
	id, hasID := payload["id"]
	params, _ := payload["params"].(map[string]any)

	if hasID {
		go func() {
			response := m.handleRequest(id, method, params, emit)
			emit(response)
		}()
		return nil
	}

	go m.handleNotification(method, params, emit)
	return nil
}

func (m *MockBackend) handleRequest(id any, method string, params map[string]any, emit func(map[string]any)) map[string]any {
	switch method {
	case "initialize":
		protocolVersion := any("1.0")
		if v, ok := params["protocolVersion"]; ok {
			protocolVersion = v
		}
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]any{
				"protocolVersion": protocolVersion,
				"agentCapabilities": map[string]any{
					"loadSession": true,
					"promptCapabilities": map[string]any{
						"image": false,
						"audio": false,
					},
					"canSetMode":  true,
					"canSetModel": true,
					"sessionCapabilities": map[string]any{
						"list": map[string]any{},
					},
				},
				"authMethods": []any{},
			},
		}

	case "session/new":
		m.mu.Lock()
		m.sessionCounter++
		sessionID := fmt.Sprintf("mock-session-%d", m.sessionCounter)
		m.sessions[sessionID] = true
		delete(m.endedSessions, sessionID)
		m.mu.Unlock()
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]any{
				"sessionId":      sessionID,
				"availableModes": []any{},
				"configOptions":  []any{},
			},
		}

	case "session/prompt":
		return m.handlePrompt(id, params, emit)

	case "session/list":
		m.mu.Lock()
		sessions := make([]any, 0, len(m.sessions))
		for sid := range m.sessions {
			sessions = append(sessions, map[string]any{"sessionId": sid, "cwd": "/"})
		}
		m.mu.Unlock()
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"sessions": sessions, "nextCursor": nil},
		}

	case "session/fork", "session/resume", "session/load":
		sessionID, _ := params["sessionId"].(string)
		if sessionID == "" {
			sessionID = "mock-session-1"
		}
		m.mu.Lock()
		m.sessions[sessionID] = true
		delete(m.endedSessions, sessionID)
		m.mu.Unlock()
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]any{
				"sessionId":      sessionID,
				"configOptions":  []any{},
				"availableModes": []any{},
			},
		}

	case "session/set_mode", "session/set_model", "session/set_config_option", "authenticate", "$/cancel_request":
		return map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}}

	case "_sandboxagent/session/terminate":
		return m.handleTerminate(id, params, emit)

	default:
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]any{
				"_meta": map[string]any{
					"sandboxagent.dev": map[string]any{
						"mockMethod":  method,
						"echoParams":  params,
					},
				},
			},
		}
	}
}

func (m *MockBackend) handlePrompt(id any, params map[string]any, emit func(map[string]any)) map[string]any {
	m.mu.Lock()
	var knownSession string
	for sid := range m.sessions {
		knownSession = sid
		break
	}
	m.mu.Unlock()

	sessionID, _ := params["sessionId"].(string)
	if sessionID == "" {
		sessionID = knownSession
	}
	if sessionID == "" {
		sessionID = "mock-session-1"
	}

	m.mu.Lock()
	m.sessions[sessionID] = true
	alreadyEnded := m.endedSessions[sessionID]
	m.mu.Unlock()

	if alreadyEnded {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32000, "message": "session already ended"},
		}
	}

	promptText := extractPromptText(params)
	responseText := "OK"
	if strings.TrimSpace(promptText) != "" {
		responseText = "mock: " + promptText
	}

	if strings.Contains(strings.ToLower(promptText), "permission") {
		m.mu.Lock()
		m.permissionCounter++
		permissionID := fmt.Sprintf("mock-permission-%d", m.permissionCounter)
		m.mu.Unlock()

		emit(map[string]any{
			"jsonrpc": "2.0",
			"id":      permissionID,
			"method":  "session/request_permission",
			"params": map[string]any{
				"sessionId": sessionID,
				"options": []any{
					map[string]any{"id": "allow_once", "name": "Allow once"},
					map[string]any{"id": "deny", "name": "Deny"},
				},
				"toolCall": map[string]any{
					"toolCallId": "tool-call-1",
					"kind":       "execute",
					"status":     "pending",
					"rawInput":   map[string]any{"command": "echo test"},
				},
			},
		})
	}

	if strings.Contains(strings.ToLower(promptText), "crash") {
		m.mu.Lock()
		m.endedSessions[sessionID] = true
		m.mu.Unlock()

		emit(map[string]any{
			"jsonrpc": "2.0",
			"method":  "_sandboxagent/session/ended",
			"params": map[string]any{
				"session_id": sessionID,
				"data": map[string]any{
					"reason":        "error",
					"terminated_by": "agent",
					"message":       "mock process crashed",
					"exit_code":     1,
					"stderr": map[string]any{
						"head":        "mock stderr line 1\nmock stderr line 2",
						"truncated":   false,
						"total_lines": 2,
					},
				},
			},
		})
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32000, "message": "mock process crashed"},
		}
	}

	chunks := splitTextIntoWordChunks(responseText)
	for i, chunk := range chunks {
		emit(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]any{
				"sessionId": sessionID,
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": chunk},
				},
			},
		})
		if i+1 < len(chunks) {
			time.Sleep(mockWordStreamDelay)
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"stopReason": "end_turn"},
	}
}

func (m *MockBackend) handleTerminate(id any, params map[string]any, emit func(map[string]any)) map[string]any {
	m.mu.Lock()
	var fallback string
	for sid := range m.sessions {
		fallback = sid
		break
	}
	sessionID, _ := params["sessionId"].(string)
	if sessionID == "" {
		sessionID = fallback
	}
	if sessionID == "" {
		sessionID = "mock-session-1"
	}
	exists := m.sessions[sessionID]
	terminated := false
	if exists && !m.endedSessions[sessionID] {
		m.endedSessions[sessionID] = true
		terminated = true
	}
	m.mu.Unlock()

	if terminated {
		emit(map[string]any{
			"jsonrpc": "2.0",
			"method":  "_sandboxagent/session/ended",
			"params": map[string]any{
				"session_id": sessionID,
				"data": map[string]any{
					"reason":        "terminated",
					"terminated_by": "daemon",
				},
			},
		})
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"terminated":   terminated,
			"alreadyEnded": !terminated,
			"reason":       "terminated",
			"terminatedBy": "daemon",
		},
	}
}

func (m *MockBackend) handleNotification(method string, params map[string]any, emit func(map[string]any)) {
	if method != "session/cancel" {
		return
	}
	sessionID, _ := params["sessionId"].(string)
	if sessionID == "" {
		sessionID = "mock-session-1"
	}
	emit(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": sessionID,
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": "cancelled"},
			},
		},
	})
}

// splitTextIntoWordChunks splits on whitespace, appending a trailing
// space to every word but the last, matching mock.rs exactly.
func splitTextIntoWordChunks(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}
	chunks := make([]string, len(words))
	last := len(words) - 1
	for i, w := range words {
		if i == last {
			chunks[i] = w
		} else {
			chunks[i] = w + " "
		}
	}
	return chunks
}

// extractPromptText concatenates every text-typed prompt block with "\n".
func extractPromptText(params map[string]any) string {
	prompt, ok := params["prompt"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, blockAny := range prompt {
		block, ok := blockAny.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "text" {
			continue
		}
		text, _ := block["text"].(string)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}
	return sb.String()
}
