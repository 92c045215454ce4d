// Package normalize implements the Event Normalizer (spec.md §4.3):
// per-agent translators from native agent JSON-RPC traffic into Universal
// Events, with synthetic item.started/delta synthesis.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/jsonrpc"
)

// itemState tracks whether a native item has already had its item.started
// emitted, so the Normalizer can synthesize one exactly once per item
// (spec.md invariant 2).
type itemState struct {
	itemID  string
	started bool
}

// Normalizer is a per-connection translator; it is not safe to share
// across connections because native_item_id derivation is
// session-scoped (spec.md §4.3 rule 1).
type Normalizer struct {
	agentID events.AgentID

	mu    sync.Mutex
	items map[string]*itemState
}

// New constructs a Normalizer for one connection's backend agent.
func New(agentID events.AgentID) *Normalizer {
	return &Normalizer{agentID: agentID, items: map[string]*itemState{}}
}

// Convert translates one raw line of agent stdout (already classified as
// JSON by the Process/Mock backend) into zero or more EventConversions.
// Plain JSON-RPC responses (id + result/error, no method) are the Request
// Router's concern, not the Normalizer's, and are passed through
// unconverted (nil, nil) so the caller can route them to a pending slot.
func (n *Normalizer) Convert(raw []byte) ([]*events.EventConversion, error) {
	env, err := jsonrpc.ParseEnvelope(raw)
	if err != nil {
		return []*events.EventConversion{unparsed(err.Error(), raw)}, nil
	}

	switch env.Classify() {
	case jsonrpc.KindClientResponse:
		return nil, nil
	case jsonrpc.KindInvalid:
		return []*events.EventConversion{unparsed("unrecognized JSON-RPC envelope shape", raw)}, nil
	}

	var params map[string]any
	if len(env.Params) > 0 {
		_ = json.Unmarshal(env.Params, &params)
	}

	switch env.Method {
	case "agent.unparsed":
		return []*events.EventConversion{unparsed(stringField(params, "error"), raw)}, nil

	case jsonrpc.NotificationSessionUpdate:
		return n.convertSessionUpdate(params, raw), nil

	case jsonrpc.MethodRequestPermission:
		return n.convertPermissionRequest(env, params, raw), nil

	case jsonrpc.NotificationExtSessionEnded:
		return n.convertSessionEnded(params, raw), nil

	case "session/cancel":
		// Notification acknowledging cancellation; no Universal Event of
		// its own, the resulting agent_message_chunk (if any) carries it.
		return nil, nil

	default:
		if strings.HasPrefix(env.Method, jsonrpc.ExtensionPrefix) {
			// Opaque extension traffic the Router forwards verbatim;
			// not translated into a Universal Event by itself.
			return nil, nil
		}
		return nil, nil
	}
}

func unparsed(errMsg string, raw []byte) *events.EventConversion {
	return events.New(events.TypeAgentUnparsed, map[string]any{
		"error": errMsg,
		"raw":   string(raw),
	}).MarkSynthetic().WithRaw(raw)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func (n *Normalizer) nativeItemID(sessionID, role string) string {
	return fmt.Sprintf("%s_%s", sessionID, role)
}

// ensureStarted returns the (possibly freshly synthesized) item.started
// conversion for nativeItemID, or nil if one was already emitted.
func (n *Normalizer) ensureStarted(nativeItemID string, kind events.ItemKind, sessionID string) *events.EventConversion {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.items[nativeItemID]
	if !ok {
		st = &itemState{itemID: nativeItemID}
		n.items[nativeItemID] = st
	}
	if st.started {
		return nil
	}
	st.started = true

	item := events.UniversalItem{
		ItemID:       nativeItemID,
		NativeItemID: nativeItemID,
		Kind:         kind,
		Status:       events.ItemInProgress,
		Content:      []events.ContentPart{},
	}
	return events.New(events.TypeItemStarted, item).MarkSynthetic().WithSession(sessionID)
}

func (n *Normalizer) convertSessionUpdate(params map[string]any, raw json.RawMessage) []*events.EventConversion {
	sessionID := stringField(params, "sessionId")
	update, _ := params["update"].(map[string]any)
	if update == nil {
		return nil
	}
	kind, _ := update["sessionUpdate"].(string)

	switch kind {
	case "agent_message_chunk":
		return n.convertMessageChunk(sessionID, update, raw, false)
	case "agent_thought_chunk":
		return n.convertMessageChunk(sessionID, update, raw, true)
	case "tool_call":
		return n.convertToolCall(sessionID, update, raw)
	case "tool_call_update":
		return n.convertToolCallUpdate(sessionID, update, raw)
	case "plan", "available_commands_update":
		return []*events.EventConversion{
			events.New(events.TypeItemCompleted, events.UniversalItem{
				ItemID: sessionID + "_" + kind,
				Kind:   events.ItemStatus,
				Status: events.ItemCompleted,
				Content: []events.ContentPart{{
					Kind: events.PartJSON,
					JSON: mustMarshal(update),
				}},
			}).WithSession(sessionID).WithRaw(raw),
		}
	default:
		return []*events.EventConversion{unparsed("unknown sessionUpdate kind: "+kind, raw)}
	}
}

func (n *Normalizer) convertMessageChunk(sessionID string, update map[string]any, raw json.RawMessage, reasoning bool) []*events.EventConversion {
	content, _ := update["content"].(map[string]any)
	text := stringField(content, "text")

	role := "message"
	partKind := events.PartText
	if reasoning {
		role = "reasoning"
		partKind = events.PartReasoning
	}
	nativeItemID := n.nativeItemID(sessionID, role)

	var out []*events.EventConversion
	if started := n.ensureStarted(nativeItemID, events.ItemMessage, sessionID); started != nil {
		out = append(out, started)
	}

	part := events.ContentPart{Kind: partKind}
	if reasoning {
		part.ReasoningText = text
	} else {
		part.Text = text
	}

	delta := events.New(events.TypeItemDelta, events.UniversalItem{
		ItemID:       nativeItemID,
		NativeItemID: nativeItemID,
		Kind:         events.ItemMessage,
		Status:       events.ItemInProgress,
		Content:      []events.ContentPart{part},
	}).WithSession(sessionID).WithRaw(raw)

	out = append(out, delta)
	return out
}

func (n *Normalizer) convertToolCall(sessionID string, update map[string]any, raw json.RawMessage) []*events.EventConversion {
	toolCallID, _ := update["toolCallId"].(string)
	if toolCallID == "" {
		toolCallID = stringField(update, "toolCallId")
	}
	kindStr, _ := update["kind"].(string)

	nativeItemID := toolCallID
	if nativeItemID == "" {
		nativeItemID = n.nativeItemID(sessionID, "tool_call")
	}

	if n.maybeQuestion(sessionID, update, raw) {
		return n.convertQuestion(sessionID, toolCallID, update, raw)
	}

	var out []*events.EventConversion
	if started := n.ensureStarted(nativeItemID, events.ItemToolCall, sessionID); started != nil {
		out = append(out, started)
	}

	rawInput, _ := update["rawInput"].(map[string]any)
	part := events.ContentPart{
		Kind:          events.PartToolCall,
		ToolName:      kindStr,
		ToolArguments: mustMarshal(rawInput),
		CallID:        toolCallID,
	}

	out = append(out, events.New(events.TypeItemDelta, events.UniversalItem{
		ItemID:       nativeItemID,
		NativeItemID: nativeItemID,
		Kind:         events.ItemToolCall,
		Status:       events.ItemInProgress,
		Content:      []events.ContentPart{part},
	}).WithSession(sessionID).WithRaw(raw))

	return out
}

func (n *Normalizer) maybeQuestion(_ string, update map[string]any, _ json.RawMessage) bool {
	name, _ := update["toolName"].(string)
	name = strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(name, "-", ""), "_", ""))
	if name != "askuserquestion" {
		return false
	}
	rawInput, _ := update["rawInput"].(map[string]any)
	_, hasQuestions := rawInput["questions"]
	return hasQuestions
}

func (n *Normalizer) convertQuestion(sessionID, toolCallID string, update map[string]any, raw json.RawMessage) []*events.EventConversion {
	rawInput, _ := update["rawInput"].(map[string]any)
	return []*events.EventConversion{
		events.New(events.TypeQuestionRequested, map[string]any{
			"toolCallId": toolCallID,
			"questions":  rawInput["questions"],
		}).WithSession(sessionID).WithRaw(raw),
	}
}

func (n *Normalizer) convertToolCallUpdate(sessionID string, update map[string]any, raw json.RawMessage) []*events.EventConversion {
	toolCallID, _ := update["toolCallId"].(string)
	status, _ := update["status"].(string)
	if status == "completed" {
		status = "complete"
	}

	nativeItemID := toolCallID
	itemStatus := events.ItemInProgress
	universalType := events.TypeItemDelta
	if status == "complete" {
		itemStatus = events.ItemCompleted
		universalType = events.TypeItemCompleted
	} else if status == "error" || status == "failed" {
		itemStatus = events.ItemFailed
		universalType = events.TypeItemCompleted
	}

	var content []events.ContentPart
	if rawOutput, ok := update["rawOutput"]; ok {
		content = []events.ContentPart{{
			Kind:       events.PartToolResult,
			CallID:     toolCallID,
			ToolOutput: rawOutput,
		}}
	}

	var out []*events.EventConversion
	if started := n.ensureStarted(nativeItemID, events.ItemToolCall, sessionID); started != nil {
		out = append(out, started)
	}
	out = append(out, events.New(universalType, events.UniversalItem{
		ItemID:       nativeItemID,
		NativeItemID: nativeItemID,
		Kind:         events.ItemToolCall,
		Status:       itemStatus,
		Content:      content,
	}).WithSession(sessionID).WithRaw(raw))

	return out
}

func (n *Normalizer) convertPermissionRequest(env *jsonrpc.Envelope, params map[string]any, raw json.RawMessage) []*events.EventConversion {
	sessionID := stringField(params, "sessionId")
	return []*events.EventConversion{
		events.New(events.TypePermissionRequest, map[string]any{
			"requestId": jsonrpc.IDString(env.ID),
			"options":   params["options"],
			"toolCall":  params["toolCall"],
		}).WithSession(sessionID).WithRaw(raw),
	}
}

func (n *Normalizer) convertSessionEnded(params map[string]any, raw json.RawMessage) []*events.EventConversion {
	sessionID := stringField(params, "session_id")
	data, _ := params["data"].(map[string]any)
	return []*events.EventConversion{
		events.New(events.TypeSessionEnded, data).WithSession(sessionID).WithRaw(raw),
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
