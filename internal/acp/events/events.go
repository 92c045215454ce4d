// Package events defines the Universal Event model (spec.md §3) that the
// ACP runtime normalizes every agent's native JSON-RPC traffic into.
package events

import "encoding/json"

// AgentID is the tagged variant of supported agent backends.
type AgentID string

const (
	AgentClaude   AgentID = "claude"
	AgentCodex    AgentID = "codex"
	AgentOpencode AgentID = "opencode"
	AgentAmp      AgentID = "amp"
	AgentPi       AgentID = "pi"
	AgentCursor   AgentID = "cursor"
	AgentMock     AgentID = "mock"
)

// Capabilities is the per-agent capability profile (spec.md §3).
type Capabilities struct {
	SupportsResume      bool `json:"supportsResume"`
	SupportsPlanMode    bool `json:"supportsPlanMode"`
	SupportsPermissions bool `json:"supportsPermissions"`
	SupportsQuestions   bool `json:"supportsQuestions"`
	SupportsSharedProc  bool `json:"supportsSharedProcess"`
}

// capabilityTable is the canonical capability profile per AgentID.
var capabilityTable = map[AgentID]Capabilities{
	AgentClaude:   {true, true, true, true, false},
	AgentCodex:    {true, true, true, false, false},
	AgentOpencode: {true, false, true, false, false},
	AgentAmp:      {false, false, true, false, false},
	AgentPi:       {false, false, true, false, false},
	AgentCursor:   {true, true, true, false, false},
	AgentMock:     {true, true, true, true, true},
}

// CapabilitiesFor returns the capability profile for id, zero-value if unknown.
func CapabilitiesFor(id AgentID) Capabilities {
	return capabilityTable[id]
}

// IsKnownAgent reports whether id names one of the supported agent
// backends (spec.md §3 AgentID).
func IsKnownAgent(id AgentID) bool {
	_, ok := capabilityTable[id]
	return ok
}

// BinaryNameFor returns the conventional executable name for an AgentID.
func BinaryNameFor(id AgentID) string {
	switch id {
	case AgentClaude:
		return "claude-code-acp"
	case AgentCodex:
		return "codex-acp"
	case AgentOpencode:
		return "opencode-acp"
	case AgentAmp:
		return "amp-acp"
	case AgentPi:
		return "pi-acp"
	case AgentCursor:
		return "cursor-acp"
	case AgentMock:
		return "mock-acp"
	default:
		return string(id)
	}
}

// LaunchSpec describes how to spawn an agent subprocess (spec.md §3).
// Produced once by the external binary resolver, consumed once per spawn.
type LaunchSpec struct {
	Program string
	Args    []string
	Env     map[string]string
}

// EventType enumerates the Universal Event `type` field (spec.md §3),
// plus a supplemented turn.started/turn.ended pair. The turn types are
// defined only; no code in this module emits them.
type EventType string

const (
	TypeSessionStarted     EventType = "session.started"
	TypeSessionEnded       EventType = "session.ended"
	TypeItemStarted        EventType = "item.started"
	TypeItemDelta          EventType = "item.delta"
	TypeItemCompleted      EventType = "item.completed"
	TypeError              EventType = "error"
	TypePermissionRequest  EventType = "permission.requested"
	TypePermissionResolved EventType = "permission.resolved"
	TypeQuestionRequested  EventType = "question.requested"
	TypeQuestionResolved   EventType = "question.resolved"
	TypeAgentUnparsed      EventType = "agent.unparsed"
	// Turn boundary types; the router does not push events of these types.
	TypeTurnStarted EventType = "turn.started"
	TypeTurnEnded   EventType = "turn.ended"
)

// Source distinguishes agent-originated events from daemon-synthesized ones.
type Source string

const (
	SourceAgent  Source = "agent"
	SourceDaemon Source = "daemon"
)

// TurnPhase is the supplemented turn.* event payload's phase field.
type TurnPhase string

const (
	TurnQueued    TurnPhase = "queued"
	TurnRunning   TurnPhase = "running"
	TurnCompleted TurnPhase = "completed"
	TurnError     TurnPhase = "error"
)

// ItemKind enumerates UniversalItem.Kind.
type ItemKind string

const (
	ItemMessage    ItemKind = "message"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
	ItemSystem     ItemKind = "system"
	ItemStatus     ItemKind = "status"
	ItemUnknown    ItemKind = "unknown"
)

// ItemStatus enumerates UniversalItem.Status.
type ItemStatus string

const (
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// ContentPartKind tags the variant carried by a ContentPart.
type ContentPartKind string

const (
	PartText       ContentPartKind = "text"
	PartJSON       ContentPartKind = "json"
	PartToolCall   ContentPartKind = "tool_call"
	PartToolResult ContentPartKind = "tool_result"
	PartFileRef    ContentPartKind = "file_ref"
	PartReasoning  ContentPartKind = "reasoning"
	PartImage      ContentPartKind = "image"
	PartStatus     ContentPartKind = "status"
)

// ContentPart is the tagged variant described in spec.md §3. Only the
// fields relevant to Kind are populated; the rest are zero values.
type ContentPart struct {
	Kind ContentPartKind `json:"kind"`

	Text string `json:"text,omitempty"`

	JSON json.RawMessage `json:"json,omitempty"`

	ToolName      string          `json:"toolName,omitempty"`
	ToolArguments json.RawMessage `json:"toolArguments,omitempty"`
	CallID        string          `json:"callId,omitempty"`

	ToolOutput any `json:"toolOutput,omitempty"`

	FilePath   string `json:"path,omitempty"`
	FileAction string `json:"action,omitempty"`
	Diff       string `json:"diff,omitempty"`

	ReasoningText       string `json:"reasoningText,omitempty"`
	ReasoningVisibility string `json:"reasoningVisibility,omitempty"`

	ImagePath string `json:"imagePath,omitempty"`
	ImageMime string `json:"imageMime,omitempty"`

	StatusLabel  string `json:"statusLabel,omitempty"`
	StatusDetail string `json:"statusDetail,omitempty"`
}

// UniversalItem is one message/tool-call/tool-result/status record
// (spec.md §3).
type UniversalItem struct {
	ItemID       string        `json:"itemId"`
	NativeItemID string        `json:"nativeItemId,omitempty"`
	ParentID     string        `json:"parentId,omitempty"`
	Kind         ItemKind      `json:"kind"`
	Role         string        `json:"role,omitempty"`
	Content      []ContentPart `json:"content"`
	Status       ItemStatus    `json:"status"`
}

// UniversalEvent is the externally observable record carried in the ring
// and SSE stream (spec.md §3).
type UniversalEvent struct {
	EventID        string          `json:"eventId"`
	Sequence       uint64          `json:"sequence"`
	Time           string          `json:"time"`
	SessionID      string          `json:"sessionId,omitempty"`
	NativeSessionID string         `json:"nativeSessionId,omitempty"`
	Synthetic      bool            `json:"synthetic"`
	Source         Source          `json:"source"`
	Type           EventType       `json:"type"`
	Data           any             `json:"data"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// EventConversion is the Normalizer's output unit (spec.md §4.3): the
// runtime stamps EventID/Sequence/Time/SessionID on top of it.
type EventConversion struct {
	Type            EventType
	Data            any
	Synthetic       bool
	Source          Source
	Raw             json.RawMessage
	SessionID       string
	NativeSessionID string
}

// New starts building an EventConversion for the given type/data.
func New(typ EventType, data any) *EventConversion {
	return &EventConversion{Type: typ, Data: data, Source: SourceAgent}
}

// WithNativeSession attaches the agent-assigned session id.
func (c *EventConversion) WithNativeSession(id string) *EventConversion {
	c.NativeSessionID = id
	return c
}

// WithSession attaches the daemon-level session id.
func (c *EventConversion) WithSession(id string) *EventConversion {
	c.SessionID = id
	return c
}

// WithRaw attaches the original agent JSON for debugging/replay.
func (c *EventConversion) WithRaw(raw json.RawMessage) *EventConversion {
	c.Raw = raw
	return c
}

// WithSource sets an explicit source (defaults to agent via New).
func (c *EventConversion) WithSource(src Source) *EventConversion {
	c.Source = src
	return c
}

// MarkSynthetic marks this conversion as daemon-manufactured. Per spec.md
// invariant 4, synthetic events are always source=daemon; setting one
// always sets the other.
func (c *EventConversion) MarkSynthetic() *EventConversion {
	c.Synthetic = true
	c.Source = SourceDaemon
	return c
}
