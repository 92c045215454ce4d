package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acp-runtime/internal/acp/events"
)

func TestConvertMessageChunkSynthesizesItemStartedOnce(t *testing.T) {
	n := New(events.AgentMock)

	first := mustConvert(t, n, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello "}}}}`)
	require.Len(t, first, 2)
	assert.Equal(t, events.TypeItemStarted, first[0].Type)
	assert.True(t, first[0].Synthetic)
	assert.Equal(t, events.TypeItemDelta, first[1].Type)

	second := mustConvert(t, n, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"world"}}}}`)
	require.Len(t, second, 1, "item.started must not be re-emitted")
	assert.Equal(t, events.TypeItemDelta, second[0].Type)
}

func TestConvertToolCallStartsAndUpdatesSameItem(t *testing.T) {
	n := New(events.AgentMock)

	started := mustConvert(t, n, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc-1","kind":"execute","rawInput":{"command":"echo hi"}}}}`)
	require.Len(t, started, 2)
	assert.Equal(t, events.TypeItemStarted, started[0].Type)

	completed := mustConvert(t, n, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"completed","rawOutput":{"code":0}}}}`)
	require.Len(t, completed, 1)
	assert.Equal(t, events.TypeItemCompleted, completed[0].Type)

	item, ok := completed[0].Data.(events.UniversalItem)
	require.True(t, ok)
	assert.Equal(t, events.ItemCompleted, item.Status)
}

func TestConvertAskUserQuestionToolCallBecomesQuestionRequested(t *testing.T) {
	n := New(events.AgentMock)

	out := mustConvert(t, n, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"tc-9","toolName":"AskUserQuestion","kind":"ask","rawInput":{"questions":["pick one"]}}}}`)
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeQuestionRequested, out[0].Type)
}

func TestConvertPermissionRequestCarriesRequestID(t *testing.T) {
	n := New(events.AgentMock)

	out := mustConvert(t, n, `{"jsonrpc":"2.0","id":"mock-permission-1","method":"session/request_permission","params":{"sessionId":"s1","options":[{"id":"allow_once"}]}}`)
	require.Len(t, out, 1)
	assert.Equal(t, events.TypePermissionRequest, out[0].Type)
	data := out[0].Data.(map[string]any)
	assert.Equal(t, "mock-permission-1", data["requestId"])
}

func TestConvertSessionEndedExtensionNotification(t *testing.T) {
	n := New(events.AgentMock)

	out := mustConvert(t, n, `{"jsonrpc":"2.0","method":"_sandboxagent/session/ended","params":{"session_id":"s1","data":{"reason":"terminated","terminated_by":"daemon"}}}`)
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeSessionEnded, out[0].Type)
	assert.Equal(t, "s1", out[0].SessionID)
}

func TestConvertMalformedJSONBecomesAgentUnparsed(t *testing.T) {
	n := New(events.AgentMock)

	out, err := n.Convert([]byte(`not json`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeAgentUnparsed, out[0].Type)
	assert.True(t, out[0].Synthetic)
}

func TestConvertClientResponseIsPassedThroughForTheRouter(t *testing.T) {
	n := New(events.AgentMock)

	out, err := n.Convert([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func mustConvert(t *testing.T, n *Normalizer, raw string) []*events.EventConversion {
	t.Helper()
	out, err := n.Convert([]byte(raw))
	require.NoError(t, err)
	return out
}
