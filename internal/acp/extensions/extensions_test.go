package extensions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllEnabledPopulatesEveryFlagAndMethod(t *testing.T) {
	flags := AllEnabled()
	assert.True(t, flags.SessionDetach)
	assert.True(t, flags.FsUploadBatch)
	assert.NotEmpty(t, flags.Methods)
	assert.Contains(t, flags.Methods, "_sandboxagent/session/terminate")
}

// Every fs*/session* capability flag except sessionAgentMeta (which names a
// _meta requirement, not a method) advertises a canonical method string.
func TestAllEnabledMethodsCoverEveryAdvertisedCapability(t *testing.T) {
	flags := AllEnabled()
	assert.Len(t, flags.Methods, 17)
	assert.ElementsMatch(t, []string{
		"_sandboxagent/session/detach",
		"_sandboxagent/session/terminate",
		"_sandboxagent/session/ended",
		"_sandboxagent/session/list_models",
		"_sandboxagent/session/set_metadata",
		"_sandboxagent/agent/list",
		"_sandboxagent/agent/install",
		"_sandboxagent/session/list",
		"_sandboxagent/session/get",
		"_sandboxagent/fs/list_entries",
		"_sandboxagent/fs/read_file",
		"_sandboxagent/fs/write_file",
		"_sandboxagent/fs/delete_entry",
		"_sandboxagent/fs/mkdir",
		"_sandboxagent/fs/move",
		"_sandboxagent/fs/stat",
		"_sandboxagent/fs/upload_batch",
	}, flags.Methods)
}

func TestInjectIntoAddsVendorExtensionBlock(t *testing.T) {
	result := json.RawMessage(`{"protocolVersion":1,"agentCapabilities":{"loadSession":true}}`)

	injected, err := InjectInto(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(injected, &decoded))

	caps := decoded["agentCapabilities"].(map[string]any)
	assert.Equal(t, true, caps["loadSession"])

	meta := caps["_meta"].(map[string]any)
	vendor := meta[MetaKey].(map[string]any)
	exts := vendor[ExtensionsKey].(map[string]any)
	assert.Equal(t, true, exts["sessionTerminate"])
}

func TestInjectIntoHandlesEmptyResult(t *testing.T) {
	injected, err := InjectInto(nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(injected, &decoded))
	assert.Contains(t, decoded, "agentCapabilities")
}

func TestIsExtensionMethod(t *testing.T) {
	assert.True(t, IsExtensionMethod("_sandboxagent/session/terminate"))
	assert.False(t, IsExtensionMethod("session/prompt"))
}
