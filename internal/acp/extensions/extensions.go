// Package extensions implements the "_sandboxagent/*" JSON-RPC extension
// surface (spec.md §4.7, §6).
package extensions

import (
	"encoding/json"

	"github.com/kandev/acp-runtime/internal/acp/jsonrpc"
)

// MetaKey is the vendor namespace under which every extension capability
// flag and the fully-qualified method list are advertised.
const MetaKey = "sandboxagent.dev"

// ExtensionsKey nests the capability flags under MetaKey.
const ExtensionsKey = "extensions"

// Flags is the capability block injected into
// initialize.result.agentCapabilities._meta["sandboxagent.dev"].extensions.
type Flags struct {
	SessionDetach          bool     `json:"sessionDetach"`
	SessionTerminate       bool     `json:"sessionTerminate"`
	SessionEndedNotif      bool     `json:"sessionEndedNotification"`
	SessionListModels      bool     `json:"sessionListModels"`
	SessionSetMetadata     bool     `json:"sessionSetMetadata"`
	SessionAgentMeta       bool     `json:"sessionAgentMeta"`
	AgentList              bool     `json:"agentList"`
	AgentInstall           bool     `json:"agentInstall"`
	SessionList            bool     `json:"sessionList"`
	SessionGet             bool     `json:"sessionGet"`
	FsListEntries          bool     `json:"fsListEntries"`
	FsReadFile             bool     `json:"fsReadFile"`
	FsWriteFile            bool     `json:"fsWriteFile"`
	FsDeleteEntry          bool     `json:"fsDeleteEntry"`
	FsMkdir                bool     `json:"fsMkdir"`
	FsMove                 bool     `json:"fsMove"`
	FsStat                 bool     `json:"fsStat"`
	FsUploadBatch          bool     `json:"fsUploadBatch"`
	Methods                []string `json:"methods"`
}

// AllEnabled returns the capability block with every flag true and the
// canonical extension method list populated, matching
// inject_extension_capabilities in ext_meta.rs.
func AllEnabled() Flags {
	return Flags{
		SessionDetach:      true,
		SessionTerminate:   true,
		SessionEndedNotif:  true,
		SessionListModels:  true,
		SessionSetMetadata: true,
		SessionAgentMeta:   true,
		AgentList:          true,
		AgentInstall:       true,
		SessionList:        true,
		SessionGet:         true,
		FsListEntries:      true,
		FsReadFile:         true,
		FsWriteFile:        true,
		FsDeleteEntry:      true,
		FsMkdir:            true,
		FsMove:             true,
		FsStat:             true,
		FsUploadBatch:      true,
		// Order and membership mirror ext_meta.rs's EXTENSION_KEY_METHODS
		// array exactly; sessionAgentMeta has no entry here because it
		// names a _meta requirement on session/new, not its own method.
		Methods: []string{
			jsonrpc.MethodExtSessionDetach,
			jsonrpc.MethodExtSessionTerminate,
			jsonrpc.NotificationExtSessionEnded,
			jsonrpc.MethodExtSessionListModels,
			jsonrpc.MethodExtSessionSetMetadata,
			jsonrpc.MethodExtAgentList,
			jsonrpc.MethodExtAgentInstall,
			jsonrpc.MethodExtSessionList,
			jsonrpc.MethodExtSessionGet,
			jsonrpc.MethodExtFsListEntries,
			jsonrpc.MethodExtFsReadFile,
			jsonrpc.MethodExtFsWriteFile,
			jsonrpc.MethodExtFsDeleteEntry,
			jsonrpc.MethodExtFsMkdir,
			jsonrpc.MethodExtFsMove,
			jsonrpc.MethodExtFsStat,
			jsonrpc.MethodExtFsUploadBatch,
		},
	}
}

// InjectInto mutates the raw "initialize" result JSON, adding
// result.agentCapabilities._meta["sandboxagent.dev"].extensions, and
// returns the re-marshaled result. Unknown/absent nesting is created as
// needed so this is safe to call against any well-formed ACP
// initialize result, mock or real.
func InjectInto(result json.RawMessage) (json.RawMessage, error) {
	var obj map[string]any
	if len(result) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(result, &obj); err != nil {
		return nil, err
	}

	caps, _ := obj["agentCapabilities"].(map[string]any)
	if caps == nil {
		caps = map[string]any{}
	}
	meta, _ := caps["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}

	var flagsJSON map[string]any
	flagsRaw, _ := json.Marshal(AllEnabled())
	_ = json.Unmarshal(flagsRaw, &flagsJSON)

	vendor, _ := meta[MetaKey].(map[string]any)
	if vendor == nil {
		vendor = map[string]any{}
	}
	vendor[ExtensionsKey] = flagsJSON
	meta[MetaKey] = vendor
	caps["_meta"] = meta
	obj["agentCapabilities"] = caps

	return json.Marshal(obj)
}

// IsExtensionMethod reports whether method belongs to the
// "_sandboxagent/*" opaque namespace that the Router forwards verbatim.
func IsExtensionMethod(method string) bool {
	return len(method) >= len(jsonrpc.ExtensionPrefix) && method[:len(jsonrpc.ExtensionPrefix)] == jsonrpc.ExtensionPrefix
}
