package jsonrpc

import acpsdk "github.com/coder/acp-go-sdk"

// Canonical ACP method names. Reused from coder/acp-go-sdk's protocol
// version constant where available; the method name strings themselves
// are not exported by the SDK (it dispatches on typed Go methods instead
// of string method names), so they are declared here matching the wire
// protocol the SDK itself speaks.
const (
	MethodInitialize      = "initialize"
	MethodAuthenticate    = "authenticate"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionCancel   = "session/cancel"
	MethodSessionList     = "session/list"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"
	MethodSessionSetCfg   = "session/set_config_option"
	MethodCancelRequest   = "$/cancel_request"

	NotificationSessionUpdate = "session/update"
	MethodRequestPermission   = "session/request_permission"
)

// Extension method namespace (spec.md §6, ext_meta.rs).
const ExtensionPrefix = "_sandboxagent/"

const (
	MethodExtSessionTerminate   = ExtensionPrefix + "session/terminate"
	MethodExtSessionDetach      = ExtensionPrefix + "session/detach"
	MethodExtSessionGet         = ExtensionPrefix + "session/get"
	MethodExtSessionList        = ExtensionPrefix + "session/list"
	MethodExtSessionListModels  = ExtensionPrefix + "session/list_models"
	MethodExtSessionSetMetadata = ExtensionPrefix + "session/set_metadata"
	MethodExtAgentList          = ExtensionPrefix + "agent/list"
	MethodExtAgentInstall       = ExtensionPrefix + "agent/install"

	MethodExtFsListEntries = ExtensionPrefix + "fs/list_entries"
	MethodExtFsReadFile    = ExtensionPrefix + "fs/read_file"
	MethodExtFsWriteFile   = ExtensionPrefix + "fs/write_file"
	MethodExtFsDeleteEntry = ExtensionPrefix + "fs/delete_entry"
	MethodExtFsMkdir       = ExtensionPrefix + "fs/mkdir"
	MethodExtFsMove        = ExtensionPrefix + "fs/move"
	MethodExtFsStat        = ExtensionPrefix + "fs/stat"
	MethodExtFsUploadBatch = ExtensionPrefix + "fs/upload_batch"

	NotificationExtSessionEnded = ExtensionPrefix + "session/ended"
)

// ProtocolVersion is the SDK's own ACP protocol version constant. Nothing
// in this module reads it: initialize requests are forwarded as sent, and
// the Mock backend echoes the client's protocolVersion (or "1.0").
var ProtocolVersion = acpsdk.ProtocolVersionNumber
