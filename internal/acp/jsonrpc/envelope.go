// Package jsonrpc implements the line-delimited JSON-RPC 2.0 envelope used
// by the Agent Client Protocol (spec.md §4.5, §6). It deliberately keeps
// envelopes as raw json.RawMessage/map[string]any rather than a typed
// per-method model, because the Request Router must forward unknown
// "_sandboxagent/*" extension methods opaquely — see DESIGN.md for why
// this seam does not use the coder/acp-go-sdk typed client directly.
package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version string.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Envelope is the generic, decode-once-classify-after JSON-RPC v2 shape.
// Because it uses pointers/RawMessage for every optional field, a single
// struct can represent a request, a notification, a response, or garbage;
// Classify inspects which fields are present (spec.md §4.5).
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies an Envelope per spec.md §4.5.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindClientResponse
)

// Classify implements the Request Router's envelope classification:
//   - method + id               -> request
//   - method, no id             -> notification
//   - id + (result or error), no method -> client response
//   - otherwise                 -> invalid
func (e *Envelope) Classify() Kind {
	hasID := len(e.ID) > 0 && string(e.ID) != "null"
	hasMethod := e.Method != ""
	hasResultOrError := len(e.Result) > 0 || e.Error != nil

	switch {
	case hasMethod && hasID:
		return KindRequest
	case hasMethod && !hasID:
		return KindNotification
	case hasID && !hasMethod && hasResultOrError:
		return KindClientResponse
	default:
		return KindInvalid
	}
}

// ParseEnvelope decodes raw JSON into an Envelope, without validating
// shape beyond syntactic JSON — shape validation is Classify's job.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// NewResponse builds a successful JSON-RPC response envelope.
func NewResponse(id json.RawMessage, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed JSON-RPC response envelope.
func NewErrorResponse(id json.RawMessage, code int, message string) *Envelope {
	return &Envelope{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification builds a JSON-RPC notification envelope.
func NewNotification(method string, params any) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewRequest builds a JSON-RPC request envelope with the given id.
func NewRequest(id json.RawMessage, method string, params any) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// Marshal serializes the envelope without a trailing newline; the
// Process Backend is responsible for the line-delimiter (spec.md §4.1).
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// IDString renders the envelope's id as a plain string for map keys and
// logging, stripping JSON quoting for string ids and normalizing numeric
// ids so that float64-vs-int64 round-tripping never causes a
// pending-table miss.
func IDString(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var asNumber float64
	if err := json.Unmarshal(id, &asNumber); err == nil {
		return trimTrailingZero(asNumber)
	}
	var asString string
	if err := json.Unmarshal(id, &asString); err == nil {
		return asString
	}
	return string(id)
}

func trimTrailingZero(f float64) string {
	if f == float64(int64(f)) {
		return itoa(int64(f))
	}
	return json.Number(itoaFloat(f)).String()
}

func itoa(i int64) string {
	raw, _ := json.Marshal(i)
	return string(raw)
}

func itoaFloat(f float64) string {
	raw, _ := json.Marshal(f)
	return string(raw)
}
