// Package transport implements the JSON-RPC 2.0 tool-call wire protocol
// spec §6 describes: a line-oriented codec carried by default over
// stdio, with an optional TCP/WebSocket transport for multi-client
// sharing. Transport is deliberately thin — it decodes a frame, calls
// Dispatcher.Call or Dispatcher.ListTools, and encodes whatever comes
// back; none of the engine's semantics live here.
package transport

import (
	"context"
	"encoding/json"

	"github.com/memkit/memkit/pkg/core"
)

// Version is the JSON-RPC protocol version every frame carries.
const Version = "2.0"

// ListToolsMethod is the reserved method name a client calls to
// enumerate the static tool schema table (spec §4.5's "tool list
// available within 5 seconds" guarantee), distinct from the tool-name
// methods that dispatch to Dispatcher.Call.
const ListToolsMethod = "list_tools"

// Request is one JSON-RPC 2.0 request frame. ID is carried as raw JSON
// since the spec permits string or number ids and a response must echo
// it verbatim without reinterpreting its type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response frame. Exactly one of Result or
// Error is set, per the spec.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the stable §6
// error tag (INVALID_ARGUMENTS, NOT_FOUND, ...) so a client can branch
// on it without string-matching Message.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the §6 stable error tag alongside the JSON-RPC code.
type ErrorData struct {
	Code core.Code `json:"code"`
}

// rpcCodeFor maps a core.Code to the JSON-RPC integer code space. Only
// INVALID_ARGUMENTS has a reserved JSON-RPC code (-32602, per spec §6);
// everything else uses the server-error range starting at -32000,
// offset by the handling class (-32000 caller, -32001 transient, -32002
// fatal). Codes of the same class share one number; Data.Code tells them
// apart.
func rpcCodeFor(c core.Code) int {
	if c == core.CodeInvalidArguments {
		return -32602
	}
	return -32000 - int(core.ClassOf(c))
}

// NewErrorResponse builds a Response carrying err, translating a
// *core.MemoryError into the §6 error tag and the matching JSON-RPC
// code, or INTERNAL for any other error (a bug, not a modeled failure).
func NewErrorResponse(id json.RawMessage, err error) Response {
	code := core.CodeFor(err)
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    rpcCodeFor(code),
			Message: err.Error(),
			Data:    &ErrorData{Code: code},
		},
	}
}

// NewResultResponse builds a successful Response carrying result, an
// already-marshaled tool result payload.
func NewResultResponse(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// Dispatcher is the engine-side contract a transport calls into. It is
// satisfied by *engine.Manager without pkg/transport importing
// pkg/engine, keeping the dependency pointed the other way (cmd/memkitd
// wires concrete Manager into concrete transports).
type Dispatcher interface {
	Call(ctx context.Context, tool string, args []byte) ([]byte, error)
	ListTools() []string
}

// HandleRequest decodes one frame's params, dispatches it, and returns
// the Response to encode back to the caller. It never returns an error
// itself — every failure is folded into an Error response, since a
// malformed single frame must not take down the read loop.
func HandleRequest(ctx context.Context, d Dispatcher, req Request) Response {
	if req.Method == ListToolsMethod {
		result, err := json.Marshal(struct {
			Tools []string `json:"tools"`
		}{Tools: d.ListTools()})
		if err != nil {
			return NewErrorResponse(req.ID, core.NewMemoryError(ListToolsMethod, core.CodeInternal, err))
		}
		return NewResultResponse(req.ID, result)
	}

	out, err := d.Call(ctx, req.Method, req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}
	return NewResultResponse(req.ID, out)
}
