// Package rpc is the game-facing JSON-RPC 2.0 endpoint: submit transfers,
// read balances and follow payment confirmations.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// check reports the envelope problem, if any, as a ready error response.
func (r Request) check() *Response {
	var msg string
	switch {
	case r.JSONRPC != "2.0":
		msg = "jsonrpc must be '2.0'"
	case r.Method == "":
		msg = "method is required"
	default:
		return nil
	}
	resp := errResponse(r.ID, CodeInvalidRequest, msg)
	return &resp
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Standard JSON-RPC error codes plus the ledger's own.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
	CodeRejected       = -32001 // transaction refused; data carries kind and class
	CodeDuplicate      = -32002
	CodeBusy           = -32003
	CodeNotFound       = -32004
)

// RejectData accompanies CodeRejected.
type RejectData struct {
	Kind  string `json:"kind"`
	Class string `json:"class"`
	TxID  string `json:"tx_id,omitempty"`
}

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

func okResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}
