// Package protocol defines the JSON-RPC 2.0 wire shapes the relay exchanges
// with its clients and with the backing engine, plus the numeric-id boundary
// every inbound request object must pass before it may enter the pending
// table.
//
// Responsibilities:
// - Request/Response/ErrorObject envelopes with raw-preserving payloads.
// - Parsing one newline-delimited engine frame into a routable Frame.
// - Deciding whether a client-supplied id is usable as a correlation id.
//
// Non-responsibilities:
// - Correlation and fan-out state (internal/mux).
// - Transport and HTTP concerns.
package protocol

import (
	"encoding/json"
	"strconv"
)

// Version is the protocol version stamped on every outbound request and
// every envelope the relay produces itself.
const Version = "2.0"

// Error codes the relay emits. The -32xxx range follows JSON-RPC 2.0;
// -32000..-32099 are the implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeWriteFailed    = -32000
	CodeCallTimeout    = -32001
	CodeEngineDown     = -32099
)

// Request is one JSON-RPC request object. IDs and params are kept raw so a
// client-built request passes through the relay byte-comparable.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds an outbound request carrying a relay-allocated id.
func NewRequest(id int64, method string, params json.RawMessage) Request {
	return Request{
		JSONRPC: Version,
		ID:      EncodeID(id),
		Method:  method,
		Params:  params,
	}
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope written back to single-request callers and used
// to build error frames for streaming sinks. A nil ID marshals as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorResponse builds an error envelope echoing the submitted id, which may
// be nil when the request never carried one.
func ErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// Frame is one parsed engine stdout line: the correlation id plus whichever
// of result/error the engine attached. Raw holds the trimmed line exactly as
// received so fan-out sinks can forward it without re-encoding.
type Frame struct {
	ID     int64
	Result json.RawMessage
	Error  *ErrorObject
	Raw    []byte
}

// Failed reports whether the engine resolved this id with an error.
func (f Frame) Failed() bool { return f.Error != nil }

type frameBody struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorObject    `json:"error"`
}

// ParseFrame parses one trimmed, non-empty line from the engine. It fails on
// anything that is not a JSON object; an object without a usable numeric id
// comes back with ok=false and is the caller's to discard.
//
// The line is copied before decoding: callers hand in a reused read buffer,
// and the frame's payloads must stay valid after the buffer advances.
func ParseFrame(line []byte) (Frame, bool, error) {
	raw := make([]byte, len(line))
	copy(raw, line)
	var body frameBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Frame{}, false, err
	}
	id, ok := DecodeID(body.ID)
	if !ok {
		return Frame{}, false, nil
	}
	return Frame{ID: id, Result: body.Result, Error: body.Error, Raw: raw}, true, nil
}

// EncodeID renders a correlation id as its wire form.
func EncodeID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// DecodeID accepts only ids that are JSON numbers with an exact integer
// value. Strings, null, fractions, and values outside int64 are rejected;
// anything else would either collide in the pending table or silently change
// identity on the way through.
func DecodeID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var num *float64
	if err := json.Unmarshal(raw, &num); err != nil || num == nil {
		return 0, false
	}
	id := int64(*num)
	if float64(id) != *num {
		return 0, false
	}
	return id, true
}
