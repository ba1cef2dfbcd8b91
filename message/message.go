// Package message defines the frames exchanged with the database management service.
//
//   - Request:      {"method":"...","params":[...],"id":N}   — expects a correlated response
//   - Response:     {"result":...,"error":null,"id":N}       — resolves the call with id N
//   - Notification: {"method":"...","params":[...],"id":null} — server-initiated, no pending call
//
// Every frame is a UTF-8 JSON object terminated by a newline (see package protocol).
// The field order of outbound frames is fixed by the struct definitions below and
// must not change: the service compares frames byte for byte in its conformance suite.
package message

import "encoding/json"

// Notification kinds pushed by the service. Anything else lands in the
// default bucket: logged by the router, still delivered to the sink.
const (
	KindUpdate = "update" // a watched record changed
	KindLocked = "locked" // an advisory lock was acquired
	KindStolen = "stolen" // an advisory lock was taken over by another holder
)

// Request is one outbound call frame. Identifiers are positive, assigned
// monotonically per connection starting at 1.
type Request struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

// NewRequest builds a request frame. A call with no params still carries an
// empty params array, never null.
func NewRequest(method string, id int64, params ...any) *Request {
	if params == nil {
		params = []any{}
	}
	return &Request{Method: method, Params: params, ID: id}
}

// Response is one outbound response frame, written by the server side.
// Error serializes as null on success; the service requires the field to be
// present either way.
type Response struct {
	Result any     `json:"result"`
	Error  *string `json:"error"`
	ID     *int64  `json:"id"`
}

// Notification is one outbound server-push frame. ID is always null on the wire.
type Notification struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     *int64 `json:"id"`
}

// NewNotification builds a push frame for the given kind.
func NewNotification(kind string, params ...any) *Notification {
	if params == nil {
		params = []any{}
	}
	return &Notification{Method: kind, Params: params}
}

// Message is one decoded inbound frame, before the router has classified it.
// Pointer fields distinguish a JSON null (or an absent field) from a zero
// value: a response carries ID and Error, a notification carries Method with
// a null ID. Params and Result stay opaque; the core never interprets them.
type Message struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// IsResponse reports whether m is response-shaped: it carries an identifier
// and names no method.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether m is request-shaped, i.e. it names a method.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// Malformed reports whether m carries neither an identifier nor a method.
// Such frames are logged and dropped by the router.
func (m *Message) Malformed() bool {
	return m.ID == nil && m.Method == ""
}
