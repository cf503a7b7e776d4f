package jrpc2

import "encoding/json"

// Message is one JSON-RPC 2.0 message: *Request, *Notification, *Response or *Invalid.
type Message interface {
	isMessage()
}

// Batch is an ordered, non-empty group of messages sent as one unit.
type Batch []Message

// Request expects a reply carrying the same ID.
type Request struct {
	ID     ID
	Method string
	Params Params
}

// Notification is a call without an id; no reply is ever sent for it.
type Notification struct {
	Method string
	Params Params
}

// Response answers a request. A non-nil Error makes it an error response, otherwise Result holds the value.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// Invalid stands for an element that failed to decode. It keeps the id when the id could be read.
type Invalid struct {
	ID  ID
	Err *Error

	fromResponse bool
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}
func (*Invalid) isMessage()      {}

// NewResult builds a result response. The value is encoded right away.
func NewResult(id ID, value any) (*Response, error) {
	raw, ok := value.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(value); err != nil {
			return nil, &EncodeError{Msg: "result", Err: err}
		}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// IsError tells error responses from result responses.
func (r *Response) IsError() bool { return r.Error != nil }

// Err returns the error object as an error, or nil for result responses.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Response returns the error response owed for the invalid element.
func (m *Invalid) Response() *Response { return NewErrorResponse(m.ID, m.Err) }

// FromResponse reports whether the malformed element looked like a response. Responses are never answered.
func (m *Invalid) FromResponse() bool { return m.fromResponse }

func (m *Invalid) Error() string { return m.Err.Error() }

// method returns the method name of calls, empty for other messages.
func method(m Message) string {
	switch v := m.(type) {
	case *Request:
		return v.Method
	case *Notification:
		return v.Method
	}
	return ""
}

// messageID returns the id carried by m; notifications carry none.
func messageID(m Message) (ID, bool) {
	switch v := m.(type) {
	case *Request:
		return v.ID, true
	case *Response:
		return v.ID, true
	case *Invalid:
		return v.ID, true
	}
	return NullID, false
}
