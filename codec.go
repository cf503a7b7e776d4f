package jrpc2

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const protocolVersion = "2.0"

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	ID      ID              `json:"id"`
}

type wireError struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Error   *Error `json:"error"`
}

// Encode renders a single message in its JSON-RPC 2.0 wire shape.
// It never coerces: a null request id, an empty method or params that are not an array or object fail with *EncodeError.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Request:
		if v.ID.IsNull() {
			return nil, &EncodeError{Msg: "request id must not be null"}
		}
		params, err := checkCall(v.Method, v.Params)
		if err != nil {
			return nil, err
		}
		id := v.ID
		return json.Marshal(wireRequest{JSONRPC: protocolVersion, Method: v.Method, Params: params, ID: &id})
	case *Notification:
		params, err := checkCall(v.Method, v.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireRequest{JSONRPC: protocolVersion, Method: v.Method, Params: params})
	case *Response:
		if v.Error != nil {
			return json.Marshal(wireError{JSONRPC: protocolVersion, ID: v.ID, Error: v.Error})
		}
		if v.ID.IsNull() {
			return nil, &EncodeError{Msg: "result response id must not be null"}
		}
		result := v.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		} else if !json.Valid(result) {
			return nil, &EncodeError{Msg: "result is not valid JSON"}
		}
		return json.Marshal(wireResult{JSONRPC: protocolVersion, Result: result, ID: v.ID})
	case *Invalid:
		return Encode(v.Response())
	case nil:
		return nil, &EncodeError{Msg: "nil message"}
	}
	return nil, &EncodeError{Msg: fmt.Sprintf("unsupported message %T", m)}
}

// EncodeBatch renders a batch as a JSON array.
func EncodeBatch(b Batch) ([]byte, error) {
	if len(b) == 0 {
		return nil, &EncodeError{Msg: "empty batch"}
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range b {
		data, err := Encode(m)
		if err != nil {
			return nil, fmt.Errorf("batch element %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func checkCall(method string, p Params) (json.RawMessage, error) {
	if method == "" {
		return nil, &EncodeError{Msg: "method must not be empty"}
	}
	if err := p.Err(); err != nil {
		return nil, &EncodeError{Msg: "params", Err: err}
	}
	return p.Raw(), nil
}

// Decode parses a message or a batch. It never fails as a whole: bad input turns into *Invalid
// elements, scoped to the smallest unit possible. batch reports whether the root was an array.
func Decode(data []byte) (msgs []Message, batch bool) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return []Message{&Invalid{Err: errParse("malformed JSON")}}, false
	}
	switch data[0] {
	case '{':
		return []Message{decodeObject(data)}, false
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return []Message{&Invalid{Err: errParse(err.Error())}}, false
		}
		if len(elems) == 0 {
			return []Message{&Invalid{Err: errInvalidRequest("empty batch")}}, false
		}
		msgs = make([]Message, len(elems))
		for i, elem := range elems {
			msgs[i] = decodeElement(elem)
		}
		return msgs, true
	}
	return []Message{&Invalid{Err: errParse("root must be an object or an array")}}, false
}

// DecodeMessage parses one streamed message. Arrays are not batches on streamed transports.
func DecodeMessage(data []byte) Message {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return &Invalid{Err: errParse("malformed JSON")}
	}
	switch data[0] {
	case '{':
		return decodeObject(data)
	case '[':
		return &Invalid{Err: errInvalidRequest("batch arrays are not accepted on a streamed transport")}
	}
	return &Invalid{Err: errParse("root must be an object")}
}

func decodeElement(raw json.RawMessage) Message {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return &Invalid{Err: errInvalidRequest("batch element must be an object")}
	}
	return decodeObject(raw)
}

func decodeObject(raw json.RawMessage) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &Invalid{Err: errParse(err.Error())}
	}

	var id ID
	idRaw, hasID := fields["id"]
	idErr := hasID && id.UnmarshalJSON(idRaw) != nil
	if idErr {
		id = NullID
	}

	methodRaw, isCall := fields["method"]
	resultRaw, hasResult := fields["result"]
	errorRaw, hasError := fields["error"]
	if hasError && bytes.Equal(bytes.TrimSpace(errorRaw), []byte("null")) {
		hasError = false
	}
	invalid := func(detail string) Message {
		return &Invalid{ID: id, Err: errInvalidRequest(detail), fromResponse: !isCall && (hasResult || hasError)}
	}

	var version string
	if v, ok := fields["jsonrpc"]; !ok || json.Unmarshal(v, &version) != nil || version != protocolVersion {
		return invalid(`"jsonrpc" must be "2.0"`)
	}
	if idErr {
		return invalid("id must be an integer, a string or null")
	}

	if isCall {
		var name string
		if err := json.Unmarshal(methodRaw, &name); err != nil || name == "" {
			return invalid(`"method" must be a non-empty string`)
		}
		params := NoParams
		if p, ok := fields["params"]; ok {
			params = RawParams(p)
			if params.Kind() == ParamsAbsent {
				return invalid(`"params" must be an array or an object`)
			}
		}
		if !hasID {
			return &Notification{Method: name, Params: params}
		}
		if id.IsNull() {
			return invalid("request id must not be null")
		}
		return &Request{ID: id, Method: name, Params: params}
	}

	switch {
	case hasResult && hasError:
		return invalid(`response carries both "result" and "error"`)
	case !hasID:
		return invalid("response without id")
	case hasError:
		var e struct {
			Code    *int            `json:"code"`
			Message *string         `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(errorRaw, &e); err != nil || e.Code == nil || e.Message == nil {
			return invalid(`"error" must be an object with "code" and "message"`)
		}
		return &Response{ID: id, Error: &Error{Code: *e.Code, Message: *e.Message, Data: e.Data}}
	case hasResult:
		if id.IsNull() {
			return invalid("result response id must not be null")
		}
		return &Response{ID: id, Result: resultRaw}
	}
	return invalid(`message is neither a call nor a response`)
}
