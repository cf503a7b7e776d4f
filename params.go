package jrpc2

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ParamsKind tells how the parameters of a call are structured.
type ParamsKind uint8

const (
	ParamsAbsent ParamsKind = iota
	ParamsPositional
	ParamsNamed
)

func (k ParamsKind) String() string {
	switch k {
	case ParamsPositional:
		return "positional"
	case ParamsNamed:
		return "named"
	default:
		return "absent"
	}
}

// Params holds the encoded parameters of a request or notification.
// The zero value means the "params" member is absent.
type Params struct {
	raw json.RawMessage
	err error
}

// NoParams is the absent parameter set.
var NoParams = Params{}

// Positional encodes args as a JSON array.
func Positional(args ...any) Params {
	if args == nil {
		args = []any{}
	}
	return ParamsOf(args)
}

// Named encodes fields as a JSON object.
func Named(fields map[string]any) Params {
	if fields == nil {
		fields = map[string]any{}
	}
	return ParamsOf(fields)
}

// ParamsOf encodes v as parameters. A nil v gives absent params, a Params value is taken as is.
// Values that do not encode to an array or an object produce an encode error when the message is sent.
func ParamsOf(v any) Params {
	switch p := v.(type) {
	case nil:
		return NoParams
	case Params:
		return p
	case *Params:
		if p == nil {
			return NoParams
		}
		return *p
	case json.RawMessage:
		return RawParams(p)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Params{err: err}
	}
	return RawParams(raw)
}

// RawParams wraps already encoded parameters.
func RawParams(raw json.RawMessage) Params {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NoParams
	}
	p := Params{raw: raw}
	if p.Kind() == ParamsAbsent {
		p.err = fmt.Errorf("params must be an array or an object, got %.32s", raw)
	}
	return p
}

// Kind reports the shape of the params.
func (p Params) Kind() ParamsKind {
	if len(p.raw) == 0 {
		return ParamsAbsent
	}
	switch p.raw[0] {
	case '[':
		return ParamsPositional
	case '{':
		return ParamsNamed
	}
	return ParamsAbsent
}

// Raw returns the encoded params, nil when absent.
func (p Params) Raw() json.RawMessage {
	if p.err != nil {
		return nil
	}
	return p.raw
}

// Err returns the error recorded while building the params.
func (p Params) Err() error { return p.err }

// Unmarshal decodes the params into v.
func (p Params) Unmarshal(v any) error {
	if p.err != nil {
		return p.err
	}
	if len(p.raw) == 0 {
		return errors.New("params absent")
	}
	return json.Unmarshal(p.raw, v)
}

// Values splits positional params into their encoded elements.
// Absent params give an empty slice.
func (p Params) Values() ([]json.RawMessage, error) {
	switch p.Kind() {
	case ParamsAbsent:
		return nil, p.err
	case ParamsPositional:
		var vals []json.RawMessage
		if err := json.Unmarshal(p.raw, &vals); err != nil {
			return nil, err
		}
		return vals, nil
	}
	return nil, errors.New("params are named, not positional")
}

// Fields splits named params into their encoded members.
func (p Params) Fields() (map[string]json.RawMessage, error) {
	switch p.Kind() {
	case ParamsAbsent:
		return nil, p.err
	case ParamsNamed:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p.raw, &fields); err != nil {
			return nil, err
		}
		return fields, nil
	}
	return nil, errors.New("params are positional, not named")
}
