package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/kazmanavt/jrpc2"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RawFunc receives params undecoded.
type RawFunc = func(ctx context.Context, params jrpc2.Params) (any, error)

func newCallHandler(name string, _fn any) (*callHandler, error) {
	if raw, ok := _fn.(RawFunc); ok {
		return &callHandler{name: name, raw: raw}, nil
	}

	fnType := reflect.TypeOf(_fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return nil, errors.New(`"` + name + `": not a function`)
	}

	if fnType.NumOut() != 2 || fnType.Out(1) != errorType {
		return nil, errors.New(`"` + name + `": call handler must return (result, error)`)
	}

	in := make([]reflect.Type, 0, fnType.NumIn())
	usesContext := false
	if fnType.NumIn() > 0 {
		start := 0
		if fnType.In(0) == contextType {
			usesContext = true
			start = 1
		}

		for i := start; i < fnType.NumIn(); i++ {
			inType := fnType.In(i)
			if inType.Kind() == reflect.Interface {
				return nil, errors.New(`"` + name + `": interface type as call parameter not supported`)
			}
			in = append(in, inType)
		}
		if fnType.IsVariadic() {
			vType := in[len(in)-1].Elem()
			if vType.Kind() == reflect.Interface {
				return nil, errors.New(`"` + name + `": interface type as call parameter not supported`)
			}
			in[len(in)-1] = vType
		}
	}

	out := fnType.Out(0)
	if out.Kind() == reflect.Interface {
		return nil, errors.New(`"` + name + `": interface type as handler return value not supported`)
	}

	return &callHandler{
		name:       name,
		isVariadic: fnType.IsVariadic(),
		usesCtx:    usesContext,
		fn:         reflect.ValueOf(_fn),
		ins:        in,
	}, nil
}

// callHandler calls a Go function with decoded params.
//
// Positional params fill the arguments in order; missing trailing arguments get their zero value and
// extra ones go to a variadic tail. Named params are decoded into the single argument of a function
// taking one struct, struct pointer or map.
type callHandler struct {
	name       string
	raw        RawFunc
	isVariadic bool
	usesCtx    bool
	fn         reflect.Value
	ins        []reflect.Type
}

func (h *callHandler) invalidParams(format string, args ...any) error {
	return jrpc2.NewError(jrpc2.CodeInvalidParams, "Invalid params").
		WithData(fmt.Sprintf("%q: ", h.name) + fmt.Sprintf(format, args...))
}

func (h *callHandler) fillArgs(ctx context.Context, args []json.RawMessage) ([]reflect.Value, error) {
	var ins []reflect.Value
	if h.usesCtx {
		ins = append(ins, reflect.ValueOf(ctx))
	}
	for i := range args {
		argV := reflect.New(h.ins[i])
		if err := json.Unmarshal(args[i], argV.Interface()); err != nil {
			return nil, h.invalidParams("argument #%d: %v", i, err)
		}
		ins = append(ins, argV.Elem())
	}
	end := len(h.ins)
	if h.isVariadic {
		end--
	}
	for i := len(args); i < end; i++ {
		ins = append(ins, reflect.New(h.ins[i]).Elem())
	}

	return ins, nil
}

func (h *callHandler) positional(ctx context.Context, args []json.RawMessage) ([]reflect.Value, error) {
	if len(args) > len(h.ins) && !h.isVariadic {
		return nil, h.invalidParams("too many arguments")
	}

	var vIn []reflect.Value
	// check if variadic args is of correct type
	if len(args) > len(h.ins) || len(args) == len(h.ins) && h.isVariadic {
		vStart := len(h.ins) - 1
		vType := h.ins[vStart]
		for i := vStart; i < len(args); i++ {
			argV := reflect.New(vType)
			if err := json.Unmarshal(args[i], argV.Interface()); err != nil {
				return nil, h.invalidParams("argument #%d: %v", i, err)
			}
			vIn = append(vIn, argV.Elem())
		}
		args = args[:vStart]
	}

	ins, err := h.fillArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	return append(ins, vIn...), nil
}

func (h *callHandler) named(ctx context.Context, obj json.RawMessage) ([]reflect.Value, error) {
	if len(h.ins) != 1 || h.isVariadic || !acceptsObject(h.ins[0]) {
		return nil, h.invalidParams("named params need a single struct or map argument")
	}
	argV := reflect.New(h.ins[0])
	if err := json.Unmarshal(obj, argV.Interface()); err != nil {
		return nil, h.invalidParams("named params: %v", err)
	}
	var ins []reflect.Value
	if h.usesCtx {
		ins = append(ins, reflect.ValueOf(ctx))
	}
	return append(ins, argV.Elem()), nil
}

func acceptsObject(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}

// call returns the function's result unencoded, so deferred results reach the dispatcher as they are.
func (h *callHandler) call(ctx context.Context, params jrpc2.Params) (any, error) {
	if h.raw != nil {
		return h.raw(ctx, params)
	}

	var ins []reflect.Value
	var err error
	switch params.Kind() {
	case jrpc2.ParamsNamed:
		ins, err = h.named(ctx, params.Raw())
	case jrpc2.ParamsPositional:
		var args []json.RawMessage
		if args, err = params.Values(); err != nil {
			return nil, h.invalidParams("%v", err)
		}
		ins, err = h.positional(ctx, args)
	default:
		ins, err = h.positional(ctx, nil)
	}
	if err != nil {
		return nil, err
	}

	out := h.fn.Call(ins)
	if !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}
