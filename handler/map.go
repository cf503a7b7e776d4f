// Package handler builds a jrpc2.Evaluator from plain Go functions.
//
// A handler function has the shape
//
//	func([ctx context.Context,] args...) (T, error)
//
// where every argument and T are JSON-decodable concrete types. A handler may also be a
// RawFunc to see params undecoded, or return a *jrpc2.Future to answer later.
package handler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kazmanavt/jrpc2"
)

// Map is a jrpc2.Evaluator dispatching by method name.
type Map struct {
	mu       sync.RWMutex
	handlers map[string]*callHandler
}

// New returns an empty Map.
func New() *Map {
	return &Map{handlers: make(map[string]*callHandler)}
}

// Register installs fn for method, replacing any previous handler.
func (m *Map) Register(method string, fn any) error {
	if method == "" {
		return errors.New("empty method name")
	}
	h, err := newCallHandler(method, fn)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[method] = h
	m.mu.Unlock()
	return nil
}

// Methods lists the registered method names, sorted.
func (m *Map) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate implements jrpc2.Evaluator. Unknown methods fail with -32601, undecodable params
// with -32602. A plain error returned by a handler becomes a -32000 server error; a *jrpc2.Error
// is passed through.
func (m *Map) Evaluate(ctx context.Context, method string, params jrpc2.Params) (any, error) {
	m.mu.RLock()
	h, ok := m.handlers[method]
	m.mu.RUnlock()
	if !ok {
		return nil, jrpc2.NewError(jrpc2.CodeMethodNotFound, "Method not found").WithData(method)
	}

	v, err := h.call(ctx, params)
	if err != nil {
		return nil, serverError(err)
	}
	if f, ok := v.(jrpc2.Deferred); ok {
		return deferredResult{f}, nil
	}
	return v, nil
}

func serverError(err error) error {
	var e *jrpc2.Error
	if errors.As(err, &e) {
		return e
	}
	return jrpc2.NewError(jrpc2.CodeServerError, err.Error())
}

// deferredResult maps the error of a deferred result the way Evaluate maps direct errors.
type deferredResult struct {
	d jrpc2.Deferred
}

func (r deferredResult) Await(ctx context.Context) (any, error) {
	v, err := r.d.Await(ctx)
	if err != nil {
		return nil, serverError(err)
	}
	return v, nil
}
