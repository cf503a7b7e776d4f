package jrpc2

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Evaluator answers method calls. It signals a method failure by returning an *Error;
// any other error is reported to the caller as an internal error.
// A result implementing Deferred is awaited before the reply is sent; for a notification it is dropped.
type Evaluator interface {
	Evaluate(ctx context.Context, method string, params Params) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, method string, params Params) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, method string, params Params) (any, error) {
	return f(ctx, method, params)
}

// Dispatcher turns inbound messages into evaluator calls and builds the replies.
type Dispatcher struct {
	eval       Evaluator
	log        *zap.Logger
	batchLimit int
}

// NewDispatcher creates a dispatcher. With a nil evaluator every request is answered with "Method not found".
// WithBatchConcurrency applies; other options are ignored.
func NewDispatcher(eval Evaluator, _log *zap.Logger, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	return newDispatcher(eval, _log, &o)
}

func newDispatcher(eval Evaluator, _log *zap.Logger, o *options) *Dispatcher {
	if _log == nil {
		_log = zap.L()
	}
	return &Dispatcher{eval: eval, log: _log, batchLimit: o.batchLimit}
}

// Handle serves one message. It returns nil when no reply is owed: notifications, responses
// and malformed responses are never answered.
func (d *Dispatcher) Handle(ctx context.Context, m Message) *Response {
	switch v := m.(type) {
	case *Request:
		return d.call(ctx, v)
	case *Notification:
		d.notify(ctx, v)
	case *Invalid:
		if !v.FromResponse() {
			return v.Response()
		}
	}
	return nil
}

// HandleBatch serves the elements of a batch concurrently, at most batchLimit at a time.
// Replies keep the element order; elements that owe no reply are left out, so an
// all-notification batch yields no replies.
func (d *Dispatcher) HandleBatch(ctx context.Context, msgs []Message) []*Response {
	replies := make([]*Response, len(msgs))
	var g errgroup.Group
	if d.batchLimit > 0 {
		g.SetLimit(d.batchLimit)
	}
	for i, m := range msgs {
		g.Go(func() error {
			replies[i] = d.Handle(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	out := replies[:0]
	for _, r := range replies {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) call(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("call handler panic", zap.String("method", req.Method), zap.Stringer("id", req.ID), zap.Any("panic", r))
			resp = NewErrorResponse(req.ID, errInternal(fmt.Sprint(r)))
		}
	}()

	v, err := d.evaluate(ctx, req.Method, req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, asError(err))
	}
	resp, err = NewResult(req.ID, v)
	if err != nil {
		d.log.Error("failed to encode result", zap.String("method", req.Method), zap.Error(err))
		return NewErrorResponse(req.ID, errInternal(err.Error()))
	}
	return resp
}

func (d *Dispatcher) notify(ctx context.Context, n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("notification handler panic", zap.String("method", n.Method), zap.Any("panic", r))
		}
	}()
	if _, err := d.invoke(ctx, n.Method, n.Params); err != nil {
		d.log.Debug("notification handler error", zap.String("method", n.Method), zap.Error(err))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, method string, params Params) (any, error) {
	if d.eval == nil {
		return nil, errMethodNotFound(method)
	}
	return d.eval.Evaluate(ctx, method, params)
}

// evaluate invokes the method and awaits a Deferred result.
func (d *Dispatcher) evaluate(ctx context.Context, method string, params Params) (any, error) {
	v, err := d.invoke(ctx, method, params)
	for err == nil {
		deferred, ok := v.(Deferred)
		if !ok {
			break
		}
		v, err = deferred.Await(ctx)
	}
	return v, err
}

// asError maps an evaluator error to the error object sent back.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e
	}
	return errInternal(err.Error())
}
