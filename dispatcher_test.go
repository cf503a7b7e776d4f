package jrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testEvaluator answers a handful of methods used across the package tests.
func testEvaluator(notified *atomic.Int32) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, method string, params Params) (any, error) {
		switch method {
		case "add":
			var args []float64
			if err := params.Unmarshal(&args); err != nil || len(args) != 2 {
				return nil, NewError(CodeInvalidParams, "Invalid params")
			}
			return args[0] + args[1], nil
		case "echo":
			return params.Raw(), nil
		case "fail":
			return nil, NewError(CodeServerError, "failed").WithData("detail")
		case "plain-error":
			return nil, errors.New("disk on fire")
		case "panic":
			panic("boom")
		case "slow":
			var ms []int
			_ = params.Unmarshal(&ms)
			d := 10 * time.Millisecond
			if len(ms) > 0 {
				d = time.Duration(ms[0]) * time.Millisecond
			}
			return Defer(func() (string, error) {
				select {
				case <-time.After(d):
					return "done", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}), nil
		case "deferred-error":
			return Defer(func() (int, error) { return 0, NewError(-32001, "later") }), nil
		case "unencodable":
			return make(chan int), nil
		case "notify":
			if notified != nil {
				notified.Add(1)
			}
			return nil, nil
		}
		return nil, NewError(CodeMethodNotFound, "Method not found").WithData(method)
	})
}

func encodeReply(t *testing.T, r *Response) string {
	t.Helper()
	require.NotNil(t, r)
	data, err := Encode(r)
	require.NoError(t, err)
	return string(data)
}

func TestDispatcherHandle(t *testing.T) {
	var notified atomic.Int32
	d := NewDispatcher(testEvaluator(&notified), zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("call", func(t *testing.T) {
		msgs, _ := Decode([]byte(`{"jsonrpc":"2.0","method":"add","params":[2,3],"id":1}`))
		assert.Equal(t, `{"jsonrpc":"2.0","result":5,"id":1}`, encodeReply(t, d.Handle(ctx, msgs[0])))
	})

	t.Run("method failure", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(2), Method: "fail"})
		assert.Equal(t, `{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"failed","data":"detail"}}`, encodeReply(t, resp))
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: StringID("u"), Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
		assert.Equal(t, StringID("u"), resp.ID)
	})

	t.Run("plain error is internal", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(3), Method: "plain-error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
		assert.Equal(t, "Internal error", resp.Error.Message)
		assert.Equal(t, json.RawMessage(`"disk on fire"`), resp.Error.Data)
	})

	t.Run("panic is internal", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(4), Method: "panic"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
	})

	t.Run("unencodable result is internal", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(5), Method: "unencodable"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
	})

	t.Run("deferred result is awaited", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(6), Method: "slow", Params: Positional(5)})
		assert.Equal(t, `{"jsonrpc":"2.0","result":"done","id":6}`, encodeReply(t, resp))
	})

	t.Run("deferred error", func(t *testing.T) {
		resp := d.Handle(ctx, &Request{ID: NumberID(7), Method: "deferred-error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, -32001, resp.Error.Code)
	})

	t.Run("notification gets no reply", func(t *testing.T) {
		before := notified.Load()
		assert.Nil(t, d.Handle(ctx, &Notification{Method: "notify"}))
		assert.Equal(t, before+1, notified.Load())
		assert.Nil(t, d.Handle(ctx, &Notification{Method: "panic"}))
		assert.Nil(t, d.Handle(ctx, &Notification{Method: "nope"}))
	})

	t.Run("deferred outcome of a notification is dropped", func(t *testing.T) {
		nctx, cancel := context.WithCancel(ctx)
		defer cancel()
		start := time.Now()
		assert.Nil(t, d.Handle(nctx, &Notification{Method: "slow", Params: Positional(5000)}))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("invalid request is answered", func(t *testing.T) {
		msgs, _ := Decode([]byte(`{"jsonrpc":"1.0","method":"add","id":8}`))
		resp := d.Handle(ctx, msgs[0])
		require.NotNil(t, resp)
		assert.Equal(t, NumberID(8), resp.ID)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	})

	t.Run("responses are never answered", func(t *testing.T) {
		assert.Nil(t, d.Handle(ctx, &Response{ID: NumberID(1), Result: json.RawMessage(`1`)}))
		msgs, _ := Decode([]byte(`{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"m"},"id":9}`))
		assert.Nil(t, d.Handle(ctx, msgs[0]))
	})
}

func TestDispatcherWithoutEvaluator(t *testing.T) {
	d := NewDispatcher(nil, zaptest.NewLogger(t))
	resp := d.Handle(context.Background(), &Request{ID: NumberID(1), Method: "add"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Nil(t, d.Handle(context.Background(), &Notification{Method: "add"}))
}

func TestDispatcherHandleBatch(t *testing.T) {
	d := NewDispatcher(testEvaluator(nil), zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("order is kept and notifications are left out", func(t *testing.T) {
		msgs, batch := Decode([]byte(`[
			{"jsonrpc":"2.0","method":"slow","params":[40],"id":"first"},
			{"jsonrpc":"2.0","method":"notify"},
			{"jsonrpc":"2.0","method":"add","params":[1,2],"id":"second"},
			5,
			{"jsonrpc":"2.0","method":"panic","id":"third"}
		]`))
		require.True(t, batch)

		replies := d.HandleBatch(ctx, msgs)
		require.Len(t, replies, 4)
		assert.Equal(t, StringID("first"), replies[0].ID)
		assert.Equal(t, json.RawMessage(`"done"`), replies[0].Result)
		assert.Equal(t, StringID("second"), replies[1].ID)
		assert.Equal(t, json.RawMessage(`3`), replies[1].Result)
		assert.True(t, replies[2].ID.IsNull())
		assert.Equal(t, CodeInvalidRequest, replies[2].Error.Code)
		assert.Equal(t, StringID("third"), replies[3].ID)
		assert.Equal(t, CodeInternalError, replies[3].Error.Code)
	})

	t.Run("elements run concurrently", func(t *testing.T) {
		msgs := []Message{
			&Request{ID: NumberID(1), Method: "slow", Params: Positional(100)},
			&Request{ID: NumberID(2), Method: "slow", Params: Positional(100)},
			&Request{ID: NumberID(3), Method: "slow", Params: Positional(100)},
		}
		start := time.Now()
		replies := d.HandleBatch(ctx, msgs)
		assert.Len(t, replies, 3)
		assert.Less(t, time.Since(start), 250*time.Millisecond)
	})

	t.Run("concurrency is capped", func(t *testing.T) {
		var running, peak atomic.Int32
		eval := EvaluatorFunc(func(ctx context.Context, method string, params Params) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return true, nil
		})
		msgs := make([]Message, 20)
		for i := range msgs {
			msgs[i] = &Request{ID: NumberID(int64(i)), Method: "m"}
		}

		replies := NewDispatcher(eval, zaptest.NewLogger(t), WithBatchConcurrency(3)).HandleBatch(ctx, msgs)
		require.Len(t, replies, 20)
		for i, r := range replies {
			assert.Equal(t, NumberID(int64(i)), r.ID)
		}
		assert.LessOrEqual(t, peak.Load(), int32(3))

		peak.Store(0)
		NewDispatcher(eval, zaptest.NewLogger(t), WithBatchConcurrency(0)).HandleBatch(ctx, msgs)
		assert.Greater(t, peak.Load(), int32(3), "no cap")
	})

	t.Run("all notifications", func(t *testing.T) {
		replies := d.HandleBatch(ctx, []Message{&Notification{Method: "notify"}, &Notification{Method: "notify"}})
		assert.Empty(t, replies)
	})
}
