package jrpc2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var errNoReply = errors.New("server sent no response for this id")

// HTTPClient issues JSON-RPC calls as HTTP POST exchanges, one message or batch per request.
// Every exchange has its own correlation table; nothing is shared between exchanges but the id counter.
type HTTPClient struct {
	url     string
	hc      *http.Client
	log     *zap.Logger
	maxBody int64
	lastID  atomic.Int64
}

// NewHTTPClient creates a client posting to url.
func NewHTTPClient(url string, _log *zap.Logger, opts ...Option) *HTTPClient {
	if _log == nil {
		_log = zap.L()
	}
	o := newOptions(opts)
	return &HTTPClient{
		url:     url,
		hc:      o.httpClient,
		log:     _log.With(zap.String("uri", url)),
		maxBody: o.maxBodySize,
	}
}

func (c *HTTPClient) nextID() ID { return NumberID(c.lastID.Add(1)) }

// Send starts one call and returns a future of its result.
func (c *HTTPClient) Send(ctx context.Context, method string, params any) (*Future[json.RawMessage], error) {
	table := newPendingTable(c.log)
	fut := newFuture[json.RawMessage]()
	id, err := table.registerNext(c.nextID, method, fut)
	if err != nil {
		return nil, err
	}
	body, err := Encode(&Request{ID: id, Method: method, Params: ParamsOf(params)})
	if err != nil {
		return nil, err
	}
	go c.exchange(ctx, table, body, fut.Done())
	return fut, nil
}

// Call issues one call and waits for its result. A peer error response is returned as *Error.
func (c *HTTPClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	fut, err := c.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Notify posts a notification. The server is expected to answer 204 No Content.
func (c *HTTPClient) Notify(ctx context.Context, method string, params any) error {
	body, err := Encode(&Notification{Method: method, Params: ParamsOf(params)})
	if err != nil {
		return err
	}
	resp, _, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
	return nil
}

// Batch posts calls as one batch and returns a future of their results in call order.
// A positive timeout rejects the batch with a BatchTimeoutError unless every member answered in time.
func (c *HTTPClient) Batch(ctx context.Context, calls []BatchCall, timeout time.Duration) (*Future[[]BatchResult], error) {
	if len(calls) == 0 {
		return nil, &EncodeError{Msg: "empty batch"}
	}
	table := newPendingTable(c.log)
	bs := newBatchState(calls)
	if err := table.registerBatch(bs, c.nextID, timeout); err != nil {
		return nil, err
	}
	body, err := EncodeBatch(bs.requests())
	if err != nil {
		table.dropBatch(bs)
		return nil, err
	}
	go c.exchange(ctx, table, body, bs.fut.Done())
	return bs.fut, nil
}

// CallBatch is Batch followed by waiting for the results.
func (c *HTTPClient) CallBatch(ctx context.Context, calls []BatchCall, timeout time.Duration) ([]BatchResult, error) {
	fut, err := c.Batch(ctx, calls, timeout)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// exchange runs one POST and settles the table from its reply. Whatever is still pending
// afterwards is rejected. The request is abandoned once settled is closed.
func (c *HTTPClient) exchange(ctx context.Context, table *pendingTable, body []byte, settled <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-settled:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := c.settle(ctx, table, body)
	var protoErr *ProtocolError
	switch {
	case err == nil:
		table.rejectAll(&ConnectionClosedError{Reason: errNoReply})
	case errors.As(err, &protoErr):
		table.rejectAll(err)
	default:
		table.rejectAll(&ConnectionClosedError{Reason: err})
	}
}

func (c *HTTPClient) settle(ctx context.Context, table *pendingTable, body []byte) error {
	resp, data, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent {
		return &ProtocolError{Msg: "server answered a call with no content"}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("unexpected HTTP status %s with empty body", resp.Status)
	}

	msgs, _ := Decode(data)
	var rejected *Error
	for _, m := range msgs {
		switch v := m.(type) {
		case *Response:
			if v.ID.IsNull() {
				rejected = v.Error
				continue
			}
			table.resolve(v)
		case *Invalid:
			if !v.ID.IsNull() {
				table.fail(v.ID, v.Err)
				continue
			}
			rejected = v.Err
		default:
			c.log.Debug("unexpected message in reply", zap.String("method", method(m)))
		}
	}
	if rejected != nil {
		return &ProtocolError{Msg: "server rejected the request", Err: rejected}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.log.Core().Enabled(zapcore.DebugLevel) {
		c.log.Debug("post", zap.ByteString("body", body))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if c.maxBody > 0 {
		r = io.LimitReader(resp.Body, c.maxBody+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if c.maxBody > 0 && int64(len(data)) > c.maxBody {
		return nil, nil, &ProtocolError{Msg: fmt.Sprintf("reply too large: exceeds %d bytes", c.maxBody)}
	}
	if c.log.Core().Enabled(zapcore.DebugLevel) {
		c.log.Debug("reply", zap.Int("status", resp.StatusCode), zap.ByteString("body", data))
	}
	return resp, data, nil
}
