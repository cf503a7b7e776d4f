package jrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens the byte stream a Connection runs on.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

// Connection is a JSON-RPC client over a persistent NDJSON stream.
//
// The stream is opened lazily by the first operation, or explicitly by Connect. Concurrent operations
// during a connect attempt share it. When the stream breaks, every pending call is rejected with a
// ConnectionClosedError and the next operation dials again. Request ids keep counting across reconnects.
type Connection struct {
	dialer Dialer
	remote string
	opts   options
	log    *zap.Logger
	lastID atomic.Int64

	mu      sync.Mutex // mu guards state, sess, attempt and gen
	state   State
	sess    *session
	attempt *dialAttempt
	gen     uint64 // bumped by Close, invalidates dial attempts in flight
}

type dialAttempt struct {
	done chan struct{}
	sess *session
	err  error
}

// NewConnection creates a connection that opens its stream with d. Nothing is dialed yet.
//
// Parameters:
//   - d: The dialer used by every connect attempt.
//   - _log: Optional logger. If nil, zap.L() is used.
//   - opts: Dial and write timeouts, line size limit, an evaluator for peer calls, an access log.
func NewConnection(d Dialer, _log *zap.Logger, opts ...Option) *Connection {
	if _log == nil {
		_log = zap.L()
	}
	c := &Connection{
		dialer: d,
		opts:   newOptions(opts),
		log:    _log,
	}
	if s, ok := d.(fmt.Stringer); ok {
		c.remote = s.String()
		c.log = c.log.With(zap.String("uri", c.remote))
	}
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the stream unless it is already open. It is done implicitly by every operation.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Connection) connect(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.sess != nil {
		s := c.sess
		c.mu.Unlock()
		return s, nil
	}
	a := c.attempt
	if a == nil {
		a = &dialAttempt{done: make(chan struct{})}
		c.attempt = a
		c.state = Connecting
		go c.dial(a, c.gen)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.sess, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial runs one connect attempt; its outcome is shared by every operation waiting on a.
func (c *Connection) dial(a *dialAttempt, gen uint64) {
	defer close(a.done)

	ctx := context.Background()
	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}
	rwc, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == a {
		c.attempt = nil
	}
	if err != nil {
		if c.gen == gen {
			c.state = Disconnected
		}
		c.log.Debug("fail to connect", zap.Error(err))
		a.err = fmt.Errorf("fail to connect: %w", err)
		return
	}
	if c.gen != gen {
		// Close was called while dialing
		if err := rwc.Close(); err != nil {
			c.log.Debug("failed to close stale stream", zap.Error(err))
		}
		a.err = &ConnectionClosedError{Reason: errClosedByCaller}
		return
	}

	s := newSession(rwc, c.remote, newDispatcher(c.opts.evaluator, c.log, &c.opts), &c.opts, c.log)
	s.onClose = c.detach
	c.sess = s
	c.state = Connected
	s.start()
	a.sess = s
	c.log.Debug("connected", zap.String("session", s.id))
}

// detach forgets a session that shut down on its own.
func (c *Connection) detach(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return
	}
	c.sess = nil
	if c.state == Connected {
		c.state = Disconnected
	}
}

func (c *Connection) nextID() ID { return NumberID(c.lastID.Add(1)) }

// Send issues a request with a generated id and returns without waiting for the response.
// The returned ID can be handed to DropPending if the caller stops waiting.
func (c *Connection) Send(ctx context.Context, method string, params any) (*Future[json.RawMessage], ID, error) {
	_, fut, id, err := c.send(ctx, NullID, method, params)
	return fut, id, err
}

// SendWithID is Send with a caller-chosen id. An id that is still pending fails with ErrDuplicateID.
func (c *Connection) SendWithID(ctx context.Context, id ID, method string, params any) (*Future[json.RawMessage], error) {
	if id.IsNull() {
		return nil, &EncodeError{Msg: "request id must not be null"}
	}
	_, fut, _, err := c.send(ctx, id, method, params)
	return fut, err
}

func (c *Connection) send(ctx context.Context, id ID, method string, params any) (*session, *Future[json.RawMessage], ID, error) {
	p := ParamsOf(params)
	if method == "" || p.Err() != nil {
		_, err := Encode(&Request{ID: NumberID(0), Method: method, Params: p})
		return nil, nil, NullID, err
	}
	s, err := c.connect(ctx)
	if err != nil {
		return nil, nil, NullID, err
	}

	fut := newFuture[json.RawMessage]()
	if id.IsNull() {
		id, err = s.table.registerNext(c.nextID, method, fut)
	} else {
		err = s.table.register(id, method, fut)
	}
	if err != nil {
		return nil, nil, NullID, err
	}

	data, err := EncodeLines(&Request{ID: id, Method: method, Params: p})
	if err != nil {
		s.table.drop(id)
		return nil, nil, NullID, err
	}
	if err := s.writeLines(ctx, data); err != nil {
		s.table.drop(id)
		return nil, nil, NullID, err
	}
	return s, fut, id, nil
}

// DropPending forgets a pending call of the current stream. A response arriving later is an orphan.
func (c *Connection) DropPending(id ID) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.table.drop(id)
	}
}

// Call issues a request and waits for its result. If ctx ends first, the pending entry is dropped.
// A peer error response is returned as *Error.
func (c *Connection) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s, fut, id, err := c.send(ctx, NullID, method, params)
	if err != nil {
		return nil, err
	}
	res, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.table.drop(id)
	}
	return res, err
}

// Notify sends a notification. It returns once the line is written; nothing is ever correlated.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	data, err := EncodeLines(&Notification{Method: method, Params: ParamsOf(params)})
	if err != nil {
		return err
	}
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return s.writeLines(ctx, data)
}

// Batch issues calls as one group of lines and returns a future of their results in call order.
// Members with a null id get a generated one; an explicit id that is pending fails the whole batch
// with ErrDuplicateID. A positive timeout rejects the batch with a BatchTimeoutError unless every
// member answered in time.
func (c *Connection) Batch(ctx context.Context, calls []BatchCall, timeout time.Duration) (*Future[[]BatchResult], error) {
	_, bs, err := c.batch(ctx, calls, timeout)
	if err != nil {
		return nil, err
	}
	return bs.fut, nil
}

func (c *Connection) batch(ctx context.Context, calls []BatchCall, timeout time.Duration) (*session, *batchState, error) {
	if len(calls) == 0 {
		return nil, nil, &EncodeError{Msg: "empty batch"}
	}
	bs := newBatchState(calls)
	for i, call := range calls {
		if call.Method == "" || bs.params[i].Err() != nil {
			_, err := Encode(&Request{ID: NumberID(0), Method: call.Method, Params: bs.params[i]})
			return nil, nil, fmt.Errorf("batch member %d: %w", i, err)
		}
	}
	s, err := c.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := s.table.registerBatch(bs, c.nextID, timeout); err != nil {
		return nil, nil, err
	}
	data, err := EncodeLines(bs.requests()...)
	if err != nil {
		s.table.dropBatch(bs)
		return nil, nil, err
	}
	if err := s.writeLines(ctx, data); err != nil {
		s.table.dropBatch(bs)
		return nil, nil, err
	}
	return s, bs, nil
}

// CallBatch is Batch followed by waiting for the results. If ctx ends first, the batch is dropped.
func (c *Connection) CallBatch(ctx context.Context, calls []BatchCall, timeout time.Duration) ([]BatchResult, error) {
	s, bs, err := c.batch(ctx, calls, timeout)
	if err != nil {
		return nil, err
	}
	res, err := bs.fut.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.table.dropBatch(bs)
	}
	return res, err
}

// Close closes the stream, rejecting every pending call, and waits for inbound handlers to return.
// It is idempotent. A later operation starts a new connect attempt.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.gen++
	s := c.sess
	c.sess = nil
	c.attempt = nil
	c.state = Closed
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.close()
	c.log.Debug("connection closed")
	return err
}
