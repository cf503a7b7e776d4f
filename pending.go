package jrpc2

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pendingRequest is the bookkeeping of one in-flight request id.
type pendingRequest struct {
	method string
	issued time.Time
	fut    *Future[json.RawMessage] // nil for batch members
	batch  *batchState
	pos    int
}

// pendingTable correlates responses with in-flight requests of one connection.
// Every registered id leaves the table exactly once: resolved, dropped, expired with its batch, or rejected on reset.
type pendingTable struct {
	log     *zap.Logger
	mu      sync.Mutex
	closed  error
	pending map[ID]*pendingRequest
	batches map[*batchState]struct{}
}

func newPendingTable(log *zap.Logger) *pendingTable {
	return &pendingTable{
		log:     log,
		pending: make(map[ID]*pendingRequest),
		batches: make(map[*batchState]struct{}),
	}
}

// register inserts a single call under an explicit id.
func (t *pendingTable) register(id ID, method string, fut *Future[json.RawMessage]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	if _, ok := t.pending[id]; ok {
		return ErrDuplicateID
	}
	t.pending[id] = &pendingRequest{method: method, issued: time.Now(), fut: fut}
	return nil
}

// registerNext inserts a single call under a generated id, skipping ids still pending.
func (t *pendingTable) registerNext(next func() ID, method string, fut *Future[json.RawMessage]) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return NullID, t.closed
	}
	id := next()
	for t.pending[id] != nil {
		id = next()
	}
	t.pending[id] = &pendingRequest{method: method, issued: time.Now(), fut: fut}
	return id, nil
}

// registerBatch inserts every member of bs or none of them. Members with a null id get one from next.
// A positive timeout arms the batch timer.
func (t *pendingTable) registerBatch(bs *batchState, next func() ID, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}

	seen := make(map[ID]struct{}, bs.expected())
	inUse := func(id ID) bool {
		_, taken := seen[id]
		return taken || t.pending[id] != nil
	}
	for _, r := range bs.results {
		if r.ID.IsNull() {
			continue
		}
		if inUse(r.ID) {
			return ErrDuplicateID
		}
		seen[r.ID] = struct{}{}
	}
	for i := range bs.results {
		if !bs.results[i].ID.IsNull() {
			continue
		}
		id := next()
		for inUse(id) {
			id = next()
		}
		seen[id] = struct{}{}
		bs.results[i].ID = id
	}

	now := time.Now()
	bs.started = now
	for i, r := range bs.results {
		t.pending[r.ID] = &pendingRequest{method: r.Method, issued: now, batch: bs, pos: i}
	}
	t.batches[bs] = struct{}{}
	if timeout > 0 {
		bs.timer = time.AfterFunc(timeout, func() { t.expire(bs) })
	}
	return nil
}

// resolve settles the call that owns resp.ID. Responses matching nothing are orphans: logged and dropped.
func (t *pendingTable) resolve(resp *Response) bool {
	return t.settle(resp, nil)
}

// fail settles the call owning id with a malformed-response error. Batch members keep the error in their slot.
func (t *pendingTable) fail(id ID, e *Error) bool {
	return t.settle(&Response{ID: id, Error: e}, &ProtocolError{Msg: "malformed response for id " + id.String(), Err: e})
}

func (t *pendingTable) settle(resp *Response, protoErr error) bool {
	t.mu.Lock()
	p, ok := t.pending[resp.ID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("orphan response", zap.Stringer("id", resp.ID))
		return false
	}
	delete(t.pending, resp.ID)

	var done *batchState
	if p.batch != nil {
		p.batch.deliver(p.pos, resp)
		if p.batch.complete() {
			done = p.batch
			delete(t.batches, done)
			done.stopTimer()
		}
	}
	t.mu.Unlock()

	switch {
	case done != nil:
		done.fut.complete(done.results, nil)
	case p.fut == nil:
	case protoErr != nil:
		p.fut.fail(protoErr)
	case resp.Error != nil:
		p.fut.fail(resp.Error)
	default:
		p.fut.complete(resp.Result, nil)
	}
	return true
}

// drop forgets a single call whose caller stopped waiting. A later response for it is an orphan.
func (t *pendingTable) drop(id ID) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok && p.batch == nil {
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

// dropBatch forgets a batch whose caller stopped waiting.
func (t *pendingTable) dropBatch(bs *batchState) {
	t.mu.Lock()
	t.removeBatch(bs)
	t.mu.Unlock()
}

// removeBatch must be called with t.mu held. It reports whether bs was still open.
func (t *pendingTable) removeBatch(bs *batchState) bool {
	if _, ok := t.batches[bs]; !ok {
		return false
	}
	delete(t.batches, bs)
	bs.stopTimer()
	for _, r := range bs.results {
		if p := t.pending[r.ID]; p != nil && p.batch == bs {
			delete(t.pending, r.ID)
		}
	}
	return true
}

// expire rejects bs if it is still open when its timer fires.
func (t *pendingTable) expire(bs *batchState) {
	t.mu.Lock()
	if !t.removeBatch(bs) {
		t.mu.Unlock()
		return
	}
	err := &BatchTimeoutError{Elapsed: time.Since(bs.started), Received: bs.received, Expected: bs.expected()}
	t.mu.Unlock()

	t.log.Debug("batch timed out",
		zap.Int("received", err.Received),
		zap.Int("expected", err.Expected),
		zap.Duration("elapsed", err.Elapsed))
	bs.fut.fail(err)
}

// rejectAll drains the table, failing every pending call and batch with reason.
// Only the first call has an effect; the table refuses new registrations afterwards.
func (t *pendingTable) rejectAll(reason error) bool {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return false
	}
	if reason == nil {
		reason = &ConnectionClosedError{}
	}
	t.closed = reason
	pending, batches := t.pending, t.batches
	t.pending = make(map[ID]*pendingRequest)
	t.batches = make(map[*batchState]struct{})
	for bs := range batches {
		bs.stopTimer()
	}
	t.mu.Unlock()

	for _, p := range pending {
		if p.fut != nil {
			p.fut.fail(reason)
		}
	}
	for bs := range batches {
		bs.fut.fail(reason)
	}
	if len(pending) > 0 {
		t.log.Debug("rejected pending requests", zap.Int("requests", len(pending)), zap.Int("batches", len(batches)))
	}
	return true
}

// size returns the number of pending ids and open batches.
func (t *pendingTable) size() (ids, batches int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending), len(t.batches)
}
