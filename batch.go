package jrpc2

import (
	"encoding/json"
	"time"
)

// BatchCall is one member of a batch. A null (zero) ID lets the connection generate one.
type BatchCall struct {
	ID     ID
	Method string
	Params any
}

// BatchResult is the outcome of one batch member, in the position the member was given.
type BatchResult struct {
	ID     ID
	Method string
	Result json.RawMessage
	Error  *Error
}

// Err returns the member's error, nil on success.
func (r BatchResult) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// batchState collects the responses of one batch until every member answered or the timer fired.
// All fields are guarded by the owning pendingTable.
type batchState struct {
	results  []BatchResult
	params   []Params
	received int
	started  time.Time
	timer    *time.Timer
	fut      *Future[[]BatchResult]
}

func newBatchState(calls []BatchCall) *batchState {
	bs := &batchState{
		results: make([]BatchResult, len(calls)),
		params:  make([]Params, len(calls)),
		fut:     newFuture[[]BatchResult](),
	}
	for i, call := range calls {
		bs.results[i] = BatchResult{ID: call.ID, Method: call.Method}
		bs.params[i] = ParamsOf(call.Params)
	}
	return bs
}

func (bs *batchState) expected() int { return len(bs.results) }

func (bs *batchState) complete() bool { return bs.received == bs.expected() }

func (bs *batchState) deliver(pos int, resp *Response) {
	bs.results[pos].Result = resp.Result
	bs.results[pos].Error = resp.Error
	bs.received++
}

func (bs *batchState) stopTimer() {
	if bs.timer != nil {
		bs.timer.Stop()
	}
}

// requests builds the wire requests of the batch once ids are assigned.
func (bs *batchState) requests() []Message {
	msgs := make([]Message, len(bs.results))
	for i, r := range bs.results {
		msgs[i] = &Request{ID: r.ID, Method: r.Method, Params: bs.params[i]}
	}
	return msgs
}
