package jrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	errPeerClosed     = errors.New("peer closed the stream")
	errClosedByCaller = errors.New("closed by caller")
)

// session is the lifetime of one NDJSON stream: its pending table, its writer and its receiver.
// A session never outlives its stream; a reconnect builds a new one.
type session struct {
	id      string
	remote  string
	log     *zap.Logger
	raw     *rawConnection
	in      *StreamReader
	out     *StreamWriter
	table   *pendingTable
	disp    *Dispatcher
	access  AccessLog
	ctx     context.Context
	cancel  context.CancelFunc
	hmu     sync.Mutex     // hmu orders handler spawns against close
	wg      sync.WaitGroup // inbound handlers
	once    sync.Once
	reason  error
	closeEr error
	onClose func(s *session)
}

func newSession(rwc io.ReadWriteCloser, remote string, disp *Dispatcher, o *options, _log *zap.Logger) *session {
	id := uuid.New().String()[:8]
	log := _log.With(zap.String("session", id))
	if remote != "" {
		log = log.With(zap.String("remote", remote))
	}
	raw := &rawConnection{ReadWriteCloser: rwc}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     id,
		remote: remote,
		log:    log,
		raw:    raw,
		in:     NewStreamReader(raw, o.maxLineSize),
		out:    NewStreamWriter(raw, o.writeTimeout),
		table:  newPendingTable(log),
		disp:   disp,
		access: o.accessLog,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) start() {
	go s.receiver()
}

// done is closed once the session is shut down.
func (s *session) done() <-chan struct{} { return s.ctx.Done() }

// receiver reads the stream until it ends and routes every message:
//   - responses settle pending calls
//   - malformed responses with a readable id fail their pending call, others are only logged
//   - requests, notifications and other malformed messages are served on their own goroutine
//
// A line that fails to decode never ends the stream; only read errors and EOF do.
func (s *session) receiver() {
	defer s.log.Debug("receiver closed")

	for {
		msg, line, err := s.in.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errPeerClosed
			}
			s.shutdown(err)
			return
		}
		if s.log.Core().Enabled(zapcore.DebugLevel) {
			s.log.Debug("received", zap.ByteString("message", line))
		}

		switch m := msg.(type) {
		case *Response:
			s.table.resolve(m)
		case *Invalid:
			if m.FromResponse() {
				if m.ID.IsNull() {
					s.log.Warn("malformed response without id", zap.Error(m.Err))
					continue
				}
				s.table.fail(m.ID, m.Err)
				continue
			}
			s.spawn(m, line)
		default:
			s.spawn(m, line)
		}
	}
}

func (s *session) spawn(m Message, line json.RawMessage) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go s.serve(m, line)
}

// serve runs an inbound message through the dispatcher and writes the reply, if one is owed.
func (s *session) serve(m Message, line json.RawMessage) {
	defer s.wg.Done()
	start := time.Now()
	id, _ := messageID(m)

	if s.access != nil {
		dir := DirRequest
		if _, ok := m.(*Notification); ok {
			dir = DirNotification
		}
		s.access.Log(dir, &AccessRecord{Remote: s.remote, Method: method(m), ID: id, RequestBody: line})
	}

	resp := s.disp.Handle(s.ctx, m)
	if resp == nil {
		return
	}
	data, err := EncodeLines(resp)
	if err != nil {
		s.log.Error("failed to encode response", zap.Stringer("id", resp.ID), zap.Error(err))
		data, _ = EncodeLines(NewErrorResponse(resp.ID, errInternal(err.Error())))
	}
	if err := s.writeLines(s.ctx, data); err != nil {
		s.log.Debug("failed to send response", zap.Stringer("id", resp.ID), zap.Error(err))
		return
	}

	if s.access != nil {
		s.access.Log(DirResponse, &AccessRecord{
			Remote:       s.remote,
			Method:       method(m),
			ID:           id,
			Duration:     time.Since(start),
			ResponseBody: data[:len(data)-1],
		})
	}
}

// writeLines hands encoded lines to the writer. A write that damages the stream shuts the session down.
func (s *session) writeLines(ctx context.Context, data []byte) error {
	select {
	case <-s.ctx.Done():
		return &ConnectionClosedError{Reason: s.reason}
	default:
	}
	err := s.out.WriteLines(ctx, data)
	if err != nil && s.raw.failed() {
		s.log.Debug("stream moved to failed state", zap.Error(err))
		s.shutdown(err)
		return &ConnectionClosedError{Reason: err}
	}
	if err == nil && s.log.Core().Enabled(zapcore.DebugLevel) {
		s.log.Debug("sent", zap.ByteString("lines", data))
	}
	return err
}

// shutdown closes the stream and rejects everything pending. Only the first call has an effect.
func (s *session) shutdown(reason error) {
	s.once.Do(func() {
		s.reason = reason
		s.cancel()
		s.closeEr = s.raw.Close()
		s.table.rejectAll(&ConnectionClosedError{Reason: reason})
		s.log.Debug("session closed", zap.Error(reason))
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// close shuts the session down and waits for inbound handlers to return.
func (s *session) close() error {
	s.shutdown(errClosedByCaller)
	s.hmu.Lock() // wait out a spawn in progress
	s.hmu.Unlock()
	s.wg.Wait()
	return s.closeEr
}
