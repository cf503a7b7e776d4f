package jrpc2

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NewServer creates a new JSON-RPC server that listens on the specified network and address.
//
// Parameters:
//   - network: The network to listen on (e.g., "tcp", "unix")
//   - addr: The address to listen on (e.g., ":8080", "/tmp/socket")
//   - eval: The evaluator answering calls on every accepted stream
//   - _log: Optional logger (defaults to zap.L() if nil)
//
// Returns:
//   - *Server: A server already accepting connections
//   - error: Any error encountered during listener setup
func NewServer(network, addr string, eval Evaluator, _log *zap.Logger, opts ...Option) (*Server, error) {
	if _log == nil {
		_log = zap.L()
	}

	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	return NewServerConnection(l, eval, _log.With(zap.String("network", network), zap.String("addr", addr)), opts...), nil
}

// NewServerConnection serves JSON-RPC on every stream accepted from l.
//
// Parameters:
//   - l: The network listener that will accept incoming connections
//   - eval: The evaluator answering calls
//   - _log: Optional logger (defaults to zap.L() if nil)
func NewServerConnection(l net.Listener, eval Evaluator, _log *zap.Logger, opts ...Option) *Server {
	if _log == nil {
		_log = zap.L()
	}

	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		opts:     o,
		disp:     newDispatcher(eval, _log, &o),
		listener: l,
		log:      _log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session]struct{}),
	}

	srv.wg.Add(1)
	go serve(srv)
	return srv
}

// Server is a JSON-RPC server over accepted NDJSON streams.
type Server struct {
	opts     options
	disp     *Dispatcher
	listener net.Listener
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // accept loop

	mu       sync.Mutex // mu guards sessions
	sessions map[*session]struct{}
}

func serve(srv *Server) {
	defer srv.wg.Done()
	defer srv.log.Info("server stopped")
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.log.Error("failed to accept connection", zap.Error(err))
			return
		}
		srv.log.Info("new connection accepted", zap.Stringer("remote", conn.RemoteAddr()))

		s := newSession(conn, conn.RemoteAddr().String(), srv.disp, &srv.opts, srv.log)
		s.onClose = srv.forget

		srv.mu.Lock()
		if srv.ctx.Err() != nil {
			srv.mu.Unlock()
			if err := conn.Close(); err != nil {
				srv.log.Warn("failed to close connection", zap.Error(err))
			}
			return
		}
		srv.sessions[s] = struct{}{}
		srv.mu.Unlock()
		s.start()
	}
}

func (srv *Server) forget(s *session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
	s.log.Info("connection closed")
}

// Addr returns the listener's address.
func (srv *Server) Addr() net.Addr { return srv.listener.Addr() }

// Close stops accepting, closes every open stream and waits for their handlers to return.
func (srv *Server) Close() error {
	srv.cancel()
	err := srv.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	srv.wg.Wait()

	srv.mu.Lock()
	sessions := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	for _, s := range sessions {
		if cerr := s.close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
