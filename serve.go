package jrpc2

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"go.uber.org/zap"
)

// ServeConn serves JSON-RPC on one NDJSON stream until the peer closes it or ctx ends.
// Requests are evaluated concurrently and answered in completion order. It returns nil when the peer
// closed the stream or ctx ended, the read or write error otherwise.
func ServeConn(ctx context.Context, rwc io.ReadWriteCloser, eval Evaluator, _log *zap.Logger, opts ...Option) error {
	if _log == nil {
		_log = zap.L()
	}
	o := newOptions(opts)
	s := newSession(rwc, remoteOf(rwc), newDispatcher(eval, _log, &o), &o, _log)
	s.start()

	select {
	case <-ctx.Done():
	case <-s.done():
	}
	if err := s.close(); err != nil {
		s.log.Debug("failed to close stream", zap.Error(err))
	}
	if errors.Is(s.reason, errPeerClosed) || errors.Is(s.reason, errClosedByCaller) {
		return nil
	}
	return s.reason
}

// ServeStdio serves JSON-RPC on the process's own stdin and stdout.
// Log output must not go to stdout.
func ServeStdio(ctx context.Context, eval Evaluator, _log *zap.Logger, opts ...Option) error {
	return ServeConn(ctx, stdio{in: os.Stdin, out: os.Stdout}, eval, _log, opts...)
}

type stdio struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (s stdio) Read(b []byte) (int, error)  { return s.in.Read(b) }
func (s stdio) Write(b []byte) (int, error) { return s.out.Write(b) }
func (s stdio) Close() error                { return s.in.Close() }

func remoteOf(rwc io.ReadWriteCloser) string {
	if c, ok := rwc.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return ""
}
