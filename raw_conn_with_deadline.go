package jrpc2

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// rawConnection wraps the byte stream of one connection and adds error state.
// The stream is marked failed when a write leaves it in an unknown framing state.
type rawConnection struct {
	io.ReadWriteCloser
	failState atomic.Bool // set once the stream can no longer carry whole lines
}

// Write delegates to the stream and tracks framing damage.
//
// A write that hits its deadline before sending any byte (or after sending all of them) leaves
// the NDJSON framing intact, so the error goes back to the caller and the stream stays usable.
// Any other failure, including a deadline hit in the middle of a line, marks the stream failed
// because the peer can no longer tell where the next message starts.
func (c *rawConnection) Write(b []byte) (int, error) {
	n, err := c.ReadWriteCloser.Write(b)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && (n == 0 || n == len(b)) {
		return n, err
	}
	c.failState.Store(true)
	if n != 0 && n < len(b) {
		err = fmt.Errorf("incomplete write: %w", err)
	}
	return n, err
}

// SetWriteDeadline forwards to streams that support deadlines; pipes silently ignore it.
func (c *rawConnection) SetWriteDeadline(t time.Time) error {
	if d, ok := c.ReadWriteCloser.(writeDeadliner); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

func (c *rawConnection) failed() bool { return c.failState.Load() }
