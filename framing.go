package jrpc2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const defaultMaxLineSize = 32 * 1024 * 1024

// StreamReader splits an NDJSON octet stream into messages, one JSON value per line.
// Lines split across reads are reassembled; a line that fails to decode or exceeds the size limit
// yields an *Invalid message, not an error.
type StreamReader struct {
	br      *bufio.Reader
	maxLine int
}

// NewStreamReader reads lines of at most maxLine bytes (<= 0 selects 32 MiB).
func NewStreamReader(r io.Reader, maxLine int) *StreamReader {
	if maxLine <= 0 {
		maxLine = defaultMaxLineSize
	}
	return &StreamReader{br: bufio.NewReaderSize(r, min(64*1024, maxLine)), maxLine: maxLine}
}

// Next returns the next message together with its raw line. Blank lines are skipped.
// At the end of the stream it returns io.EOF.
func (r *StreamReader) Next() (Message, json.RawMessage, error) {
	for {
		line, tooLong, err := r.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, nil, err
		}
		if tooLong {
			return &Invalid{Err: errParse(fmt.Sprintf("line exceeds %d bytes", r.maxLine))}, nil, nil
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			return DecodeMessage(line), line, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// readLine returns the next line in a fresh slice. The rest of an oversized line is discarded.
func (r *StreamReader) readLine() ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			line = append(line, frag...)
			if len(bytes.TrimRight(line, "\r\n")) > r.maxLine {
				tooLong, line = true, nil
			}
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, tooLong, err
		}
	}
}

// EncodeLines encodes every message on its own newline-terminated line.
// Nothing is returned unless all messages encode.
func EncodeLines(msgs ...Message) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamWriter writes groups of NDJSON lines. A group is never interleaved with another one.
type StreamWriter struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewStreamWriter writes to w. When w supports write deadlines, each write is bounded by timeout
// (and by the caller's context deadline, whichever is sooner).
func NewStreamWriter(w io.Writer, timeout time.Duration) *StreamWriter {
	return &StreamWriter{w: w, timeout: timeout}
}

// Write encodes msgs and writes them as one contiguous group.
func (w *StreamWriter) Write(ctx context.Context, msgs ...Message) error {
	data, err := EncodeLines(msgs...)
	if err != nil {
		return err
	}
	return w.WriteLines(ctx, data)
}

// WriteLines writes already encoded lines as one contiguous group.
func (w *StreamWriter) WriteLines(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := w.w.(writeDeadliner); ok {
		var deadline time.Time
		if w.timeout > 0 {
			deadline = time.Now().Add(w.timeout)
		}
		if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
			deadline = ctxDeadline
		}
		_ = d.SetWriteDeadline(deadline)
		if ctx.Done() != nil {
			// unblock the write when the caller gives up; the watcher is gone before the lock is released
			fin := make(chan struct{})
			exited := make(chan struct{})
			defer func() {
				close(fin)
				<-exited
			}()
			go func() {
				defer close(exited)
				select {
				case <-ctx.Done():
					_ = d.SetWriteDeadline(time.Now())
				case <-fin:
				}
			}()
		}
	}
	_, err := w.w.Write(data)
	return err
}

// SingleShotReply encodes the replies of one single-shot exchange.
// noContent is true when nothing is owed, i.e. every element was a notification.
func SingleShotReply(replies []*Response, batch bool) (body []byte, noContent bool, err error) {
	if len(replies) == 0 {
		return nil, true, nil
	}
	if !batch {
		if len(replies) != 1 {
			return nil, false, errors.New("jrpc2: single message cannot have several replies")
		}
		body, err = Encode(replies[0])
		return body, false, err
	}
	msgs := make(Batch, len(replies))
	for i, r := range replies {
		msgs[i] = r
	}
	body, err = EncodeBatch(msgs)
	return body, false, err
}
