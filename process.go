package jrpc2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProcessDialer spawns a child process and talks NDJSON over its stdin and stdout.
// The child's stderr is drained into the debug log.
type ProcessDialer struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs added to the parent environment
	Dir     string
	Log     *zap.Logger
}

func (d *ProcessDialer) String() string {
	return "process://" + strings.Join(append([]string{d.Command}, d.Args...), " ")
}

func (d *ProcessDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(d.Command) == "" {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := d.Log
	if log == nil {
		log = zap.L()
	}

	// Not CommandContext: ctx bounds the spawn only, the child lives as long as the connection.
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	log = log.With(zap.String("command", d.Command), zap.Int("pid", cmd.Process.Pid))
	log.Debug("process started")
	p := &processConn{cmd: cmd, stdin: stdin, stdout: stdout, log: log, stderrDone: make(chan struct{})}
	go p.drainStderr(stderr)
	return p, nil
}

// processConn is the stdio of a child process seen as one stream.
// Closing it closes stdin, kills the child if it is still running and reaps it.
type processConn struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	log        *zap.Logger
	stderrDone chan struct{}
	once       sync.Once
	err        error
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processConn) Close() error {
	p.once.Do(func() {
		err := p.stdin.Close()
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = multierr.Append(err, kerr)
		}
		<-p.stderrDone
		werr := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			p.log.Debug("process exited", zap.String("state", exitErr.String()))
			werr = nil
		}
		p.err = multierr.Append(err, werr)
	})
	return p.err
}

func (p *processConn) drainStderr(r io.Reader) {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.Debug("stderr", zap.String("line", sc.Text()))
	}
}

// NewProcessClient creates a JSON-RPC connection to a child process. The process is spawned by the
// first operation or by Connect, and spawned again after it exits.
func NewProcessClient(d *ProcessDialer, _log *zap.Logger, opts ...Option) *Connection {
	if d.Log == nil {
		d.Log = _log
	}
	return NewConnection(d, _log, opts...)
}
