package jrpc2

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

var netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// NetDialer dials a network stream, e.g. "tcp" or "unix".
type NetDialer struct {
	Network string
	Addr    string
}

func (d NetDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return netDial(ctx, d.Network, d.Addr)
}

func (d NetDialer) String() string { return fmt.Sprintf("%s://%s", d.Network, d.Addr) }

// NewClient creates a JSON-RPC connection over the specified network protocol and address.
//
// Parameters:
//   - network: The network protocol to use (e.g., "tcp", "unix").
//   - addr: The address to connect to.
//   - _log: Optional logger. If nil, zap.L() is used.
//
// The stream is dialed by the first operation or by Connect.
func NewClient(network, addr string, _log *zap.Logger, opts ...Option) *Connection {
	return NewConnection(NetDialer{Network: network, Addr: addr}, _log, opts...)
}
