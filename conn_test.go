package jrpc2

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// pipeDial replaces netDial with in-memory pipes. The server end of every dialed pipe is sent on the returned channel.
func pipeDial(t *testing.T) (<-chan net.Conn, *atomic.Int32) {
	t.Helper()
	origDial := netDial
	t.Cleanup(func() { netDial = origDial })

	conns := make(chan net.Conn, 8)
	var dials atomic.Int32
	netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		server, client := net.Pipe()
		t.Cleanup(func() { server.Close() })
		conns <- server
		return client, nil
	}
	return conns, &dials
}

// testLogger records everything in memory. Sessions keep logging while they wind down after a test returns.
func testLogger() *zap.Logger {
	core, _ := observer.New(zapcore.DebugLevel)
	return zap.New(core)
}

// servePipes answers every dialed pipe with ServeConn over eval.
func servePipes(t *testing.T, eval Evaluator) *atomic.Int32 {
	t.Helper()
	conns, dials := pipeDial(t)
	log := testLogger()
	go func() {
		for server := range conns {
			go ServeConn(context.Background(), server, eval, log)
		}
	}()
	return dials
}

// linePeer is a hand-driven remote end of a stream.
type linePeer struct {
	conn  net.Conn
	lines chan map[string]json.RawMessage
}

func newLinePeer(conn net.Conn) *linePeer {
	p := &linePeer{conn: conn, lines: make(chan map[string]json.RawMessage, 16)}
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			var m map[string]json.RawMessage
			if json.Unmarshal(sc.Bytes(), &m) == nil {
				p.lines <- m
			}
		}
	}()
	return p
}

func nextPeer(t *testing.T, conns <-chan net.Conn) *linePeer {
	t.Helper()
	select {
	case c := <-conns:
		return newLinePeer(c)
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	return nil
}

// acceptPeer starts reading the next dialed pipe in the background, so a write racing the dial does not block on the pipe.
func acceptPeer(conns <-chan net.Conn) <-chan *linePeer {
	peers := make(chan *linePeer, 1)
	go func() {
		select {
		case c := <-conns:
			peers <- newLinePeer(c)
		case <-time.After(2 * time.Second):
			close(peers)
		}
	}()
	return peers
}

func awaitPeer(t *testing.T, peers <-chan *linePeer) *linePeer {
	t.Helper()
	peer, ok := <-peers
	require.True(t, ok, "no dial")
	return peer
}

func (p *linePeer) next(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case m, ok := <-p.lines:
		require.True(t, ok, "peer stream ended")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return nil
}

func (p *linePeer) send(t *testing.T, format string, args ...any) {
	t.Helper()
	_, err := fmt.Fprintf(p.conn, format+"\n", args...)
	require.NoError(t, err)
}

func TestConnectionCall(t *testing.T) {
	var notified atomic.Int32
	dials := servePipes(t, testEvaluator(&notified))

	conn := NewClient("tcp", "localhost:1234", testLogger())
	defer conn.Close()
	assert.Equal(t, Disconnected, conn.State())
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		res, err := conn.Call(ctx, "add", []int{2, 3})
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`5`), res)
		assert.Equal(t, Connected, conn.State())
	})

	t.Run("error response", func(t *testing.T) {
		_, err := conn.Call(ctx, "fail", nil)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, CodeServerError, rpcErr.Code)
		assert.Equal(t, json.RawMessage(`"detail"`), rpcErr.Data)

		_, err = conn.Call(ctx, "nope", nil)
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	})

	t.Run("named params", func(t *testing.T) {
		res, err := conn.Call(ctx, "echo", map[string]int{"a": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(res))
	})

	t.Run("notify", func(t *testing.T) {
		require.NoError(t, conn.Notify(ctx, "notify", nil))
		assert.Eventually(t, func() bool { return notified.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("send then wait", func(t *testing.T) {
		fut, id, err := conn.Send(ctx, "add", []int{1, 1})
		require.NoError(t, err)
		assert.True(t, id.IsNumber())
		res, err := fut.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`2`), res)
	})

	t.Run("concurrent calls", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := conn.Call(ctx, "add", []int{i, 1})
				if assert.NoError(t, err) {
					assert.Equal(t, json.RawMessage(fmt.Sprint(i+1)), res)
				}
			}(i)
		}
		wg.Wait()
	})

	assert.Equal(t, int32(1), dials.Load())
}

func TestConnectionEncodeErrors(t *testing.T) {
	_, dials := pipeDial(t)
	conn := NewClient("tcp", "localhost:1234", testLogger())
	defer conn.Close()
	ctx := context.Background()
	var encErr *EncodeError

	_, err := conn.Call(ctx, "", nil)
	assert.ErrorAs(t, err, &encErr)
	_, err = conn.Call(ctx, "m", 42)
	assert.ErrorAs(t, err, &encErr)
	assert.ErrorAs(t, conn.Notify(ctx, "m", "scalar"), &encErr)
	_, err = conn.SendWithID(ctx, NullID, "m", nil)
	assert.ErrorAs(t, err, &encErr)
	_, err = conn.Batch(ctx, nil, 0)
	assert.ErrorAs(t, err, &encErr)
	_, err = conn.Batch(ctx, []BatchCall{{Method: "a"}, {Method: ""}}, 0)
	assert.ErrorContains(t, err, "batch member 1")

	assert.Zero(t, dials.Load(), "nothing is dialed for messages that cannot be sent")
}

func TestConnectionSharedDial(t *testing.T) {
	origDial := netDial
	defer func() { netDial = origDial }()

	gate := make(chan struct{})
	var dials atomic.Int32
	log := testLogger()
	netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		<-gate
		server, client := net.Pipe()
		go ServeConn(context.Background(), server, testEvaluator(nil), log)
		return client, nil
	}

	conn := NewClient("tcp", "localhost:1234", log)
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := conn.Call(context.Background(), "add", []int{i, 10})
			if assert.NoError(t, err) {
				assert.Equal(t, json.RawMessage(fmt.Sprint(i+10)), res)
			}
		}(i)
	}

	assert.Eventually(t, func() bool { return conn.State() == Connecting }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, Connected, conn.State())
}

func TestConnectionConnectFailures(t *testing.T) {
	origDial := netDial
	defer func() { netDial = origDial }()

	t.Run("dial error", func(t *testing.T) {
		refused := errors.New("connection refused")
		netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, refused
		}
		conn := NewClient("tcp", "localhost:1234", testLogger())
		defer conn.Close()

		_, err := conn.Call(context.Background(), "add", nil)
		assert.ErrorIs(t, err, refused)
		assert.ErrorContains(t, err, "fail to connect")
		assert.Equal(t, Disconnected, conn.State())
		assert.ErrorIs(t, conn.Connect(context.Background()), refused)
	})

	t.Run("dial timeout", func(t *testing.T) {
		netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		conn := NewClient("tcp", "localhost:1234", testLogger(), WithDialTimeout(20*time.Millisecond))
		defer conn.Close()

		err := conn.Connect(context.Background())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Disconnected, conn.State())
	})

	t.Run("caller gives up while connecting", func(t *testing.T) {
		gate := make(chan struct{})
		defer close(gate)
		netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-gate
			return nil, errors.New("too late")
		}
		conn := NewClient("tcp", "localhost:1234", testLogger())
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := conn.Call(ctx, "add", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Connecting, conn.State())
	})

	t.Run("close while dialing discards the stream", func(t *testing.T) {
		gate := make(chan struct{})
		client, server := net.Pipe()
		defer server.Close()
		netDial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-gate
			return client, nil
		}
		conn := NewClient("tcp", "localhost:1234", testLogger())

		errc := make(chan error, 1)
		go func() { errc <- conn.Connect(context.Background()) }()
		assert.Eventually(t, func() bool { return conn.State() == Connecting }, time.Second, time.Millisecond)
		require.NoError(t, conn.Close())
		close(gate)

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("connect did not return")
		}
		assert.Equal(t, Closed, conn.State())
		_, err := client.Write([]byte("x"))
		assert.Error(t, err, "stale stream must be closed")
	})
}

func TestConnectionReset(t *testing.T) {
	conns, dials := pipeDial(t)
	conn := NewClient("tcp", "localhost:1234", testLogger())
	defer conn.Close()
	ctx := context.Background()

	peers := acceptPeer(conns)
	fut1, id1, err := conn.Send(ctx, "a", nil)
	require.NoError(t, err)
	fut2, _, err := conn.Send(ctx, "b", nil)
	require.NoError(t, err)
	batch, err := conn.Batch(ctx, []BatchCall{{Method: "c"}, {Method: "d"}}, 0)
	require.NoError(t, err)
	peer := awaitPeer(t, peers)
	for range 4 {
		peer.next(t)
	}

	require.NoError(t, peer.conn.Close())
	for _, fut := range []*Future[json.RawMessage]{fut1, fut2} {
		_, err := fut.Wait(ctx)
		var closed *ConnectionClosedError
		require.ErrorAs(t, err, &closed)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, closed.Reason, errPeerClosed)
	}
	_, err = batch.Wait(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Eventually(t, func() bool { return conn.State() == Disconnected }, time.Second, time.Millisecond)

	// the next call dials again and ids keep counting
	peers = acceptPeer(conns)
	fut3, id3, err := conn.Send(ctx, "e", nil)
	require.NoError(t, err)
	peer = awaitPeer(t, peers)
	line := peer.next(t)
	assert.Equal(t, json.RawMessage(id3.String()), line["id"])
	n1, _ := id1.Number()
	n3, _ := id3.Number()
	assert.Greater(t, n3, n1+1)

	peer.send(t, `{"jsonrpc":"2.0","result":"again","id":%s}`, id3)
	res, err := fut3.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"again"`), res)
	assert.Equal(t, int32(2), dials.Load())
}

func TestConnectionClose(t *testing.T) {
	conns, dials := pipeDial(t)
	conn := NewClient("tcp", "localhost:1234", testLogger())
	ctx := context.Background()

	peers := acceptPeer(conns)
	fut, _, err := conn.Send(ctx, "wait", nil)
	require.NoError(t, err)
	peer := awaitPeer(t, peers)
	peer.next(t)

	require.NoError(t, conn.Close())
	assert.Equal(t, Closed, conn.State())
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, errClosedByCaller)
	assert.NoError(t, conn.Close(), "close is idempotent")

	// the peer sees the stream end
	select {
	case _, ok := <-peer.lines:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("peer stream still open")
	}

	// a new operation after Close connects again
	peers = acceptPeer(conns)
	fut, id, err := conn.Send(ctx, "again", nil)
	require.NoError(t, err)
	peer = awaitPeer(t, peers)
	peer.next(t)
	peer.send(t, `{"jsonrpc":"2.0","result":true,"id":%s}`, id)
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`true`), res)
	assert.Equal(t, int32(2), dials.Load())
	require.NoError(t, conn.Close())
}

// connectPeer connects conn over a pipe and returns the hand-driven remote end and the live session.
func connectPeer(t *testing.T, conn *Connection, conns <-chan net.Conn) (*linePeer, *session) {
	t.Helper()
	require.NoError(t, conn.Connect(context.Background()))
	peer := nextPeer(t, conns)
	conn.mu.Lock()
	s := conn.sess
	conn.mu.Unlock()
	require.NotNil(t, s)
	return peer, s
}

func TestConnectionPending(t *testing.T) {
	conns, _ := pipeDial(t)
	core, logs := observer.New(zapcore.DebugLevel)
	conn := NewClient("tcp", "localhost:1234", zap.New(core))
	defer conn.Close()
	ctx := context.Background()
	peer, s := connectPeer(t, conn, conns)

	t.Run("duplicate explicit id", func(t *testing.T) {
		_, err := conn.SendWithID(ctx, StringID("a"), "m", nil)
		require.NoError(t, err)
		peer.next(t)

		_, err = conn.SendWithID(ctx, StringID("a"), "m", nil)
		assert.ErrorIs(t, err, ErrDuplicateID)

		conn.DropPending(StringID("a"))
		fut, err := conn.SendWithID(ctx, StringID("a"), "m", nil)
		require.NoError(t, err)
		peer.next(t)
		peer.send(t, `{"jsonrpc":"2.0","result":1,"id":"a"}`)
		res, err := fut.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`1`), res)
	})

	t.Run("abandoned call leaves the table", func(t *testing.T) {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := conn.Call(callCtx, "never", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		line := peer.next(t)
		ids, _ := s.table.size()
		assert.Zero(t, ids)

		peer.send(t, `{"jsonrpc":"2.0","result":1,"id":%s}`, line["id"])
		assert.Eventually(t, func() bool {
			return logs.FilterMessage("orphan response").Len() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("dropped send never settles", func(t *testing.T) {
		fut, id, err := conn.Send(ctx, "m", nil)
		require.NoError(t, err)
		peer.next(t)
		conn.DropPending(id)
		peer.send(t, `{"jsonrpc":"2.0","result":1,"id":%s}`, id)
		assert.Eventually(t, func() bool {
			return logs.FilterMessage("orphan response").Len() == 2
		}, time.Second, 5*time.Millisecond)
		select {
		case <-fut.Done():
			t.Fatal("dropped call settled")
		default:
		}
	})
}

func TestConnectionOrphanAndMalformed(t *testing.T) {
	conns, _ := pipeDial(t)
	core, logs := observer.New(zapcore.DebugLevel)
	conn := NewClient("tcp", "localhost:1234", zap.New(core))
	defer conn.Close()
	ctx := context.Background()
	peer, _ := connectPeer(t, conn, conns)

	fut, id, err := conn.Send(ctx, "m", nil)
	require.NoError(t, err)
	peer.next(t)

	peer.send(t, `{"jsonrpc":"2.0","result":1,"id":"unknown"}`)
	peer.send(t, `not json at all`)
	peer.send(t, `{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"x"},"id":null}`)
	peer.send(t, `{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"x"},"id":%s}`, id)

	_, err = fut.Wait(ctx)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CodeInvalidRequest, protoErr.Err.Code)

	assert.Equal(t, 1, logs.FilterMessage("orphan response").Len())
	assert.Equal(t, 1, logs.FilterMessage("malformed response without id").Len())

	// the garbage line was answered with a parse error and the stream kept going
	line := peer.next(t)
	assert.Equal(t, json.RawMessage(`null`), line["id"])
	assert.Contains(t, string(line["error"]), `-32700`)
	assert.Equal(t, Connected, conn.State())
}

func TestConnectionBatch(t *testing.T) {
	conns, _ := pipeDial(t)
	conn := NewClient("tcp", "localhost:1234", testLogger())
	defer conn.Close()
	ctx := context.Background()
	peer, s := connectPeer(t, conn, conns)

	t.Run("results keep call order", func(t *testing.T) {
		fut, err := conn.Batch(ctx, []BatchCall{
			{Method: "first"},
			{ID: StringID("mine"), Method: "second", Params: []int{1}},
			{Method: "third"},
		}, 0)
		require.NoError(t, err)

		var lines []map[string]json.RawMessage
		for i := 0; i < 3; i++ {
			lines = append(lines, peer.next(t))
		}
		assert.Equal(t, json.RawMessage(`"mine"`), lines[1]["id"])
		for i := len(lines) - 1; i >= 0; i-- {
			peer.send(t, `{"jsonrpc":"2.0","result":%s,"id":%s}`, lines[i]["method"], lines[i]["id"])
		}

		res, err := fut.Wait(ctx)
		require.NoError(t, err)
		require.Len(t, res, 3)
		for i, want := range []string{"first", "second", "third"} {
			assert.Equal(t, want, res[i].Method)
			assert.Equal(t, json.RawMessage(`"`+want+`"`), res[i].Result)
		}
		assert.Equal(t, StringID("mine"), res[1].ID)
	})

	t.Run("member errors stay in their slot", func(t *testing.T) {
		fut, err := conn.Batch(ctx, []BatchCall{{Method: "ok"}, {Method: "bad"}}, 0)
		require.NoError(t, err)
		a, b := peer.next(t), peer.next(t)
		peer.send(t, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"Method not found"}}`, b["id"])
		peer.send(t, `{"jsonrpc":"2.0","result":0,"id":%s}`, a["id"])

		res, err := fut.Wait(ctx)
		require.NoError(t, err)
		assert.NoError(t, res[0].Err())
		require.Error(t, res[1].Err())
		assert.Equal(t, CodeMethodNotFound, res[1].Error.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := conn.CallBatch(ctx, []BatchCall{{Method: "a"}, {Method: "b"}}, 50*time.Millisecond)
		var timeout *BatchTimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.ErrorIs(t, err, ErrBatchTimeout)
		assert.Equal(t, 2, timeout.Expected)
		assert.Equal(t, 0, timeout.Received)
		peer.next(t)
		peer.next(t)

		_, batches := s.table.size()
		assert.Zero(t, batches)
	})

	t.Run("duplicate member id", func(t *testing.T) {
		_, err := conn.Batch(ctx, []BatchCall{{ID: NumberID(5), Method: "a"}, {ID: NumberID(5), Method: "b"}}, 0)
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("reset rejects an open batch", func(t *testing.T) {
		fut, err := conn.Batch(ctx, []BatchCall{{Method: "a"}}, 0)
		require.NoError(t, err)
		peer.next(t)
		require.NoError(t, peer.conn.Close())
		_, err = fut.Wait(ctx)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestConnectionServesPeerCalls(t *testing.T) {
	t.Run("with evaluator", func(t *testing.T) {
		conns, _ := pipeDial(t)
		conn := NewClient("tcp", "localhost:1234", testLogger(), WithEvaluator(testEvaluator(nil)))
		defer conn.Close()
		require.NoError(t, conn.Connect(context.Background()))
		peer := nextPeer(t, conns)

		peer.send(t, `{"jsonrpc":"2.0","method":"add","params":[4,5],"id":"srv-1"}`)
		line := peer.next(t)
		assert.Equal(t, json.RawMessage(`"srv-1"`), line["id"])
		assert.Equal(t, json.RawMessage(`9`), line["result"])
	})

	t.Run("without evaluator", func(t *testing.T) {
		conns, _ := pipeDial(t)
		conn := NewClient("tcp", "localhost:1234", testLogger())
		defer conn.Close()
		require.NoError(t, conn.Connect(context.Background()))
		peer := nextPeer(t, conns)

		peer.send(t, `{"jsonrpc":"2.0","method":"ping"}`)
		peer.send(t, `{"jsonrpc":"2.0","method":"ping","id":7}`)
		line := peer.next(t)
		assert.Equal(t, json.RawMessage(`7`), line["id"])
		assert.Contains(t, string(line["error"]), `-32601`)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
