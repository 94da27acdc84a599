package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/40a/cocaine-core/internal/logging"
)

type echoArgs struct {
	Value string
}

type echoReply struct {
	Value string
}

func startTestServer(t *testing.T) (*Server, net.Listener, func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx, listener)

	return server, listener, func() {
		cancel()
		listener.Close()
	}
}

func TestUnaryCallRoundTrip(t *testing.T) {
	server, listener, stop := startTestServer(t)
	defer stop()

	server.Register("echo", func(decodeArgs func(out interface{}) error) (interface{}, error) {
		var args echoArgs
		if err := decodeArgs(&args); err != nil {
			return nil, err
		}
		return echoReply{Value: "echo:" + args.Value}, nil
	})

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	done := make(chan struct{})
	var reply echoReply
	var callErr error
	err = client.Call("echo", echoArgs{Value: "hello"}, &Dispatch{
		OnChunk: func(decode func(interface{}) error) error { return decode(&reply) },
		OnEnd:   func() { close(done) },
		OnError: func(e error) { callErr = e; close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	require.NoError(t, callErr)
	require.Equal(t, "echo:hello", reply.Value)
}

func TestUnaryCallHandlerError(t *testing.T) {
	server, listener, stop := startTestServer(t)
	defer stop()

	server.Register("fail", func(decodeArgs func(out interface{}) error) (interface{}, error) {
		return nil, errFixture
	})

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	done := make(chan struct{})
	var callErr error
	err = client.Call("fail", struct{}{}, &Dispatch{
		OnChunk: func(decode func(interface{}) error) error { return nil },
		OnError: func(e error) { callErr = e; close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	require.Error(t, callErr)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	_, listener, stop := startTestServer(t)
	defer stop()

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	done := make(chan struct{})
	var callErr error
	err = client.Call("does.not.exist", struct{}{}, &Dispatch{
		OnError: func(e error) { callErr = e; close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	require.Error(t, callErr)
}

func TestStreamCallDeliversChunksThenEnds(t *testing.T) {
	server, listener, stop := startTestServer(t)
	defer stop()

	server.RegisterStream("count", func(ctx context.Context, decodeArgs func(out interface{}) error, send func(chunk interface{}) error) error {
		var n int
		if err := decodeArgs(&n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := send(echoReply{Value: string(rune('a' + i))}); err != nil {
				return err
			}
		}
		return nil
	})

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var chunks []string
	done := make(chan struct{})
	err = client.Call("count", 3, &Dispatch{
		OnChunk: func(decode func(interface{}) error) error {
			var r echoReply
			if err := decode(&r); err != nil {
				return err
			}
			chunks = append(chunks, r.Value)
			return nil
		},
		OnEnd: func() { close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}
	require.Equal(t, []string{"a", "b", "c"}, chunks)
}

func TestClientBindFiresOnClose(t *testing.T) {
	_, listener, stop := startTestServer(t)
	defer stop()

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	client.Bind(func(e error) { errCh <- e })

	client.Close()

	select {
	case e := <-errCh:
		require.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error handler")
	}
}

func TestClientBindAfterFailureFiresImmediately(t *testing.T) {
	_, listener, stop := startTestServer(t)
	defer stop()

	client, err := Dial(logging.Discard(), listener.Addr().String())
	require.NoError(t, err)
	client.Close()
	time.Sleep(50 * time.Millisecond)

	errCh := make(chan error, 1)
	client.Bind(func(e error) { errCh <- e })

	select {
	case e := <-errCh:
		require.Error(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for immediate error handler")
	}
}

var errFixture = &testError{"handler failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
