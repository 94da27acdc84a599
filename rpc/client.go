package rpc

import (
	"fmt"
	"io"
	"net"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/yamux"

	"github.com/40a/cocaine-core/internal/logging"
)

// Dispatch routes the responses of a single call. OnChunk is invoked
// once per reply (unary calls get exactly one) with a decode function
// that unmarshals the chunk's body into the caller's reply type.
// Returning an error from OnChunk on a streaming call stops the
// stream. OnError is invoked at most once, either for a server-sent
// error or a transport failure. OnEnd is invoked when the call (or
// stream) completes cleanly. A nil Dispatch means fire-and-forget: the
// call is written and the stream is closed without waiting for a
// reply.
type Dispatch struct {
	OnChunk func(decode func(out interface{}) error) error
	OnError func(error)
	OnEnd   func()

	// Unary marks a call that expects exactly one reply chunk. A
	// stream-end frame carrying no chunk is the specification's
	// "choke" (§6): a clean end-of-stream with no reply is treated
	// as a failure rather than a successful empty completion.
	Unary bool
}

// ErrorHandler is invoked once when the underlying channel fails.
type ErrorHandler func(error)

// Client is a single multiplexed connection to a remote endpoint (C1).
// Once the underlying connection fails it is permanently terminal: a
// fresh Client must be constructed.
type Client struct {
	mu         sync.Mutex
	session    *yamux.Session
	logger     logging.Logger
	errHandler ErrorHandler
	failed     bool
	failErr    error
	remote     string
}

// Attach adopts an already-connected net.Conn as the client side of a
// multiplexed session.
func Attach(logger logging.Logger, conn net.Conn) (*Client, error) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rpc: failed to establish multiplexed session: %w", err)
	}
	c := &Client{
		session: session,
		logger:  logger,
		remote:  conn.RemoteAddr().String(),
	}
	go c.watchSession()
	return c, nil
}

// watchSession blocks until the underlying yamux session ends, then
// marks the client failed and fires the bound error handler exactly
// once. This is the C1 "bind" contract realized over yamux: CloseChan
// closes whenever the session terminates for any reason (remote
// close, transport failure, or our own Close()).
func (c *Client) watchSession() {
	<-c.session.CloseChan()
	c.mu.Lock()
	alreadyFailed := c.failed
	c.failed = true
	if c.failErr == nil {
		c.failErr = fmt.Errorf("rpc: session to %s closed", c.remote)
	}
	handler := c.errHandler
	err := c.failErr
	c.mu.Unlock()
	if !alreadyFailed && handler != nil {
		handler(err)
	}
}

// Bind registers a callback invoked once when the channel fails.
// Subsequent calls after that point become immediate local failures.
func (c *Client) Bind(handler ErrorHandler) {
	c.mu.Lock()
	c.errHandler = handler
	already := c.failed
	err := c.failErr
	c.mu.Unlock()
	if already && handler != nil {
		handler(err)
	}
}

// Call sends an invocation for event with args, routing responses
// into dispatch (which may be nil for fire-and-forget). Messages
// submitted via Call are delivered in submission order on the wire
// because each call opens its own yamux stream and yamux preserves
// per-stream ordering; cross-call ordering is not guaranteed, matching
// the specification's per-call (not global) ordering contract.
func (c *Client) Call(event string, args interface{}, dispatch *Dispatch) error {
	c.mu.Lock()
	if c.failed {
		err := c.failErr
		c.mu.Unlock()
		if dispatch != nil && dispatch.OnError != nil {
			dispatch.OnError(err)
		}
		return err
	}
	session := c.session
	c.mu.Unlock()

	stream, err := session.OpenStream()
	if err != nil {
		c.fail(err)
		if dispatch != nil && dispatch.OnError != nil {
			dispatch.OnError(err)
		}
		return err
	}

	if err := writeFrame(stream, frameHeader{Event: event, Kind: frameCall}, args); err != nil {
		stream.Close()
		c.fail(err)
		if dispatch != nil && dispatch.OnError != nil {
			dispatch.OnError(err)
		}
		return err
	}
	metrics.IncrCounter([]string{"cocaine", "rpc", "call", event}, 1)

	if dispatch == nil {
		stream.Close()
		return nil
	}

	go c.drain(stream, event, dispatch)
	return nil
}

func (c *Client) drain(stream io.ReadWriteCloser, event string, dispatch *Dispatch) {
	defer stream.Close()
	for {
		hdr, raw, err := readFrame(stream)
		if err != nil {
			if dispatch.OnEnd != nil && err == io.EOF {
				dispatch.OnEnd()
				return
			}
			if dispatch.OnError != nil {
				dispatch.OnError(err)
			}
			return
		}
		switch hdr.Kind {
		case frameReply, frameStreamChunk:
			if dispatch.OnChunk != nil {
				decodeErr := dispatch.OnChunk(func(out interface{}) error {
					return decode(raw, out)
				})
				if decodeErr != nil {
					if dispatch.OnError != nil {
						dispatch.OnError(decodeErr)
					}
					return
				}
			}
			if hdr.Kind == frameReply {
				if dispatch.OnEnd != nil {
					dispatch.OnEnd()
				}
				return
			}
		case frameStreamEnd:
			if dispatch.Unary {
				if dispatch.OnError != nil {
					dispatch.OnError(fmt.Errorf("rpc: %s: choked: stream ended with no reply", event))
				}
				return
			}
			if dispatch.OnEnd != nil {
				dispatch.OnEnd()
			}
			return
		case frameError:
			var eb errorBody
			_ = decode(raw, &eb)
			if dispatch.OnError != nil {
				dispatch.OnError(fmt.Errorf("rpc: %s: %s", event, eb.Message))
			}
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.failErr = err
	handler := c.errHandler
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Close idempotently tears down the session.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}
