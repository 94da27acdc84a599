package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/yamux"

	"github.com/40a/cocaine-core/internal/logging"
)

// UnaryHandler answers a single-reply call. decodeArgs unmarshals the
// call's argument frame into the handler's expected type.
type UnaryHandler func(decodeArgs func(out interface{}) error) (reply interface{}, err error)

// StreamHandler answers a server-streaming call. send pushes one
// chunk; the handler returns when the stream should end (error return
// values are reported to the caller as a stream error). ctx is
// cancelled as soon as the underlying stream is observed closed from
// the caller's side, so a handler blocked waiting on its own send
// failures still notices a silent disconnect.
type StreamHandler func(ctx context.Context, decodeArgs func(out interface{}) error, send func(chunk interface{}) error) error

// Server accepts multiplexed connections and dispatches each call by
// event name to a registered handler, the server-side counterpart of
// the C1 contract.
type Server struct {
	logger logging.Logger

	mu       sync.RWMutex
	unary    map[string]UnaryHandler
	streams  map[string]StreamHandler
}

// NewServer creates a Server with no handlers registered.
func NewServer(logger logging.Logger) *Server {
	return &Server{
		logger:  logger,
		unary:   make(map[string]UnaryHandler),
		streams: make(map[string]StreamHandler),
	}
}

// Register installs a unary handler for event.
func (s *Server) Register(event string, h UnaryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[event] = h
}

// RegisterStream installs a streaming handler for event.
func (s *Server) RegisterStream(event string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[event] = h
}

// Serve accepts connections from listener and returns nil once Accept
// fails after ctx has been cancelled or because the listener was
// closed. Cancelling ctx does not by itself interrupt a blocked
// Accept; any other Accept error is logged and accepting continues.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("failed to accept RPC connection", "error", err)
			continue
		}
		metrics.IncrCounter([]string{"cocaine", "rpc", "accept_conn"}, 1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		s.logger.Error("failed to establish multiplexed session", "error", err)
		return
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("multiplexed session ended", "error", err)
			}
			return
		}
		go s.handleStream(ctx, stream)
	}
}

func (s *Server) handleStream(ctx context.Context, stream io.ReadWriteCloser) {
	defer stream.Close()

	hdr, raw, err := readFrame(stream)
	if err != nil {
		if err != io.EOF {
			s.logger.Error("failed to read call frame", "error", err)
		}
		return
	}
	if hdr.Kind != frameCall {
		s.writeError(stream, fmt.Errorf("expected call frame, got kind %d", hdr.Kind))
		return
	}

	decodeArgs := func(out interface{}) error { return decode(raw, out) }

	s.mu.RLock()
	unaryHandler, isUnary := s.unary[hdr.Event]
	streamHandler, isStream := s.streams[hdr.Event]
	s.mu.RUnlock()

	switch {
	case isUnary:
		reply, err := unaryHandler(decodeArgs)
		if err != nil {
			metrics.IncrCounter([]string{"cocaine", "rpc", "request_error"}, 1)
			s.writeError(stream, err)
			return
		}
		metrics.IncrCounter([]string{"cocaine", "rpc", "request"}, 1)
		if err := writeFrame(stream, frameHeader{Kind: frameReply}, reply); err != nil {
			s.logger.Error("failed to write reply", "event", hdr.Event, "error", err)
		}
	case isStream:
		send := func(chunk interface{}) error {
			return writeFrame(stream, frameHeader{Kind: frameStreamChunk}, chunk)
		}
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go watchStreamClosed(stream, cancel)
		if err := streamHandler(streamCtx, decodeArgs, send); err != nil {
			metrics.IncrCounter([]string{"cocaine", "rpc", "request_error"}, 1)
			s.writeError(stream, err)
			return
		}
		metrics.IncrCounter([]string{"cocaine", "rpc", "request"}, 1)
		if err := writeFrame(stream, frameHeader{Kind: frameStreamEnd}, struct{}{}); err != nil {
			s.logger.Error("failed to write stream end", "event", hdr.Event, "error", err)
		}
	default:
		s.writeError(stream, fmt.Errorf("unknown rpc method: %q", hdr.Event))
	}
}

// watchStreamClosed blocks on a read that the call protocol never
// actually uses for anything past the initial call frame, so its only
// purpose is to unblock (with io.EOF or a closed-stream error) the
// moment the peer tears down its side, letting a StreamHandler blocked
// on ctx notice a disconnect it has no other way to observe.
func watchStreamClosed(stream io.Reader, cancel context.CancelFunc) {
	var buf [1]byte
	stream.Read(buf[:])
	cancel()
}

func (s *Server) writeError(stream io.Writer, err error) {
	_ = writeFrame(stream, frameHeader{Kind: frameError}, errorBody{Message: err.Error()})
}
