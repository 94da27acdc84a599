package rpc

import (
	"fmt"
	"net"
	"time"

	"github.com/40a/cocaine-core/internal/logging"
)

// DefaultDialTimeout bounds how long Dial waits for a TCP handshake.
const DefaultDialTimeout = 10 * time.Second

// Dial opens a TCP connection to addr and attaches a multiplexed
// Client to it.
func Dial(logger logging.Logger, addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}
	return Attach(logger, conn)
}
