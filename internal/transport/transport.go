// Package transport frames protocol messages over a network connection.
//
// Two transports exist and each fixes a single framing discipline: TCP
// connections carry exactly one JSON message per newline-terminated line,
// WebSocket connections carry exactly one JSON message per text frame.
// The two are never mixed on one connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"classmon/pkg/protocol"
)

var (
	// ErrClosed is returned by Receive when the peer cleanly closed the
	// connection, and by Send/Receive after Close.
	ErrClosed = errors.New("connection closed")

	// ErrWriteTimeout is returned by Send when the write queue stays full
	// past the write timeout.
	ErrWriteTimeout = errors.New("write timeout")
)

const (
	// writeTimeout bounds a single queued send so one slow peer can never
	// stall a broadcasting handler indefinitely.
	writeTimeout = 5 * time.Second

	// writeBuffer is the per-connection outbound queue depth.
	writeBuffer = 100
)

// Conn is one framed client-server link. Send blocks until the message is
// queued for writing; Receive blocks until one full message is available
// or the peer closes. A *protocol.DecodeError from Receive rejects only
// the single message and leaves the connection usable; any other error is
// terminal. Close unblocks a pending Receive. Delivery is best-effort at
// shutdown: messages accepted by Send but still queued for the writer
// when Close runs are discarded.
type Conn interface {
	Send(m *protocol.Message) error
	Receive() (*protocol.Message, error)
	Close() error
	RemoteAddr() string
}

// Dial establishes a TCP connection to addr and wraps it in the
// newline-framed transport.
func Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewTCPConn(conn), nil
}

// IsMalformed reports whether a Receive error rejects a single message
// rather than terminating the connection.
func IsMalformed(err error) bool {
	var de *protocol.DecodeError
	return errors.As(err, &de)
}
