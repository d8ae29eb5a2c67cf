package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"classmon/pkg/protocol"
)

// tcpConn frames messages as newline-terminated JSON lines over a raw TCP
// socket. Writes go through a single writer goroutine so concurrent
// senders never interleave bytes on the wire.
type tcpConn struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewTCPConn wraps an established TCP connection. The returned Conn owns
// the socket and closes it on Close.
func NewTCPConn(conn net.Conn) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), protocol.MaxMessageBytes+1)

	c := &tcpConn{
		conn:    conn,
		scanner: scanner,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *tcpConn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *tcpConn) Send(m *protocol.Message) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	framed := append(data, '\n')

	select {
	case c.writeCh <- framed:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *tcpConn) Receive() (*protocol.Message, error) {
	if !c.scanner.Scan() {
		select {
		case <-c.ctx.Done():
			return nil, ErrClosed
		default:
		}
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		return nil, ErrClosed
	}
	// Decode failures reject the single line only; the scanner stays
	// positioned at the next message.
	return protocol.Decode(c.scanner.Bytes())
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
