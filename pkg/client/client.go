// Package client implements the connection side of the protocol for
// teacher consoles and student agents. A single reader goroutine
// separates status responses, which answer the caller blocked in
// Request, from pushes, which are handed to the push handler on a
// dedicated dispatch goroutine. Push handlers may therefore call
// Request without deadlocking the reader.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classmon/internal/transport"
	"classmon/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrLost         = errors.New("connection lost")
)

const pushBuffer = 64

// PushHandler receives server-initiated messages: notices, app-list
// requests, streaming start signals, forwarded results.
type PushHandler func(*protocol.Message)

// Client manages one connection to the server. At most one request is
// outstanding at a time; the server replies in order, so requests are
// serialized rather than correlated.
type Client struct {
	log zerolog.Logger

	onPush       PushHandler
	onDisconnect func(error)

	mu     sync.Mutex
	conn   transport.Conn
	waiter chan *protocol.Message
	stale  int
	lost   bool

	reqMu sync.Mutex

	pushCh   chan *protocol.Message
	wg       sync.WaitGroup
	discOnce sync.Once
}

// Option configures a Client before Connect.
type Option func(*Client)

// WithPushHandler installs the handler for server-initiated messages.
func WithPushHandler(h PushHandler) Option {
	return func(c *Client) { c.onPush = h }
}

// WithDisconnectHandler installs a callback invoked exactly once when
// the connection is lost or closed.
func WithDisconnectHandler(h func(error)) Option {
	return func(c *Client) { c.onDisconnect = h }
}

// New creates an unconnected client.
func New(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		log:    log.With().Str("component", "client").Logger(),
		pushCh: make(chan *protocol.Message, pushBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server over TCP and starts the reader and dispatch
// goroutines.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("client already connected")
	}

	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.dispatchLoop()
	return nil
}

// ConnectWebSocket dials the server's websocket endpoint instead of the
// plain TCP socket. The url is the full endpoint, e.g.
// ws://127.0.0.1:8080/ws.
func (c *Client) ConnectWebSocket(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wsConn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return c.ConnectTransport(transport.NewWSConn(wsConn))
}

// ConnectTransport attaches the client to an already established
// transport connection.
func (c *Client) ConnectTransport(conn transport.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("client already connected")
	}
	c.conn = conn
	c.wg.Add(2)
	go c.readLoop(conn)
	go c.dispatchLoop()
	return nil
}

func (c *Client) readLoop(conn transport.Conn) {
	defer c.wg.Done()
	for {
		msg, err := conn.Receive()
		if err != nil {
			if transport.IsMalformed(err) {
				c.log.Warn().Err(err).Msg("malformed message from server")
				continue
			}
			c.handleLost(err)
			return
		}
		if msg.IsReply() {
			c.deliverReply(msg)
			continue
		}
		select {
		case c.pushCh <- msg:
		default:
			c.log.Warn().Str("kind", msg.Kind).Msg("push buffer full, dropping")
		}
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for msg := range c.pushCh {
		if c.onPush != nil {
			c.onPush(msg)
		}
	}
}

// deliverReply hands a status response to the waiting caller. The wire
// carries no correlation ids, so replies pair with requests by order;
// a reply still owed to a request that gave up must be swallowed here or
// it would answer the next caller instead.
func (c *Client) deliverReply(msg *protocol.Message) {
	c.mu.Lock()
	if c.stale > 0 {
		c.stale--
		c.mu.Unlock()
		c.log.Debug().Msg("discarding reply to an abandoned request")
		return
	}
	waiter := c.waiter
	c.waiter = nil
	c.mu.Unlock()
	if waiter == nil {
		c.log.Warn().Msg("unsolicited status response")
		return
	}
	waiter <- msg
}

// handleLost runs once per connection, failing the outstanding request
// and notifying the disconnect handler.
func (c *Client) handleLost(err error) {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	waiter := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if waiter != nil {
		waiter <- nil
	}
	close(c.pushCh)

	c.discOnce.Do(func() {
		if c.onDisconnect != nil {
			if errors.Is(err, transport.ErrClosed) {
				err = ErrLost
			}
			c.onDisconnect(err)
		}
	})
}

// Request sends a message and waits for the server's status response.
// Requests are serialized; concurrent callers queue on an internal lock.
func (c *Client) Request(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.lost {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	waiter := make(chan *protocol.Message, 1)
	c.waiter = waiter
	c.mu.Unlock()

	if err := conn.Send(m); err != nil {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-waiter:
		if reply == nil {
			return nil, ErrLost
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		// The server still owes this request a reply unless it arrived
		// in the race window; mark it so the next caller does not
		// receive it.
		if c.waiter != nil {
			c.waiter = nil
			c.stale++
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Login authenticates and announces the client's role.
func (c *Client) Login(ctx context.Context, username, password string, userID int, role string) error {
	return c.expectOK(ctx, &protocol.Message{
		Kind:     protocol.KindLogin,
		Username: username,
		Password: password,
		UserID:   userID,
		Role:     role,
	})
}

// CreateRoom opens a room owned by the logged-in teacher.
func (c *Client) CreateRoom(ctx context.Context, roomID string) error {
	return c.expectOK(ctx, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: roomID})
}

// JoinRoom enters a room, announcing the student's display name and
// student number.
func (c *Client) JoinRoom(ctx context.Context, roomID, studentName, mssv string) error {
	return c.expectOK(ctx, &protocol.Message{
		Kind:        protocol.KindJoinRoom,
		RoomID:      roomID,
		StudentName: studentName,
		MSSV:        mssv,
	})
}

// Refresh returns the room's current membership.
func (c *Client) Refresh(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	reply, err := c.Request(ctx, &protocol.Message{Kind: protocol.KindRefresh, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, errors.New(reply.Text)
	}
	return reply.Participants, nil
}

// Notify sends a notice to every member of the room.
func (c *Client) Notify(ctx context.Context, roomID, text string) error {
	return c.expectOK(ctx, &protocol.Message{Kind: protocol.KindNotify, RoomID: roomID, Text: text})
}

// BroadcastAll sends an announcement to every member of the room.
func (c *Client) BroadcastAll(ctx context.Context, roomID, text string) error {
	return c.expectOK(ctx, &protocol.Message{Kind: protocol.KindBroadcastAll, RoomID: roomID, Text: text})
}

func (c *Client) expectOK(ctx context.Context, m *protocol.Message) error {
	reply, err := c.Request(ctx, m)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errors.New(reply.Text)
	}
	return nil
}

// Disconnect sends a best-effort logout and closes the connection. Safe
// to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	alreadyLost := c.lost
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	if !alreadyLost {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = c.Request(ctx, &protocol.Message{Kind: protocol.KindLogout})
		cancel()
	}

	err := conn.Close()
	c.wg.Wait()
	return err
}
