package registry

import (
	"sync"

	"classmon/internal/transport"
)

// Session is the server-side state for one authenticated connected
// client. It is created on successful login and destroyed on disconnect
// or explicit logout.
type Session struct {
	ID       string
	Username string
	UserID   int
	Role     string
	Conn     transport.Conn

	mu        sync.Mutex
	roomID    string
	lastToken string
}

// RoomID returns the id of the room the session currently belongs to, or
// "" when it belongs to none.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoomID(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// SetLastToken records the most recent invitation token the session
// produced during a streaming handshake.
func (s *Session) SetLastToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastToken = token
}

// LastToken returns the last recorded invitation token, or "".
func (s *Session) LastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToken
}
