// Package registry tracks connected client sessions and room membership.
// It is the single source of truth for "who is in which room"; every
// mutation happens under one lock so concurrent joins, refreshes and
// routing lookups never observe half-applied state.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classmon/internal/transport"
	"classmon/pkg/protocol"
)

// member is one student's membership record inside a room. The display
// fields live here rather than on the session so a re-join can update
// them idempotently.
type member struct {
	studentName string
	mssv        string
}

// room is a named group owned by one teacher. When the owning teacher
// disconnects the room is marked orphaned: members stay registered but
// room-scoped operations fail with ErrRoomNotFound until a teacher
// recreates it.
type room struct {
	id       string
	teacher  string
	orphaned bool
	students map[string]*member // username -> member
}

// Registry is the server-side session and room registry shared by all
// per-connection handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // username -> session
	rooms    map[string]*room    // room id -> room
	log      zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*room),
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// RegisterSession creates a session for an authenticated connection. A
// second login for the same username replaces the first: the old
// connection is closed asynchronously so registration never blocks on a
// dying socket. Room membership carries over to the replacement; the
// room's member map is keyed by username and still holds the student.
func (r *Registry) RegisterSession(conn transport.Conn, username string, userID int, role string) *Session {
	sess := &Session{
		ID:       uuid.New().String(),
		Username: username,
		UserID:   userID,
		Role:     role,
		Conn:     conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.sessions[username]; exists {
		sess.setRoomID(old.RoomID())
		go func() {
			if err := old.Conn.Close(); err != nil {
				r.log.Warn().Err(err).Str("user", username).Msg("closing replaced connection")
			}
		}()
	}
	r.sessions[username] = sess

	r.log.Info().Str("user", username).Str("role", role).Str("session", sess.ID).Msg("session registered")
	return sess
}

// GetSession returns the current session for a username.
func (r *Registry) GetSession(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// RemoveSession destroys a session by id. A student is removed from its
// room; a teacher's rooms are marked orphaned with their members kept.
// Idempotent. It reports whether the id named the username's current
// session: a session that was replaced by a newer login is a no-op and
// returns false, so its teardown cannot touch state the replacement now
// owns.
func (r *Registry) RemoveSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sess *Session
	for _, s := range r.sessions {
		if s.ID == sessionID {
			sess = s
			break
		}
	}
	if sess == nil {
		return false
	}

	delete(r.sessions, sess.Username)

	switch sess.Role {
	case protocol.RoleStudent:
		if roomID := sess.RoomID(); roomID != "" {
			if rm, ok := r.rooms[roomID]; ok {
				delete(rm.students, sess.Username)
			}
		}
	case protocol.RoleTeacher:
		for _, rm := range r.rooms {
			if rm.teacher == sess.Username && !rm.orphaned {
				rm.orphaned = true
				r.log.Info().Str("room", rm.id).Str("teacher", sess.Username).Msg("room orphaned")
			}
		}
	}

	r.log.Info().Str("user", sess.Username).Str("session", sessionID).Msg("session removed")
	return true
}

// CreateRoom creates (or re-claims) a room owned by the given teacher
// session. Creating an id owned by a different live teacher fails with
// ErrDuplicateRoom; re-creating one's own room succeeds, and claiming an
// orphaned room transfers ownership and keeps the members.
func (r *Registry) CreateRoom(sess *Session, roomID string) error {
	if sess.Role != protocol.RoleTeacher {
		return ErrNotTeacher
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, exists := r.rooms[roomID]; exists {
		if !rm.orphaned && rm.teacher != sess.Username {
			return ErrDuplicateRoom
		}
		rm.teacher = sess.Username
		rm.orphaned = false
		r.log.Info().Str("room", roomID).Str("teacher", sess.Username).Msg("room reclaimed")
		return nil
	}

	r.rooms[roomID] = &room{
		id:       roomID,
		teacher:  sess.Username,
		students: make(map[string]*member),
	}
	r.log.Info().Str("room", roomID).Str("teacher", sess.Username).Msg("room created")
	return nil
}

// JoinRoom adds a student session to a room. Re-joining updates the
// display fields instead of duplicating the membership. A student belongs
// to at most one room; joining a second room moves the student.
func (r *Registry) JoinRoom(sess *Session, roomID, studentName, mssv string) error {
	if sess.Role != protocol.RoleStudent {
		return ErrNotStudent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists || rm.orphaned {
		return ErrRoomNotFound
	}

	if prev := sess.RoomID(); prev != "" && prev != roomID {
		if prevRoom, ok := r.rooms[prev]; ok {
			delete(prevRoom.students, sess.Username)
		}
	}

	rm.students[sess.Username] = &member{studentName: studentName, mssv: mssv}
	sess.setRoomID(roomID)

	r.log.Info().Str("room", roomID).Str("user", sess.Username).Msg("student joined room")
	return nil
}

// Refresh returns a snapshot of the room's current members. Only the
// owning teacher may take a snapshot.
func (r *Registry) Refresh(sess *Session, roomID string) ([]protocol.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[roomID]
	if !exists || rm.orphaned {
		return nil, ErrRoomNotFound
	}
	if rm.teacher != sess.Username {
		return nil, ErrNotOwner
	}

	participants := make([]protocol.Participant, 0, len(rm.students))
	for username, m := range rm.students {
		participants = append(participants, protocol.Participant{
			Username:    username,
			StudentName: m.studentName,
			MSSV:        m.mssv,
		})
	}
	return participants, nil
}

// Members returns the connected sessions of a room's students, excluding
// the given sender. Used by the router for notice fan-out.
func (r *Registry) Members(roomID, excludeUsername string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[roomID]
	if !exists || rm.orphaned {
		return nil, ErrRoomNotFound
	}

	sessions := make([]*Session, 0, len(rm.students))
	for username := range rm.students {
		if username == excludeUsername {
			continue
		}
		if sess, ok := r.sessions[username]; ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// Owner returns the owning teacher's username for a room.
func (r *Registry) Owner(roomID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[roomID]
	if !exists || rm.orphaned {
		return "", ErrRoomNotFound
	}
	return rm.teacher, nil
}

// Stats reports registry counters.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, rm := range r.rooms {
		if !rm.orphaned {
			active++
		}
	}
	return map[string]int{
		"sessions":       len(r.sessions),
		"rooms":          len(r.rooms),
		"active_rooms":   active,
		"orphaned_rooms": len(r.rooms) - active,
	}
}
