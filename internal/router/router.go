// Package router decides, for every inbound message, which sessions
// receive what. Replies go back to the sender as status responses; room
// notices and the two-hop flows (running apps, streaming tokens) are
// delivered to their targets as pushes.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"classmon/internal/registry"
	"classmon/internal/transport"
	"classmon/pkg/protocol"
)

// Authenticator is the external credential check backing login. The
// storage engine behind it is irrelevant to routing.
type Authenticator interface {
	Authenticate(ctx context.Context, userID int, password string) (bool, error)
}

// Router dispatches inbound messages for all connections. It is safe for
// concurrent use by the per-connection handler goroutines.
type Router struct {
	registry *registry.Registry
	auth     Authenticator
	pending  *pendingTable
	log      zerolog.Logger
}

// New creates a router. pendingTTL bounds how long a two-hop correlation
// (apps request, streaming handshake) waits for the student's reply.
func New(reg *registry.Registry, auth Authenticator, pendingTTL time.Duration, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		auth:     auth,
		pending:  newPendingTable(pendingTTL),
		log:      log.With().Str("component", "router").Logger(),
	}
}

// Dispatch handles one parsed inbound message from a connection. sess is
// nil until the connection has logged in. It returns the reply for the
// sender and the connection's session afterwards (set by login, cleared
// by logout). Business failures become error replies; Dispatch never
// terminates the connection itself.
func (r *Router) Dispatch(ctx context.Context, conn transport.Conn, sess *registry.Session, m *protocol.Message) (*protocol.Message, *registry.Session) {
	if m.Kind == protocol.KindLogin {
		return r.handleLogin(ctx, conn, sess, m)
	}
	if sess == nil {
		return protocol.Error(ErrNotLoggedIn.Error()), nil
	}

	switch m.Kind {
	case protocol.KindCreateRoom:
		return r.reply(r.registry.CreateRoom(sess, m.RoomID), "room created"), sess
	case protocol.KindJoinRoom:
		return r.reply(r.registry.JoinRoom(sess, m.RoomID, m.StudentName, m.MSSV),
			fmt.Sprintf("joined room %s", m.RoomID)), sess
	case protocol.KindRefresh:
		return r.handleRefresh(sess, m), sess
	case protocol.KindNotify, protocol.KindBroadcastAll:
		return r.handleNotice(sess, m), sess
	case protocol.KindRequestApps:
		return r.handleForward(sess, m.TargetUsername, flowApps), sess
	case protocol.KindStartStreaming:
		return r.handleForward(sess, m.TargetUsername, flowStream), sess
	case protocol.KindReturnApps:
		return r.handleReturnApps(sess, m), sess
	case protocol.KindScreenTokenData:
		return r.handleScreenToken(sess, m), sess
	case protocol.KindLogout:
		r.HandleDisconnect(sess)
		return protocol.Success("logged out"), nil
	default:
		return protocol.Error(ErrUnsupportedKind.Error()), sess
	}
}

// Stats reports the registry counters for health reporting.
func (r *Router) Stats() map[string]int {
	return r.registry.Stats()
}

// HandleDisconnect cleans up after a departed session: its registry entry
// and any two-hop correlations waiting on its behalf. A session replaced
// by a newer login cleans up nothing; the pending correlations belong to
// the replacement by then.
func (r *Router) HandleDisconnect(sess *registry.Session) {
	if sess == nil {
		return
	}
	if !r.registry.RemoveSession(sess.ID) {
		return
	}
	r.pending.dropRequester(sess.Username)
}

func (r *Router) handleLogin(ctx context.Context, conn transport.Conn, sess *registry.Session, m *protocol.Message) (*protocol.Message, *registry.Session) {
	if sess != nil {
		return protocol.Error(ErrAlreadyLoggedIn.Error()), sess
	}

	ok, err := r.auth.Authenticate(ctx, m.UserID, m.Password)
	if err != nil {
		r.log.Error().Err(err).Str("user", m.Username).Msg("authenticator failure")
		return protocol.Error("authentication unavailable"), nil
	}
	if !ok {
		r.log.Info().Str("user", m.Username).Msg("login rejected")
		return protocol.Error(ErrAuthFailed.Error()), nil
	}

	newSess := r.registry.RegisterSession(conn, m.Username, m.UserID, m.Role)
	return protocol.Success("login successful"), newSess
}

func (r *Router) handleRefresh(sess *registry.Session, m *protocol.Message) *protocol.Message {
	participants, err := r.registry.Refresh(sess, m.RoomID)
	if err != nil {
		return protocol.Error(err.Error())
	}
	reply := protocol.Success(fmt.Sprintf("%d participant(s)", len(participants)))
	reply.Participants = participants
	return reply
}

// handleNotice fans a teacher's notice out to the room members as pushes.
// An individual delivery failure (member mid-disconnect) is logged and
// skipped; the sender's reply reports how many sends were attempted.
func (r *Router) handleNotice(sess *registry.Session, m *protocol.Message) *protocol.Message {
	owner, err := r.registry.Owner(m.RoomID)
	if err != nil {
		return protocol.Error(err.Error())
	}
	if owner != sess.Username {
		return protocol.Error(registry.ErrNotOwner.Error())
	}

	members, err := r.registry.Members(m.RoomID, sess.Username)
	if err != nil {
		return protocol.Error(err.Error())
	}

	push := &protocol.Message{
		Kind:           m.Kind,
		RoomID:         m.RoomID,
		Text:           m.Text,
		SenderUsername: sess.Username,
	}
	delivered := 0
	for _, member := range members {
		if err := member.Conn.Send(push); err != nil {
			r.log.Warn().Err(err).Str("room", m.RoomID).Str("member", member.Username).
				Msg("notice delivery failed, skipping member")
			continue
		}
		delivered++
	}

	r.log.Info().Str("room", m.RoomID).Int("delivered", delivered).Int("members", len(members)).
		Msg("notice fanned out")
	return protocol.Success(fmt.Sprintf("delivered to %d of %d member(s)", delivered, len(members)))
}

// handleForward starts a two-hop flow: record the correlation and push a
// start signal to the target student. The real payload arrives later on
// the student's connection and is forwarded by the matching handler. A
// duplicate request while one is pending acknowledges the existing
// attempt instead of restarting it.
func (r *Router) handleForward(sess *registry.Session, target string, f flow) *protocol.Message {
	if sess.Role != protocol.RoleTeacher {
		return protocol.Error(ErrRoleNotPermitted.Error())
	}

	targetSess, ok := r.registry.GetSession(target)
	if !ok || targetSess.Role != protocol.RoleStudent {
		return protocol.Error(ErrTargetNotFound.Error())
	}

	if !r.pending.add(target, f, sess.Username) {
		return protocol.Success("request already in progress")
	}

	kind := protocol.KindRequestApps
	if f == flowStream {
		kind = protocol.KindStartStreaming
	}
	push := &protocol.Message{
		Kind:           kind,
		TargetUsername: target,
		SenderClientID: sess.Username,
	}
	if err := targetSess.Conn.Send(push); err != nil {
		r.pending.take(target, f)
		r.log.Warn().Err(err).Str("target", target).Msg("forward to student failed")
		return protocol.Error(ErrTargetNotFound.Error())
	}
	return protocol.Success("request forwarded")
}

func (r *Router) handleReturnApps(sess *registry.Session, m *protocol.Message) *protocol.Message {
	if sess.Role != protocol.RoleStudent {
		return protocol.Error(ErrRoleNotPermitted.Error())
	}
	requester, ok := r.pending.take(sess.Username, flowApps)
	if !ok {
		return protocol.Error(ErrNoPendingRequest.Error())
	}

	teacherSess, ok := r.registry.GetSession(requester)
	if !ok {
		return protocol.Error("requester no longer connected")
	}

	push := &protocol.Message{
		Kind:     protocol.KindReturnApps,
		Username: sess.Username,
		Apps:     m.Apps,
	}
	if err := teacherSess.Conn.Send(push); err != nil {
		r.log.Warn().Err(err).Str("requester", requester).Msg("app list forward failed")
		return protocol.Error("requester unreachable")
	}
	return protocol.Success("app list forwarded")
}

func (r *Router) handleScreenToken(sess *registry.Session, m *protocol.Message) *protocol.Message {
	if sess.Role != protocol.RoleStudent {
		return protocol.Error(ErrRoleNotPermitted.Error())
	}
	requester, ok := r.pending.take(sess.Username, flowStream)
	if !ok {
		return protocol.Error(ErrNoPendingRequest.Error())
	}

	sess.SetLastToken(m.Token)

	teacherSess, ok := r.registry.GetSession(requester)
	if !ok {
		return protocol.Error("requester no longer connected")
	}

	push := &protocol.Message{
		Kind:           protocol.KindScreenTokenData,
		Token:          m.Token,
		TargetClientID: sess.Username,
	}
	if err := teacherSess.Conn.Send(push); err != nil {
		r.log.Warn().Err(err).Str("requester", requester).Msg("token forward failed")
		return protocol.Error("requester unreachable")
	}
	return protocol.Success("token forwarded")
}

// reply maps a registry result to a status response.
func (r *Router) reply(err error, successText string) *protocol.Message {
	if err != nil {
		return protocol.Error(err.Error())
	}
	return protocol.Success(successText)
}
