package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classmon/internal/config"
	"classmon/internal/registry"
	"classmon/internal/router"
	"classmon/internal/transport"
	"classmon/pkg/protocol"
)

type allowAuth struct{}

func (allowAuth) Authenticate(_ context.Context, _ int, password string) (bool, error) {
	return password == "pw", nil
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.Server{
			Host:         "127.0.0.1",
			TCPPort:      0,
			HTTPPort:     0,
			WriteTimeout: 5 * time.Second,
		},
		Handshake: config.Handshake{PendingTTL: 10 * time.Second},
	}
	reg := registry.New(zerolog.Nop())
	r := router.New(reg, allowAuth{}, cfg.Handshake.PendingTTL, zerolog.Nop())
	srv := New(cfg, r, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func dialTCP(t *testing.T, srv *Server) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, srv.TCPAddr())
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", srv.TCPAddr(), err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// request sends a message and waits for the matching status response,
// collecting any pushes that arrive first.
func request(t *testing.T, conn transport.Conn, m *protocol.Message) (*protocol.Message, []*protocol.Message) {
	t.Helper()
	if err := conn.Send(m); err != nil {
		t.Fatalf("Send(%s) failed: %v", m.Kind, err)
	}
	var pushes []*protocol.Message
	for {
		reply, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive after %s failed: %v", m.Kind, err)
		}
		if reply.IsReply() {
			return reply, pushes
		}
		pushes = append(pushes, reply)
	}
}

func loginAs(t *testing.T, conn transport.Conn, username string, role string) {
	t.Helper()
	reply, _ := request(t, conn, &protocol.Message{
		Kind: protocol.KindLogin, Username: username, Password: "pw", UserID: 1, Role: role,
	})
	if !reply.OK() {
		t.Fatalf("login as %s failed: %+v", username, reply)
	}
}

func TestServer_RoomLifecycleOverTCP(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	student := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	loginAs(t, student, "s1", protocol.RoleStudent)

	reply, _ := request(t, teacher, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: "101"})
	if !reply.OK() {
		t.Fatalf("create_room reply = %+v", reply)
	}

	reply, _ = request(t, student, &protocol.Message{
		Kind: protocol.KindJoinRoom, RoomID: "101", StudentName: "Alice", MSSV: "123",
	})
	if !reply.OK() {
		t.Fatalf("join_room reply = %+v", reply)
	}

	reply, _ = request(t, teacher, &protocol.Message{Kind: protocol.KindRefresh, RoomID: "101"})
	if !reply.OK() {
		t.Fatalf("refresh reply = %+v", reply)
	}
	if len(reply.Participants) != 1 {
		t.Fatalf("refresh returned %d participants, want 1", len(reply.Participants))
	}
	p := reply.Participants[0]
	if p.Username != "s1" || p.StudentName != "Alice" || p.MSSV != "123" {
		t.Errorf("participant = %+v", p)
	}
}

func TestServer_JoinMissingRoom(t *testing.T) {
	srv := startTestServer(t)

	student := dialTCP(t, srv)
	loginAs(t, student, "s1", protocol.RoleStudent)

	reply, _ := request(t, student, &protocol.Message{
		Kind: protocol.KindJoinRoom, RoomID: "nope", StudentName: "Alice", MSSV: "123",
	})
	if reply.Status != protocol.StatusError {
		t.Errorf("join of missing room reply = %+v", reply)
	}
}

func TestServer_NoticeReachesMembers(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	student := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	loginAs(t, student, "s1", protocol.RoleStudent)

	request(t, teacher, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: "101"})
	request(t, student, &protocol.Message{Kind: protocol.KindJoinRoom, RoomID: "101", StudentName: "A", MSSV: "1"})

	reply, _ := request(t, teacher, &protocol.Message{
		Kind: protocol.KindNotify, RoomID: "101", Text: "open your books",
	})
	if !reply.OK() || !strings.Contains(reply.Text, "1 of 1") {
		t.Fatalf("notify reply = %+v", reply)
	}

	push, err := student.Receive()
	if err != nil {
		t.Fatalf("student Receive failed: %v", err)
	}
	if push.Kind != protocol.KindNotify || push.Text != "open your books" || push.SenderUsername != "t1" {
		t.Errorf("push = %+v", push)
	}
}

func TestServer_StreamingTokenRoundTrip(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	student := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	loginAs(t, student, "s1", protocol.RoleStudent)

	reply, _ := request(t, teacher, &protocol.Message{
		Kind: protocol.KindStartStreaming, TargetUsername: "s1",
	})
	if !reply.OK() {
		t.Fatalf("start_streaming reply = %+v", reply)
	}

	push, err := student.Receive()
	if err != nil {
		t.Fatalf("student Receive failed: %v", err)
	}
	if push.Kind != protocol.KindStartStreaming || push.SenderClientID != "t1" {
		t.Fatalf("student push = %+v", push)
	}

	reply, _ = request(t, student, &protocol.Message{
		Kind: protocol.KindScreenTokenData, Token: "invite-xyz",
	})
	if !reply.OK() {
		t.Fatalf("screen_data reply = %+v", reply)
	}

	token, err := teacher.Receive()
	if err != nil {
		t.Fatalf("teacher Receive failed: %v", err)
	}
	if token.Kind != protocol.KindScreenTokenData || token.Token != "invite-xyz" || token.TargetClientID != "s1" {
		t.Errorf("token push = %+v", token)
	}
}

func TestServer_MalformedLineKeepsConnection(t *testing.T) {
	srv := startTestServer(t)

	raw, err := net.Dial("tcp", srv.TCPAddr())
	if err != nil {
		t.Fatalf("raw dial failed: %v", err)
	}
	defer func() { _ = raw.Close() }()
	conn := transport.NewTCPConn(raw)
	defer func() { _ = conn.Close() }()

	if _, err := fmt.Fprintf(raw, "this is not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	reply, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive after garbage failed: %v", err)
	}
	if reply.Status != protocol.StatusError {
		t.Fatalf("garbage reply = %+v", reply)
	}

	// Connection is still usable for a proper login.
	loginAs(t, conn, "s1", protocol.RoleStudent)
}

func TestServer_WebSocketClient(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	request(t, teacher, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: "101"})

	url := "ws://" + srv.HTTPAddr() + "/ws"
	wsRaw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial %s failed: %v", url, err)
	}
	student := transport.NewWSConn(wsRaw)
	defer func() { _ = student.Close() }()

	loginAs(t, student, "s1", protocol.RoleStudent)
	reply, _ := request(t, student, &protocol.Message{
		Kind: protocol.KindJoinRoom, RoomID: "101", StudentName: "Bob", MSSV: "7",
	})
	if !reply.OK() {
		t.Fatalf("websocket join reply = %+v", reply)
	}

	reply, _ = request(t, teacher, &protocol.Message{Kind: protocol.KindRefresh, RoomID: "101"})
	if !reply.OK() || len(reply.Participants) != 1 || reply.Participants[0].Username != "s1" {
		t.Errorf("refresh after websocket join = %+v", reply)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	request(t, teacher, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: "101"})

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	var body struct {
		Status string         `json:"status"`
		Stats  map[string]int `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("health status = %q", body.Status)
	}
	if body.Stats["sessions"] != 1 || body.Stats["active_rooms"] != 1 {
		t.Errorf("health stats = %+v", body.Stats)
	}
}

func TestServer_DisconnectCleansUp(t *testing.T) {
	srv := startTestServer(t)

	teacher := dialTCP(t, srv)
	student := dialTCP(t, srv)
	loginAs(t, teacher, "t1", protocol.RoleTeacher)
	loginAs(t, student, "s1", protocol.RoleStudent)

	request(t, teacher, &protocol.Message{Kind: protocol.KindCreateRoom, RoomID: "101"})
	request(t, student, &protocol.Message{Kind: protocol.KindJoinRoom, RoomID: "101", StudentName: "A", MSSV: "1"})

	_ = student.Close()

	// The server drops the membership once the disconnect is observed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		reply, _ := request(t, teacher, &protocol.Message{Kind: protocol.KindRefresh, RoomID: "101"})
		if !reply.OK() {
			t.Fatalf("refresh reply = %+v", reply)
		}
		if len(reply.Participants) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("membership survived disconnect: %+v", reply.Participants)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
