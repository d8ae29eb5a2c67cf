package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "login",
			msg:  &Message{Kind: KindLogin, Username: "t1", Password: "secret", UserID: 7, Role: RoleTeacher},
		},
		{
			name: "create_room",
			msg:  &Message{Kind: KindCreateRoom, RoomID: "101"},
		},
		{
			name: "join_room",
			msg:  &Message{Kind: KindJoinRoom, RoomID: "101", Username: "s1", StudentName: "Alice", MSSV: "123"},
		},
		{
			name: "refresh",
			msg:  &Message{Kind: KindRefresh, RoomID: "101"},
		},
		{
			name: "notify",
			msg:  &Message{Kind: KindNotify, RoomID: "101", Text: "open your books"},
		},
		{
			name: "broadcast_all",
			msg:  &Message{Kind: KindBroadcastAll, RoomID: "101", Text: "exam starts now"},
		},
		{
			name: "request_app",
			msg:  &Message{Kind: KindRequestApps, TargetUsername: "s1"},
		},
		{
			name: "return_app",
			msg: &Message{Kind: KindReturnApps, Username: "s1", Apps: []RunningApp{
				{ProcessName: "explorer", MainWindowTitle: ""},
				{ProcessName: "devenv", MainWindowTitle: "project"},
			}},
		},
		{
			name: "start_streaming",
			msg:  &Message{Kind: KindStartStreaming, TargetUsername: "s1"},
		},
		{
			name: "screen_data",
			msg:  &Message{Kind: KindScreenTokenData, Token: "invite-token", TargetClientID: "s1"},
		},
		{
			name: "logout",
			msg:  &Message{Kind: KindLogout, Username: "s1"},
		},
		{
			name: "status_response with participants",
			msg: &Message{Kind: KindStatusResponse, Status: StatusSuccess, Text: "ok", Participants: []Participant{
				{Username: "s1", StudentName: "Alice", MSSV: "123"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"garbage", []byte("not json at all")},
		{"truncated", []byte(`{"kind":"login","username":"t1"`)},
		{"missing kind", []byte(`{"username":"t1"}`)},
		{"unknown kind", []byte(`{"kind":"teleport"}`)},
		{"login without password", []byte(`{"kind":"login","username":"t1","role":"teacher"}`)},
		{"login with bad role", []byte(`{"kind":"login","username":"t1","password":"x","role":"admin"}`)},
		{"join_room without mssv", []byte(`{"kind":"join_room","room_id":"101","student_name":"Alice"}`)},
		{"status without status", []byte(`{"kind":"status_response","message":"hi"}`)},
		{"screen_data without token", []byte(`{"kind":"screen_data","target_client_id":"s1"}`)},
		{"oversized", []byte(`{"kind":"notify","room_id":"1","message":"` + strings.Repeat("a", MaxMessageBytes) + `"}`)},
		{"wrong field type", []byte(`{"kind":"login","username":42}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.data)
			if err == nil {
				t.Fatalf("Decode() = %+v, want error", m)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Decode() error = %v, want *DecodeError", err)
			}
		})
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	m, err := Decode([]byte(`{"kind":"refresh","room_id":"101","future_field":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.RoomID != "101" {
		t.Errorf("RoomID = %q, want %q", m.RoomID, "101")
	}
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	if _, err := Encode(&Message{Kind: "teleport"}); err == nil {
		t.Error("Encode() accepted unknown kind")
	}
	if _, err := Encode(nil); err == nil {
		t.Error("Encode() accepted nil message")
	}
}

func TestStatusHelpers(t *testing.T) {
	ok := Success("done")
	if !ok.OK() || !ok.IsReply() {
		t.Errorf("Success() not recognized as successful reply: %+v", ok)
	}
	bad := Error("nope")
	if bad.OK() {
		t.Errorf("Error() reported success: %+v", bad)
	}
	if !bad.IsReply() {
		t.Errorf("Error() not recognized as reply: %+v", bad)
	}
	push := &Message{Kind: KindNotify, RoomID: "1", Text: "x"}
	if push.IsReply() {
		t.Errorf("notify recognized as reply")
	}
}
