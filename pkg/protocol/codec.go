package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageBytes bounds a single encoded message. Oversized payloads are
// rejected at decode time so a misbehaving peer cannot exhaust the reader.
const MaxMessageBytes = 64 * 1024

// DecodeError reports a single malformed message. Receiving one is never
// terminal for the connection; the caller rejects the message and keeps
// reading.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// requiredFields lists, per kind, the payload fields that must be present
// for a message to be routable. Checked on decode so handlers never see a
// half-formed message of a known kind.
var requiredFields = map[string][]fieldCheck{
	KindLogin: {
		{"username", func(m *Message) bool { return m.Username != "" }},
		{"password", func(m *Message) bool { return m.Password != "" }},
		{"role", func(m *Message) bool { return IsValidRole(m.Role) }},
	},
	KindCreateRoom: {
		{"room_id", func(m *Message) bool { return m.RoomID != "" }},
	},
	KindJoinRoom: {
		{"room_id", func(m *Message) bool { return m.RoomID != "" }},
		{"student_name", func(m *Message) bool { return m.StudentName != "" }},
		{"mssv", func(m *Message) bool { return m.MSSV != "" }},
	},
	KindRefresh: {
		{"room_id", func(m *Message) bool { return m.RoomID != "" }},
	},
	KindNotify: {
		{"room_id", func(m *Message) bool { return m.RoomID != "" }},
		{"message", func(m *Message) bool { return m.Text != "" }},
	},
	KindBroadcastAll: {
		{"room_id", func(m *Message) bool { return m.RoomID != "" }},
		{"message", func(m *Message) bool { return m.Text != "" }},
	},
	KindRequestApps: {
		{"target_username", func(m *Message) bool { return m.TargetUsername != "" }},
	},
	// return_app carries no mandatory fields: a machine with nothing
	// running legitimately reports an empty list, which omitempty elides.
	KindReturnApps: {},
	KindStartStreaming: {
		{"target_username", func(m *Message) bool { return m.TargetUsername != "" }},
	},
	KindScreenTokenData: {
		{"token", func(m *Message) bool { return m.Token != "" }},
	},
	KindLogout: {},
	KindStatusResponse: {
		{"status", func(m *Message) bool { return m.Status == StatusSuccess || m.Status == StatusError }},
	},
}

type fieldCheck struct {
	name  string
	valid func(*Message) bool
}

// Encode serializes a message to its JSON wire form, without framing.
// Framing (the trailing newline on TCP, the frame boundary on WebSocket)
// belongs to the transport.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode nil message")
	}
	if _, ok := requiredFields[m.Kind]; !ok {
		return nil, fmt.Errorf("encode unknown kind %q", m.Kind)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return data, nil
}

// Decode parses one wire message. It fails with a *DecodeError when the
// bytes are not valid JSON, the kind is missing or unknown, or a required
// field for that kind is absent. It never panics on garbage input.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, malformed("empty payload", nil)
	}
	if len(data) > MaxMessageBytes {
		return nil, malformed(fmt.Sprintf("payload exceeds %d bytes", MaxMessageBytes), nil)
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, malformed("invalid JSON", err)
	}
	if m.Kind == "" {
		return nil, malformed("missing kind", nil)
	}
	checks, ok := requiredFields[m.Kind]
	if !ok {
		return nil, malformed(fmt.Sprintf("unknown kind %q", m.Kind), nil)
	}
	for _, c := range checks {
		if !c.valid(&m) {
			return nil, malformed(fmt.Sprintf("kind %q missing or invalid field %q", m.Kind, c.name), nil)
		}
	}
	return &m, nil
}
