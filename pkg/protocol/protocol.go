package protocol

// Message kind constants. The set is closed: decoding any other kind fails
// with ErrUnknownKind and the router answers unrouteable kinds with an
// error status_response.
const (
	KindLogin           = "login"
	KindCreateRoom      = "create_room"
	KindJoinRoom        = "join_room"
	KindRefresh         = "refresh"
	KindNotify          = "notify"
	KindBroadcastAll    = "broadcast_all"
	KindRequestApps     = "request_app"
	KindReturnApps      = "return_app"
	KindStartStreaming  = "start_streaming"
	KindScreenTokenData = "screen_data"
	KindLogout          = "logout"
	KindStatusResponse  = "status_response"
)

// Roles carried by login messages.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Status values carried by status_response messages.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RunningApp is one entry of a student's running-application list:
// a process name paired with its main window title.
type RunningApp struct {
	ProcessName     string `json:"process_name"`
	MainWindowTitle string `json:"main_window_title"`
}

// Participant describes one room member in a refresh reply.
type Participant struct {
	Username    string `json:"username"`
	StudentName string `json:"student_name"`
	MSSV        string `json:"mssv"`
}

// Message is the wire representation of every protocol exchange. The kind
// field selects which of the remaining fields are meaningful; all payload
// fields are omitempty so each kind serializes only what it carries.
type Message struct {
	Kind string `json:"kind"`

	// login
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	UserID   int    `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`

	// room operations
	RoomID      string `json:"room_id,omitempty"`
	StudentName string `json:"student_name,omitempty"`
	MSSV        string `json:"mssv,omitempty"`

	// notices and status text share the message field
	Text           string `json:"message,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`

	// two-hop targeting
	TargetUsername string `json:"target_username,omitempty"`
	SenderClientID string `json:"sender_client_id,omitempty"`

	// running-application payload
	Apps []RunningApp `json:"apps,omitempty"`

	// streaming handshake
	Token          string `json:"token,omitempty"`
	TargetClientID string `json:"target_client_id,omitempty"`

	// status_response
	Status       string        `json:"status,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// IsReply reports whether the message is a direct reply to a request, as
// opposed to a server push.
func (m *Message) IsReply() bool {
	return m.Kind == KindStatusResponse
}

// OK reports whether a status_response carries a success status.
func (m *Message) OK() bool {
	return m.Kind == KindStatusResponse && m.Status == StatusSuccess
}

// Success builds a success reply with a human-readable message.
func Success(text string) *Message {
	return &Message{Kind: KindStatusResponse, Status: StatusSuccess, Text: text}
}

// Error builds an error reply with a human-readable message.
func Error(text string) *Message {
	return &Message{Kind: KindStatusResponse, Status: StatusError, Text: text}
}

// IsValidRole reports whether role is one of the two client roles.
func IsValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}
