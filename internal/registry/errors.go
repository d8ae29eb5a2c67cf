package registry

import "errors"

// Business-rule failures reported to clients via error status responses.
// None of these terminate the connection.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrDuplicateRoom = errors.New("room already owned by another teacher")
	ErrNotOwner      = errors.New("requester does not own this room")
	ErrNotStudent    = errors.New("only students can join rooms")
	ErrNotTeacher    = errors.New("only teachers can own rooms")
)
