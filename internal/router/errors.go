package router

import "errors"

var (
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrAlreadyLoggedIn  = errors.New("already logged in")
	ErrAuthFailed       = errors.New("invalid credentials")
	ErrTargetNotFound   = errors.New("target student not found")
	ErrNoPendingRequest = errors.New("no pending request for this client")
	ErrUnsupportedKind  = errors.New("unsupported message")
	ErrRoleNotPermitted = errors.New("role not permitted for this operation")
)
