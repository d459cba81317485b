package collab

import "errors"

var (
	ErrSessionLocked   = errors.New("session is locked")
	ErrNotHost         = errors.New("only the host can do this")
	ErrClientNotFound  = errors.New("client not in session")
	ErrSessionClosed   = errors.New("session closed")
	ErrInvalidPassword = errors.New("invalid session password")
	ErrCommentNotFound = errors.New("comment not found")
)
