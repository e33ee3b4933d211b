package types

import "errors"

// Domain error taxonomy shared by the membership service, the message store
// and the session manager. The edges (HTTP handlers, ws event loop) translate
// these into status codes and error events; nothing below the edge formats
// user-facing text.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrNotAMember   = errors.New("not a member")
	ErrEmpty        = errors.New("content is empty")
	ErrTooLong      = errors.New("content too long")
	ErrGone         = errors.New("message deleted")
	ErrTimeout      = errors.New("operation timed out")
	ErrInternal     = errors.New("internal error")
)

// ErrorCode returns the stable wire code for err, for use in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrTooLong):
		return "too_long"
	case errors.Is(err, ErrGone):
		return "gone"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
