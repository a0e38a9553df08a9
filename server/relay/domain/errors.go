package domain

import "errors"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrPersistence     = errors.New("persistence failure")
	ErrBadRequest      = errors.New("bad request")
	ErrNotJoined       = errors.New("connection has not joined")
	ErrNotFound        = errors.New("not found")
	ErrNotParticipant  = errors.New("not a participant")
	ErrRateLimited     = errors.New("too many events, slow down")
)

const (
	ErrorCodeInvalidIdentity = "invalid_identity"
	ErrorCodePersistence     = "persistence_failure"
	ErrorCodeBadRequest      = "bad_request"
	ErrorCodeNotJoined       = "not_joined"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeForbidden       = "forbidden"
	ErrorCodeRateLimited     = "rate_limited"
	ErrorCodeInternal        = "internal"
)

// ErrorCode maps an error to the code carried by client-visible error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return ErrorCodeInvalidIdentity
	case errors.Is(err, ErrPersistence):
		return ErrorCodePersistence
	case errors.Is(err, ErrBadRequest):
		return ErrorCodeBadRequest
	case errors.Is(err, ErrNotJoined):
		return ErrorCodeNotJoined
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrNotParticipant):
		return ErrorCodeForbidden
	case errors.Is(err, ErrRateLimited):
		return ErrorCodeRateLimited
	default:
		return ErrorCodeInternal
	}
}
