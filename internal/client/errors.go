package client

import (
	"errors"
	"fmt"
	"net/http"

	"offsync.org/internal/queue"
)

var (
	// ErrOffline means the request was queued because the API is unreachable.
	// Callers should treat the operation as pending.
	ErrOffline = errors.New("client: offline, request queued")
	// ErrNetwork is a transport failure or timeout while nominally online.
	ErrNetwork = errors.New("client: network failure")
	// ErrApplication is a well-formed 4xx/5xx response. It is never retried.
	ErrApplication = errors.New("client: application error")
	// ErrAuthentication is a fatal credential failure; the session has been
	// terminated.
	ErrAuthentication = errors.New("client: authentication failed")
)

// Kind classifies an Error.
type Kind int

const (
	KindNetwork Kind = iota
	KindOffline
	KindApplication
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindApplication:
		return "application"
	case KindAuth:
		return "auth"
	default:
		return "network"
	}
}

// Error is the uniform failure returned by Client. Status is the HTTP
// status, or 500 when no response was received.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (%d): %s: %v", e.Kind, e.Status, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Status, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrOffline:
		return e.Kind == KindOffline
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrApplication, queue.ErrPermanent:
		return e.Kind == KindApplication
	case ErrAuthentication:
		return e.Kind == KindAuth
	}
	return false
}

func newError(kind Kind, status int, detail string, err error) *Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if detail == "" {
		if err != nil {
			detail = err.Error()
		} else {
			detail = http.StatusText(status)
		}
	}
	return &Error{Kind: kind, Status: status, Detail: detail, Err: err}
}

// IsNetwork reports whether err is a network-class failure.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }
