package auth

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("auth: authentication failed")
	ErrRefresh        = errors.New("auth: refresh failed")
	ErrNoSession      = errors.New("auth: no active session")
	ErrInvalidInput   = errors.New("auth: invalid input")
)

// ErrRefreshInterrupted means the exchange did not complete because the
// caller gave up or the exchange timed out. The session is left untouched.
var ErrRefreshInterrupted = errors.New("auth: refresh interrupted")

// ProviderError is a well-formed error response from the identity provider.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider returned %d", e.Status)
	}
	return fmt.Sprintf("identity provider returned %d: %s", e.Status, e.Message)
}
