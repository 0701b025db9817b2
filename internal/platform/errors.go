package platform

import (
	"errors"
	"fmt"
)

// AuthError indicates the API key or session token was rejected. It is
// never retried; the controller treats it as fatal.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication rejected (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("authentication rejected (status %d)", e.Status)
}

// NetworkError indicates a transient transport or server failure. Callers
// retry it with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err is a transient network failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
