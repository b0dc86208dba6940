package auth

import "fmt"

// ErrorKind classifies an Auth Manager failure.
type ErrorKind string

const (
	// ErrNoRefreshToken is raised when neither memory nor the credentials
	// file yields a refresh token to use.
	ErrNoRefreshToken ErrorKind = "no_refresh_token"
	// ErrRefreshRejected is raised when the upstream refresh endpoint
	// returns a non-2xx response.
	ErrRefreshRejected ErrorKind = "refresh_rejected"
	// ErrNotInitialized is raised when a Service Adapter has neither an
	// access token nor a usable refresh token at first use.
	ErrNotInitialized ErrorKind = "not_initialized"
)

// Error is an Auth Manager failure carrying a classification and detail.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}
