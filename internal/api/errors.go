package api

import (
	"errors"
	"fmt"
)

// Category classifies a failed backend call so callers can pick a recovery
// path: queue the order, ask the staff, redirect to login, or drop session state.
type Category string

const (
	// CategoryNetwork covers unreachable host, timeouts and transport errors.
	// Recoverable by queueing locally and retrying later.
	CategoryNetwork Category = "network"
	// CategoryUnauthorized covers missing, expired or rejected tokens.
	CategoryUnauthorized Category = "unauthorized"
	// CategoryNotFound covers missing resources and closed/expired sessions.
	CategoryNotFound Category = "not_found"
	// CategoryConflict covers validation failures requiring human resolution.
	CategoryConflict Category = "conflict"
	// CategoryApp covers all other success:false application responses.
	CategoryApp Category = "app"
)

type Error struct {
	Category Category
	Code     string
	Message  string
	Status   int
	cause    error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func networkError(err error) *Error {
	return &Error{Category: CategoryNetwork, Message: err.Error(), cause: err}
}

func categoryOf(err error) (Category, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Category, true
	}
	return "", false
}

func IsNetwork(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNetwork
}

func IsUnauthorized(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryUnauthorized
}

func IsNotFound(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNotFound
}

func IsConflict(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryConflict
}

// ErrorCode returns the backend error code ("SESSION_NOT_FOUND",
// "CONFIRMATION_REQUIRED", ...) when err carries one.
func ErrorCode(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
