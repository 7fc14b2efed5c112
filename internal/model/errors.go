package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies sync failures
type ErrorKind string

const (
	KindNetwork             ErrorKind = "network"
	KindServer              ErrorKind = "server"
	KindAuth                ErrorKind = "auth"
	KindValidation          ErrorKind = "validation"
	KindConflictApplication ErrorKind = "conflict_application"
	KindStorage             ErrorKind = "storage"
)

// ErrNoToken is returned when the token provider yields nothing
var ErrNoToken = errors.New("no bearer token available")

// Error is a classified sync error
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError wraps a transport-level failure
func NetworkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// ServerError wraps a 5xx (or 408/429) response
func ServerError(op string, status int, err error) *Error {
	return &Error{Kind: KindServer, Op: op, StatusCode: status, Err: err}
}

// AuthError wraps a 401/403 response or a missing token
func AuthError(op string, status int, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, StatusCode: status, Err: err}
}

// ValidationError wraps a rejected request
func ValidationError(op string, status int, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, StatusCode: status, Err: err}
}

// StorageError wraps a local store failure
func StorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// ConflictApplicationError wraps a failure to apply one conflict locally
func ConflictApplicationError(op string, err error) *Error {
	return &Error{Kind: KindConflictApplication, Op: op, Err: err}
}

// ErrorFromStatus maps an HTTP status to the error taxonomy
func ErrorFromStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("%s", http.StatusText(status))
	if body != "" {
		err = fmt.Errorf("%s: %s", http.StatusText(status), body)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError(op, status, err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ServerError(op, status, err)
	case status >= 500:
		return ServerError(op, status, err)
	default:
		return ValidationError(op, status, err)
	}
}

// KindOf returns the kind of a classified error, or "" if unclassified
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether an operation failing with err may succeed later.
// Network errors, timeouts, 5xx, 408 and 429 are retryable. Auth, validation,
// storage, missing token and cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoToken) {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetwork:
			return true
		case KindServer:
			return e.StatusCode == 0 ||
				e.StatusCode == http.StatusRequestTimeout ||
				e.StatusCode == http.StatusTooManyRequests ||
				e.StatusCode >= 500
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
