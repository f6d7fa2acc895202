package registration

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind separates failures that never reached the endpoint from
// rejections it reported.
type ErrorKind string

const (
	// KindTransport covers network failures and timeouts.
	KindTransport ErrorKind = "transport"

	// KindRejected is a non-2xx answer from the endpoint.
	KindRejected ErrorKind = "rejected"

	// KindMalformed means the request could not be built.
	KindMalformed ErrorKind = "malformed"
)

// Error is returned by every Client call that does not succeed.
type Error struct {
	Kind       ErrorKind
	Method     string
	StatusCode int
	// Title is the endpoint's first reported error, or "HTTP <code>".
	Title string
	// Raw holds the response body for logging.
	Raw string
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRejected:
		return fmt.Sprintf("registration %s rejected (%d): %s", e.Method, e.StatusCode, e.Title)
	case KindTransport:
		return fmt.Sprintf("registration %s transport error: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("registration request malformed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later identical attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport:
		return true
	case KindRejected:
		return e.StatusCode == http.StatusRequestTimeout ||
			e.StatusCode == http.StatusTooManyRequests ||
			e.StatusCode >= 500
	}
	return false
}

// IsRetryable checks if err is a retryable registration error.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

// KindOf extracts the error kind, KindMalformed for foreign errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindMalformed
}
