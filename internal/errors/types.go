package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	// KindTransient marks errors worth retrying (timeouts, 5xx, connection resets).
	KindTransient Kind = iota
	// KindAuth marks upstream 401 responses; the client re-logins once.
	KindAuth
	// KindNotFound marks a missing item, catalog, or reference.
	KindNotFound
	// KindValidation marks rejected input; never retried.
	KindValidation
	// KindPermanent marks everything else.
	KindPermanent
)

// Error carries a classification alongside the message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps err with a classification and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification, defaulting to KindPermanent.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAuth reports whether err represents an upstream authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}
