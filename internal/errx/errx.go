// Package errx classifies upload failures.
//
// Every failure recorded on a transfer request carries one Class:
//
//   - ClassTransient: connectivity loss, 5xx, timeouts. Retryable.
//   - ClassProtocol: malformed or undecodable server response. Retryable, and
//     the caller drops cached partial results before retrying.
//   - ClassClient: 4xx, unsupported format, missing source. Terminal.
//   - ClassLocal: local I/O failures such as a full disk. Terminal, and the OS
//     error text is kept in the message.
//
// Components wrap the error they detect with New (or one of the shorthands)
// and the scheduler reads the class back with Classify.
package errx

import (
	"errors"
	"fmt"
	"net/http"
)

type Class string

const (
	ClassTransient Class = "transient"
	ClassProtocol  Class = "protocol"
	ClassClient    Class = "client"
	ClassLocal     Class = "local"
)

// Retryable reports whether a request failing with c may be retried.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassProtocol
}

var (
	ErrSourceNotFound    = errors.New("source asset not found")
	ErrEmptySource       = errors.New("source asset is empty")
	ErrUnsupportedType   = errors.New("unsupported media type")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrMalformedResponse = errors.New("malformed server response")
	ErrSourceChanged     = errors.New("source asset changed since preparation")
)

// Error is a classified failure of operation Op.
type Error struct {
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(op string, class Class, err error) *Error {
	return &Error{Op: op, Class: class, Err: err}
}

func Transient(op string, err error) *Error { return New(op, ClassTransient, err) }
func Protocol(op string, err error) *Error  { return New(op, ClassProtocol, err) }
func Client(op string, err error) *Error    { return New(op, ClassClient, err) }
func Local(op string, err error) *Error     { return New(op, ClassLocal, err) }

// Classify returns the class of err. Explicitly classified errors win; known
// sentinels are mapped; anything else is transient.
func Classify(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}

	switch {
	case errors.Is(err, ErrSourceNotFound),
		errors.Is(err, ErrEmptySource),
		errors.Is(err, ErrUnsupportedType),
		errors.Is(err, ErrSourceChanged):
		return ClassClient
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrChecksumMismatch):
		return ClassProtocol
	}

	// Timeouts, net.Error and unknown failures stay retryable.
	return ClassTransient
}

// ClassForStatus maps an HTTP status code to a failure class.
// 408, 425 and 429 are transient like 5xx; other 4xx codes are terminal.
func ClassForStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return ClassTransient
	case code >= 400 && code < 500:
		return ClassClient
	default:
		return ClassTransient
	}
}

// FromHTTPStatus turns a non-2xx response into a classified error.
func FromHTTPStatus(op string, code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}

	err := fmt.Errorf("unexpected status %d %s: %s", code, http.StatusText(code), body)
	return New(op, ClassForStatus(code), err)
}
