// Package failure defines the closed set of pipeline failure kinds.
//
// Stages return *Error values tagged with a Kind. Callers select behavior and
// user-facing text by Kind through KindOf and Message, never by inspecting the
// error string.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies a class of pipeline failure.
type Kind int

const (
	// Internal is any failure outside the known kinds.
	Internal Kind = iota
	// TooLarge means the input exceeds the configured byte limit.
	TooLarge
	// DecodeError means the input could not be decoded as an image.
	DecodeError
	// LoadTimeout means decoding did not finish within its budget.
	LoadTimeout
	// NetworkError means the detection service was unreachable or answered
	// with a non-success status.
	NetworkError
	// ParseError means the detection service response was malformed.
	ParseError
	// Canceled means the run was superseded by a newer capture.
	Canceled
)

var kindNames = map[Kind]string{
	Internal:     "internal",
	TooLarge:     "too_large",
	DecodeError:  "decode_error",
	LoadTimeout:  "load_timeout",
	NetworkError: "network_error",
	ParseError:   "parse_error",
	Canceled:     "canceled",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a typed pipeline failure.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed, e.g. "validate" or "detect".
	Op string

	// Status is the HTTP status code for NetworkError responses, 0 otherwise.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed failure.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a typed failure with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// messages is the user-facing text for each kind.
var messages = map[Kind]string{
	Internal:     "Something went wrong while processing the photo. Please try again.",
	TooLarge:     "The photo is too large. Please retake it or choose a smaller image.",
	DecodeError:  "The photo could not be read. Please retake it.",
	LoadTimeout:  "Loading the photo took too long. Please retake it.",
	NetworkError: "The detection service could not be reached. Check your connection and try again.",
	ParseError:   "The detection service returned an unexpected response. Please try again later.",
	Canceled:     "A newer photo replaced this one.",
}

// Message returns the user-facing message for kind.
func Message(kind Kind) string {
	if m, ok := messages[kind]; ok {
		return m
	}
	return messages[Internal]
}

// MessageFor returns the user-facing message for err.
func MessageFor(err error) string {
	return Message(KindOf(err))
}
