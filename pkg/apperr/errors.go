package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies an error once, where the failing call is made.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindNetwork
	KindTimeout
	KindValidation
	KindNotFound
	KindDecode
	KindFileRead
	KindInFlight
)

var kindNames = map[Kind]string{
	KindOther:       "other",
	KindRateLimited: "rate_limited",
	KindNetwork:     "network",
	KindTimeout:     "timeout",
	KindValidation:  "validation",
	KindNotFound:    "not_found",
	KindDecode:      "decode",
	KindFileRead:    "file_read",
	KindInFlight:    "in_flight",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "other"
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindOther.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindOther
}

// Error is the single error shape used across the module.
type Error struct {
	Kind       Kind
	Message    string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind, keeping err reachable through errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// RateLimit builds a rate-limited error. A zero retryAfter means unknown.
func RateLimit(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, Status: 429, RetryAfter: retryAfter}
}

// KindOf returns the kind carried by err, or KindOther for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the numeric status attached to err, if any.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// UserMessage renders err as the text shown to a person.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindRateLimited:
		if e.RetryAfter > 0 {
			secs := int(math.Ceil(e.RetryAfter.Seconds()))
			return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before trying again.", secs)
		}
		return "Rate limit exceeded. Please wait a moment before trying again."
	case KindNetwork:
		if e.Message != "" {
			return e.Message
		}
		return "Service unavailable. Please check if the service is running."
	default:
		return e.Error()
	}
}
