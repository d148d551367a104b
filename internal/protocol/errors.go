package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure reported to a control client.
type Kind string

const (
	KindSpawn             Kind = "SpawnError"
	KindNotFound          Kind = "NotFound"
	KindInvalidState      Kind = "InvalidState"
	KindProtocol          Kind = "ProtocolError"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindInternal          Kind = "InternalError"
)

// Error is a structured failure: a kind plus a human readable detail.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrNotFound) works
// for wrapped errors carrying a specific message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is comparisons.
var (
	ErrSpawn             = &Error{Kind: KindSpawn}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted}
)

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(name string) *Error {
	return Errorf(KindNotFound, "unknown process %q", name)
}

func InvalidState(name, state, detail string) *Error {
	return Errorf(KindInvalidState, "process %q is %s: %s", name, state, detail)
}

// AsError converts any error into a protocol error. Errors without a kind are
// reported as internal failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
