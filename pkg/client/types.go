package client

import "github.com/loykin/papa/internal/protocol"

// Wire types shared with the daemon.
type (
	Status     = protocol.Status
	Spec       = protocol.SpecArgs
	PingResult = protocol.PingResult
	Duration   = protocol.Duration
	Error      = protocol.Error
)

// Error sentinels for errors.Is.
var (
	ErrSpawn             = protocol.ErrSpawn
	ErrNotFound          = protocol.ErrNotFound
	ErrInvalidState      = protocol.ErrInvalidState
	ErrProtocol          = protocol.ErrProtocol
	ErrResourceExhausted = protocol.ErrResourceExhausted
)

// Frame is one piece of a live output feed. The last frame of a feed ended by
// the daemon has EOF set.
type Frame struct {
	Name   string
	Stream string
	Data   []byte
	EOF    bool
}
