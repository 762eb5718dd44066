package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed means the bus rejected the credential during connect.
	// Fatal: the manager does not retry with a bad token.
	ErrAuthFailed = errors.New("chatsync: authentication failed")

	// ErrMaxReconnects means the reconnect attempt budget is exhausted.
	ErrMaxReconnects = errors.New("chatsync: reconnect attempts exhausted")

	// ErrNotConnected means an operation needed the live channel and it was
	// down.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrInactive means the store was asked to sync while the chat view is
	// not active.
	ErrInactive = errors.New("chatsync: store is not active")
)

// DecodeError wraps a malformed inbound frame. Dropped and logged, never
// fatal to the dispatch loop.
type DecodeError struct {
	Destination string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chatsync: decode frame for %q: %v", e.Destination, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
