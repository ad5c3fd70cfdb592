// Package nikoerr defines the error taxonomy shared across the gateway's
// components.
package nikoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when the link could not be
	// opened and a reconnect is in progress.
	ErrTransportUnavailable = errors.New("nikobus: transport unavailable")
	// ErrTransportLost is returned to in-flight callers when the link
	// drops mid-session.
	ErrTransportLost = errors.New("nikobus: transport lost")
	// ErrAckTimeout is returned when no ACK arrived within the window.
	ErrAckTimeout = errors.New("nikobus: ack timeout")
	// ErrAnswerTimeout is returned when no matching answer arrived within
	// the window.
	ErrAnswerTimeout = errors.New("nikobus: answer timeout")
	// ErrRetriesExhausted is returned after the 3-strike retry budget is spent.
	ErrRetriesExhausted = errors.New("nikobus: retries exhausted")
	// ErrUnknownModule is returned when a command references an address
	// not present in configuration.
	ErrUnknownModule = errors.New("nikobus: unknown module")
	// ErrInvalidArgument is returned for out-of-range channel/brightness/position.
	ErrInvalidArgument = errors.New("nikobus: invalid argument")
)

// WrapModule annotates an error with the module address it concerns.
func WrapModule(addr string, err error) error {
	return fmt.Errorf("module %s: %w", addr, err)
}
