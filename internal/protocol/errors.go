// Package protocol reads complete HTTP/1.x messages from byte streams.
package protocol

import (
	"errors"
	"fmt"
)

// Errors returned while reading messages.
var (
	ErrInvalidProtocol = errors.New("invalid protocol data")
	ErrIncompleteData  = errors.New("incomplete data for parsing")
	ErrHeaderTooLarge  = errors.New("header exceeds size limit")

	// ErrBodyTooLarge is an ErrInvalidProtocol.
	ErrBodyTooLarge = fmt.Errorf("%w: body exceeds size limit", ErrInvalidProtocol)
)

// Size limits used when the caller passes zero.
const (
	DefaultMaxHeaderSize       = 64 * 1024
	DefaultMaxBodySize   int64 = 16 << 20
)

// Sandbox line protocol markers written by a worker to stderr. Other lines
// are console output, optionally prefixed with SandboxLinePrefix.
const (
	SandboxReady      = "##READY"
	SandboxStop       = "##STOP"
	SandboxLinePrefix = "##"
)
