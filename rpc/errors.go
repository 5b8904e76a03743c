// Package rpc implements the peer transport: TLS-secured WebSocket
// connections framed with the wire protocol, request/response
// correlation, and unsolicited event delivery.
package rpc

import (
	"errors"
	"fmt"

	"lightwallet/wire"
)

var (
	// ErrTransport covers socket-level errors, TLS errors, and
	// WebSocket protocol errors.
	ErrTransport = errors.New("rpc: transport error")

	// ErrMissingCertificate is returned when a peer presents no TLS
	// certificate during construction.
	ErrMissingCertificate = errors.New("rpc: peer presented no TLS certificate")

	// ErrPeerDropped is observed by every outstanding request waiter
	// once the peer's inbound task terminates.
	ErrPeerDropped = errors.New("rpc: peer connection dropped")

	// ErrEventNotSent indicates the unsolicited-event channel failed
	// to accept a push; this is fatal to the inbound task.
	ErrEventNotSent = errors.New("rpc: unsolicited event channel rejected delivery")
)

// InvalidResponseError reports a response whose kind is not among the
// kinds the caller expected.
type InvalidResponseError struct {
	Expected []wire.Kind
	Got      wire.Kind
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("rpc: invalid response: expected one of %v, got %v", e.Expected, e.Got)
}

// UnexpectedMessageError reports an inbound message carrying a
// correlation id that has no live slot in the RequestMap.
type UnexpectedMessageError struct {
	Kind wire.Kind
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("rpc: unexpected message with untracked id: %v", e.Kind)
}
