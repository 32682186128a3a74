package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/TastyHeadphones/GhostDrop/protocol"
)

// Kind names the active transport flavor.
type Kind string

const (
	// KindGATT is the datagram transport with its own reliability layer.
	KindGATT Kind = "gatt"
	// KindL2CAP is the stream transport over a credit-based channel.
	KindL2CAP Kind = "l2cap"
)

var (
	// ErrTransportUnavailable indicates no transport could be established.
	ErrTransportUnavailable = errors.New("transport: unavailable")
	// ErrTransportClosed indicates use after close.
	ErrTransportClosed = errors.New("transport: closed")
)

// TimeoutError reports a scoped timeout (retransmit exhaustion, ack waits).
type TimeoutError struct {
	Scope string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: timeout: %s", e.Scope)
}

// IoError wraps a stream or link I/O failure.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("transport: io: %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Transport is the uniform frame-IO surface the session engine drives.
// Implementations deliver frames in order and own their reliability.
type Transport interface {
	Kind() Kind
	Send(ctx context.Context, frame protocol.Frame) error
	// Frames yields incoming frames. The channel closes when the transport
	// dies; Err reports the terminal cause.
	Frames() <-chan protocol.Frame
	Err() error
	Close() error
}
