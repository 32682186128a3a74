package radio

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultLoopbackPacketSize mimics a mid-size negotiated BLE MTU.
const DefaultLoopbackPacketSize = 185

// LoopbackLink is an in-memory PacketLink used by tests and the demo binary.
// Two linked ends form a full-duplex datagram channel. DropFunc, when set,
// discards matching outbound packets to simulate radio loss.
type LoopbackLink struct {
	peerIn chan<- []byte
	in     <-chan []byte

	maxPacketSize int

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	DropFunc func(packet []byte) bool
}

// NewLoopbackPair creates two connected loopback links.
func NewLoopbackPair(maxPacketSize int) (*LoopbackLink, *LoopbackLink) {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultLoopbackPacketSize
	}

	aToB := make(chan []byte, 256)
	bToA := make(chan []byte, 256)

	a := &LoopbackLink{peerIn: aToB, in: bToA, maxPacketSize: maxPacketSize, done: make(chan struct{})}
	b := &LoopbackLink{peerIn: bToA, in: aToB, maxPacketSize: maxPacketSize, done: make(chan struct{})}
	return a, b
}

// WritePacket delivers one packet to the peer end.
func (l *LoopbackLink) WritePacket(ctx context.Context, packet []byte, requiresResponse bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	drop := l.DropFunc
	l.mu.Unlock()

	if drop != nil && drop(packet) {
		return nil
	}

	buf := append([]byte(nil), packet...)
	select {
	case l.peerIn <- buf:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanSendWriteWithoutResponse reports whether the outbound buffer has room.
func (l *LoopbackLink) CanSendWriteWithoutResponse() bool {
	return len(l.peerIn) < cap(l.peerIn)
}

// WaitForWriteWithoutResponseReady returns once the outbound buffer drains.
func (l *LoopbackLink) WaitForWriteWithoutResponseReady(ctx context.Context) error {
	for !l.CanSendWriteWithoutResponse() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrLinkClosed
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// Packets yields packets written by the peer end.
func (l *LoopbackLink) Packets() <-chan []byte {
	return l.in
}

// MaxPacketSize reports the simulated MTU-derived packet size.
func (l *LoopbackLink) MaxPacketSize() int {
	return l.maxPacketSize
}

// Close tears down this end of the link.
func (l *LoopbackLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}

// NewLoopbackStreamPair returns two connected byte streams standing in for an
// L2CAP credit-based channel.
func NewLoopbackStreamPair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return a, b
}
