package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
)

// L2CAP rides a credit-based stream channel. The stream provides ordered
// reliable byte delivery, so frames are written back to back and a reader
// goroutine drains complete envelopes out of an accumulation buffer.
type L2CAP struct {
	stream io.ReadWriteCloser
	log    *zap.Logger

	writeMu sync.Mutex

	frames chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	terminal error
}

// NewL2CAP starts the frame stream over one open channel.
func NewL2CAP(stream io.ReadWriteCloser, log *zap.Logger) *L2CAP {
	l := &L2CAP{
		stream: stream,
		log:    log,
		frames: make(chan protocol.Frame, 64),
		closed: make(chan struct{}),
	}

	go l.readLoop()

	return l
}

// Kind returns KindL2CAP.
func (l *L2CAP) Kind() Kind {
	return KindL2CAP
}

// Frames yields incoming frames parsed off the stream.
func (l *L2CAP) Frames() <-chan protocol.Frame {
	return l.frames
}

// Err returns the terminal transport error, if any.
func (l *L2CAP) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.terminal
}

// Send encodes and writes one frame. Writes may block on peer credit.
func (l *L2CAP) Send(ctx context.Context, frame protocol.Frame) error {
	select {
	case <-l.closed:
		if err := l.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envelope, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stream.Write(envelope); err != nil {
		ioErr := &IoError{Op: "stream write", Err: err}
		l.fail(ioErr)
		l.Close()
		return ioErr
	}
	return nil
}

func (l *L2CAP) readLoop() {
	defer close(l.frames)

	var buffer bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		n, err := l.stream.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])

			frames, consumeErr := protocol.ConsumeFrames(&buffer)
			for _, frame := range frames {
				select {
				case l.frames <- frame:
				case <-l.closed:
					return
				}
			}
			if consumeErr != nil {
				l.fail(&IoError{Op: "stream decode", Err: consumeErr})
				l.Close()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isClosedPipe(err) {
				l.fail(&IoError{Op: "stream read", Err: err})
			} else {
				l.fail(ErrTransportClosed)
			}
			l.Close()
			return
		}
	}
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe)
}

func (l *L2CAP) fail(err error) {
	l.errMu.Lock()
	if l.terminal == nil {
		l.terminal = err
	}
	l.errMu.Unlock()
}

// Close tears the stream down. Safe to call more than once.
func (l *L2CAP) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.stream.Close()
	})
	return nil
}
