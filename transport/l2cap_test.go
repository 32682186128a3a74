package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
)

func testL2CAPPair(t *testing.T) (*L2CAP, *L2CAP) {
	t.Helper()

	streamA, streamB := radio.NewLoopbackStreamPair()
	a := NewL2CAP(streamA, zap.NewNop())
	b := NewL2CAP(streamB, zap.NewNop())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestL2CAPFrameRoundTrip(t *testing.T) {
	a, b := testL2CAPPair(t)

	frames := []protocol.Frame{
		protocol.NewPing(1),
		protocol.NewData(7, []byte("stream chunk")),
		protocol.NewCancel("done"),
	}
	go func() {
		for _, frame := range frames {
			_ = a.Send(context.Background(), frame)
		}
	}()

	for _, want := range frames {
		got := waitForFrame(t, b.Frames(), time.Second)
		if got.Kind != want.Kind {
			t.Fatalf("expected %s, got %s", want.Kind, got.Kind)
		}
	}
}

func TestL2CAPKind(t *testing.T) {
	a, _ := testL2CAPPair(t)
	if a.Kind() != KindL2CAP {
		t.Fatalf("expected l2cap kind, got %s", a.Kind())
	}
}

func TestL2CAPCloseTerminatesFrameStream(t *testing.T) {
	a, b := testL2CAPPair(t)

	_ = a.Close()

	select {
	case _, ok := <-b.Frames():
		if ok {
			t.Fatalf("expected closed frame channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("frame channel never closed")
	}

	if err := b.Send(context.Background(), protocol.NewPing(1)); err == nil {
		t.Fatalf("expected send failure after peer close")
	}
}

func TestL2CAPSendAfterCloseFails(t *testing.T) {
	a, _ := testL2CAPPair(t)
	_ = a.Close()

	err := a.Send(context.Background(), protocol.NewPing(1))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}
