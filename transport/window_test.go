package transport

import (
	"reflect"
	"testing"
	"time"
)

func TestWindowCanSendRespectsSize(t *testing.T) {
	w := NewWindow(2)
	now := time.Now()

	if !w.CanSend(0) {
		t.Fatalf("empty window must admit")
	}
	w.MarkSent(0, []byte("a"), now)
	w.MarkSent(1, []byte("b"), now)

	if w.CanSend(2) {
		t.Fatalf("full window must not admit a new sequence")
	}
	if !w.CanSend(1) {
		t.Fatalf("inflight sequence must stay sendable for idempotent resend")
	}
	if w.Len() != 2 {
		t.Fatalf("expected 2 inflight, got %d", w.Len())
	}
}

func TestWindowCumulativeAck(t *testing.T) {
	w := NewWindow(8)
	now := time.Now()
	for seq := uint64(0); seq < 5; seq++ {
		w.MarkSent(seq, []byte{byte(seq)}, now)
	}

	retransmit := w.ProcessAck(3, 0)
	if len(retransmit) != 0 {
		t.Fatalf("expected no retransmit candidates, got %v", retransmit)
	}
	if w.Len() != 1 {
		t.Fatalf("expected only seq 4 inflight, got %d entries", w.Len())
	}
	if !w.CanSend(5) {
		t.Fatalf("window must admit after cumulative ack freed slots")
	}
}

func TestWindowNackBitmapSelectsRetransmits(t *testing.T) {
	w := NewWindow(8)
	now := time.Now()
	for seq := uint64(10); seq <= 14; seq++ {
		w.MarkSent(seq, []byte{byte(seq)}, now)
	}

	retransmit := w.ProcessAck(10, 0b101)
	if !reflect.DeepEqual(retransmit, []uint64{11, 13}) {
		t.Fatalf("expected [11 13], got %v", retransmit)
	}
	if w.Len() != 4 {
		t.Fatalf("expected 4 inflight after cum ack of 10, got %d", w.Len())
	}
}

func TestWindowNackIgnoresUnknownSequences(t *testing.T) {
	w := NewWindow(8)
	w.MarkSent(5, []byte("e"), time.Now())

	retransmit := w.ProcessAck(4, 0b11)
	if !reflect.DeepEqual(retransmit, []uint64{5}) {
		t.Fatalf("expected only inflight seq 5, got %v", retransmit)
	}
}

func TestWindowTimedOutAndRefresh(t *testing.T) {
	w := NewWindow(8)
	t0 := time.Now()
	delta := 500 * time.Millisecond

	w.MarkSent(1, []byte("a"), t0)
	w.MarkSent(2, []byte("b"), t0)

	timedOut := w.TimedOut(t0.Add(delta), delta)
	if !reflect.DeepEqual(timedOut, []uint64{1, 2}) {
		t.Fatalf("expected [1 2], got %v", timedOut)
	}

	w.MarkRetransmitted(1, t0.Add(delta))
	timedOut = w.TimedOut(t0.Add(delta), delta)
	if !reflect.DeepEqual(timedOut, []uint64{2}) {
		t.Fatalf("expected refreshed seq excluded, got %v", timedOut)
	}

	if w.RetryCount(1) != 1 {
		t.Fatalf("expected retry count 1, got %d", w.RetryCount(1))
	}
	if w.RetryCount(2) != 0 {
		t.Fatalf("expected retry count 0, got %d", w.RetryCount(2))
	}
}

func TestWindowEncodedLookup(t *testing.T) {
	w := NewWindow(2)
	w.MarkSent(7, []byte("payload"), time.Now())

	encoded, ok := w.Encoded(7)
	if !ok || string(encoded) != "payload" {
		t.Fatalf("expected stored payload, got %q ok=%v", encoded, ok)
	}
	if _, ok := w.Encoded(8); ok {
		t.Fatalf("expected lookup miss for unknown sequence")
	}
}
