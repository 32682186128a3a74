package transport

import (
	"sort"
	"time"
)

// nackBitmapWidth is how many sequences past CumSeq an ack bitmap covers.
const nackBitmapWidth = 64

type inflightFrame struct {
	encoded    []byte
	sentAt     time.Time
	retryCount int
}

// Window tracks in-flight bulk-data frames for the GATT reliability layer:
// cumulative acknowledgement, selective NACK retransmit candidates, and
// timeout detection. Not safe for concurrent use; the owning transport
// serialises access.
type Window struct {
	size     int
	inflight map[uint64]*inflightFrame
}

// NewWindow creates a window admitting at most size unacknowledged frames.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		size:     size,
		inflight: make(map[uint64]*inflightFrame),
	}
}

// CanSend reports whether seq may be transmitted now: either it is already
// inflight (idempotent resend) or a window slot is free.
func (w *Window) CanSend(seq uint64) bool {
	if _, ok := w.inflight[seq]; ok {
		return true
	}
	return len(w.inflight) < w.size
}

// MarkSent inserts or refreshes the inflight entry for seq.
func (w *Window) MarkSent(seq uint64, encoded []byte, now time.Time) {
	if entry, ok := w.inflight[seq]; ok {
		entry.encoded = encoded
		entry.sentAt = now
		return
	}
	w.inflight[seq] = &inflightFrame{encoded: encoded, sentAt: now}
}

// ProcessAck removes every entry covered by the cumulative sequence and
// returns the still-inflight sequences the NACK bitmap selects for
// retransmission, sorted ascending. Bit b selects sequence cumSeq+1+b.
func (w *Window) ProcessAck(cumSeq, nackBitmap uint64) []uint64 {
	for seq := range w.inflight {
		if seq <= cumSeq {
			delete(w.inflight, seq)
		}
	}

	var retransmit []uint64
	for bit := uint(0); bit < nackBitmapWidth; bit++ {
		if nackBitmap&(1<<bit) == 0 {
			continue
		}
		seq := cumSeq + 1 + uint64(bit)
		if _, ok := w.inflight[seq]; ok {
			retransmit = append(retransmit, seq)
		}
	}
	return retransmit
}

// TimedOut returns every inflight sequence whose last transmission is at
// least timeout old, sorted ascending.
func (w *Window) TimedOut(now time.Time, timeout time.Duration) []uint64 {
	var timedOut []uint64
	for seq, entry := range w.inflight {
		if now.Sub(entry.sentAt) >= timeout {
			timedOut = append(timedOut, seq)
		}
	}
	sort.Slice(timedOut, func(i, j int) bool { return timedOut[i] < timedOut[j] })
	return timedOut
}

// MarkRetransmitted refreshes the send time and increments the retry count.
func (w *Window) MarkRetransmitted(seq uint64, now time.Time) {
	if entry, ok := w.inflight[seq]; ok {
		entry.sentAt = now
		entry.retryCount++
	}
}

// Encoded returns the stored envelope for an inflight sequence.
func (w *Window) Encoded(seq uint64) ([]byte, bool) {
	entry, ok := w.inflight[seq]
	if !ok {
		return nil, false
	}
	return entry.encoded, true
}

// RetryCount reports how many times seq has been retransmitted.
func (w *Window) RetryCount(seq uint64) int {
	if entry, ok := w.inflight[seq]; ok {
		return entry.retryCount
	}
	return 0
}

// Len returns the number of inflight frames.
func (w *Window) Len() int {
	return len(w.inflight)
}
