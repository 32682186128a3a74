package session

import (
	"sync"

	"github.com/TastyHeadphones/GhostDrop/radio"
	"github.com/TastyHeadphones/GhostDrop/transport"
)

// EventType classifies session events for UI consumers.
type EventType string

const (
	EventStateChanged         EventType = "state_changed"
	EventNearbyDevicesUpdated EventType = "nearby_devices_updated"
	EventConnected            EventType = "connected"
	EventTransportSelected    EventType = "transport_selected"
	EventHandshakeSAS         EventType = "handshake_sas"
	EventVerificationRequired EventType = "verification_required"
	EventTransferProgress     EventType = "transfer_progress"
	EventTransferCompleted    EventType = "transfer_completed"
	EventTransferFailed       EventType = "transfer_failed"
	EventLog                  EventType = "log"
)

// Progress captures one transfer progress sample.
type Progress struct {
	Bytes       int64
	Total       int64
	BytesPerSec float64
	// ETASeconds is negative when no estimate is available yet.
	ETASeconds float64
	Transport  transport.Kind
}

// Event is the union of everything the engine reports to subscribers.
type Event struct {
	Type EventType

	State     State
	Devices   []radio.NearbyDevice
	Device    radio.NearbyDevice
	Transport transport.Kind
	SAS       string
	Progress  Progress
	Filename  string
	Message   string
	LogEntry  string
}

// Bus fans session events out to all subscribers. Slow subscribers are
// skipped rather than blocking the engine.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus constructs a ready event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers an event channel. The returned cancel function must be
// called when the consumer goes away; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends an event to all current subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub)
		delete(b.subs, sub)
	}
}
