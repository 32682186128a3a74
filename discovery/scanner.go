package discovery

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/radio"
)

const (
	// DefaultStaleAfter is how long a device stays listed without a fresh
	// advertisement.
	DefaultStaleAfter = 15 * time.Second
	// DefaultSweepInterval is the stale-entry sweep cadence.
	DefaultSweepInterval = 5 * time.Second
)

// Config controls scanner behavior.
type Config struct {
	// SelfDeviceID filters the local device out of results.
	SelfDeviceID  string
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	return out
}

type trackedDevice struct {
	device   radio.NearbyDevice
	lastSeen time.Time
}

// Scanner consumes advertisement updates from the radio central and keeps a
// deduplicated nearby-device map with staleness expiry. Subscribers receive
// full snapshots whenever the set changes.
type Scanner struct {
	cfg     Config
	central radio.Central
	log     *zap.Logger

	mu      sync.RWMutex
	devices map[string]trackedDevice
	subs    map[chan []radio.NearbyDevice]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewScanner creates a scanner over one central adapter.
func NewScanner(central radio.Central, cfg Config, log *zap.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg.withDefaults(),
		central: central,
		log:     log,
		devices: make(map[string]trackedDevice),
		subs:    make(map[chan []radio.NearbyDevice]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		if err := s.central.StartScanning(); err != nil {
			startErr = err
			return
		}
		s.log.Info("discovery: scanning started",
			zap.Duration("stale_after", s.cfg.StaleAfter))
		s.wg.Add(1)
		go s.loop()
	})
	return startErr
}

// Stop ends scanning and closes all subscriber channels.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.central.StopScanning()
		s.wg.Wait()

		s.mu.Lock()
		for sub := range s.subs {
			close(sub)
			delete(s.subs, sub)
		}
		s.mu.Unlock()
	})
}

// Subscribe registers a snapshot channel. The returned cancel function must
// be called when the consumer goes away.
func (s *Scanner) Subscribe() (<-chan []radio.NearbyDevice, func()) {
	ch := make(chan []radio.NearbyDevice, 8)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Devices returns the current snapshot sorted by display name.
func (s *Scanner) Devices() []radio.NearbyDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	updates := s.central.NearbyDevices()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.expireStale(time.Now()) {
				s.publish()
			}
		case batch, ok := <-updates:
			if !ok {
				return
			}
			if s.upsert(batch, time.Now()) {
				s.publish()
			}
		}
	}
}

func (s *Scanner) upsert(batch []radio.NearbyDevice, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, device := range batch {
		if device.ID == "" || device.ID == s.cfg.SelfDeviceID {
			continue
		}
		existing, ok := s.devices[device.ID]
		if !ok || existing.device != device {
			changed = true
		}
		s.devices[device.ID] = trackedDevice{device: device, lastSeen: now}
	}
	return changed
}

func (s *Scanner) expireStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, tracked := range s.devices {
		if now.Sub(tracked.lastSeen) > s.cfg.StaleAfter {
			delete(s.devices, id)
			changed = true
		}
	}
	return changed
}

func (s *Scanner) publish() {
	s.mu.RLock()
	snapshot := s.snapshotLocked()
	for sub := range s.subs {
		select {
		case sub <- snapshot:
		default:
			// Slow consumer; it will catch up on the next change.
		}
	}
	s.mu.RUnlock()
}

func (s *Scanner) snapshotLocked() []radio.NearbyDevice {
	out := make([]radio.NearbyDevice, 0, len(s.devices))
	for _, tracked := range s.devices {
		out = append(out, tracked.device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}
