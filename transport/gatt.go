package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
)

const (
	packetHeaderSize = 11
	// MinPacketSize clamps negotiated packet sizes from below.
	MinPacketSize = 40

	packetFlagBulk    = 0x00
	packetFlagControl = 0x01

	// DefaultRetryInterval is the retransmit scan cadence.
	DefaultRetryInterval = 200 * time.Millisecond
	// DefaultRetryTimeout is how long an unacked frame waits before resend.
	DefaultRetryTimeout = 2 * time.Second
	// DefaultMaxRetries bounds retransmissions of one sequence before the
	// transport gives up.
	DefaultMaxRetries = 8

	reassemblyStaleAfter = 10 * time.Second
)

var packetMagic = [2]byte{'G', 'D'}

// GATTConfig parameterizes the datagram reliability layer.
type GATTConfig struct {
	WindowSize    int
	RetryInterval time.Duration
	RetryTimeout  time.Duration
	MaxRetries    int
}

func (c GATTConfig) withDefaults() GATTConfig {
	out := c
	if out.WindowSize < 1 {
		out.WindowSize = 1
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	if out.RetryTimeout <= 0 {
		out.RetryTimeout = DefaultRetryTimeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	return out
}

type reassemblyEntry struct {
	flags     byte
	count     uint16
	fragments map[uint16][]byte
	updatedAt time.Time
}

// GATT makes an unreliable MTU-bounded packet link behave like a reliable
// ordered frame stream: envelopes are fragmented across packets, bulk data
// frames ride a sliding window with cumulative/selective acknowledgement and
// timed retransmission, control frames use the acknowledged write path.
type GATT struct {
	link radio.PacketLink
	cfg  GATTConfig
	log  *zap.Logger

	capacity int

	windowMu sync.Mutex
	window   *Window
	slotFree chan struct{}

	frameIDMu   sync.Mutex
	nextFrameID uint32

	sendMu sync.Mutex

	frames     chan protocol.Frame
	reassembly map[uint32]*reassemblyEntry

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	terminal error
}

// NewGATT starts the reliability layer over one packet link.
func NewGATT(link radio.PacketLink, cfg GATTConfig, log *zap.Logger) *GATT {
	cfg = cfg.withDefaults()

	maxPacketSize := link.MaxPacketSize()
	if maxPacketSize < MinPacketSize {
		maxPacketSize = MinPacketSize
	}

	g := &GATT{
		link:        link,
		cfg:         cfg,
		log:         log,
		capacity:    maxPacketSize - packetHeaderSize,
		window:      NewWindow(cfg.WindowSize),
		slotFree:    make(chan struct{}, 1),
		nextFrameID: 1,
		frames:      make(chan protocol.Frame, 64),
		reassembly:  make(map[uint32]*reassemblyEntry),
		closed:      make(chan struct{}),
	}

	go g.readLoop()
	go g.retryLoop()

	return g
}

// Kind returns KindGATT.
func (g *GATT) Kind() Kind {
	return KindGATT
}

// Frames yields reassembled incoming frames.
func (g *GATT) Frames() <-chan protocol.Frame {
	return g.frames
}

// Err returns the terminal transport error, if any.
func (g *GATT) Err() error {
	g.errMu.RLock()
	defer g.errMu.RUnlock()
	return g.terminal
}

// Send transmits one frame. Data frames block for a window slot and use
// write-without-response; every other kind is a control frame sent on the
// acknowledged write path.
func (g *GATT) Send(ctx context.Context, frame protocol.Frame) error {
	select {
	case <-g.closed:
		if err := g.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	default:
	}

	envelope, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	if frame.Kind == protocol.KindData {
		return g.sendBulk(ctx, frame.Data.Seq, envelope)
	}
	return g.sendControl(ctx, envelope)
}

func (g *GATT) sendBulk(ctx context.Context, seq uint64, envelope []byte) error {
	for {
		g.windowMu.Lock()
		admitted := g.window.CanSend(seq)
		g.windowMu.Unlock()
		if admitted {
			break
		}

		select {
		case <-g.slotFree:
		case <-ctx.Done():
			return ctx.Err()
		case <-g.closed:
			if err := g.Err(); err != nil {
				return err
			}
			return ErrTransportClosed
		}
	}

	if err := g.writeFragments(ctx, envelope, packetFlagBulk, false); err != nil {
		return err
	}

	g.windowMu.Lock()
	g.window.MarkSent(seq, envelope, time.Now())
	g.windowMu.Unlock()
	return nil
}

func (g *GATT) sendControl(ctx context.Context, envelope []byte) error {
	return g.writeFragments(ctx, envelope, packetFlagControl, true)
}

func (g *GATT) writeFragments(ctx context.Context, envelope []byte, flags byte, requiresResponse bool) error {
	frameID := g.newFrameID()
	packets := fragmentEnvelope(frameID, flags, envelope, g.capacity)

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	for _, packet := range packets {
		if !requiresResponse {
			for !g.link.CanSendWriteWithoutResponse() {
				if err := g.link.WaitForWriteWithoutResponseReady(ctx); err != nil {
					return &IoError{Op: "wait write ready", Err: err}
				}
			}
		}
		if err := g.link.WritePacket(ctx, packet, requiresResponse); err != nil {
			return &IoError{Op: "write packet", Err: err}
		}
	}
	return nil
}

// newFrameID returns the next reassembly key, wrapping around zero.
func (g *GATT) newFrameID() uint32 {
	g.frameIDMu.Lock()
	defer g.frameIDMu.Unlock()
	id := g.nextFrameID
	g.nextFrameID++
	if g.nextFrameID == 0 {
		g.nextFrameID = 1
	}
	return id
}

func fragmentEnvelope(frameID uint32, flags byte, envelope []byte, capacity int) [][]byte {
	count := (len(envelope) + capacity - 1) / capacity
	if count == 0 {
		count = 1
	}

	packets := make([][]byte, 0, count)
	for index := 0; index < count; index++ {
		start := index * capacity
		end := start + capacity
		if end > len(envelope) {
			end = len(envelope)
		}
		fragment := envelope[start:end]

		packet := make([]byte, packetHeaderSize+len(fragment))
		copy(packet[0:2], packetMagic[:])
		binary.BigEndian.PutUint32(packet[2:6], frameID)
		binary.BigEndian.PutUint16(packet[6:8], uint16(index))
		binary.BigEndian.PutUint16(packet[8:10], uint16(count))
		packet[10] = flags
		copy(packet[packetHeaderSize:], fragment)
		packets = append(packets, packet)
	}
	return packets
}

func (g *GATT) readLoop() {
	defer close(g.frames)

	for {
		select {
		case <-g.closed:
			return
		case packet, ok := <-g.link.Packets():
			if !ok {
				g.fail(ErrTransportClosed)
				return
			}
			g.handlePacket(packet, time.Now())
		}
	}
}

func (g *GATT) handlePacket(packet []byte, now time.Time) {
	frameID, index, count, flags, fragment, err := parsePacket(packet)
	if err != nil {
		g.log.Debug("gatt: dropping malformed packet", zap.Error(err))
		return
	}

	g.collectStale(now)

	entry := g.reassembly[frameID]
	if entry == nil {
		entry = &reassemblyEntry{
			flags:     flags,
			count:     count,
			fragments: make(map[uint16][]byte),
		}
		g.reassembly[frameID] = entry
	}
	if entry.count != count {
		// Conflicting fragment counts under one frame ID; restart the entry.
		entry.count = count
		entry.fragments = make(map[uint16][]byte)
	}
	entry.fragments[index] = append([]byte(nil), fragment...)
	entry.updatedAt = now

	if len(entry.fragments) < int(entry.count) {
		return
	}
	delete(g.reassembly, frameID)

	envelope := make([]byte, 0)
	for i := uint16(0); i < entry.count; i++ {
		envelope = append(envelope, entry.fragments[i]...)
	}

	frame, err := protocol.Decode(envelope)
	if err != nil {
		g.log.Warn("gatt: dropping undecodable envelope", zap.Error(err))
		return
	}

	if frame.Kind == protocol.KindAck && frame.Ack != nil {
		g.handleAck(*frame.Ack)
	}

	select {
	case g.frames <- frame:
	case <-g.closed:
	}
}

func (g *GATT) collectStale(now time.Time) {
	for frameID, entry := range g.reassembly {
		if now.Sub(entry.updatedAt) > reassemblyStaleAfter {
			delete(g.reassembly, frameID)
		}
	}
}

func (g *GATT) handleAck(ack protocol.Ack) {
	g.windowMu.Lock()
	retransmit := g.window.ProcessAck(ack.CumSeq, ack.NackBitmap)
	var pending [][]byte
	for _, seq := range retransmit {
		if encoded, ok := g.window.Encoded(seq); ok {
			pending = append(pending, encoded)
			g.window.MarkRetransmitted(seq, time.Now())
		}
	}
	g.windowMu.Unlock()

	select {
	case g.slotFree <- struct{}{}:
	default:
	}

	for _, encoded := range pending {
		if err := g.writeFragments(context.Background(), encoded, packetFlagBulk, false); err != nil {
			g.log.Warn("gatt: nack retransmit failed", zap.Error(err))
			return
		}
	}
}

func (g *GATT) retryLoop() {
	ticker := time.NewTicker(g.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closed:
			return
		case <-ticker.C:
			if err := g.retransmitTimedOut(time.Now()); err != nil {
				g.fail(err)
				g.Close()
				return
			}
		}
	}
}

func (g *GATT) retransmitTimedOut(now time.Time) error {
	g.windowMu.Lock()
	timedOut := g.window.TimedOut(now, g.cfg.RetryTimeout)
	var pending [][]byte
	for _, seq := range timedOut {
		if g.window.RetryCount(seq) >= g.cfg.MaxRetries {
			g.windowMu.Unlock()
			return &TimeoutError{Scope: fmt.Sprintf("gatt retransmit of seq %d", seq)}
		}
		if encoded, ok := g.window.Encoded(seq); ok {
			pending = append(pending, encoded)
			g.window.MarkRetransmitted(seq, now)
		}
	}
	g.windowMu.Unlock()

	for _, encoded := range pending {
		if err := g.writeFragments(context.Background(), encoded, packetFlagBulk, false); err != nil {
			g.log.Warn("gatt: timed retransmit failed", zap.Error(err))
			return nil
		}
	}
	return nil
}

func (g *GATT) fail(err error) {
	g.errMu.Lock()
	if g.terminal == nil {
		g.terminal = err
	}
	g.errMu.Unlock()
}

// Close tears the transport down. Safe to call more than once.
func (g *GATT) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		_ = g.link.Close()
	})
	return nil
}

func parsePacket(packet []byte) (frameID uint32, index, count uint16, flags byte, fragment []byte, err error) {
	if len(packet) < packetHeaderSize {
		return 0, 0, 0, 0, nil, fmt.Errorf("packet shorter than header: %d bytes", len(packet))
	}
	if packet[0] != packetMagic[0] || packet[1] != packetMagic[1] {
		return 0, 0, 0, 0, nil, fmt.Errorf("bad packet magic %x", packet[0:2])
	}

	frameID = binary.BigEndian.Uint32(packet[2:6])
	index = binary.BigEndian.Uint16(packet[6:8])
	count = binary.BigEndian.Uint16(packet[8:10])
	flags = packet[10]

	if count == 0 {
		return 0, 0, 0, 0, nil, fmt.Errorf("zero fragment count")
	}
	if index >= count {
		return 0, 0, 0, 0, nil, fmt.Errorf("fragment index %d out of range %d", index, count)
	}
	if flags != packetFlagBulk && flags != packetFlagControl {
		return 0, 0, 0, 0, nil, fmt.Errorf("unknown packet flags %#x", flags)
	}

	return frameID, index, count, flags, packet[packetHeaderSize:], nil
}
