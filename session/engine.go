package session

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ghostcrypto "github.com/TastyHeadphones/GhostDrop/crypto"
	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
	"github.com/TastyHeadphones/GhostDrop/storage"
	"github.com/TastyHeadphones/GhostDrop/transport"
)

const (
	// DefaultAckTimeout bounds the hello-ack and verify-ack waits.
	DefaultAckTimeout = 15 * time.Second
	// DefaultResumeReplyTimeout bounds the sender's wait for the receiver's
	// resume report after metadata.
	DefaultResumeReplyTimeout = 5 * time.Second
)

// Config parameterizes one session engine.
type Config struct {
	DeviceID   string
	DeviceName string
	// Capabilities are the local advertised limits.
	Capabilities protocol.Capabilities

	ResumeStore   *storage.ResumeStore
	IncomingStore *storage.IncomingStore
	// History is optional transfer-history persistence.
	History *storage.Store

	AckTimeout         time.Duration
	ResumeReplyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.ResumeReplyTimeout <= 0 {
		out.ResumeReplyTimeout = DefaultResumeReplyTimeout
	}
	return out
}

// receiveContext tracks one inbound transfer between metadata and complete.
type receiveContext struct {
	transferID string
	filename   string
	size       int64
	sha256     []byte
	chunkSize  uint

	file *storage.IncomingFile

	lastConfirmed uint64
	haveConfirmed bool
	bytesReceived int64
	startedAt     time.Time
}

// Engine drives one GhostDrop session: handshake, SAS verification, chunked
// transfer with resume, completion and failure handling. State is guarded by
// one mutex; the frame loop and the public API are the only mutators.
type Engine struct {
	cfg Config
	log *zap.Logger
	bus *Bus

	mu    sync.Mutex
	state State

	tp transport.Transport

	sessionID  []byte
	ephemeral  *ecdh.PrivateKey
	localNonce []byte
	remoteCaps protocol.Capabilities
	peerDevice string

	secrets ghostcrypto.Secrets
	sealer  *ghostcrypto.Context
	sas     string

	verified       bool
	localConfirmed bool
	peerConfirmed  bool

	recv *receiveContext

	helloAckCh  chan protocol.HelloAck
	verifyAckCh chan bool
	resumeCh    chan protocol.Resume

	loopDone chan struct{}
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         NewBus(),
		state:       StateIdle,
		helloAckCh:  make(chan protocol.HelloAck, 1),
		verifyAckCh: make(chan bool, 1),
		resumeCh:    make(chan protocol.Resume, 1),
	}
}

// Events subscribes to session events.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SAS returns the derived short authentication string, once available.
func (e *Engine) SAS() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sas
}

// NotifyNearbyDevices forwards a discovery snapshot to event subscribers.
// The UI bridges the scanner's feed through here so session consumers see
// one event stream.
func (e *Engine) NotifyNearbyDevices(devices []radio.NearbyDevice) {
	e.bus.Publish(Event{Type: EventNearbyDevicesUpdated, Devices: devices})
}

// NotifyConnected reports a radio-level connection to event subscribers and
// records the peer for the upcoming handshake.
func (e *Engine) NotifyConnected(device radio.NearbyDevice) {
	e.SetPeerDevice(device.ID, device.Capabilities)
	e.bus.Publish(Event{Type: EventConnected, Device: device})
}

// SetPeerDevice records the remote device identity (from discovery) and its
// advertised capabilities before the handshake.
func (e *Engine) SetPeerDevice(deviceID string, capabilities protocol.Capabilities) {
	e.mu.Lock()
	e.peerDevice = deviceID
	e.remoteCaps = capabilities
	e.mu.Unlock()
}

// Attach hands the negotiated transport to the engine and starts the frame
// loop. The engine owns the transport from here on.
func (e *Engine) Attach(tp transport.Transport) {
	e.mu.Lock()
	e.tp = tp
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	e.bus.Publish(Event{Type: EventTransportSelected, Transport: tp.Kind()})
	go e.frameLoop(tp)
}

// Transition moves the session to a new state, emitting stateChanged.
// Re-entering the current state is a no-op.
func (e *Engine) Transition(to State) error {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		e.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	e.state = to
	e.mu.Unlock()

	e.log.Info("session: state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	e.bus.Publish(Event{Type: EventStateChanged, State: to})
	return nil
}

// StartSender runs the initiator handshake: hello, hello-ack, secret
// derivation and the verify frame. On return the session is verifying and
// the SAS has been emitted for user comparison.
func (e *Engine) StartSender(ctx context.Context) error {
	e.mu.Lock()
	tp := e.tp
	e.mu.Unlock()
	if tp == nil {
		return ErrNoTransport
	}

	if err := e.Transition(StateNegotiating); err != nil {
		return err
	}

	ephemeral, err := ghostcrypto.GenerateEphemeralKey()
	if err != nil {
		return e.fail(err)
	}
	localNonce, err := ghostcrypto.NewSessionNonce()
	if err != nil {
		return e.fail(err)
	}
	sessionUUID := uuid.New()
	sessionID := sessionUUID[:]

	e.mu.Lock()
	e.ephemeral = ephemeral
	e.localNonce = localNonce
	e.sessionID = sessionID
	e.mu.Unlock()

	hello := protocol.NewHello(protocol.Hello{
		SessionID:       sessionID,
		DeviceID:        e.cfg.DeviceID,
		EphemeralPubKey: ephemeral.PublicKey().Bytes(),
		Nonce:           localNonce,
		Capabilities:    e.cfg.Capabilities,
	})
	if err := tp.Send(ctx, hello); err != nil {
		return e.fail(fmt.Errorf("send hello: %w", err))
	}

	ack, err := e.waitForHelloAck(ctx)
	if err != nil {
		return e.fail(err)
	}

	peerPublic, err := ghostcrypto.ParseEphemeralPublicKey(ack.EphemeralPubKey)
	if err != nil {
		return e.fail(&HandshakeError{Reason: fmt.Sprintf("bad peer public key: %v", err)})
	}
	secrets, err := ghostcrypto.DeriveSecrets(sessionID, ephemeral, localNonce, peerPublic, ack.Nonce)
	if err != nil {
		return e.fail(&HandshakeError{Reason: fmt.Sprintf("derive secrets: %v", err)})
	}
	if err := e.installSecrets(ghostcrypto.RoleSender, secrets); err != nil {
		return e.fail(err)
	}

	verify := protocol.NewVerify(protocol.Verify{
		TranscriptHash: secrets.TranscriptHash,
		SASCode:        e.SAS(),
	})
	if err := tp.Send(ctx, verify); err != nil {
		return e.fail(fmt.Errorf("send verify: %w", err))
	}

	if err := e.Transition(StateVerifying); err != nil {
		return e.fail(err)
	}
	e.emitSAS()
	return nil
}

// StartReceiver begins advertising; the hello exchange is driven by the
// frame loop.
func (e *Engine) StartReceiver() error {
	e.mu.Lock()
	tp := e.tp
	e.mu.Unlock()
	if tp == nil {
		return ErrNoTransport
	}
	return e.Transition(StateAdvertising)
}

// ConfirmSAS reports the local user's comparison result and completes mutual
// verification. With match false the session fails with
// ErrVerificationRejected; otherwise the call blocks until the peer's verify
// ack arrives (bounded by the ack timeout).
func (e *Engine) ConfirmSAS(ctx context.Context, match bool) error {
	e.mu.Lock()
	tp := e.tp
	e.mu.Unlock()
	if tp == nil {
		return ErrNoTransport
	}

	// The verify ack itself is part of establishing verification, so it is
	// always sent plaintext.
	if err := tp.Send(ctx, protocol.NewVerifyAck(match)); err != nil {
		return e.fail(fmt.Errorf("send verify ack: %w", err))
	}

	if !match {
		_ = e.Transition(StateFailed)
		e.bus.Publish(Event{Type: EventTransferFailed, Message: ErrVerificationRejected.Error()})
		e.teardown()
		return ErrVerificationRejected
	}

	e.mu.Lock()
	e.localConfirmed = true
	alreadyConfirmed := e.peerConfirmed
	e.mu.Unlock()

	if !alreadyConfirmed {
		timer := time.NewTimer(e.cfg.AckTimeout)
		defer timer.Stop()

		select {
		case peerMatch := <-e.verifyAckCh:
			if !peerMatch {
				_ = e.Transition(StateFailed)
				e.bus.Publish(Event{Type: EventTransferFailed, Message: ErrVerificationRejected.Error()})
				return ErrVerificationRejected
			}
		case <-timer.C:
			return e.fail(&transport.TimeoutError{Scope: "verify ack"})
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.completeVerification()
}

// Cancel sends a best-effort cancel frame, transitions to cancelled and
// tears down the transport.
func (e *Engine) Cancel(ctx context.Context, reason string) error {
	e.mu.Lock()
	tp := e.tp
	e.mu.Unlock()

	if tp != nil {
		_ = e.sendControl(ctx, protocol.NewCancel(reason))
	}

	if err := e.Transition(StateCancelled); err != nil {
		return err
	}
	e.teardown()
	return nil
}

// Reset returns a terminal session to idle so the engine can be reused.
func (e *Engine) Reset() error {
	if err := e.Transition(StateIdle); err != nil {
		return err
	}

	e.mu.Lock()
	e.sessionID = nil
	e.ephemeral = nil
	e.localNonce = nil
	e.secrets = ghostcrypto.Secrets{}
	e.sealer = nil
	e.sas = ""
	e.verified = false
	e.localConfirmed = false
	e.peerConfirmed = false
	if e.recv != nil && e.recv.file != nil {
		_ = e.recv.file.Close()
	}
	e.recv = nil
	e.mu.Unlock()
	return nil
}

// Close tears the session down without emitting a cancel frame.
func (e *Engine) Close() {
	e.teardown()
	e.bus.Close()
}

func (e *Engine) waitForHelloAck(ctx context.Context) (protocol.HelloAck, error) {
	timer := time.NewTimer(e.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-e.helloAckCh:
		return ack, nil
	case <-timer.C:
		return protocol.HelloAck{}, &transport.TimeoutError{Scope: "hello ack"}
	case <-ctx.Done():
		return protocol.HelloAck{}, ctx.Err()
	}
}

func (e *Engine) installSecrets(role ghostcrypto.Role, secrets ghostcrypto.Secrets) error {
	sealer, err := ghostcrypto.NewContext(role, secrets)
	if err != nil {
		return err
	}
	sas, err := ghostcrypto.DeriveSAS(secrets.TranscriptHash)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.secrets = secrets
	e.sealer = sealer
	e.sas = sas
	e.mu.Unlock()
	return nil
}

func (e *Engine) emitSAS() {
	e.bus.Publish(Event{Type: EventHandshakeSAS, SAS: e.SAS()})
	e.bus.Publish(Event{Type: EventVerificationRequired})
}

func (e *Engine) completeVerification() error {
	e.mu.Lock()
	e.verified = true
	e.mu.Unlock()

	if err := e.Transition(StateTransferring); err != nil {
		return e.fail(err)
	}
	return nil
}

// sendControl applies the control-frame sealing rule: after verification
// every control frame is sealed except Ack and Resume, which stay plaintext
// as idempotent integrity hints.
func (e *Engine) sendControl(ctx context.Context, frame protocol.Frame) error {
	e.mu.Lock()
	tp := e.tp
	sealer := e.sealer
	verified := e.verified
	e.mu.Unlock()

	if tp == nil {
		return ErrNoTransport
	}

	if verified && sealer != nil && frame.Kind != protocol.KindAck && frame.Kind != protocol.KindResume {
		sealed, err := sealer.Seal(frame)
		if err != nil {
			return err
		}
		frame = sealed
	}
	return tp.Send(ctx, frame)
}

// fail transitions to failed, emits transferFailed and tears down the
// transport. Resume state is preserved for a later reconnect.
func (e *Engine) fail(err error) error {
	_ = e.Transition(StateFailed)
	e.bus.Publish(Event{Type: EventTransferFailed, Message: err.Error()})
	e.log.Warn("session: failed", zap.Error(err))
	e.teardown()
	return err
}

func (e *Engine) teardown() {
	e.mu.Lock()
	tp := e.tp
	if e.recv != nil && e.recv.file != nil {
		_ = e.recv.file.Close()
		e.recv.file = nil
	}
	e.mu.Unlock()

	// Transport close is idempotent, so repeated teardown is safe.
	if tp != nil {
		_ = tp.Close()
	}
}

func (e *Engine) frameLoop(tp transport.Transport) {
	defer close(e.loopDone)

	for frame := range tp.Frames() {
		if err := e.handleFrame(context.Background(), frame); err != nil {
			return
		}
	}

	// Transport died underneath an active session.
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if !state.IsTerminal() && state != StateIdle {
		if err := tp.Err(); err != nil {
			_ = e.fail(err)
		} else {
			_ = e.fail(transport.ErrTransportClosed)
		}
	}
}

// handleFrame dispatches one incoming frame. A non-nil return stops the
// frame loop; the session is already failed at that point.
func (e *Engine) handleFrame(ctx context.Context, frame protocol.Frame) error {
	switch frame.Kind {
	case protocol.KindEncrypted:
		e.mu.Lock()
		sealer := e.sealer
		e.mu.Unlock()
		if sealer == nil {
			return e.fail(&HandshakeError{Reason: "sealed frame before handshake"})
		}
		inner, err := sealer.Open(frame)
		if err != nil {
			return e.fail(err)
		}
		return e.handleFrame(ctx, inner)

	case protocol.KindHello:
		return e.handleHello(ctx, *frame.Hello)

	case protocol.KindHelloAck:
		select {
		case e.helloAckCh <- *frame.HelloAck:
		default:
		}
		return nil

	case protocol.KindVerify:
		return e.handleVerify(*frame.Verify)

	case protocol.KindVerifyAck:
		return e.handleVerifyAck(frame.VerifyAck.Match)

	case protocol.KindMetadata:
		return e.handleMetadata(ctx, *frame.Metadata)

	case protocol.KindData:
		return e.handleData(ctx, *frame.Data)

	case protocol.KindComplete:
		return e.handleComplete(ctx, *frame.Complete)

	case protocol.KindResume:
		select {
		case e.resumeCh <- *frame.Resume:
		default:
		}
		return nil

	case protocol.KindAck:
		// Bulk acknowledgements are consumed by the transport's sliding
		// window; nothing to do at session level.
		return nil

	case protocol.KindCancel:
		return e.fail(&HandshakeError{Reason: "peer cancelled: " + frame.Cancel.Reason})

	case protocol.KindPing:
		e.log.Debug("session: ping", zap.Uint32("token", frame.Ping.Token))
		return nil

	default:
		e.log.Warn("session: dropping unexpected frame", zap.String("kind", frame.Kind.String()))
		return nil
	}
}

func (e *Engine) handleHello(ctx context.Context, hello protocol.Hello) error {
	if err := e.Transition(StateNegotiating); err != nil {
		return e.fail(err)
	}

	ephemeral, err := ghostcrypto.GenerateEphemeralKey()
	if err != nil {
		return e.fail(err)
	}
	localNonce, err := ghostcrypto.NewSessionNonce()
	if err != nil {
		return e.fail(err)
	}

	peerPublic, err := ghostcrypto.ParseEphemeralPublicKey(hello.EphemeralPubKey)
	if err != nil {
		return e.fail(&HandshakeError{Reason: fmt.Sprintf("bad peer public key: %v", err)})
	}
	secrets, err := ghostcrypto.DeriveSecrets(hello.SessionID, ephemeral, localNonce, peerPublic, hello.Nonce)
	if err != nil {
		return e.fail(&HandshakeError{Reason: fmt.Sprintf("derive secrets: %v", err)})
	}

	e.mu.Lock()
	e.ephemeral = ephemeral
	e.localNonce = localNonce
	e.sessionID = append([]byte(nil), hello.SessionID...)
	e.remoteCaps = hello.Capabilities
	e.peerDevice = hello.DeviceID
	tp := e.tp
	e.mu.Unlock()

	if err := e.installSecrets(ghostcrypto.RoleReceiver, secrets); err != nil {
		return e.fail(err)
	}

	ack := protocol.NewHelloAck(protocol.HelloAck{
		SessionID:       hello.SessionID,
		EphemeralPubKey: ephemeral.PublicKey().Bytes(),
		Nonce:           localNonce,
	})
	if err := tp.Send(ctx, ack); err != nil {
		return e.fail(fmt.Errorf("send hello ack: %w", err))
	}

	if err := e.Transition(StateVerifying); err != nil {
		return e.fail(err)
	}
	e.emitSAS()
	return nil
}

func (e *Engine) handleVerify(verify protocol.Verify) error {
	e.mu.Lock()
	secrets := e.secrets
	sas := e.sas
	e.mu.Unlock()

	if len(secrets.TranscriptHash) == 0 {
		return e.fail(&HandshakeError{Reason: "verify before hello"})
	}
	if !bytes.Equal(verify.TranscriptHash, secrets.TranscriptHash) {
		return e.fail(&HandshakeError{Reason: "transcript hash mismatch"})
	}
	if verify.SASCode != sas {
		return e.fail(&HandshakeError{Reason: "sas code mismatch"})
	}
	return nil
}

func (e *Engine) handleVerifyAck(match bool) error {
	if !match {
		_ = e.Transition(StateFailed)
		e.bus.Publish(Event{Type: EventTransferFailed, Message: ErrVerificationRejected.Error()})
		e.teardown()
		return ErrVerificationRejected
	}

	e.mu.Lock()
	e.peerConfirmed = true
	localConfirmed := e.localConfirmed
	e.mu.Unlock()

	select {
	case e.verifyAckCh <- match:
	default:
	}

	if localConfirmed {
		return e.completeVerification()
	}
	return nil
}
