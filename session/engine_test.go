package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
	"github.com/TastyHeadphones/GhostDrop/storage"
	"github.com/TastyHeadphones/GhostDrop/transport"
)

func testEngine(t *testing.T, deviceID string, caps protocol.Capabilities) (*Engine, *storage.ResumeStore, *storage.IncomingStore) {
	t.Helper()

	dataDir := t.TempDir()
	resume, err := storage.NewResumeStore(filepath.Join(dataDir, "Resume"))
	if err != nil {
		t.Fatalf("NewResumeStore failed: %v", err)
	}
	incoming, err := storage.NewIncomingStore(filepath.Join(dataDir, "Incoming"))
	if err != nil {
		t.Fatalf("NewIncomingStore failed: %v", err)
	}

	engine := NewEngine(Config{
		DeviceID:           deviceID,
		DeviceName:         deviceID,
		Capabilities:       caps,
		ResumeStore:        resume,
		IncomingStore:      incoming,
		AckTimeout:         5 * time.Second,
		ResumeReplyTimeout: 2 * time.Second,
	}, zap.NewNop())
	t.Cleanup(engine.Close)

	return engine, resume, incoming
}

// countingTransport wraps a transport and counts sent data frames.
type countingTransport struct {
	transport.Transport
	mu        sync.Mutex
	dataSeqs  []uint64
	dataCount int
}

func (c *countingTransport) Send(ctx context.Context, frame protocol.Frame) error {
	if frame.Kind == protocol.KindData {
		c.mu.Lock()
		c.dataCount++
		c.dataSeqs = append(c.dataSeqs, frame.Data.Seq)
		c.mu.Unlock()
	}
	return c.Transport.Send(ctx, frame)
}

func (c *countingTransport) sentData() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.dataSeqs...)
}

func gattTransportPair(t *testing.T, windowSize int) (transport.Transport, transport.Transport) {
	t.Helper()

	linkA, linkB := radio.NewLoopbackPair(256)
	a := transport.NewGATT(linkA, transport.GATTConfig{WindowSize: windowSize}, zap.NewNop())
	b := transport.NewGATT(linkB, transport.GATTConfig{WindowSize: windowSize}, zap.NewNop())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func l2capTransportPair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()

	streamA, streamB := radio.NewLoopbackStreamPair()
	a := transport.NewL2CAP(streamA, zap.NewNop())
	b := transport.NewL2CAP(streamB, zap.NewNop())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func patternFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path, content
}

// autoConfirm confirms the SAS as soon as verification is requested.
func autoConfirm(t *testing.T, engine *Engine) <-chan error {
	t.Helper()

	events, cancel := engine.Events()
	done := make(chan error, 1)
	go func() {
		defer cancel()
		for event := range events {
			if event.Type == EventVerificationRequired {
				done <- engine.ConfirmSAS(context.Background(), true)
				return
			}
		}
		done <- errors.New("events closed before verification request")
	}()
	return done
}

func waitForState(t *testing.T, engine *Engine, want State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if engine.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached %s; stuck at %s", want, engine.State())
}

func runTransfer(t *testing.T, senderTP, receiverTP transport.Transport, fileSize int, chunkSize uint) (*Engine, *Engine, []byte, *storage.ResumeStore, *storage.IncomingStore) {
	t.Helper()

	caps := protocol.Capabilities{MaxChunk: chunkSize, MaxWindow: 8, ProtocolVersion: 1}
	sender, _, _ := testEngine(t, "sender-device", caps)
	receiver, receiverResume, receiverIncoming := testEngine(t, "receiver-device", caps)

	receiver.Attach(receiverTP)
	sender.Attach(senderTP)

	if err := receiver.StartReceiver(); err != nil {
		t.Fatalf("StartReceiver failed: %v", err)
	}

	receiverConfirm := autoConfirm(t, receiver)
	senderConfirm := autoConfirm(t, sender)

	if err := sender.StartSender(context.Background()); err != nil {
		t.Fatalf("StartSender failed: %v", err)
	}

	for _, confirm := range []<-chan error{senderConfirm, receiverConfirm} {
		select {
		case err := <-confirm:
			if err != nil {
				t.Fatalf("ConfirmSAS failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("confirmation timed out")
		}
	}

	waitForState(t, sender, StateTransferring, 2*time.Second)
	waitForState(t, receiver, StateTransferring, 2*time.Second)

	if sender.SAS() != receiver.SAS() || len(sender.SAS()) != 6 {
		t.Fatalf("SAS mismatch: %q vs %q", sender.SAS(), receiver.SAS())
	}

	path, content := patternFile(t, fileSize)
	if err := sender.SendFile(context.Background(), path, "application/octet-stream", 0); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitForState(t, receiver, StateCompleted, 5*time.Second)
	if sender.State() != StateCompleted {
		t.Fatalf("sender not completed: %s", sender.State())
	}

	return sender, receiver, content, receiverResume, receiverIncoming
}

func receivedFilePath(t *testing.T, root string) string {
	t.Helper()
	var found string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			found = path
		}
		return nil
	})
	if err != nil || found == "" {
		t.Fatalf("received file not found under %q: %v", root, err)
	}
	return found
}

func TestHappyPathTransferOverGATT(t *testing.T) {
	senderTP, receiverTP := gattTransportPair(t, 8)
	counting := &countingTransport{Transport: senderTP}

	_, receiver, content, receiverResume, _ := runTransfer(t, counting, receiverTP, 512, 128)

	// 512 bytes at 128-byte chunks is exactly four data frames.
	if got := counting.sentData(); len(got) != 4 {
		t.Fatalf("expected 4 data frames, got %v", got)
	}

	root := receiverIncomingRoot(t, receiver)
	stored, err := os.ReadFile(receivedFilePath(t, root))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("received bytes differ from source")
	}

	wantDigest := sha256.Sum256(content)
	gotDigest := sha256.Sum256(stored)
	if gotDigest != wantDigest {
		t.Fatalf("digest mismatch")
	}

	// Resume state is deleted on success.
	if _, err := receiverResume.Load(lastTransferID(t, receiver)); !errors.Is(err, storage.ErrResumeStateMissing) {
		t.Fatalf("expected resume state cleared, got %v", err)
	}
}

func TestHappyPathTransferOverL2CAP(t *testing.T) {
	senderTP, receiverTP := l2capTransportPair(t)

	_, receiver, content, _, _ := runTransfer(t, senderTP, receiverTP, 1000, 256)

	root := receiverIncomingRoot(t, receiver)
	stored, err := os.ReadFile(receivedFilePath(t, root))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("received bytes differ from source")
	}
}

func TestSASRejectionFailsBothSides(t *testing.T) {
	senderTP, receiverTP := l2capTransportPair(t)

	caps := protocol.Capabilities{MaxChunk: 128, MaxWindow: 4, ProtocolVersion: 1}
	sender, _, _ := testEngine(t, "sender-device", caps)
	receiver, _, _ := testEngine(t, "receiver-device", caps)

	receiver.Attach(receiverTP)
	sender.Attach(senderTP)

	if err := receiver.StartReceiver(); err != nil {
		t.Fatalf("StartReceiver failed: %v", err)
	}

	// The receiver rejects the SAS as soon as it is asked.
	events, cancel := receiver.Events()
	rejected := make(chan error, 1)
	go func() {
		defer cancel()
		for event := range events {
			if event.Type == EventVerificationRequired {
				rejected <- receiver.ConfirmSAS(context.Background(), false)
				return
			}
		}
	}()

	// The receiver may tear the transport down mid-handshake once the user
	// rejects, so the sender's handshake is allowed to error here.
	_ = sender.StartSender(context.Background())

	select {
	case err := <-rejected:
		if !errors.Is(err, ErrVerificationRejected) {
			t.Fatalf("expected ErrVerificationRejected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("rejection timed out")
	}

	waitForState(t, receiver, StateFailed, 2*time.Second)
	waitForState(t, sender, StateFailed, 2*time.Second)
}

func TestResumeRestartsAfterLastConfirmedSequence(t *testing.T) {
	senderTP, receiverTP := l2capTransportPair(t)
	counting := &countingTransport{Transport: senderTP}

	chunkSize := uint(10)
	fileSize := 1000 // 100 chunks
	transferID := "resume-transfer-1"
	caps := protocol.Capabilities{MaxChunk: chunkSize, MaxWindow: 8, ProtocolVersion: 1}

	sender, _, _ := testEngine(t, "sender-device", caps)
	receiver, receiverResume, receiverIncoming := testEngine(t, "receiver-device", caps)

	path, content := patternFile(t, fileSize)

	// The interrupted first attempt delivered chunks 0..49: the bytes are on
	// disk under the transfer directory and the checkpoint records seq 49.
	partial, err := receiverIncoming.Open(transferID, "source.bin", int64(fileSize))
	if err != nil {
		t.Fatalf("open partial file: %v", err)
	}
	if err := partial.WriteChunk(0, 500, content[:500]); err != nil {
		t.Fatalf("seed partial content: %v", err)
	}
	if err := partial.Close(); err != nil {
		t.Fatalf("close partial file: %v", err)
	}
	if err := receiverResume.Save(storage.TransferResumeState{
		TransferID:            transferID,
		FileName:              "source.bin",
		FileSize:              int64(fileSize),
		ChunkSize:             chunkSize,
		LastConfirmedSequence: 49,
	}); err != nil {
		t.Fatalf("seed resume state: %v", err)
	}

	receiver.Attach(receiverTP)
	sender.Attach(counting)

	if err := receiver.StartReceiver(); err != nil {
		t.Fatalf("StartReceiver failed: %v", err)
	}

	receiverConfirm := autoConfirm(t, receiver)
	senderConfirm := autoConfirm(t, sender)

	if err := sender.StartSender(context.Background()); err != nil {
		t.Fatalf("StartSender failed: %v", err)
	}
	for _, confirm := range []<-chan error{senderConfirm, receiverConfirm} {
		if err := <-confirm; err != nil {
			t.Fatalf("ConfirmSAS failed: %v", err)
		}
	}
	waitForState(t, sender, StateTransferring, 2*time.Second)

	if err := sender.SendFileWithTransferID(context.Background(), transferID, path, "application/octet-stream", 0); err != nil {
		t.Fatalf("SendFileWithTransferID failed: %v", err)
	}

	waitForState(t, receiver, StateCompleted, 5*time.Second)

	sent := counting.sentData()
	if len(sent) != 50 {
		t.Fatalf("expected 50 retransmitted chunks (50..99), got %d", len(sent))
	}
	if sent[0] != 50 || sent[len(sent)-1] != 99 {
		t.Fatalf("expected chunks 50..99, got first=%d last=%d", sent[0], sent[len(sent)-1])
	}

	root := receiverIncomingRoot(t, receiver)
	stored, err := os.ReadFile(receivedFilePath(t, root))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("resumed file differs from source")
	}
}

func receiverIncomingRoot(t *testing.T, receiver *Engine) string {
	t.Helper()
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if receiver.recv == nil {
		t.Fatalf("receiver has no transfer context")
	}
	return filepath.Dir(receiver.recv.file.Path())
}

func lastTransferID(t *testing.T, receiver *Engine) string {
	t.Helper()
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if receiver.recv == nil {
		t.Fatalf("receiver has no transfer context")
	}
	return receiver.recv.transferID
}
