package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/config"
	"github.com/TastyHeadphones/GhostDrop/logging"
	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
	"github.com/TastyHeadphones/GhostDrop/session"
	"github.com/TastyHeadphones/GhostDrop/storage"
	"github.com/TastyHeadphones/GhostDrop/transport"
)

// The demo binary runs both roles of a transfer in one process over the
// in-memory loopback link: handshake, SAS comparison, negotiated transport
// and a full resumable transfer, end to end. Real deployments replace the
// loopback with a platform radio adapter behind the same interfaces.
func main() {
	sourcePath := flag.String("file", "", "file to transfer (default: a generated sample)")
	mimeType := flag.String("mime", "application/octet-stream", "mime type for the transfer metadata")
	useL2CAP := flag.Bool("l2cap", false, "negotiate the stream transport instead of gatt")
	flag.Parse()

	if err := run(*sourcePath, *mimeType, *useL2CAP); err != nil {
		fmt.Fprintf(os.Stderr, "ghostdrop: %v\n", err)
		os.Exit(1)
	}
}

func run(sourcePath, mimeType string, useL2CAP bool) error {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	log, _, err := logging.New(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	if sourcePath == "" {
		sourcePath, err = writeSampleFile()
		if err != nil {
			return err
		}
	}

	capabilities := protocol.Capabilities{
		SupportsL2CAP:   useL2CAP,
		MaxChunk:        cfg.MaxChunk,
		MaxWindow:       cfg.MaxWindow,
		ProtocolVersion: protocol.Version,
	}

	receiverDir := filepath.Join(dataDir, "demo-receiver")
	sender, err := buildEngine(cfg.DeviceID+"-sender", dataDir, capabilities, log.Named("sender"))
	if err != nil {
		return err
	}
	receiver, err := buildEngine(cfg.DeviceID+"-receiver", receiverDir, capabilities, log.Named("receiver"))
	if err != nil {
		return err
	}
	defer sender.Close()
	defer receiver.Close()

	senderTP, receiverTP, err := negotiateLoopback(capabilities, useL2CAP, log)
	if err != nil {
		return err
	}

	receiver.Attach(receiverTP)
	sender.Attach(senderTP)

	events, cancelEvents := receiver.Events()
	defer cancelEvents()
	go printEvents(events)

	if err := receiver.StartReceiver(); err != nil {
		return err
	}

	// Both users confirm the SAS as soon as it is displayed.
	confirmWhenAsked(receiver)
	confirmWhenAsked(sender)

	ctx := context.Background()
	if err := sender.StartSender(ctx); err != nil {
		return err
	}

	fmt.Printf("SAS: %s (both sides)\n", sender.SAS())

	if err := waitForState(sender, session.StateTransferring, 20*time.Second); err != nil {
		return err
	}

	if err := sender.SendFile(ctx, sourcePath, mimeType, 0); err != nil {
		return err
	}

	fmt.Printf("transfer complete: %s\n", filepath.Base(sourcePath))
	return nil
}

func buildEngine(deviceID, dataDir string, capabilities protocol.Capabilities, log *zap.Logger) (*session.Engine, error) {
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	resume, err := storage.NewResumeStore(config.ResumeDir(dataDir))
	if err != nil {
		return nil, err
	}
	incoming, err := storage.NewIncomingStore(config.IncomingDir(dataDir))
	if err != nil {
		return nil, err
	}
	history, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	return session.NewEngine(session.Config{
		DeviceID:      deviceID,
		DeviceName:    deviceID,
		Capabilities:  capabilities,
		ResumeStore:   resume,
		IncomingStore: incoming,
		History:       history,
	}, log), nil
}

func negotiateLoopback(capabilities protocol.Capabilities, useL2CAP bool, log *zap.Logger) (transport.Transport, transport.Transport, error) {
	gattConfig := transport.GATTConfig{WindowSize: int(capabilities.MaxWindow)}

	linkA, linkB := radio.NewLoopbackPair(radio.DefaultLoopbackPacketSize)
	gattFactory := func(ctx context.Context) (radio.PacketLink, error) { return linkA, nil }

	var l2capFactory radio.StreamFactory
	var receiverTP transport.Transport
	if useL2CAP {
		streamA, streamB := radio.NewLoopbackStreamPair()
		l2capFactory = func(ctx context.Context) (io.ReadWriteCloser, error) { return streamA, nil }
		receiverTP = transport.NewL2CAP(streamB, log)
	} else {
		receiverTP = transport.NewGATT(linkB, gattConfig, log)
	}

	senderTP, err := transport.Negotiate(context.Background(), capabilities, l2capFactory, gattFactory, gattConfig, log)
	if err != nil {
		return nil, nil, err
	}
	return senderTP, receiverTP, nil
}

func waitForState(engine *session.Engine, want session.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state := engine.State()
		if state == want {
			return nil
		}
		if state.IsTerminal() {
			return fmt.Errorf("session ended in %s before reaching %s", state, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", want)
}

func confirmWhenAsked(engine *session.Engine) {
	events, cancel := engine.Events()
	go func() {
		defer cancel()
		for event := range events {
			if event.Type == session.EventVerificationRequired {
				_ = engine.ConfirmSAS(context.Background(), true)
				return
			}
		}
	}()
}

func printEvents(events <-chan session.Event) {
	for event := range events {
		switch event.Type {
		case session.EventStateChanged:
			fmt.Printf("receiver state: %s\n", event.State)
		case session.EventTransportSelected:
			fmt.Printf("transport: %s\n", event.Transport)
		case session.EventTransferProgress:
			fmt.Printf("progress: %d/%d bytes (%.0f B/s)\n",
				event.Progress.Bytes, event.Progress.Total, event.Progress.BytesPerSec)
		case session.EventTransferCompleted:
			fmt.Printf("received: %s\n", event.Filename)
		case session.EventTransferFailed:
			fmt.Printf("failed: %s\n", event.Message)
		}
	}
}

func writeSampleFile() (string, error) {
	content := make([]byte, 64*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}

	path := filepath.Join(os.TempDir(), "ghostdrop-sample.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write sample file: %w", err)
	}
	return path, nil
}
