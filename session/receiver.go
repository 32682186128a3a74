package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/storage"
)

// handleMetadata opens the destination file, loads any resume checkpoint and
// reports the last confirmed sequence back to the sender. The resume frame
// stays plaintext.
func (e *Engine) handleMetadata(ctx context.Context, metadata protocol.Metadata) error {
	e.mu.Lock()
	verified := e.verified
	tp := e.tp
	e.mu.Unlock()

	if !verified {
		return e.fail(&HandshakeError{Reason: "metadata before verification"})
	}
	if metadata.TransferID == "" || metadata.ChunkSize == 0 || metadata.Size < 0 {
		return e.fail(&HandshakeError{Reason: "invalid transfer metadata"})
	}

	file, err := e.cfg.IncomingStore.Open(metadata.TransferID, metadata.Filename, metadata.Size)
	if err != nil {
		return e.fail(err)
	}

	recv := &receiveContext{
		transferID: metadata.TransferID,
		filename:   metadata.Filename,
		size:       metadata.Size,
		sha256:     append([]byte(nil), metadata.SHA256...),
		chunkSize:  metadata.ChunkSize,
		file:       file,
		startedAt:  time.Now(),
	}

	if state, err := e.cfg.ResumeStore.Load(metadata.TransferID); err == nil {
		recv.lastConfirmed = state.LastConfirmedSequence
		recv.haveConfirmed = true
		recv.bytesReceived = confirmedBytes(state.LastConfirmedSequence, metadata.ChunkSize, metadata.Size)
	} else if !errors.Is(err, storage.ErrResumeStateMissing) {
		return e.fail(err)
	}

	e.mu.Lock()
	if e.recv != nil && e.recv.file != nil {
		_ = e.recv.file.Close()
	}
	e.recv = recv
	e.mu.Unlock()

	e.recordHistory(storage.TransferRecord{
		TransferID: metadata.TransferID,
		Direction:  storage.DirectionReceive,
		Filename:   metadata.Filename,
		Filesize:   metadata.Size,
		SHA256Hex:  hex.EncodeToString(metadata.SHA256),
		Transport:  string(tp.Kind()),
		Status:     storage.TransferStatusActive,
	})

	resume := protocol.NewResume(protocol.Resume{
		TransferID:       metadata.TransferID,
		LastConfirmedSeq: recv.lastConfirmed,
	})
	if err := tp.Send(ctx, resume); err != nil {
		return e.fail(fmt.Errorf("send resume report: %w", err))
	}

	e.log.Info("session: incoming transfer",
		zap.String("transfer_id", metadata.TransferID),
		zap.String("filename", metadata.Filename),
		zap.Int64("size", metadata.Size),
		zap.Uint64("resume_from", recv.lastConfirmed))
	return nil
}

// handleData decrypts one chunk, writes it at its sequence offset, persists
// the resume checkpoint and acknowledges cumulatively.
func (e *Engine) handleData(ctx context.Context, data protocol.Data) error {
	e.mu.Lock()
	verified := e.verified
	sealer := e.sealer
	recv := e.recv
	tp := e.tp
	e.mu.Unlock()

	if !verified || sealer == nil {
		return e.fail(&HandshakeError{Reason: "data before verification"})
	}
	if recv == nil {
		return e.fail(&HandshakeError{Reason: "data before metadata"})
	}

	plaintext, err := sealer.OpenDataPayload(data.Seq, data.Payload)
	if err != nil {
		return e.fail(err)
	}

	if err := recv.file.WriteChunk(data.Seq, recv.chunkSize, plaintext); err != nil {
		return e.fail(err)
	}

	if !recv.haveConfirmed || data.Seq > recv.lastConfirmed {
		recv.lastConfirmed = data.Seq
	}
	recv.haveConfirmed = true
	recv.bytesReceived += int64(len(plaintext))
	if recv.bytesReceived > recv.size {
		recv.bytesReceived = recv.size
	}

	if err := e.cfg.ResumeStore.Save(storage.TransferResumeState{
		TransferID:            recv.transferID,
		FileName:              recv.filename,
		FileSize:              recv.size,
		SHA256Hex:             hex.EncodeToString(recv.sha256),
		ChunkSize:             recv.chunkSize,
		LastConfirmedSequence: recv.lastConfirmed,
	}); err != nil {
		return e.fail(err)
	}

	if err := tp.Send(ctx, protocol.NewAck(recv.lastConfirmed, 0)); err != nil {
		return e.fail(fmt.Errorf("send ack: %w", err))
	}

	e.emitProgress(recv.bytesReceived, recv.size, recv.startedAt, tp.Kind())
	return nil
}

// handleComplete finalizes the incoming file, verifies the digest against
// the sender's, clears the resume checkpoint and completes the session.
// A digest mismatch fails the session and keeps the checkpoint.
func (e *Engine) handleComplete(ctx context.Context, complete protocol.Complete) error {
	e.mu.Lock()
	recv := e.recv
	e.mu.Unlock()

	if recv == nil || recv.transferID != complete.TransferID {
		return e.fail(&HandshakeError{Reason: "complete for unknown transfer"})
	}

	digest, err := recv.file.Finalize()
	if err != nil {
		return e.fail(err)
	}
	if !bytes.Equal(digest, complete.SHA256) {
		e.recordHistoryStatus(recv.transferID, storage.TransferStatusFailed)
		return e.fail(&HandshakeError{Reason: "final SHA256 mismatch"})
	}

	if err := e.cfg.ResumeStore.Delete(recv.transferID); err != nil {
		e.log.Warn("session: clear resume state", zap.Error(err))
	}
	if err := recv.file.Close(); err != nil {
		e.log.Warn("session: close incoming file", zap.Error(err))
	}

	if err := e.Transition(StateCompleted); err != nil {
		return e.fail(err)
	}
	e.recordHistoryStatus(recv.transferID, storage.TransferStatusComplete)
	e.bus.Publish(Event{Type: EventTransferCompleted, Filename: recv.filename})
	e.log.Info("session: transfer received",
		zap.String("transfer_id", recv.transferID),
		zap.String("filename", recv.filename),
		zap.Int64("bytes", recv.size))
	return nil
}

// confirmedBytes estimates how much of the file the confirmed sequences
// cover, clamped to the file size for the final short chunk.
func confirmedBytes(lastConfirmed uint64, chunkSize uint, size int64) int64 {
	covered := int64(lastConfirmed+1) * int64(chunkSize)
	if covered > size {
		covered = size
	}
	return covered
}
