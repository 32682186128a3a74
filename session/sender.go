package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/storage"
	"github.com/TastyHeadphones/GhostDrop/transport"
)

// SendFile transfers one file to the verified peer: sealed metadata, sealed
// chunk payloads over the bulk path, then a sealed completion frame carrying
// the whole-file digest. The receiver's resume report decides the starting
// sequence after a reconnect.
func (e *Engine) SendFile(ctx context.Context, path, mimeType string, requestedChunkSize uint) error {
	return e.SendFileWithTransferID(ctx, uuid.NewString(), path, mimeType, requestedChunkSize)
}

// SendFileWithTransferID sends under a caller-chosen transfer ID. Reusing the
// ID of an interrupted transfer lets the receiver report its checkpoint so
// only the missing tail is retransmitted.
func (e *Engine) SendFileWithTransferID(ctx context.Context, transferID, path, mimeType string, requestedChunkSize uint) error {
	e.mu.Lock()
	state := e.state
	tp := e.tp
	sealer := e.sealer
	verified := e.verified
	e.mu.Unlock()

	if tp == nil {
		return ErrNoTransport
	}
	if state != StateTransferring || !verified || sealer == nil {
		return ErrNotTransferring
	}

	info, err := os.Stat(path)
	if err != nil {
		return e.fail(fmt.Errorf("stat source file: %w", err))
	}
	if info.IsDir() {
		return e.fail(errors.New("source path must be a file"))
	}

	digest, err := fileDigest(path)
	if err != nil {
		return e.fail(err)
	}

	chunkSize := e.cfg.Capabilities.MaxChunk
	if requestedChunkSize > 0 && requestedChunkSize < chunkSize {
		chunkSize = requestedChunkSize
	}
	if chunkSize == 0 {
		return e.fail(errors.New("chunk size must be positive"))
	}

	filename := filepath.Base(path)
	totalChunks := chunkCount(info.Size(), chunkSize)

	e.recordHistory(storage.TransferRecord{
		TransferID: transferID,
		Direction:  storage.DirectionSend,
		Filename:   filename,
		Filesize:   info.Size(),
		SHA256Hex:  hex.EncodeToString(digest),
		Transport:  string(tp.Kind()),
		Status:     storage.TransferStatusActive,
	})

	metadata := protocol.NewMetadata(protocol.Metadata{
		TransferID: transferID,
		Filename:   filename,
		Size:       info.Size(),
		MimeType:   mimeType,
		SHA256:     digest,
		ChunkSize:  chunkSize,
	})
	if err := e.sendControl(ctx, metadata); err != nil {
		return e.fail(fmt.Errorf("send metadata: %w", err))
	}

	startSeq := e.awaitResumeReport(ctx, transferID, totalChunks)

	file, err := os.Open(path)
	if err != nil {
		return e.fail(fmt.Errorf("open source file: %w", err))
	}
	defer func() {
		_ = file.Close()
	}()

	startedAt := time.Now()
	var bytesSent int64

	for seq := startSeq; seq < totalChunks; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, err := readFileChunk(file, int64(seq)*int64(chunkSize), int(chunkSize))
		if err != nil {
			return e.fail(err)
		}

		combined := sealer.SealDataPayload(seq, chunk)
		if err := tp.Send(ctx, protocol.NewData(seq, combined)); err != nil {
			return e.fail(fmt.Errorf("send chunk %d: %w", seq, err))
		}

		bytesSent += int64(len(chunk))
		e.emitProgress(bytesSent, info.Size(), startedAt, tp.Kind())
	}

	complete := protocol.NewComplete(protocol.Complete{
		TransferID: transferID,
		SHA256:     digest,
	})
	if err := e.sendControl(ctx, complete); err != nil {
		return e.fail(fmt.Errorf("send complete: %w", err))
	}

	if err := e.Transition(StateCompleted); err != nil {
		return e.fail(err)
	}
	e.recordHistoryStatus(transferID, storage.TransferStatusComplete)
	e.bus.Publish(Event{Type: EventTransferCompleted, Filename: filename})
	e.log.Info("session: transfer sent",
		zap.String("transfer_id", transferID),
		zap.String("filename", filename),
		zap.Int64("bytes", info.Size()))
	return nil
}

// awaitResumeReport waits for the receiver's resume frame after metadata.
// Without a report (or with no confirmed progress) the transfer starts at
// sequence zero; a report of the last confirmed sequence resumes one past it.
func (e *Engine) awaitResumeReport(ctx context.Context, transferID string, totalChunks uint64) uint64 {
	timer := time.NewTimer(e.cfg.ResumeReplyTimeout)
	defer timer.Stop()

	for {
		select {
		case resume := <-e.resumeCh:
			if resume.TransferID != transferID {
				e.log.Debug("session: resume for other transfer", zap.String("transfer_id", resume.TransferID))
				continue
			}
			if resume.LastConfirmedSeq == 0 {
				return 0
			}
			start := resume.LastConfirmedSeq + 1
			if start > totalChunks {
				start = totalChunks
			}
			e.log.Info("session: resuming transfer",
				zap.String("transfer_id", transferID),
				zap.Uint64("start_seq", start))
			return start
		case <-timer.C:
			e.log.Debug("session: no resume report, starting from zero")
			return 0
		case <-ctx.Done():
			return 0
		}
	}
}

func (e *Engine) emitProgress(bytes, total int64, startedAt time.Time, kind transport.Kind) {
	elapsed := time.Since(startedAt).Seconds()
	rate := 0.0
	eta := -1.0
	if elapsed > 0 {
		rate = float64(bytes) / elapsed
	}
	if rate > 0 && total > bytes {
		eta = float64(total-bytes) / rate
	}

	e.bus.Publish(Event{
		Type: EventTransferProgress,
		Progress: Progress{
			Bytes:       bytes,
			Total:       total,
			BytesPerSec: rate,
			ETASeconds:  eta,
			Transport:   kind,
		},
	})
}

func (e *Engine) recordHistory(record storage.TransferRecord) {
	if e.cfg.History == nil {
		return
	}
	record.PeerDeviceID = e.peerDeviceID()
	if err := e.cfg.History.SaveTransfer(record); err != nil {
		e.log.Warn("session: record transfer history", zap.Error(err))
	}
}

func (e *Engine) recordHistoryStatus(transferID, status string) {
	if e.cfg.History == nil {
		return
	}
	if err := e.cfg.History.UpdateTransferStatus(transferID, status); err != nil {
		e.log.Warn("session: update transfer history", zap.Error(err))
	}
}

func (e *Engine) peerDeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerDevice
}

func fileDigest(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("hash file: %w", err)
	}
	return hasher.Sum(nil), nil
}

func readFileChunk(file *os.File, offset int64, chunkSize int) ([]byte, error) {
	buffer := make([]byte, chunkSize)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

func chunkCount(size int64, chunkSize uint) uint64 {
	if size <= 0 || chunkSize == 0 {
		return 0
	}
	chunks := uint64(size) / uint64(chunkSize)
	if uint64(size)%uint64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
