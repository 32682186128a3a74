package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// IncomingStore owns the per-transfer directories incoming files land in.
type IncomingStore struct {
	root string
}

// NewIncomingStore creates the incoming root if needed.
func NewIncomingStore(root string) (*IncomingStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create incoming directory: %w", err)
	}
	return &IncomingStore{root: root}, nil
}

// Open creates (or reopens, for resume) the destination file for one
// transfer under <root>/<transferID>/<filename>, sized to the full length.
func (s *IncomingStore) Open(transferID, filename string, size int64) (*IncomingFile, error) {
	if transferID == "" {
		return nil, errors.New("transfer ID is required")
	}

	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	dir := filepath.Join(s.root, transferID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create transfer directory: %w", err)
	}

	path := filepath.Join(dir, base)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open incoming file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("size incoming file: %w", err)
	}

	return &IncomingFile{path: path, file: file}, nil
}

// Remove deletes a transfer's directory and any partial content.
func (s *IncomingStore) Remove(transferID string) error {
	if transferID == "" {
		return errors.New("transfer ID is required")
	}
	if err := os.RemoveAll(filepath.Join(s.root, transferID)); err != nil {
		return fmt.Errorf("remove incoming transfer: %w", err)
	}
	return nil
}

// IncomingFile writes chunk plaintext at sequence-derived offsets and
// computes the final digest. A retransmitted sequence rewrites the same
// bytes, so random-access writes stay safe.
type IncomingFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Path returns the destination file path.
func (f *IncomingFile) Path() string {
	return f.path
}

// WriteChunk writes one decrypted chunk at offset seq*chunkSize.
func (f *IncomingFile) WriteChunk(seq uint64, chunkSize uint, plaintext []byte) error {
	if chunkSize == 0 {
		return errors.New("chunk size is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	offset := int64(seq) * int64(chunkSize)
	if _, err := f.file.WriteAt(plaintext, offset); err != nil {
		return fmt.Errorf("write chunk at offset %d: %w", offset, err)
	}
	return nil
}

// Finalize flushes the file and returns the SHA-256 of its contents.
func (f *IncomingFile) Finalize() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync incoming file: %w", err)
	}
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind incoming file: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f.file); err != nil {
		return nil, fmt.Errorf("hash incoming file: %w", err)
	}
	return hasher.Sum(nil), nil
}

// Close releases the underlying file handle.
func (f *IncomingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
