package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "ghostdrop.db"
)

// Transfer history statuses.
const (
	TransferStatusPending   = "pending"
	TransferStatusActive    = "active"
	TransferStatusComplete  = "complete"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id     TEXT PRIMARY KEY,
  peer_device_id  TEXT NOT NULL,
  direction       TEXT NOT NULL CHECK(direction IN ('send','receive')),
  filename        TEXT NOT NULL,
  filesize        INTEGER NOT NULL,
  sha256          TEXT NOT NULL,
  transport       TEXT NOT NULL DEFAULT '',
  status          TEXT NOT NULL CHECK(status IN ('pending','active','complete','failed','cancelled')) DEFAULT 'pending',
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer_device_id, updated_at DESC, transfer_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_status_time
ON transfers (status, updated_at DESC, transfer_id);
`,
}

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	TransferID   string
	PeerDeviceID string
	Direction    string
	Filename     string
	Filesize     int64
	SHA256Hex    string
	Transport    string
	Status       string
	CreatedAt    int64
	UpdatedAt    int64
}

// Store is a thin wrapper around a SQLite connection holding transfer history.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	closeOnce sync.Once
}

// Open opens (or creates) ghostdrop.db under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// SaveTransfer inserts or replaces one transfer history row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer ID is required")
	}

	now := time.Now().UnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO transfers (transfer_id, peer_device_id, direction, filename, filesize, sha256, transport, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  peer_device_id = excluded.peer_device_id,
  direction      = excluded.direction,
  filename       = excluded.filename,
  filesize       = excluded.filesize,
  sha256         = excluded.sha256,
  transport      = excluded.transport,
  status         = excluded.status,
  updated_at     = excluded.updated_at;
`, record.TransferID, record.PeerDeviceID, record.Direction, record.Filename,
		record.Filesize, record.SHA256Hex, record.Transport, record.Status,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus sets the status of an existing transfer row.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?;",
		status, time.Now().UnixMilli(), transferID)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer loads one transfer history row.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record TransferRecord
	err := s.db.QueryRow(`
SELECT transfer_id, peer_device_id, direction, filename, filesize, sha256, transport, status, created_at, updated_at
FROM transfers WHERE transfer_id = ?;
`, transferID).Scan(&record.TransferID, &record.PeerDeviceID, &record.Direction,
		&record.Filename, &record.Filesize, &record.SHA256Hex, &record.Transport,
		&record.Status, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns recent transfer rows, newest first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
SELECT transfer_id, peer_device_id, direction, filename, filesize, sha256, transport, status, created_at, updated_at
FROM transfers ORDER BY updated_at DESC, transfer_id LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(&record.TransferID, &record.PeerDeviceID, &record.Direction,
			&record.Filename, &record.Filesize, &record.SHA256Hex, &record.Transport,
			&record.Status, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}
