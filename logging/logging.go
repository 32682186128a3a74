package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileName is the NDJSON export file under the app data directory.
const LogFileName = "ghostdrop.log"

// defaultRingSize bounds how many recent entries the in-memory ring keeps
// for the UI log feed.
const defaultRingSize = 256

// ExportPath returns the NDJSON log file path for a data directory.
func ExportPath(dataDir string) string {
	return filepath.Join(dataDir, LogFileName)
}

// New builds the application logger: a console core for interactive runs
// plus a JSON core writing newline-delimited entries to the export file and
// the in-memory ring.
func New(dataDir string) (*zap.Logger, *Ring, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(ExportPath(dataDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	ring := NewRing(defaultRingSize)
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), zapcore.InfoLevel),
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), zapcore.DebugLevel),
		zapcore.NewCore(jsonEncoder.Clone(), zapcore.AddSync(ring), zapcore.DebugLevel),
	)

	return zap.New(core), ring, nil
}

// Ring keeps the most recent NDJSON log lines in memory. It implements
// io.Writer for use as a zap sink; each write is one encoded entry.
type Ring struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

// NewRing creates a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{entries: make([]string, size)}
}

// Write stores one encoded log entry.
func (r *Ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	r.mu.Lock()
	r.entries[r.next] = line
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	return len(p), nil
}

// Entries returns the stored lines, oldest first.
func (r *Ring) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)

	trimmed := make([]string, 0, len(out))
	for _, entry := range out {
		if entry != "" {
			trimmed = append(trimmed, entry)
		}
	}
	return trimmed
}
