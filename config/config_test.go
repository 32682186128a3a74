package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesConfig(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GHOSTDROP_DATA_DIR", dataDir)

	cfg, gotDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if gotDir != dataDir {
		t.Fatalf("expected data dir %q, got %q", dataDir, gotDir)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected generated device ID")
	}
	if cfg.MaxChunk != DefaultMaxChunk || cfg.MaxWindow != DefaultMaxWindow {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	for _, dir := range []string{ResumeDir(dataDir), IncomingDir(dataDir)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q to exist", dir)
		}
	}

	if _, err := os.Stat(ConfigPath(dataDir)); err != nil {
		t.Fatalf("expected config.json to exist: %v", err)
	}
}

func TestLoadOrCreateIsStableAcrossRuns(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GHOSTDROP_DATA_DIR", dataDir)

	first, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	second, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate (second run) failed: %v", err)
	}

	if first.DeviceID != second.DeviceID {
		t.Fatalf("device ID changed across runs: %q vs %q", first.DeviceID, second.DeviceID)
	}
}

func TestNormalizeDefaultsFillsMissingFields(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GHOSTDROP_DATA_DIR", dataDir)

	path := filepath.Join(dataDir, "config.json")
	if err := os.WriteFile(path, []byte(`{"device_name":"bench rig"}`), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected filled device ID")
	}
	if cfg.DeviceName != "bench rig" {
		t.Fatalf("expected preserved device name, got %q", cfg.DeviceName)
	}
	if cfg.MaxChunk == 0 || cfg.MaxWindow == 0 {
		t.Fatalf("expected filled limits, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	want := &DeviceConfig{
		DeviceID:      "device-1",
		DeviceName:    "test device",
		MaxChunk:      2048,
		MaxWindow:     8,
		SupportsL2CAP: true,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}
