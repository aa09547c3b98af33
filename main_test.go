package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettingsDefaultsWhenUnset(t *testing.T) {
	settings, err := loadSettings("")
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if got := settings.GetPixelsPerLine(); got != 256 {
		t.Errorf("default pixels per line = %d, want 256", got)
	}
	if got := settings.GetListenAddr(); got == "" {
		t.Error("default listen address is empty")
	}
}

func TestLoadSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"pixels_per_line": 128}`), 0o644); err != nil {
		t.Fatal(err)
	}
	settings, err := loadSettings(path)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if got := settings.GetPixelsPerLine(); got != 128 {
		t.Errorf("pixels per line = %d, want 128", got)
	}

	if _, err := loadSettings(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing settings file accepted")
	}
}
