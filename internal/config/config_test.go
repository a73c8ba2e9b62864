package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := Default()
	if s.Workers != 4 {
		t.Errorf("Expected 4 workers by default, got %d", s.Workers)
	}
	if s.Logging.Level != "warn" {
		t.Errorf("Expected warn log level by default, got %s", s.Logging.Level)
	}
}

func TestMergeFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paccat.yml")
	content := "workers: 8\nhighlighter: [bat, --plain]\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}

	s := Default()
	if err := mergeFile(s, path); err != nil {
		t.Fatalf("mergeFile failed: %v", err)
	}
	if s.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", s.Workers)
	}
	if len(s.Highlighter) != 2 || s.Highlighter[0] != "bat" {
		t.Errorf("Expected highlighter argv, got %v", s.Highlighter)
	}
	if s.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", s.Logging.Level)
	}
}

func TestMergeFileMissingIsNotAnError(t *testing.T) {
	s := Default()
	if err := mergeFile(s, filepath.Join(t.TempDir(), "missing.yml")); err != nil {
		t.Fatalf("missing settings file should be ignored: %v", err)
	}
	if s.Workers != 4 {
		t.Errorf("Defaults should be untouched, got %d workers", s.Workers)
	}
}

func TestMergeFileRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paccat.yml")
	if err := os.WriteFile(path, []byte("workers: [not a number"), 0o644); err != nil {
		t.Fatalf("writing settings file: %v", err)
	}
	if err := mergeFile(Default(), path); err == nil {
		t.Error("Expected an error for malformed yaml")
	}
}
