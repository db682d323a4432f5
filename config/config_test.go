package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FillsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockalign.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\nstore:\n  db_dir: /tmp/db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Store.DbDir != "/tmp/db" {
		t.Fatalf("db dir = %q", cfg.Store.DbDir)
	}

	params := cfg.ChunkerParams()
	if params.Min != 64 || params.Max != 1024 {
		t.Fatalf("chunker params not defaulted: %+v", params)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
