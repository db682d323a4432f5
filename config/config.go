// Package config loads blockalign's YAML configuration file: chunker
// bounds, the hash-db and dedup-store locations, logging, and the
// dedup store's small-file cutoff and known backup-folder prefixes
// (store.StoreEnv.BackupFolders).
//
// Grounded on the style of
// _examples/tenzoki-agen/code/cellorg/internal/config/config.go (a
// flat struct with `yaml:"..."` tags, loaded with a single
// os.ReadFile + yaml.Unmarshal), since the teacher repo has no config
// file of its own to generalize from.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/urbackup-go/blockalign/chunker"
)

// Config is blockalign's on-disk configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Chunker ChunkerConfig `yaml:"chunker"`
	Store   StoreConfig   `yaml:"store"`
	Transfer TransferConfig `yaml:"transfer"`
}

// ChunkerConfig overrides the CDC chunker's bounds (spec §3). Zero
// fields fall back to chunker.DefaultParams().
type ChunkerConfig struct {
	Min int `yaml:"min"`
	Avg int `yaml:"avg"`
	Max int `yaml:"max"`
}

// StoreConfig configures the dedup file store (spec §4.7/§4.9).
type StoreConfig struct {
	// DbDir is the badger directory backing the EntryIndex.
	DbDir string `yaml:"db_dir"`
	// LinkFileMin mirrors store.LinkFileMin; 0 uses the package default.
	LinkFileMin int64 `yaml:"link_file_min"`
	// BackupFolders lists historical backup-folder roots, oldest
	// first, used by HashStore.correctPath when a candidate's recorded
	// path has moved.
	BackupFolders []string `yaml:"backup_folders"`
	// HashDbPath is the AlignHashDb's memory-mapped file location.
	HashDbPath string `yaml:"hash_db_path"`
}

// TransferConfig configures the chunk-transfer pipeline (spec §5).
type TransferConfig struct {
	// MaxQueuedChunks is loaded from YAML but not read by the transfer
	// package, whose queue depth is the constant transfer.MaxQueuedChunks.
	MaxQueuedChunks int `yaml:"max_queued_chunks"`
}

// Default returns a Config with every field at its package default,
// suitable as a starting point before applying Load's overrides.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Chunker: ChunkerConfig{
			Min: 64,
			Avg: (64 + 1024) / 2,
			Max: 1024,
		},
	}
}

// Load reads and parses a YAML config file at path, filling in
// defaults for anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	if cfg.Chunker == (ChunkerConfig{}) {
		cfg.Chunker = Default().Chunker
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// ChunkerParams converts the config's chunker section into
// chunker.Params, falling back to chunker.DefaultParams() for any
// field left at zero.
func (c *Config) ChunkerParams() chunker.Params {
	def := chunker.DefaultParams()
	p := chunker.Params{Min: c.Chunker.Min, Avg: c.Chunker.Avg, Max: c.Chunker.Max}
	if p.Min == 0 {
		p.Min = def.Min
	}
	if p.Avg == 0 {
		p.Avg = def.Avg
	}
	if p.Max == 0 {
		p.Max = def.Max
	}
	return p
}
