package driftsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration for one user session.
type Config struct {
	// DocID is the remote document identifier for this user's profile.
	DocID string `yaml:"doc_id" json:"doc_id"`

	// ProgressNamespace is the field-path prefix whose values carry an
	// embedded recency marker; staged writes under it are rejected when a
	// newer write is already buffered for the same path.
	// Default: "readingProgress".
	ProgressNamespace string `yaml:"progress_namespace" json:"progress_namespace"`

	// SyncTimestampPath names the field the remote store stamps with its
	// own timestamp on every flush. Default: "syncedAt".
	SyncTimestampPath string `yaml:"sync_timestamp_path" json:"sync_timestamp_path"`

	// FlushInterval is how often the background loop attempts a flush.
	// Default: 30s.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// StartOnline sets the initial connectivity state. Default: true.
	// The zero value of Config starts offline; DefaultConfig starts online.
	StartOnline bool `yaml:"start_online" json:"start_online"`

	// Buffer configures the durable local buffer store.
	Buffer BufferStoreConfig `yaml:"buffer" json:"buffer"`

	// Remote configures the hosted profile service client. Nil when the
	// engine is constructed with an explicit RemoteStore.
	Remote *HTTPRemoteConfig `yaml:"remote,omitempty" json:"remote,omitempty"`

	// Feed configures the websocket snapshot subscription. Nil disables it.
	Feed *SnapshotFeedConfig `yaml:"feed,omitempty" json:"feed,omitempty"`

	// Archive configures the S3 snapshot archiver. Nil disables it.
	Archive *SnapshotArchiveConfig `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(docID string) Config {
	return Config{
		DocID:             docID,
		ProgressNamespace: "readingProgress",
		SyncTimestampPath: "syncedAt",
		FlushInterval:     30 * time.Second,
		StartOnline:       true,
		Buffer:            DefaultBufferStoreConfig(),
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DocID == "" {
		return Config{}, fmt.Errorf("config: doc_id is required")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ProgressNamespace == "" {
		c.ProgressNamespace = "readingProgress"
	}
	if c.SyncTimestampPath == "" {
		c.SyncTimestampPath = "syncedAt"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	// Buffer fields default individually so a partial override (say, only
	// Encryption) keeps the rest of its settings.
	if c.Buffer.Path == "" {
		c.Buffer.Path = "driftsync.db"
	}
	if c.Buffer.JournalMode == "" {
		c.Buffer.JournalMode = "WAL"
	}
	if c.Buffer.Synchronous == "" {
		c.Buffer.Synchronous = "NORMAL"
	}
	if c.Buffer.BusyTimeout <= 0 {
		c.Buffer.BusyTimeout = 5000
	}
}
