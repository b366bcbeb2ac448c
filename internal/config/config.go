// Package config holds the runtime settings for the sync daemon. Settings
// are resolved in three layers, later ones winning: built-in defaults, a JSON
// config file (-c / -config), then command-line flags.
package config

import (
	"time"

	"github.com/pesto-garden/pesto-sync/internal/replication"
)

type Config struct {
	// DatabaseDSN is the SQLite DSN of the local document store.
	DatabaseDSN string

	// PullBatchSize caps how many documents one pull round-trip carries.
	PullBatchSize int

	// LeaseTTL is how long a replication leadership lease lives between
	// renewals.
	LeaseTTL time.Duration

	// Replications lists the targets to sync with. Configurable only via
	// the JSON file; flags cannot express the per-target structure.
	Replications []replication.Config

	// BackupBucket enables periodic S3 snapshots when non-empty.
	BackupBucket   string
	BackupPrefix   string
	BackupInterval time.Duration

	// BackupPassphrase, when non-empty, seals snapshots before upload.
	BackupPassphrase string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "file:pesto.db"
	c.PullBatchSize = 100
	c.LeaseTTL = time.Minute
	c.BackupInterval = 24 * time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
