package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pesto-garden/pesto-sync/internal/flagx"
	"github.com/pesto-garden/pesto-sync/internal/replication"
	"github.com/pesto-garden/pesto-sync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations use
// timex.Duration so the file can say "30s" or raw nanoseconds. Pointer fields
// distinguish "absent" from "zero" so the file only overrides what it sets.
type JsonConfig struct {
	DatabaseDSN    *string              `json:"database_dsn"`
	PullBatchSize  *int                 `json:"pull_batch_size"`
	LeaseTTL       *timex.Duration      `json:"lease_ttl"`
	Replications   []replication.Config `json:"replications"`
	BackupBucket   *string              `json:"backup_bucket"`
	BackupPrefix   *string              `json:"backup_prefix"`
	BackupInterval   *timex.Duration    `json:"backup_interval"`
	BackupPassphrase *string            `json:"backup_passphrase"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c/-config flag. No flag means no file and an immediate return. Read or
// unmarshal errors panic; resolution happens once at startup and a broken
// config file must not be silently ignored.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabaseDSN != nil {
		cfg.DatabaseDSN = *jc.DatabaseDSN
	}
	if jc.PullBatchSize != nil {
		cfg.PullBatchSize = *jc.PullBatchSize
	}
	if jc.LeaseTTL != nil {
		cfg.LeaseTTL = time.Duration(jc.LeaseTTL.Duration)
	}
	if jc.Replications != nil {
		cfg.Replications = jc.Replications
	}
	if jc.BackupBucket != nil {
		cfg.BackupBucket = *jc.BackupBucket
	}
	if jc.BackupPrefix != nil {
		cfg.BackupPrefix = *jc.BackupPrefix
	}
	if jc.BackupInterval != nil {
		cfg.BackupInterval = time.Duration(jc.BackupInterval.Duration)
	}
	if jc.BackupPassphrase != nil {
		cfg.BackupPassphrase = *jc.BackupPassphrase
	}
}
