package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesto-garden/pesto-sync/internal/replication"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"pestosync"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	withArgs(t)
	cfg := LoadConfig()
	require.Equal(t, "file:pesto.db", cfg.DatabaseDSN)
	require.Equal(t, 100, cfg.PullBatchSize)
	require.Equal(t, time.Minute, cfg.LeaseTTL)
	require.Equal(t, 24*time.Hour, cfg.BackupInterval)
	require.Empty(t, cfg.BackupBucket)
	require.Empty(t, cfg.Replications)
}

func TestJsonOverlay(t *testing.T) {
	path := writeConfigFile(t, `{
		"database_dsn": "file:/var/lib/pesto/pesto.db",
		"pull_batch_size": 25,
		"lease_ttl": "30s",
		"backup_bucket": "my-backups",
		"backup_prefix": "pesto",
		"backup_interval": "1h",
		"backup_passphrase": "hunter2",
		"replications": [
			{"type": "couchdb", "database": "http://couch:5984/notes", "username": "u", "password": "p", "pull": true, "push": true},
			{"type": "pesto-server", "url": "https://srv/sync/db/x", "token": "tkn", "pull": true}
		]
	}`)
	withArgs(t, "-c", path)

	cfg := LoadConfig()
	require.Equal(t, "file:/var/lib/pesto/pesto.db", cfg.DatabaseDSN)
	require.Equal(t, 25, cfg.PullBatchSize)
	require.Equal(t, 30*time.Second, cfg.LeaseTTL)
	require.Equal(t, "my-backups", cfg.BackupBucket)
	require.Equal(t, "pesto", cfg.BackupPrefix)
	require.Equal(t, time.Hour, cfg.BackupInterval)
	require.Equal(t, "hunter2", cfg.BackupPassphrase)

	require.Len(t, cfg.Replications, 2)
	require.Equal(t, replication.TypeCouchDB, cfg.Replications[0].Type)
	require.True(t, cfg.Replications[0].Push)
	require.Equal(t, replication.TypePestoServer, cfg.Replications[1].Type)
	require.False(t, cfg.Replications[1].Push)
	for _, rc := range cfg.Replications {
		require.NoError(t, rc.Validate())
	}
}

func TestJsonOverlayLeavesUnsetFieldsAlone(t *testing.T) {
	path := writeConfigFile(t, `{"pull_batch_size": 7}`)
	withArgs(t, "-c", path)

	cfg := LoadConfig()
	require.Equal(t, 7, cfg.PullBatchSize)
	require.Equal(t, "file:pesto.db", cfg.DatabaseDSN)
	require.Equal(t, time.Minute, cfg.LeaseTTL)
}

func TestFlagsOverlay(t *testing.T) {
	withArgs(t, "-d", "file:elsewhere.db", "-p", "10", "-b", "bucket", "-i", "90")

	cfg := LoadConfig()
	require.Equal(t, "file:elsewhere.db", cfg.DatabaseDSN)
	require.Equal(t, 10, cfg.PullBatchSize)
	require.Equal(t, "bucket", cfg.BackupBucket)
	require.Equal(t, 90*time.Minute, cfg.BackupInterval)
}

func TestFlagsWinOverJson(t *testing.T) {
	path := writeConfigFile(t, `{"database_dsn": "file:from-json.db"}`)
	withArgs(t, "-c", path, "-d", "file:from-flag.db")

	cfg := LoadConfig()
	require.Equal(t, "file:from-flag.db", cfg.DatabaseDSN)
}
