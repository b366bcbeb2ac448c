package config

import (
	"flag"
	"os"
	"time"

	"github.com/pesto-garden/pesto-sync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   SQLite DSN of the local store (default from Config)
//	-p int      pull batch size
//	-b string   S3 bucket for periodic snapshots ("" disables backups)
//	-i int      backup interval in minutes
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-p", "-b", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "sqlite DSN of the local store")
	fs.IntVar(&cfg.PullBatchSize, "p", cfg.PullBatchSize, "pull batch size")
	fs.StringVar(&cfg.BackupBucket, "b", cfg.BackupBucket, "s3 bucket for snapshots")
	backupInterval := fs.Int("i", int(cfg.BackupInterval.Minutes()), "backup interval (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.BackupInterval = time.Duration(*backupInterval) * time.Minute
}
