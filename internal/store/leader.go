package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/dbx"
	"github.com/pesto-garden/pesto-sync/internal/document"
)

// Replication runs in a single process per database. The lease below is the
// arbitration: a process that holds an unexpired lease is the leader, other
// processes sharing the database file stay passive until it expires.

const leaseKey = "replication-lease"

type lease struct {
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expires_at"`
}

// AcquireLeadership tries to take or renew the replication lease for holder.
// It returns common.ErrNotLeader when another live holder owns it.
func (s *Store) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	next := lease{Holder: holder, ExpiresAt: document.Timestamp(now.Add(ttl))}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		row := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, leaseKey)
		var raw string
		switch err := row.Scan(&raw); {
		case err == nil:
			var current lease
			if jerr := json.Unmarshal([]byte(raw), &current); jerr == nil &&
				current.Holder != holder && current.ExpiresAt > document.Timestamp(now) {
				return fmt.Errorf("%w: held by %s until %s", common.ErrNotLeader, current.Holder, current.ExpiresAt)
			}
			// Expired, corrupt, or our own lease: take it over.
		default:
			// No lease row yet; fall through and create one.
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			leaseKey, string(payload))
		return err
	})
}

// ReleaseLeadership drops the lease if holder still owns it. Releasing a
// lease owned by someone else is a no-op.
func (s *Store) ReleaseLeadership(ctx context.Context, holder string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		row := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, leaseKey)
		var raw string
		if err := row.Scan(&raw); err != nil {
			return nil
		}
		var current lease
		if err := json.Unmarshal([]byte(raw), &current); err != nil || current.Holder != holder {
			return nil
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, leaseKey)
		return err
	})
}
