// Package app initializes and runs the sync daemon: it opens the local
// store, brings every document to the current schema version, takes the
// replication leadership lease, and keeps the configured replications and
// backups running until shutdown.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pesto-garden/pesto-sync/internal/backup"
	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/config"
	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/replication"
	"github.com/pesto-garden/pesto-sync/internal/schema"
	"github.com/pesto-garden/pesto-sync/internal/store"
)

type App struct {
	config *config.Config
	logger logging.Logger
	holder string
}

func NewApp(c *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	// Document ids and leases depend on randomness; refuse to start on a
	// machine that cannot produce it.
	if err := probeEntropy(); err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	return &App{
		config: c,
		logger: logger,
		holder: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
	}, nil
}

func probeEntropy() error {
	buf := make([]byte, 1)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCryptoUnavailable, err)
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	st, err := store.Open(ctx, app.config.DatabaseDSN, schema.Default(), app.logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			app.logger.Error(ctx, "closing store", "error", err)
		}
	}()

	// Replication must never ship half-migrated documents; the whole store
	// reaches the current schema version before any session starts.
	if err := st.MigrateAll(ctx); err != nil {
		return fmt.Errorf("migrating documents: %w", err)
	}

	if err := app.acquireLease(ctx, st); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.ReleaseLeadership(releaseCtx, app.holder); err != nil {
			app.logger.Error(ctx, "releasing leadership", "error", err)
		}
	}()

	manager := replication.NewManager(st, app.logger, nil)
	manager.BatchSize = app.config.PullBatchSize
	defer manager.Close()
	if err := manager.Apply(ctx, app.config.Replications); err != nil {
		return fmt.Errorf("starting replications: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.drainReplicationErrors(ctx, manager)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.renewLease(ctx, st, cancelFunc)
	}()

	if app.config.BackupBucket != "" {
		client, err := backup.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("building backup client: %w", err)
		}
		svc := backup.NewService(st, client, app.config.BackupBucket, app.config.BackupPrefix, app.logger)
		if app.config.BackupPassphrase != "" {
			svc = svc.WithPassphrase(app.config.BackupPassphrase)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Run(ctx, app.config.BackupInterval)
		}()
	}

	<-ctx.Done()
	app.logger.Info(ctx, "Shutting down...")
	manager.Close()
	wg.Wait()
	return nil
}

// acquireLease blocks until this process holds the replication lease. Another
// live holder means we wait for its lease to lapse.
func (app *App) acquireLease(ctx context.Context, st *store.Store) error {
	for {
		err := st.AcquireLeadership(ctx, app.holder, app.config.LeaseTTL)
		if err == nil {
			app.logger.Info(ctx, "replication leadership acquired", "holder", app.holder)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		app.logger.Info(ctx, "waiting for replication leadership", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(app.config.LeaseTTL / 2):
		}
	}
}

// renewLease keeps the lease alive; losing it stops the process so another
// holder can replicate safely.
func (app *App) renewLease(ctx context.Context, st *store.Store, cancelFunc context.CancelFunc) {
	ticker := time.NewTicker(app.config.LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.AcquireLeadership(ctx, app.holder, app.config.LeaseTTL); err != nil {
				app.logger.Error(ctx, "lost replication leadership", "error", err)
				cancelFunc()
				return
			}
		}
	}
}

func (app *App) drainReplicationErrors(ctx context.Context, manager *replication.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-manager.Errors():
			app.logger.Warn(ctx, "replication error", "error", err)
		}
	}
}
