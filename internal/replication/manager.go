package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/store"
)

// Factory builds a transport for one target. The store is handed in so peer
// transports can answer pulls from other peers.
type Factory func(cfg Config, st *store.Store, log logging.Logger) (Transport, error)

// DefaultFactory dispatches on the config's type.
func DefaultFactory(cfg Config, st *store.Store, log logging.Logger) (Transport, error) {
	switch cfg.Type {
	case TypePestoServer:
		return newPestoServerTransport(cfg, log), nil
	case TypeCouchDB:
		return newCouchDBTransport(cfg, log), nil
	case TypeWebRTC:
		return newWebRTCTransport(cfg, newRelayConnector(cfg), st, log), nil
	default:
		return nil, fmt.Errorf("unknown replication type %q", cfg.Type)
	}
}

// Manager owns the running session set. Applying a new configuration tears
// every session down before building the new ones; targets keep their
// checkpoints across rebuilds, so this is cheap and always safe.
type Manager struct {
	store   *store.Store
	log     logging.Logger
	factory Factory
	errs    chan error

	// BatchSize, when positive, overrides the sessions' pull and push batch
	// size. Set it before Apply.
	BatchSize int

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	sessions []*Session
}

func NewManager(st *store.Store, log logging.Logger, factory Factory) *Manager {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{
		store:   st,
		log:     log,
		factory: factory,
		errs:    make(chan error, 16),
	}
}

// Errors yields non-fatal replication errors (transport failures, documents
// rejected after the conflict retry). The channel is never closed; it drops
// rather than blocks when nobody reads it.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Apply replaces the running replications with the given set. On error the
// manager is left with no sessions running.
func (m *Manager) Apply(ctx context.Context, configs []Config) error {
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	m.teardown()

	transports := make([]Transport, 0, len(configs))
	for _, cfg := range configs {
		tr, err := m.factory(cfg, m.store, m.log)
		if err != nil {
			for _, t := range transports {
				_ = t.Close()
			}
			return fmt.Errorf("building %s transport: %w", cfg.ReplicationID(), err)
		}
		transports = append(transports, tr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup

	sessions := make([]*Session, 0, len(configs))
	for i, cfg := range configs {
		sess := newSession(cfg, m.store, transports[i], m.log, m.errs)
		if m.BatchSize > 0 {
			sess.batchSize = m.BatchSize
		}
		sessions = append(sessions, sess)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Run(runCtx); err != nil {
				m.log.Error(runCtx, "replication session ended", "replication", sess.id, "error", err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	m.cancel = cancel
	m.done = done
	m.sessions = sessions
	m.log.Info(ctx, "replications applied", "count", len(sessions))
	return nil
}

// Resync asks every pulling session to re-read its master from scratch.
func (m *Manager) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.Resync()
	}
}

// Close stops all sessions and waits for them to finish. Idempotent.
func (m *Manager) Close() {
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done, m.sessions = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
