package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/conflict"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/store"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = 30 * time.Second
	defaultRetryBackoff = 5 * time.Second
)

// Session drives one transport: a pull loop that drains the master's change
// history and keeps a persistent checkpoint, a stream loop that wakes the
// puller when the master reports news, and a push loop fed by the store's
// change feed. Transport errors never advance checkpoints; the loops back
// off and retry, so a flaky connection only delays convergence.
type Session struct {
	id    string
	cfg   Config
	store *store.Store
	tr    Transport
	log   logging.Logger
	errs  chan<- error

	batchSize    int
	pollInterval time.Duration
	retryBackoff time.Duration

	kick      chan struct{}
	resyncReq chan struct{}
}

func newSession(cfg Config, st *store.Store, tr Transport, log logging.Logger, errs chan<- error) *Session {
	return &Session{
		id:           cfg.ReplicationID(),
		cfg:          cfg,
		store:        st,
		tr:           tr,
		log:          log.With("replication", cfg.ReplicationID()),
		errs:         errs,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		retryBackoff: defaultRetryBackoff,
		kick:         make(chan struct{}, 1),
		resyncReq:    make(chan struct{}, 1),
	}
}

// Run blocks until ctx ends, then closes the transport.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.Pull {
		g.Go(func() error { return s.pullLoop(ctx) })
		g.Go(func() error { return s.streamLoop(ctx) })
	}
	if s.cfg.Push {
		g.Go(func() error { return s.pushLoop(ctx) })
	}
	err := g.Wait()
	if cerr := s.tr.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Resync discards the pull checkpoint so the next pull re-reads the master's
// history from the beginning. Used to recover from dropped feed events.
func (s *Session) Resync() {
	select {
	case s.resyncReq <- struct{}{}:
	default:
	}
	poke(s.kick)
}

// poke delivers a best-effort wakeup without ever blocking the sender.
func poke(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) report(err error) {
	select {
	case s.errs <- fmt.Errorf("%s: %w", s.id, err):
	default:
	}
}

// --- pull side ---

func (s *Session) pullLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.resyncReq:
			if err := s.store.SaveCheckpoint(ctx, s.id, ""); err != nil {
				return err
			}
			s.log.Info(ctx, "resync requested, checkpoint reset")
		default:
		}

		if err := s.drainPulls(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn(ctx, "pull failed, backing off", "error", err)
			s.report(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryBackoff):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-ticker.C:
		}
	}
}

// drainPulls pulls batches until the master has nothing newer. The checkpoint
// is persisted only after its batch is fully applied.
func (s *Session) drainPulls(ctx context.Context) error {
	raw, err := s.store.LoadCheckpoint(ctx, s.id)
	if err != nil {
		return err
	}
	cp, err := DecodeCheckpoint(raw)
	if err != nil {
		s.log.Warn(ctx, "discarding unreadable checkpoint", "error", err)
		cp = Checkpoint{}
	}

	for {
		res, err := s.tr.Pull(ctx, cp, s.batchSize)
		if err != nil {
			return fmt.Errorf("%w: pull: %v", common.ErrTransport, err)
		}
		for _, doc := range res.Documents {
			if err := s.store.ApplyReplicated(ctx, doc, s.id); err != nil {
				s.log.Warn(ctx, "skipping unmergeable remote document", "id", doc.ID, "error", err)
				s.report(err)
			}
		}
		encoded, err := res.Checkpoint.Encode()
		if err != nil {
			return err
		}
		if err := s.store.SaveCheckpoint(ctx, s.id, encoded); err != nil {
			return err
		}
		cp = res.Checkpoint
		if len(res.Documents) < s.batchSize {
			return nil
		}
	}
}

func (s *Session) streamLoop(ctx context.Context) error {
	for {
		err := s.tr.Stream(ctx, s.kick)
		if errors.Is(err, ErrStreamingUnsupported) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Warn(ctx, "change stream dropped, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff):
		}
	}
}

// --- push side ---

// pushCheckpointID keys the outgoing-side checkpoint separately from pull's.
func (s *Session) pushCheckpointID() string {
	return s.id + ":push"
}

func (s *Session) pushLoop(ctx context.Context) error {
	// Subscribe before the initial drain so writes landing mid-drain are
	// not lost; they may be pushed twice, which the protocol tolerates.
	events, cancel := s.store.Changes()
	defer cancel()

	assumed := map[string]document.Document{}

	if err := s.drainLocalHistory(ctx, assumed); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.report(err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			batch := s.collectBatch(e, events)
			if len(batch) == 0 {
				continue
			}
			s.pushWithRetry(ctx, batch, assumed)
		}
	}
}

// drainLocalHistory pushes everything after the persisted push checkpoint,
// in (modified_at, id) order, advancing the checkpoint per page.
func (s *Session) drainLocalHistory(ctx context.Context, assumed map[string]document.Document) error {
	raw, err := s.store.LoadCheckpoint(ctx, s.pushCheckpointID())
	if err != nil {
		return err
	}
	cp, err := DecodeCheckpoint(raw)
	if err != nil {
		cp = Checkpoint{}
	}

	for {
		page, err := s.store.ChangesSince(ctx, cp.ModifiedAt, cp.ID, s.batchSize)
		if err != nil {
			return err
		}
		if len(page.Documents) == 0 {
			return nil
		}
		if err := s.pushDocs(ctx, page.Documents, assumed); err != nil {
			return err
		}
		cp = Checkpoint{ModifiedAt: page.LastModifiedAt, ID: page.LastID}
		encoded, err := cp.Encode()
		if err != nil {
			return err
		}
		if err := s.store.SaveCheckpoint(ctx, s.pushCheckpointID(), encoded); err != nil {
			return err
		}
		if len(page.Documents) < s.batchSize {
			return nil
		}
	}
}

// collectBatch folds a burst of feed events into one push batch, keeping the
// latest state per document and dropping this session's own echoes.
func (s *Session) collectBatch(first store.Event, events <-chan store.Event) []document.Document {
	latest := map[string]int{}
	var batch []document.Document

	add := func(e store.Event) {
		if e.Origin == s.id {
			return
		}
		if i, ok := latest[e.Doc.ID]; ok {
			batch[i] = e.Doc
			return
		}
		latest[e.Doc.ID] = len(batch)
		batch = append(batch, e.Doc)
	}

	add(first)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return batch
			}
			add(e)
		default:
			return batch
		}
	}
}

func (s *Session) pushWithRetry(ctx context.Context, docs []document.Document, assumed map[string]document.Document) {
	for {
		err := s.pushDocs(ctx, docs, assumed)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn(ctx, "push failed, backing off", "error", err)
		s.report(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryBackoff):
		}
	}
}

// pushDocs offers docs to the master. Conflicts are settled locally through
// the resolver and re-pushed exactly once with the reported master state as
// the new assumption; a second rejection surfaces ErrConflictRejected.
// Only transport failures return an error.
func (s *Session) pushDocs(ctx context.Context, docs []document.Document, assumed map[string]document.Document) error {
	rows := make([]PushRow, 0, len(docs))
	for _, doc := range docs {
		row := PushRow{NewDocumentState: doc}
		if master, ok := assumed[doc.ID]; ok {
			m := master
			row.AssumedMasterState = &m
		}
		rows = append(rows, row)
	}

	conflicts, err := s.tr.Push(ctx, rows)
	if err != nil {
		return fmt.Errorf("%w: push: %v", common.ErrTransport, err)
	}

	conflicted := map[string]struct{}{}
	for _, master := range conflicts {
		conflicted[master.ID] = struct{}{}
	}
	for _, doc := range docs {
		if _, ok := conflicted[doc.ID]; !ok {
			assumed[doc.ID] = doc
		}
	}
	if len(conflicts) == 0 {
		return nil
	}

	retry := make([]PushRow, 0, len(conflicts))
	for _, master := range conflicts {
		var fork document.Document
		for _, doc := range docs {
			if doc.ID == master.ID {
				fork = doc
			}
		}
		resolved := conflict.Resolve(fork, master)
		resolved.Content = ""

		// Adopt the outcome locally; the store resolves against its own
		// current state, which matches the fork we pushed.
		if err := s.store.ApplyReplicated(ctx, master, s.id); err != nil {
			s.log.Warn(ctx, "applying conflicting master state failed", "id", master.ID, "error", err)
			s.report(err)
			continue
		}
		m := master
		retry = append(retry, PushRow{NewDocumentState: resolved, AssumedMasterState: &m})
	}
	if len(retry) == 0 {
		return nil
	}

	rejected, err := s.tr.Push(ctx, retry)
	if err != nil {
		return fmt.Errorf("%w: push retry: %v", common.ErrTransport, err)
	}
	for _, row := range retry {
		stillConflicted := false
		for _, r := range rejected {
			if r.ID == row.NewDocumentState.ID {
				stillConflicted = true
			}
		}
		if !stillConflicted {
			assumed[row.NewDocumentState.ID] = row.NewDocumentState
		}
	}
	for _, master := range rejected {
		s.log.Warn(ctx, "document rejected twice, giving up until next change", "id", master.ID)
		s.report(fmt.Errorf("%w: document %s", common.ErrConflictRejected, master.ID))
	}
	return nil
}
