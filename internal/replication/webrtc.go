package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/conflict"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/store"
)

// The peer mesh has no master: every peer is a master for the others. A
// transport therefore has two faces: the Transport side pulls from and pushes
// to connected peers, and a serving side answers the same requests against
// the local store. Serving is governed by the session config, not by the
// remote's requests: a peer configured without push never serves its
// documents, one without pull never applies what peers offer, whatever a
// rogue remote sends.

// Source is the local document state a peer transport serves from and writes
// into. *store.Store satisfies it.
type Source interface {
	ChangesSince(ctx context.Context, modifiedAt, id string, limit int) (store.Page, error)
	Get(ctx context.Context, id string) (document.Document, error)
	ApplyReplicated(ctx context.Context, doc document.Document, origin string) error
	Changes() (<-chan store.Event, func())
}

// PeerChannel is one established bidirectional channel to a remote peer.
type PeerChannel interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	// Receive yields inbound payloads; the channel closes when the peer
	// disconnects.
	Receive() <-chan []byte
	Close() error
}

// PeerConnector joins a room and hands back channels as peers appear.
type PeerConnector interface {
	// Connect joins the room; the returned channel closes when ctx ends or
	// the connection to the mesh is lost.
	Connect(ctx context.Context) (<-chan PeerChannel, error)
	Close() error
}

type peerMessage struct {
	Kind       string              `json:"kind"`
	RequestID  string              `json:"requestId,omitempty"`
	Checkpoint *Checkpoint         `json:"checkpoint,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	Rows       []PushRow           `json:"rows,omitempty"`
	Documents  []document.Document `json:"documents,omitempty"`
	Error      string              `json:"error,omitempty"`
}

const (
	peerKindPull       = "pull"
	peerKindPullResult = "pull-result"
	peerKindPush       = "push"
	peerKindPushResult = "push-result"
	peerKindChanged    = "changed"
)

const peerRequestTimeout = 20 * time.Second

type webRTCTransport struct {
	cfg       Config
	id        string
	connector PeerConnector
	source    Source
	log       logging.Logger

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	peers   map[string]PeerChannel
	pending map[string]chan peerMessage
	stream  chan<- struct{}
	started bool
}

func newWebRTCTransport(cfg Config, connector PeerConnector, source Source, log logging.Logger) *webRTCTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &webRTCTransport{
		cfg:       cfg,
		id:        cfg.ReplicationID(),
		connector: connector,
		source:    source,
		log:       log,
		runCtx:    ctx,
		stop:      cancel,
		peers:     map[string]PeerChannel{},
		pending:   map[string]chan peerMessage{},
	}
}

// ensureStarted lazily joins the room on first use so a transport that is
// built but never run does not hold a connection.
func (t *webRTCTransport) ensureStarted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	joins, err := t.connector.Connect(t.runCtx)
	if err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	t.started = true

	t.wg.Add(2)
	go t.acceptLoop(joins)
	go t.broadcastLoop()
	return nil
}

func (t *webRTCTransport) acceptLoop(joins <-chan PeerChannel) {
	defer t.wg.Done()
	for peer := range joins {
		t.mu.Lock()
		t.peers[peer.ID()] = peer
		t.mu.Unlock()
		t.log.Info(t.runCtx, "peer joined", "peer", peer.ID())

		t.wg.Add(1)
		go t.peerLoop(peer)
	}
}

func (t *webRTCTransport) peerLoop(peer PeerChannel) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.peers, peer.ID())
		t.mu.Unlock()
		_ = peer.Close()
		t.log.Info(t.runCtx, "peer left", "peer", peer.ID())
	}()

	for data := range peer.Receive() {
		var msg peerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn(t.runCtx, "dropping malformed peer message", "peer", peer.ID(), "error", err)
			continue
		}
		t.handle(peer, msg)
	}
}

func (t *webRTCTransport) handle(peer PeerChannel, msg peerMessage) {
	switch msg.Kind {
	case peerKindPull:
		t.servePull(peer, msg)
	case peerKindPush:
		t.servePush(peer, msg)
	case peerKindPullResult, peerKindPushResult:
		t.mu.Lock()
		ch, ok := t.pending[msg.RequestID]
		if ok {
			delete(t.pending, msg.RequestID)
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
		}
	case peerKindChanged:
		t.mu.Lock()
		stream := t.stream
		t.mu.Unlock()
		if stream != nil {
			poke(stream)
		}
	}
}

// servePull answers a peer's pull against the local store. A peer that does
// not push serves nothing, reporting an empty drained batch.
func (t *webRTCTransport) servePull(peer PeerChannel, msg peerMessage) {
	reply := peerMessage{Kind: peerKindPullResult, RequestID: msg.RequestID}
	if t.cfg.Push {
		var since Checkpoint
		if msg.Checkpoint != nil {
			since = *msg.Checkpoint
		}
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultBatchSize
		}
		page, err := t.source.ChangesSince(t.runCtx, since.ModifiedAt, since.ID, limit)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Documents = page.Documents
			reply.Checkpoint = &Checkpoint{ModifiedAt: page.LastModifiedAt, ID: page.LastID}
		}
	} else {
		reply.Checkpoint = msg.Checkpoint
	}
	t.send(peer, reply)
}

// servePush applies rows a peer offers, reporting the local state as a
// conflict when the peer's assumption about it is stale. A peer that does not
// pull applies nothing and accepts everything, so the remote moves on.
func (t *webRTCTransport) servePush(peer PeerChannel, msg peerMessage) {
	reply := peerMessage{Kind: peerKindPushResult, RequestID: msg.RequestID}
	if t.cfg.Pull {
		for _, row := range msg.Rows {
			current, err := t.source.Get(t.runCtx, row.NewDocumentState.ID)
			switch {
			case errors.Is(err, common.ErrNotFound):
				// New to us; fall through and apply.
			case err != nil:
				reply.Error = err.Error()
				t.send(peer, reply)
				return
			case row.AssumedMasterState == nil || !conflict.Equal(*row.AssumedMasterState, current):
				reply.Documents = append(reply.Documents, current)
				continue
			}
			if err := t.source.ApplyReplicated(t.runCtx, row.NewDocumentState, t.id); err != nil {
				t.log.Warn(t.runCtx, "rejecting peer document", "id", row.NewDocumentState.ID, "error", err)
			}
		}
	}
	t.send(peer, reply)
}

// broadcastLoop tells peers about local changes so they pull promptly.
func (t *webRTCTransport) broadcastLoop() {
	defer t.wg.Done()
	events, cancel := t.source.Changes()
	defer cancel()

	for {
		select {
		case <-t.runCtx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if !t.cfg.Push {
				continue
			}
			msg := peerMessage{Kind: peerKindChanged}
			t.mu.Lock()
			peers := make([]PeerChannel, 0, len(t.peers))
			for _, p := range t.peers {
				peers = append(peers, p)
			}
			t.mu.Unlock()
			for _, p := range peers {
				t.send(p, msg)
			}
		}
	}
}

func (t *webRTCTransport) send(peer PeerChannel, msg peerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Error(t.runCtx, "encoding peer message", "error", err)
		return
	}
	if err := peer.Send(t.runCtx, data); err != nil {
		t.log.Warn(t.runCtx, "sending to peer failed", "peer", peer.ID(), "error", err)
	}
}

func (t *webRTCTransport) connectedPeers() []PeerChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]PeerChannel, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

// request sends msg to a peer and waits for the matching response.
func (t *webRTCTransport) request(ctx context.Context, peer PeerChannel, msg peerMessage) (peerMessage, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan peerMessage, 1)
	t.mu.Lock()
	t.pending[msg.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.RequestID)
		t.mu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return peerMessage{}, err
	}
	if err := peer.Send(ctx, data); err != nil {
		return peerMessage{}, err
	}

	timer := time.NewTimer(peerRequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return peerMessage{}, ctx.Err()
	case <-timer.C:
		return peerMessage{}, fmt.Errorf("peer %s: request timed out", peer.ID())
	case reply := <-ch:
		if reply.Error != "" {
			return peerMessage{}, fmt.Errorf("peer %s: %s", peer.ID(), reply.Error)
		}
		return reply, nil
	}
}

// Pull asks every connected peer for changes after the checkpoint and merges
// the batches. The checkpoint advances to the smallest position any peer
// reported, so a document is never skipped; re-pulling overlap is harmless
// because applying is idempotent.
func (t *webRTCTransport) Pull(ctx context.Context, since Checkpoint, limit int) (PullResult, error) {
	if err := t.ensureStarted(); err != nil {
		return PullResult{}, err
	}
	peers := t.connectedPeers()
	if len(peers) == 0 {
		// An empty mesh has nothing to pull; report a drained batch so the
		// session idles until a peer announces changes.
		return PullResult{Checkpoint: since}, nil
	}

	result := PullResult{}
	var floor *Checkpoint
	for _, peer := range peers {
		cp := since
		reply, err := t.request(ctx, peer, peerMessage{Kind: peerKindPull, Checkpoint: &cp, Limit: limit})
		if err != nil {
			return PullResult{}, err
		}
		result.Documents = append(result.Documents, reply.Documents...)
		if reply.Checkpoint == nil {
			continue
		}
		if floor == nil || lessPosition(*reply.Checkpoint, *floor) {
			c := *reply.Checkpoint
			floor = &c
		}
	}
	if floor != nil {
		result.Checkpoint = *floor
	} else {
		result.Checkpoint = since
	}
	return result, nil
}

func lessPosition(a, b Checkpoint) bool {
	if a.ModifiedAt != b.ModifiedAt {
		return a.ModifiedAt < b.ModifiedAt
	}
	return a.ID < b.ID
}

// Push offers rows to every connected peer; conflicts from all of them are
// merged. With no peers connected the push fails so the session retries
// later instead of silently dropping the batch.
func (t *webRTCTransport) Push(ctx context.Context, rows []PushRow) ([]document.Document, error) {
	if err := t.ensureStarted(); err != nil {
		return nil, err
	}
	peers := t.connectedPeers()
	if len(peers) == 0 {
		return nil, common.ErrNoPeers
	}

	seen := map[string]struct{}{}
	var conflicts []document.Document
	for _, peer := range peers {
		reply, err := t.request(ctx, peer, peerMessage{Kind: peerKindPush, Rows: rows})
		if err != nil {
			return nil, err
		}
		for _, doc := range reply.Documents {
			if _, ok := seen[doc.ID]; ok {
				continue
			}
			seen[doc.ID] = struct{}{}
			conflicts = append(conflicts, doc)
		}
	}
	return conflicts, nil
}

// Stream registers the wakeup channel; peers poke it via "changed" messages.
func (t *webRTCTransport) Stream(ctx context.Context, events chan<- struct{}) error {
	if err := t.ensureStarted(); err != nil {
		return err
	}
	t.mu.Lock()
	t.stream = events
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.stream = nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.runCtx.Done():
		return fmt.Errorf("mesh connection closed")
	}
}

func (t *webRTCTransport) Close() error {
	t.stop()
	err := t.connector.Close()
	t.wg.Wait()
	return err
}
