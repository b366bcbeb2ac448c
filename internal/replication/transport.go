package replication

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pesto-garden/pesto-sync/internal/document"
)

// ErrStreamingUnsupported is returned by Stream on transports that only
// support polling; sessions fall back to interval pulls.
var ErrStreamingUnsupported = errors.New("transport does not support streaming")

// Checkpoint marks a position in a master's change history. The
// (ModifiedAt, ID) pair orders document-level transports; Seq carries the
// CouchDB update sequence, which is opaque to everything else. A zero
// Checkpoint means "from the beginning".
type Checkpoint struct {
	ModifiedAt string `json:"modified_at,omitempty"`
	ID         string `json:"id,omitempty"`
	Seq        string `json:"seq,omitempty"`
}

func (c Checkpoint) IsZero() bool {
	return c == Checkpoint{}
}

// Encode renders the checkpoint as the opaque string persisted by the store.
func (c Checkpoint) Encode() (string, error) {
	if c.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeCheckpoint parses a persisted checkpoint; "" yields the zero value.
func DecodeCheckpoint(s string) (Checkpoint, error) {
	if s == "" {
		return Checkpoint{}, nil
	}
	var c Checkpoint
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

// PullResult is one batch of remote changes and the checkpoint to resume from
// once the batch is applied.
type PullResult struct {
	Documents  []document.Document
	Checkpoint Checkpoint
}

// PushRow pairs the state being pushed with the master state the pusher
// assumes. A master that disagrees with the assumption reports a conflict
// instead of writing. Nil AssumedMasterState asserts the document is new to
// the master.
type PushRow struct {
	NewDocumentState   document.Document  `json:"newDocumentState"`
	AssumedMasterState *document.Document `json:"assumedMasterState,omitempty"`
}

// Transport adapts one remote master (or peer mesh) to the replication
// engine. Implementations must be safe for one concurrent puller plus one
// concurrent pusher.
type Transport interface {
	// Pull returns up to limit changes strictly after the checkpoint,
	// tombstones included, with the checkpoint to persist after applying.
	Pull(ctx context.Context, since Checkpoint, limit int) (PullResult, error)

	// Push offers rows to the master and returns the current master states
	// of the rows it rejected as conflicts. An empty slice means everything
	// was accepted.
	Push(ctx context.Context, rows []PushRow) ([]document.Document, error)

	// Stream blocks, signalling on events each time the master reports new
	// changes, until ctx ends or the connection fails. Transports that
	// cannot stream return ErrStreamingUnsupported immediately.
	Stream(ctx context.Context, events chan<- struct{}) error

	Close() error
}
