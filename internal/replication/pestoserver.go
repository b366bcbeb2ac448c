package replication

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
)

// The custom sync server stores each document as an opaque serialized JSON
// blob. Wire rows carry the envelope fields the server indexes on plus the
// full state under "content"; both sides parse content to get the document
// back. Endpoints: GET /pull, POST /push, GET /stream (server-sent events).

type pestoWireDoc struct {
	ID         string `json:"id"`
	ModifiedAt string `json:"modified_at"`
	Content    string `json:"content"`
	Deleted    bool   `json:"_deleted"`
}

type pestoCheckpoint struct {
	UpdatedAt string `json:"updatedAt"`
	ID        string `json:"id"`
}

type pestoPullResponse struct {
	Documents  []pestoWireDoc  `json:"documents"`
	Checkpoint pestoCheckpoint `json:"checkpoint"`
}

type pestoPushRow struct {
	NewDocumentState   pestoWireDoc  `json:"newDocumentState"`
	AssumedMasterState *pestoWireDoc `json:"assumedMasterState,omitempty"`
}

type pestoServerTransport struct {
	base   string
	token  string
	client *http.Client
	log    logging.Logger
}

func newPestoServerTransport(cfg Config, log logging.Logger) *pestoServerTransport {
	return &pestoServerTransport{
		base:   strings.TrimRight(cfg.URL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

func (t *pestoServerTransport) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req, nil
}

func (t *pestoServerTransport) Pull(ctx context.Context, since Checkpoint, limit int) (PullResult, error) {
	q := url.Values{}
	q.Set("checkpoint", since.ModifiedAt)
	q.Set("id", since.ID)
	q.Set("limit", strconv.Itoa(limit))

	req, err := t.request(ctx, http.MethodGet, "/pull?"+q.Encode(), nil)
	if err != nil {
		return PullResult{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return PullResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PullResult{}, fmt.Errorf("pull: unexpected status %s", resp.Status)
	}

	var payload pestoPullResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PullResult{}, fmt.Errorf("pull: decoding response: %w", err)
	}

	result := PullResult{
		Checkpoint: Checkpoint{ModifiedAt: payload.Checkpoint.UpdatedAt, ID: payload.Checkpoint.ID},
	}
	// A drained feed may omit the checkpoint; never regress to zero.
	if result.Checkpoint.IsZero() {
		result.Checkpoint = since
	}
	for _, w := range payload.Documents {
		result.Documents = append(result.Documents, w.toDocument())
	}
	return result, nil
}

// toDocument unpacks the serialized state; rows whose content does not parse
// are surfaced with Content intact so the conflict resolver sees them as the
// server stored them.
func (w pestoWireDoc) toDocument() document.Document {
	var doc document.Document
	if err := json.Unmarshal([]byte(w.Content), &doc); err != nil {
		return document.Document{
			ID:         w.ID,
			ModifiedAt: w.ModifiedAt,
			Deleted:    w.Deleted,
			Content:    w.Content,
		}
	}
	if doc.ID == "" {
		doc.ID = w.ID
	}
	doc.Deleted = doc.Deleted || w.Deleted
	doc.Content = ""
	return doc
}

func serializeState(doc document.Document) (pestoWireDoc, error) {
	doc.Content = ""
	b, err := json.Marshal(doc)
	if err != nil {
		return pestoWireDoc{}, err
	}
	return pestoWireDoc{
		ID:         doc.ID,
		ModifiedAt: doc.ModifiedAt,
		Content:    string(b),
		Deleted:    doc.Deleted,
	}, nil
}

func (t *pestoServerTransport) Push(ctx context.Context, rows []PushRow) ([]document.Document, error) {
	wire := make([]pestoPushRow, 0, len(rows))
	for _, row := range rows {
		state, err := serializeState(row.NewDocumentState)
		if err != nil {
			return nil, err
		}
		w := pestoPushRow{NewDocumentState: state}
		if row.AssumedMasterState != nil {
			assumed, err := serializeState(*row.AssumedMasterState)
			if err != nil {
				return nil, err
			}
			w.AssumedMasterState = &assumed
		}
		wire = append(wire, w)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	req, err := t.request(ctx, http.MethodPost, "/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push: unexpected status %s", resp.Status)
	}

	// Conflicts come back as the master's serialized rows. Content is kept
	// so the resolver can parse the winning state out of it.
	var conflicts []pestoWireDoc
	if err := json.NewDecoder(resp.Body).Decode(&conflicts); err != nil {
		return nil, fmt.Errorf("push: decoding conflicts: %w", err)
	}
	masters := make([]document.Document, 0, len(conflicts))
	for _, w := range conflicts {
		masters = append(masters, document.Document{
			ID:         w.ID,
			ModifiedAt: w.ModifiedAt,
			Deleted:    w.Deleted,
			Content:    w.Content,
		})
	}
	return masters, nil
}

// Stream subscribes to the server-sent events endpoint and pokes events on
// every message. The puller owns the checkpoint, so the event payload itself
// is not applied; it only signals that a pull is worthwhile.
func (t *pestoServerTransport) Stream(ctx context.Context, events chan<- struct{}) error {
	req, err := t.request(ctx, http.MethodGet, "/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The streaming request must outlive the client's regular timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			select {
			case events <- struct{}{}:
			default:
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return fmt.Errorf("stream: server closed the connection")
}

func (t *pestoServerTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
