package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
)

// couchDBTransport replicates against a plain CouchDB database. Pulls read
// the _changes feed with include_docs; pushes go through _bulk_docs with the
// revision of the last state seen from the server, so CouchDB itself detects
// conflicts. Revisions are transport bookkeeping and never leak into
// documents.
type couchDBTransport struct {
	base     string
	username string
	password string
	client   *http.Client
	log      logging.Logger

	mu   sync.Mutex
	revs map[string]string
}

func newCouchDBTransport(cfg Config, log logging.Logger) *couchDBTransport {
	return &couchDBTransport{
		base:     strings.TrimRight(cfg.Database, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
		revs:     map[string]string{},
	}
}

func (t *couchDBTransport) request(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	return req, nil
}

func (t *couchDBTransport) rememberRev(id, rev string) {
	t.mu.Lock()
	t.revs[id] = rev
	t.mu.Unlock()
}

func (t *couchDBTransport) lastRev(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revs[id]
}

type couchChangesResponse struct {
	Results []struct {
		ID  string         `json:"id"`
		Doc map[string]any `json:"doc"`
	} `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// rawSeq renders last_seq, which CouchDB emits as either a string or a
// number depending on version, as the string passed back to ?since=.
func rawSeq(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func (t *couchDBTransport) Pull(ctx context.Context, since Checkpoint, limit int) (PullResult, error) {
	q := url.Values{}
	q.Set("include_docs", "true")
	q.Set("limit", strconv.Itoa(limit))
	if since.Seq != "" {
		q.Set("since", since.Seq)
	}

	req, err := t.request(ctx, http.MethodGet, "/_changes?"+q.Encode(), nil)
	if err != nil {
		return PullResult{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return PullResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PullResult{}, fmt.Errorf("changes feed: unexpected status %s", resp.Status)
	}

	var payload couchChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PullResult{}, fmt.Errorf("changes feed: decoding response: %w", err)
	}

	result := PullResult{Checkpoint: Checkpoint{Seq: rawSeq(payload.LastSeq)}}
	if result.Checkpoint.Seq == "" || result.Checkpoint.Seq == "null" {
		result.Checkpoint = since
	}
	for _, row := range payload.Results {
		if row.Doc == nil {
			continue
		}
		doc, err := t.fromCouchDoc(row.Doc)
		if err != nil {
			t.log.Warn(ctx, "skipping undecodable couchdb document", "id", row.ID, "error", err)
			continue
		}
		result.Documents = append(result.Documents, doc)
	}
	return result, nil
}

func (t *couchDBTransport) fromCouchDoc(raw map[string]any) (document.Document, error) {
	if id, ok := raw["_id"].(string); ok {
		if rev, ok := raw["_rev"].(string); ok {
			t.rememberRev(id, rev)
		}
		raw["id"] = id
	}
	delete(raw, "_id")
	delete(raw, "_rev")
	return document.FromMap(raw)
}

func (t *couchDBTransport) toCouchDoc(doc document.Document) (map[string]any, error) {
	doc.Content = ""
	m := doc.ToMap()
	m["_id"] = doc.ID
	delete(m, "id")
	if doc.Deleted {
		m["_deleted"] = true
	}
	if rev := t.lastRev(doc.ID); rev != "" {
		m["_rev"] = rev
	}
	return m, nil
}

type couchBulkResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev"`
	Error string `json:"error"`
}

func (t *couchDBTransport) Push(ctx context.Context, rows []PushRow) ([]document.Document, error) {
	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		m, err := t.toCouchDoc(row.NewDocumentState)
		if err != nil {
			return nil, err
		}
		docs = append(docs, m)
	}
	body, err := json.Marshal(map[string]any{"docs": docs})
	if err != nil {
		return nil, err
	}

	req, err := t.request(ctx, http.MethodPost, "/_bulk_docs", body)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bulk docs: unexpected status %s", resp.Status)
	}

	var results []couchBulkResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("bulk docs: decoding response: %w", err)
	}

	var conflicts []document.Document
	for _, r := range results {
		switch {
		case r.Error == "":
			t.rememberRev(r.ID, r.Rev)
		case r.Error == "conflict":
			master, err := t.fetchMaster(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("fetching conflicting master %s: %w", r.ID, err)
			}
			conflicts = append(conflicts, master)
		default:
			return nil, fmt.Errorf("bulk docs: %s failed: %s", r.ID, r.Error)
		}
	}
	return conflicts, nil
}

// fetchMaster reads the server's current state of a conflicting document,
// refreshing the revision cache as a side effect.
func (t *couchDBTransport) fetchMaster(ctx context.Context, id string) (document.Document, error) {
	req, err := t.request(ctx, http.MethodGet, "/"+url.PathEscape(id), nil)
	if err != nil {
		return document.Document{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return document.Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return document.Document{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return document.Document{}, err
	}
	return t.fromCouchDoc(raw)
}

// Stream long-polls the _changes feed and pokes events whenever the server
// reports activity. The puller re-reads through its own checkpoint, so only
// the sequence cursor is tracked here.
func (t *couchDBTransport) Stream(ctx context.Context, events chan<- struct{}) error {
	seq := "now"
	client := &http.Client{Timeout: 70 * time.Second}

	for {
		q := url.Values{}
		q.Set("feed", "longpoll")
		q.Set("since", seq)
		q.Set("timeout", "55000")

		req, err := t.request(ctx, http.MethodGet, "/_changes?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var payload couchChangesResponse
		err = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("longpoll: decoding response: %w", err)
		}

		if next := rawSeq(payload.LastSeq); next != "" {
			seq = next
		}
		if len(payload.Results) > 0 {
			select {
			case events <- struct{}{}:
			default:
			}
		}
	}
}

func (t *couchDBTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
