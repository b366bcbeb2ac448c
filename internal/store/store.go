// Package store implements the local document collection: CRUD plus
// field-level incremental updates, soft-delete, live queries, and the change
// feed consumed by replication. Physical storage is SQLite; documents are
// kept as JSON bodies with a few extracted columns for indexed lookups.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/conflict"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/query"
	"github.com/pesto-garden/pesto-sync/internal/schema"
	"github.com/pesto-garden/pesto-sync/internal/store/migrations"
)

// updateAttempts bounds the compare-and-set retry loop on contended rows.
const updateAttempts = 5

type Store struct {
	db     *sql.DB
	engine *schema.Engine
	log    logging.Logger
	feed   *feed
}

// Open opens (creating if needed) the SQLite database at dsn, applies the
// embedded schema migrations, and returns a ready store.
func Open(ctx context.Context, dsn string, engine *schema.Engine, log logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer; funnel everything through one
	// connection so the driver serializes for us.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying store migrations: %w", err)
	}
	return New(db, engine, log), nil
}

// New wraps an already-open database. The caller keeps ownership of db when
// constructing the store this way.
func New(db *sql.DB, engine *schema.Engine, log logging.Logger) *Store {
	return &Store{db: db, engine: engine, log: log, feed: newFeed()}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error {
	s.feed.close()
	return s.db.Close()
}

// Changes subscribes to the change feed of committed mutations, local and
// replicated. The cancel function unsubscribes and closes the channel.
func (s *Store) Changes() (<-chan Event, func()) {
	return s.feed.subscribe()
}

// Insert validates and stores a new document at the current schema version.
func (s *Store) Insert(ctx context.Context, doc document.Document) error {
	return s.insert(ctx, doc, "")
}

func (s *Store) insert(ctx context.Context, doc document.Document, origin string) error {
	doc.Content = ""
	if err := doc.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, doc_type, col, modified_at, deleted, schema_version, revision, body)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		doc.ID, string(doc.Type), doc.Col, doc.ModifiedAt, doc.Deleted, s.engine.CurrentVersion(), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: document %s", common.ErrAlreadyExists, doc.ID)
		}
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	s.publish(ctx, Event{Doc: doc, Origin: origin})
	return nil
}

// Get returns the document with the given id, tombstoned or not, migrated to
// the current schema version. The upgraded body is persisted lazily.
func (s *Store) Get(ctx context.Context, id string) (document.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, schema_version, revision FROM documents WHERE id = ?`, id)

	var body string
	var version, revision int
	if err := row.Scan(&body, &version, &revision); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Document{}, fmt.Errorf("%w: document %s", common.ErrNotFound, id)
		}
		return document.Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	return s.decode(ctx, body, version, revision)
}

// decode unmarshals a stored body, lazily running schema migrations and
// persisting the upgraded body. Migration keeps modified_at untouched: it is
// not a user mutation and must not dirty replication.
func (s *Store) decode(ctx context.Context, body string, version, revision int) (document.Document, error) {
	if version >= s.engine.CurrentVersion() {
		var doc document.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return document.Document{}, fmt.Errorf("decoding document body: %w", err)
		}
		return doc, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return document.Document{}, fmt.Errorf("decoding document body: %w", err)
	}
	raw = s.engine.Migrate(raw, version)
	doc, err := document.FromMap(raw)
	if err != nil {
		return document.Document{}, fmt.Errorf("migrated document is malformed: %w", err)
	}

	upgraded, err := json.Marshal(doc)
	if err != nil {
		return document.Document{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents SET body = ?, schema_version = ?, revision = revision + 1
		WHERE id = ? AND revision = ?`,
		string(upgraded), s.engine.CurrentVersion(), doc.ID, revision); err != nil {
		s.log.Warn(ctx, "persisting lazily migrated document failed", "id", doc.ID, "error", err)
	}
	return doc, nil
}

// IncrementalUpdate applies a field-level merge patch. The patch must carry
// a caller-supplied modified_at; concurrent updates to different fields of
// the same document never clobber each other (last writer wins per field).
func (s *Store) IncrementalUpdate(ctx context.Context, id string, patch document.Patch) (document.Document, error) {
	stamp, ok := patch["modified_at"].(string)
	if !ok || stamp == "" {
		return document.Document{}, fmt.Errorf("%w: incremental update requires modified_at", common.ErrValidation)
	}
	return s.applyPatch(ctx, id, patch, "")
}

// IncrementalRemove tombstones a document. Deletion is a two-step protocol:
// callers must first bump modified_at via IncrementalUpdate so the tombstone
// replicates newer than the last live state; this call only flips _deleted.
func (s *Store) IncrementalRemove(ctx context.Context, id string) (document.Document, error) {
	return s.applyPatch(ctx, id, document.Patch{"_deleted": true}, "")
}

func (s *Store) applyPatch(ctx context.Context, id string, patch document.Patch, origin string) (document.Document, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`SELECT body, schema_version, revision FROM documents WHERE id = ?`, id)

		var body string
		var version, revision int
		if err := row.Scan(&body, &version, &revision); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return document.Document{}, fmt.Errorf("%w: document %s", common.ErrNotFound, id)
			}
			return document.Document{}, fmt.Errorf("loading document %s: %w", id, err)
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return document.Document{}, fmt.Errorf("decoding document body: %w", err)
		}
		raw = s.engine.Migrate(raw, version)
		patch.Apply(raw)

		doc, err := document.FromMap(raw)
		if err != nil {
			return document.Document{}, fmt.Errorf("%w: patched document is malformed: %v", common.ErrValidation, err)
		}
		if err := doc.Validate(); err != nil {
			return document.Document{}, err
		}

		updated, err := s.writeRevision(ctx, doc, revision)
		if err != nil {
			return document.Document{}, err
		}
		if updated {
			s.publish(ctx, Event{Doc: doc, Origin: origin})
			return doc, nil
		}
		// Lost the compare-and-set race; reread and reapply.
	}
	return document.Document{}, fmt.Errorf("update contention on document %s", id)
}

func (s *Store) writeRevision(ctx context.Context, doc document.Document, revision int) (bool, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET doc_type = ?, col = ?, modified_at = ?, deleted = ?, schema_version = ?,
		    revision = revision + 1, body = ?
		WHERE id = ? AND revision = ?`,
		string(doc.Type), doc.Col, doc.ModifiedAt, doc.Deleted, s.engine.CurrentVersion(),
		string(body), doc.ID, revision)
	if err != nil {
		return false, fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApplyReplicated merges a pulled remote state into the local store through
// the conflict resolver. Origin is the replication identifier, stamped on the
// resulting change event so the producing session can skip its own echo.
func (s *Store) ApplyReplicated(ctx context.Context, remote document.Document, origin string) error {
	local, err := s.Get(ctx, remote.ID)
	if errors.Is(err, common.ErrNotFound) {
		doc := remote.Clone()
		doc.Content = ""
		if verr := doc.Validate(); verr != nil {
			return fmt.Errorf("remote document %s rejected: %w", remote.ID, verr)
		}
		if ierr := s.insert(ctx, doc, origin); ierr != nil {
			if errors.Is(ierr, common.ErrAlreadyExists) {
				// Raced with another session; retry through the merge path.
				return s.ApplyReplicated(ctx, remote, origin)
			}
			return ierr
		}
		return nil
	}
	if err != nil {
		return err
	}

	if conflict.Equal(local, remote) && local.Deleted == remote.Deleted {
		return nil
	}

	resolved := conflict.Resolve(local, remote)
	resolved.Content = ""
	if conflict.Equal(resolved, local) && resolved.Deleted == local.Deleted {
		// The local fork won; nothing to write, the next push reasserts it.
		return nil
	}
	if err := resolved.Validate(); err != nil {
		return fmt.Errorf("resolved document %s rejected: %w", resolved.ID, err)
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`SELECT revision FROM documents WHERE id = ?`, resolved.ID)
		var revision int
		if err := row.Scan(&revision); err != nil {
			return fmt.Errorf("loading document %s: %w", resolved.ID, err)
		}
		updated, err := s.writeRevision(ctx, resolved, revision)
		if err != nil {
			return err
		}
		if updated {
			s.publish(ctx, Event{Doc: resolved, Origin: origin})
			return nil
		}
	}
	return fmt.Errorf("update contention on document %s", resolved.ID)
}

// Page is one ordered slice of the change history, keyed by the
// (modified_at, id) pair of its last row.
type Page struct {
	Documents      []document.Document
	LastModifiedAt string
	LastID         string
}

// ChangesSince returns up to limit documents strictly after the
// (modifiedAt, id) checkpoint pair, tombstones included, ordered by
// (modified_at, id) ascending. Empty strings mean "from the beginning".
func (s *Store) ChangesSince(ctx context.Context, modifiedAt, id string, limit int) (Page, error) {
	raws, err := s.collectRows(ctx, `
		SELECT body, schema_version, revision FROM documents
		WHERE modified_at > ? OR (modified_at = ? AND id > ?)
		ORDER BY modified_at, id
		LIMIT ?`,
		modifiedAt, modifiedAt, id, limit)
	if err != nil {
		return Page{}, fmt.Errorf("listing changes: %w", err)
	}

	page := Page{LastModifiedAt: modifiedAt, LastID: id}
	for _, r := range raws {
		doc, err := s.decode(ctx, r.body, r.version, r.revision)
		if err != nil {
			return Page{}, err
		}
		page.Documents = append(page.Documents, doc)
		page.LastModifiedAt = doc.ModifiedAt
		page.LastID = doc.ID
	}
	return page, nil
}

type rawRow struct {
	body              string
	version, revision int
}

// collectRows drains the cursor before returning so decode's lazy migration
// writes never contend with it for the store's single connection.
func (s *Store) collectRows(ctx context.Context, q string, args ...any) ([]rawRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raws []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.body, &r.version, &r.revision); err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	return raws, rows.Err()
}

// All returns every document including tombstones, migrated. Used by backup.
func (s *Store) All(ctx context.Context) ([]document.Document, error) {
	return s.list(ctx, true)
}

// Search evaluates a selector over all live (non-deleted) documents.
func (s *Store) Search(ctx context.Context, sel query.Selector) ([]document.Document, error) {
	docs, err := s.list(ctx, false)
	if err != nil {
		return nil, err
	}
	matched := make([]document.Document, 0, len(docs))
	for i := range docs {
		if sel(&docs[i]) {
			matched = append(matched, docs[i])
		}
	}
	return matched, nil
}

func (s *Store) list(ctx context.Context, includeDeleted bool) ([]document.Document, error) {
	q := `SELECT body, schema_version, revision FROM documents`
	if !includeDeleted {
		q += ` WHERE deleted = 0`
	}
	q += ` ORDER BY modified_at, id`

	raws, err := s.collectRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	var docs []document.Document
	for _, r := range raws {
		doc, err := s.decode(ctx, r.body, r.version, r.revision)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// MigrationNeeded reports whether any stored document is below the current
// schema version. Callers gate replication on this.
func (s *Store) MigrationNeeded(ctx context.Context) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE schema_version < ?)`,
		s.engine.CurrentVersion())
	var needed bool
	if err := row.Scan(&needed); err != nil {
		return false, fmt.Errorf("checking migration state: %w", err)
	}
	return needed, nil
}

// MigrateAll sweeps every below-version document through the lazy migration
// path so the whole store reaches the current schema version.
func (s *Store) MigrateAll(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE schema_version < ?`, s.engine.CurrentVersion())
	if err != nil {
		return fmt.Errorf("listing documents needing migration: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.Get(ctx, id); err != nil {
			return fmt.Errorf("migrating document %s: %w", id, err)
		}
	}
	return nil
}

// SaveMeta upserts an opaque metadata value.
func (s *Store) SaveMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("saving metadata %s: %w", key, err)
	}
	return nil
}

// LoadMeta returns the stored value for key, or "" when absent.
func (s *Store) LoadMeta(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("loading metadata %s: %w", key, err)
	}
	return value, nil
}

// SaveCheckpoint persists a replication session's opaque checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, replicationID, payload string) error {
	return s.SaveMeta(ctx, "checkpoint:"+replicationID, payload)
}

// LoadCheckpoint returns a session's stored checkpoint, "" when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, replicationID string) (string, error) {
	return s.LoadMeta(ctx, "checkpoint:"+replicationID)
}

func (s *Store) publish(ctx context.Context, e Event) {
	if dropped := s.feed.publish(e); dropped > 0 {
		s.log.Warn(ctx, "change feed subscribers lagging, events dropped",
			"id", e.Doc.ID, "dropped", dropped)
	}
}
