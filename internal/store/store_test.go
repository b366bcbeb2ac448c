package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pesto-garden/pesto-sync/internal/common"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
	"github.com/pesto-garden/pesto-sync/internal/query"
	"github.com/pesto-garden/pesto-sync/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(uuid.NewString(), "-", ""))
	s, err := Open(context.Background(), dsn, schema.Default(), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func stamp(i int) string {
	return document.Timestamp(testBase.Add(time.Duration(i) * time.Second))
}

func testNote(id string, i int) document.Document {
	return document.Document{
		ID:         id,
		Type:       document.TypeNote,
		CreatedAt:  stamp(i),
		ModifiedAt: stamp(i),
		Tags:       []string{},
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testNote("n1", 0)
	doc.Fragments.Text = document.NewTextFragment("hello")
	require.NoError(t, s.Insert(ctx, doc))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, doc, got)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testNote("n1", 0)))
	require.ErrorIs(t, s.Insert(ctx, testNote("n1", 1)), common.ErrAlreadyExists)
}

func TestInsertInvalid(t *testing.T) {
	s := newTestStore(t)

	doc := testNote("n1", 0)
	doc.Tags = nil
	require.ErrorIs(t, s.Insert(context.Background(), doc), common.ErrValidation)
}

func TestIncrementalUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, testNote("n1", 0)))

	t.Run("requires modified_at", func(t *testing.T) {
		_, err := s.IncrementalUpdate(ctx, "n1", document.Patch{"starred": true})
		require.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("merges independent fields", func(t *testing.T) {
		_, err := s.IncrementalUpdate(ctx, "n1", document.Patch{
			"title":       "My note",
			"modified_at": stamp(1),
		})
		require.NoError(t, err)

		updated, err := s.IncrementalUpdate(ctx, "n1", document.Patch{
			"starred":     true,
			"modified_at": stamp(2),
		})
		require.NoError(t, err)

		require.NotNil(t, updated.Title)
		require.Equal(t, "My note", *updated.Title)
		require.True(t, updated.Starred)
		require.Equal(t, stamp(2), updated.ModifiedAt)
	})

	t.Run("dotted path touches one nested field", func(t *testing.T) {
		_, err := s.IncrementalUpdate(ctx, "n1", document.Patch{
			"fragments.text.content": "body",
			"modified_at":            stamp(3),
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "n1")
		require.NoError(t, err)
		require.Equal(t, "body", got.Fragments.Text.Content)
		require.True(t, got.Starred)
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := s.IncrementalUpdate(ctx, "nope", document.Patch{"modified_at": stamp(4)})
		require.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestIncrementalRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, testNote("n1", 0)))

	_, err := s.IncrementalUpdate(ctx, "n1", document.Patch{"modified_at": stamp(1)})
	require.NoError(t, err)
	removed, err := s.IncrementalRemove(ctx, "n1")
	require.NoError(t, err)
	require.True(t, removed.Deleted)
	require.Equal(t, stamp(1), removed.ModifiedAt)

	// Tombstones stay readable and replicable but drop out of searches.
	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	live, err := s.Search(ctx, query.All())
	require.NoError(t, err)
	require.Empty(t, live)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestChangesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, testNote(id, i)))
	}

	page, err := s.ChangesSince(ctx, "", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Documents, 2)
	require.Equal(t, "a", page.Documents[0].ID)
	require.Equal(t, "b", page.Documents[1].ID)
	require.Equal(t, stamp(1), page.LastModifiedAt)
	require.Equal(t, "b", page.LastID)

	page, err = s.ChangesSince(ctx, page.LastModifiedAt, page.LastID, 2)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	require.Equal(t, "c", page.Documents[0].ID)

	page, err = s.ChangesSince(ctx, page.LastModifiedAt, page.LastID, 2)
	require.NoError(t, err)
	require.Empty(t, page.Documents)
}

func TestChangesSinceTieBreaksOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, testNote("a", 0)))
	require.NoError(t, s.Insert(ctx, testNote("b", 0)))

	page, err := s.ChangesSince(ctx, stamp(0), "a", 10)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	require.Equal(t, "b", page.Documents[0].ID)
}

func TestLazySchemaMigration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := map[string]any{
		"id":          "old1",
		"type":        "note",
		"created_at":  stamp(0),
		"modified_at": stamp(0),
		"tags":        []string{},
		"fragments": map[string]any{
			"todolist": map[string]any{
				"done":  true,
				"todos": []map[string]any{{"id": "t1", "text": "a", "done": true}},
			},
		},
	}
	body, err := json.Marshal(old)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, doc_type, col, modified_at, deleted, schema_version, revision, body)
		VALUES ('old1', 'note', NULL, ?, 0, 0, 1, ?)`, stamp(0), string(body))
	require.NoError(t, err)

	needed, err := s.MigrationNeeded(ctx)
	require.NoError(t, err)
	require.True(t, needed)

	events, cancel := s.Changes()
	defer cancel()

	got, err := s.Get(ctx, "old1")
	require.NoError(t, err)
	require.NotNil(t, got.Fragments.Todolist)
	require.Equal(t, -1, got.Fragments.Todolist.Column)
	require.False(t, got.Starred)
	// Upgrading the shape is not a user mutation.
	require.Equal(t, stamp(0), got.ModifiedAt)
	select {
	case e := <-events:
		t.Fatalf("unexpected change event for %s", e.Doc.ID)
	default:
	}

	var version int
	row := s.db.QueryRowContext(ctx, `SELECT schema_version FROM documents WHERE id = 'old1'`)
	require.NoError(t, row.Scan(&version))
	require.Equal(t, schema.Default().CurrentVersion(), version)

	needed, err = s.MigrationNeeded(ctx)
	require.NoError(t, err)
	require.False(t, needed)
}

func TestMigrateAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		doc := testNote(fmt.Sprintf("old%d", i), i)
		body, err := json.Marshal(doc)
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (id, doc_type, col, modified_at, deleted, schema_version, revision, body)
			VALUES (?, 'note', NULL, ?, 0, 3, 1, ?)`, doc.ID, doc.ModifiedAt, string(body))
		require.NoError(t, err)
	}

	require.NoError(t, s.MigrateAll(ctx))

	needed, err := s.MigrationNeeded(ctx)
	require.NoError(t, err)
	require.False(t, needed)
}

func TestApplyReplicated(t *testing.T) {
	ctx := context.Background()

	t.Run("new document is inserted with origin", func(t *testing.T) {
		s := newTestStore(t)
		events, cancel := s.Changes()
		defer cancel()

		remote := testNote("r1", 0)
		require.NoError(t, s.ApplyReplicated(ctx, remote, "sync-1"))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, remote, got)

		e := <-events
		require.Equal(t, "sync-1", e.Origin)
		require.Equal(t, "r1", e.Doc.ID)
	})

	t.Run("identical revision is a no-op", func(t *testing.T) {
		s := newTestStore(t)
		doc := testNote("r1", 0)
		require.NoError(t, s.Insert(ctx, doc))

		events, cancel := s.Changes()
		defer cancel()
		require.NoError(t, s.ApplyReplicated(ctx, doc, "sync-1"))
		select {
		case e := <-events:
			t.Fatalf("unexpected change event for %s", e.Doc.ID)
		default:
		}
	})

	t.Run("newer remote wins", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Insert(ctx, testNote("r1", 0)))

		remote := testNote("r1", 5)
		title := "remote title"
		remote.Title = &title
		require.NoError(t, s.ApplyReplicated(ctx, remote, "sync-1"))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, stamp(5), got.ModifiedAt)
		require.Equal(t, "remote title", *got.Title)
	})

	t.Run("newer local fork is kept", func(t *testing.T) {
		s := newTestStore(t)
		local := testNote("r1", 5)
		title := "local title"
		local.Title = &title
		require.NoError(t, s.Insert(ctx, local))

		require.NoError(t, s.ApplyReplicated(ctx, testNote("r1", 1), "sync-1"))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, stamp(5), got.ModifiedAt)
		require.Equal(t, "local title", *got.Title)
	})

	t.Run("remote deletion beats newer local edit", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Insert(ctx, testNote("r1", 5)))

		remote := testNote("r1", 1)
		remote.Deleted = true
		require.NoError(t, s.ApplyReplicated(ctx, remote, "sync-1"))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.True(t, got.Deleted)
		// The surviving body is the newer local one, tombstoned.
		require.Equal(t, stamp(5), got.ModifiedAt)
	})

	t.Run("serialized master content is parsed, never stored", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Insert(ctx, testNote("r1", 2)))

		inner := testNote("r1", 3)
		title := "from content"
		inner.Title = &title
		raw, err := json.Marshal(inner)
		require.NoError(t, err)

		master := testNote("r1", 9)
		master.Content = string(raw)
		require.NoError(t, s.ApplyReplicated(ctx, master, "sync-1"))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, "from content", *got.Title)
		require.Empty(t, got.Content)
	})
}

func TestCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.LoadCheckpoint(ctx, "sync-1")
	require.NoError(t, err)
	require.Empty(t, cp)

	require.NoError(t, s.SaveCheckpoint(ctx, "sync-1", `{"modified_at":"x","id":"y"}`))
	require.NoError(t, s.SaveCheckpoint(ctx, "sync-2", `other`))

	cp, err = s.LoadCheckpoint(ctx, "sync-1")
	require.NoError(t, err)
	require.Equal(t, `{"modified_at":"x","id":"y"}`, cp)

	// Overwrites replace.
	require.NoError(t, s.SaveCheckpoint(ctx, "sync-1", `next`))
	cp, err = s.LoadCheckpoint(ctx, "sync-1")
	require.NoError(t, err)
	require.Equal(t, `next`, cp)
}

func TestChangesFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, cancel := s.Changes()
	require.NoError(t, s.Insert(ctx, testNote("n1", 0)))

	e := <-events
	require.Equal(t, "n1", e.Doc.ID)
	require.Empty(t, e.Origin)

	cancel()
	_, open := <-events
	require.False(t, open)
	cancel() // idempotent
}

func TestFindLiveQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	starred := testNote("s1", 0)
	starred.Starred = true
	require.NoError(t, s.Insert(ctx, starred))
	require.NoError(t, s.Insert(ctx, testNote("p1", 1)))

	lq, err := s.Find(ctx, query.Compile("starred:true", nil))
	require.NoError(t, err)
	defer lq.Close()

	initial := <-lq.Results()
	require.Len(t, initial, 1)
	require.Equal(t, "s1", initial[0].ID)

	other := testNote("s2", 2)
	other.Starred = true
	require.NoError(t, s.Insert(ctx, other))

	select {
	case docs := <-lq.Results():
		require.Len(t, docs, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live query refresh")
	}
}
