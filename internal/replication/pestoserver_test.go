package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesto-garden/pesto-sync/internal/logging"
)

func pestoTransportFor(t *testing.T, srv *httptest.Server) *pestoServerTransport {
	t.Helper()
	return newPestoServerTransport(Config{
		Type:  TypePestoServer,
		URL:   srv.URL,
		Token: "secret",
		Pull:  true,
		Push:  true,
	}, logging.NewNopLogger())
}

func TestPestoServerPull(t *testing.T) {
	doc := testNote("n1", 3)
	content, err := json.Marshal(doc)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pull", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, stamp(1), r.URL.Query().Get("checkpoint"))
		require.Equal(t, "prev", r.URL.Query().Get("id"))
		require.Equal(t, "25", r.URL.Query().Get("limit"))

		resp := pestoPullResponse{
			Documents: []pestoWireDoc{
				{ID: "n1", ModifiedAt: stamp(3), Content: string(content)},
			},
			Checkpoint: pestoCheckpoint{UpdatedAt: stamp(3), ID: "n1"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	tr := pestoTransportFor(t, srv)
	res, err := tr.Pull(context.Background(), Checkpoint{ModifiedAt: stamp(1), ID: "prev"}, 25)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.Equal(t, doc, res.Documents[0])
	require.Equal(t, Checkpoint{ModifiedAt: stamp(3), ID: "n1"}, res.Checkpoint)
}

func TestPestoServerPullKeepsUnparseableContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := pestoPullResponse{
			Documents: []pestoWireDoc{
				{ID: "n1", ModifiedAt: stamp(3), Content: "not json", Deleted: true},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	res, err := pestoTransportFor(t, srv).Pull(context.Background(), Checkpoint{}, 10)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.Equal(t, "not json", res.Documents[0].Content)
	require.True(t, res.Documents[0].Deleted)
}

func TestPestoServerPush(t *testing.T) {
	masterDoc := testNote("n1", 9)
	masterContent, err := json.Marshal(masterDoc)
	require.NoError(t, err)

	var received []pestoPushRow
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/push", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		conflicts := []pestoWireDoc{
			{ID: "n1", ModifiedAt: stamp(9), Content: string(masterContent)},
		}
		require.NoError(t, json.NewEncoder(w).Encode(conflicts))
	}))
	defer srv.Close()

	local := testNote("n1", 2)
	assumed := testNote("n1", 1)
	conflicts, err := pestoTransportFor(t, srv).Push(context.Background(), []PushRow{
		{NewDocumentState: local, AssumedMasterState: &assumed},
	})
	require.NoError(t, err)

	require.Len(t, received, 1)
	require.Equal(t, "n1", received[0].NewDocumentState.ID)
	require.Equal(t, stamp(2), received[0].NewDocumentState.ModifiedAt)
	require.NotNil(t, received[0].AssumedMasterState)
	require.Equal(t, stamp(1), received[0].AssumedMasterState.ModifiedAt)

	// The serialized state round-trips through content.
	var inner map[string]any
	require.NoError(t, json.Unmarshal([]byte(received[0].NewDocumentState.Content), &inner))
	require.Equal(t, "n1", inner["id"])

	// Conflicts keep content intact so the resolver can parse the winner.
	require.Len(t, conflicts, 1)
	require.Equal(t, string(masterContent), conflicts[0].Content)
	require.Equal(t, stamp(9), conflicts[0].ModifiedAt)
}

func TestPestoServerStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"documents\":[]}\n\n"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- pestoTransportFor(t, srv).Stream(ctx, events)
	}()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stream wakeup")
	}

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}
