package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/pesto-garden/pesto-sync/internal/cryptox"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
)

type fakeSource struct {
	docs []document.Document
	err  error
}

func (f *fakeSource) All(context.Context) ([]document.Document, error) {
	return f.docs, f.err
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func snapshotDoc(id string, deleted bool) document.Document {
	ts := document.Timestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	return document.Document{
		ID:         id,
		Type:       document.TypeNote,
		CreatedAt:  ts,
		ModifiedAt: ts,
		Tags:       []string{},
		Deleted:    deleted,
	}
}

func TestSnapshot(t *testing.T) {
	source := &fakeSource{docs: []document.Document{
		snapshotDoc("a", false),
		snapshotDoc("b", true),
	}}
	putter := &fakePutter{}
	svc := NewService(source, putter, "backups", "pesto/daily", logging.NewNopLogger())

	key, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "pesto/daily/pesto-"))
	require.True(t, strings.HasSuffix(key, ".jsonl"))

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	require.Equal(t, "backups", *in.Bucket)
	require.Equal(t, key, *in.Key)
	require.Equal(t, "application/x-ndjson", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)

	var lines []document.Document
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		var doc document.Document
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		lines = append(lines, doc)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "a", lines[0].ID)
	// Tombstones are part of the snapshot.
	require.True(t, lines[1].Deleted)
}

func TestSnapshotSealed(t *testing.T) {
	source := &fakeSource{docs: []document.Document{snapshotDoc("a", false)}}
	putter := &fakePutter{}
	svc := NewService(source, putter, "backups", "", logging.NewNopLogger()).
		WithPassphrase("hunter2")

	key, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(key, ".jsonl.enc"))

	in := putter.inputs[0]
	require.Equal(t, "application/octet-stream", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	require.NotContains(t, string(body), `"id"`)

	plain, err := cryptox.Open(body, []byte("hunter2"))
	require.NoError(t, err)
	var doc document.Document
	require.NoError(t, json.Unmarshal(plain, &doc))
	require.Equal(t, "a", doc.ID)
}

func TestSnapshotWithoutPrefix(t *testing.T) {
	putter := &fakePutter{}
	svc := NewService(&fakeSource{}, putter, "backups", "", logging.NewNopLogger())

	key, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "pesto-"))
}

func TestSnapshotSourceError(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("db gone")}, &fakePutter{}, "b", "", logging.NewNopLogger())
	_, err := svc.Snapshot(context.Background())
	require.ErrorContains(t, err, "db gone")
}

func TestSnapshotUploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("denied")}
	svc := NewService(&fakeSource{}, putter, "b", "", logging.NewNopLogger())
	_, err := svc.Snapshot(context.Background())
	require.ErrorContains(t, err, "uploading snapshot")
}
