// Package backup writes periodic snapshots of the whole store, tombstones
// included, to an S3 bucket as JSON lines. A snapshot is a plain text file a
// human can inspect and a fresh store can be rebuilt from.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pesto-garden/pesto-sync/internal/cryptox"
	"github.com/pesto-garden/pesto-sync/internal/document"
	"github.com/pesto-garden/pesto-sync/internal/logging"
)

// ObjectPutter is the slice of the S3 client the service needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source yields the documents to snapshot. *store.Store satisfies it.
type Source interface {
	All(ctx context.Context) ([]document.Document, error)
}

type Service struct {
	source     Source
	client     ObjectPutter
	bucket     string
	prefix     string
	passphrase []byte
	log        logging.Logger
}

func NewService(source Source, client ObjectPutter, bucket, prefix string, log logging.Logger) *Service {
	return &Service{
		source: source,
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}
}

// WithPassphrase makes snapshots sealed blobs instead of plain JSON lines.
func (s *Service) WithPassphrase(passphrase string) *Service {
	s.passphrase = []byte(passphrase)
	return s
}

// NewClient builds an S3 client from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Snapshot uploads the current store contents and returns the object key.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	docs, err := s.source.All(ctx)
	if err != nil {
		return "", fmt.Errorf("reading documents: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return "", fmt.Errorf("encoding document %s: %w", doc.ID, err)
		}
	}

	payload := buf.Bytes()
	contentType := "application/x-ndjson"
	suffix := ".jsonl"
	if len(s.passphrase) > 0 {
		payload, err = cryptox.Seal(payload, s.passphrase)
		if err != nil {
			return "", fmt.Errorf("sealing snapshot: %w", err)
		}
		contentType = "application/octet-stream"
		suffix = ".jsonl.enc"
	}

	key := fmt.Sprintf("pesto-%s%s", time.Now().UTC().Format("20060102T150405Z"), suffix)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading snapshot: %w", err)
	}
	s.log.Info(ctx, "snapshot uploaded", "key", key, "documents", len(docs))
	return key, nil
}

// Run snapshots on the given interval until ctx ends. Failures are logged
// and retried on the next tick.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.log.Error(ctx, "snapshot failed", "error", err)
			}
		}
	}
}
