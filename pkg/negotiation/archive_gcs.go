//go:build gcp

package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchive stores each session as <prefix><session id>.json in a bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive uses application default credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) object(id string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(a.prefix + id + ".json")
}

func (a *GCSArchive) Archive(ctx context.Context, s *Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	w := a.object(s.ID).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for session %s: %w", s.ID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for session %s: %w", s.ID, err)
	}
	return nil
}

func (a *GCSArchive) Load(ctx context.Context, id string) (*Session, error) {
	r, err := a.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for session %s: %w", id, err)
	}
	defer func() { _ = r.Close() }()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archived session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", id, err)
	}
	return &s, nil
}

func (a *GCSArchive) Close() error {
	return a.client.Close()
}
