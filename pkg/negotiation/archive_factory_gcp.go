//go:build gcp

package negotiation

import (
	"context"
)

func newGCSArchive(ctx context.Context, cfg ArchiveConfig) (Archiver, error) {
	return NewGCSArchive(ctx, GCSArchiveConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
