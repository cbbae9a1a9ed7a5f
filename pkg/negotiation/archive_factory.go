package negotiation

import (
	"context"
	"fmt"
)

// ArchiveType selects an archive backend.
type ArchiveType string

const (
	ArchiveNone   ArchiveType = "none"
	ArchiveSQLite ArchiveType = "sqlite"
	ArchiveS3     ArchiveType = "s3"
	ArchiveGCS    ArchiveType = "gcs"
)

// ArchiveConfig configures NewArchive. SQLitePath applies to sqlite; the bucket fields
// to s3 and gcs.
type ArchiveConfig struct {
	Type       ArchiveType `yaml:"type"`
	SQLitePath string      `yaml:"sqlite_path"`
	Bucket     string      `yaml:"bucket"`
	Region     string      `yaml:"region"`
	Endpoint   string      `yaml:"endpoint"`
	Prefix     string      `yaml:"prefix"`
}

// NewArchive builds the configured archive. Type none (or empty) returns nil, and
// terminal sessions then stay in the active store.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (Archiver, error) {
	switch cfg.Type {
	case "", ArchiveNone:
		return nil, nil
	case ArchiveSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite archive requires a path")
		}
		return OpenSQLiteArchive(cfg.SQLitePath)
	case ArchiveS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 archive requires a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Archive(ctx, S3ArchiveConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case ArchiveGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("gcs archive requires a bucket")
		}
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
