//go:build !gcp

package negotiation

import (
	"context"
	"fmt"
)

func newGCSArchive(ctx context.Context, cfg ArchiveConfig) (Archiver, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
