//go:build gcp

package archive

import (
	"context"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	return NewGCSStore(ctx,
		os.Getenv("ACCORD_ARCHIVE_GCS_BUCKET"),
		os.Getenv("ACCORD_ARCHIVE_GCS_PREFIX"))
}
