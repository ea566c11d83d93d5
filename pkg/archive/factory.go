package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects an archive implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds the store named by ACCORD_ARCHIVE_BACKEND,
// defaulting to the local filesystem under data/archive.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("ACCORD_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dir := os.Getenv("ACCORD_ARCHIVE_DIR")
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileStore(dir)
	case BackendS3:
		region := os.Getenv("ACCORD_ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   os.Getenv("ACCORD_ARCHIVE_S3_BUCKET"),
			Region:   region,
			Endpoint: os.Getenv("ACCORD_ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("ACCORD_ARCHIVE_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}
