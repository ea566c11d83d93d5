//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps packs in a Google Cloud Storage bucket. It
// authenticates through application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs archive requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSStore) object(raw string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + raw + ".zip")
}

func (g *GCSStore) Store(ctx context.Context, pack []byte) (string, error) {
	ref := Ref(pack)
	raw := ref[len(RefPrefix):]
	obj := g.object(raw)

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(pack); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs commit %s: %w", ref, err)
	}
	return ref, nil
}

func (g *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	raw, err := hexOfRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := g.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", ref, err)
	}
	return data, nil
}

func (g *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := hexOfRef(ref)
	if err != nil {
		return false, err
	}
	_, err = g.object(raw).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs stat %s: %w", ref, err)
}

func (g *GCSStore) Delete(ctx context.Context, ref string) error {
	raw, err := hexOfRef(ref)
	if err != nil {
		return err
	}
	if err := g.object(raw).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", ref, err)
	}
	return nil
}
