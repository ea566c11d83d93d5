package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps packs under a base directory, sharded by the first digest
// byte so a long-lived broker does not accumulate one flat directory of
// blobs. Writes stage through a unique temp file and commit with an atomic
// rename; concurrent stores of the same pack settle on one file.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.dir, raw[:2], raw+".zip")
}

func (s *FileStore) Store(_ context.Context, pack []byte) (string, error) {
	ref := Ref(pack)
	raw := ref[len(RefPrefix):]
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "pack-*.tmp")
	if err != nil {
		return "", fmt.Errorf("stage pack: %w", err)
	}
	if _, err := tmp.Write(pack); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage pack: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage pack: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage pack: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit pack: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	raw, err := hexOfRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read pack: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	raw, err := hexOfRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat pack: %w", err)
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	raw, err := hexOfRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete pack: %w", err)
	}
	return nil
}
