// Package archive is content-addressed storage for evidence packs: the zip
// archives the lifecycle engine exports when a relationship closes under a
// retention marker. A pack's reference is the sha256 of its bytes, so every
// backend is idempotent and a reference can be re-verified against the pack
// it names. Backends: local filesystem, S3-compatible object storage, and
// Google Cloud Storage behind the gcp build tag.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// RefPrefix marks content-addressed pack references.
const RefPrefix = "sha256:"

// ErrNotFound reports a reference with no stored pack behind it.
var ErrNotFound = errors.New("evidence pack not found")

// Store persists evidence packs. Store returns the pack's content reference;
// storing the same bytes twice settles on the same reference without a
// second write.
type Store interface {
	Store(ctx context.Context, pack []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref computes the content reference of a pack.
func Ref(pack []byte) string {
	sum := sha256.Sum256(pack)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// hexOfRef validates a reference and returns the bare hex digest.
func hexOfRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("malformed pack reference %q", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("malformed pack reference %q: %w", ref, err)
	}
	return raw, nil
}
