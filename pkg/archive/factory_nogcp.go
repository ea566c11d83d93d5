//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSFromEnv(context.Context) (Store, error) {
	return nil, errors.New("gcs archive support is not compiled in (use -tags gcp)")
}
