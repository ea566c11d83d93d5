package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFilterPluginMissingFile(t *testing.T) {
	_, err := LoadFilterPlugin(context.Background(), "ghost", filepath.Join(t.TempDir(), "none.wasm"))
	assert.Error(t, err)
}

func TestLoadFilterPluginRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wasm")
	require.NoError(t, os.WriteFile(path, []byte("not a wasm module"), 0o600))

	_, err := LoadFilterPlugin(context.Background(), "bad", path)
	assert.Error(t, err)
}
