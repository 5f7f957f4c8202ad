package assets

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmbeddedAssets verifies the embedded icon and background are non-empty.
func TestEmbeddedAssets(t *testing.T) {
	assert.True(t, bytes.HasPrefix(DiskIcon, []byte("icns")))
	assert.True(t, bytes.HasPrefix(Background, []byte("\x89PNG")))
}

// TestExtractAndCleanup verifies the assets are written to disk and removed
// again.
func TestExtractAndCleanup(t *testing.T) {
	d, err := Extract(t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(d.DiskIconPath)
	require.NoError(t, err)
	assert.Equal(t, DiskIcon, data)

	data, err = os.ReadFile(d.BackgroundPath)
	require.NoError(t, err)
	assert.Equal(t, Background, data)

	require.NoError(t, d.Cleanup())
	_, err = os.Stat(d.Path)
	assert.True(t, os.IsNotExist(err))

	var nilDir *Dir
	assert.NoError(t, nilDir.Cleanup())
}
