package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func writeFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvIdentity, EnvP12, EnvP12Password, EnvRasterEngine, EnvDebug} {
		t.Setenv(k, "")
	}
}

// TestLoadDefaults verifies an empty directory and environment yield the
// defaults.
func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(t.TempDir(), Flags{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.CodeSign)
	assert.True(t, cfg.VersionInFilename)
	assert.Equal(t, "auto", cfg.RasterEngine)
	assert.Equal(t, 160, cfg.IconSize)
}

// TestLoadFile verifies settings are read from the project file with paths
// made absolute.
func TestLoadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, `
identity: "Mac Developer"
dmg-title: Fixture Installer
overwrite: true
version-in-filename: false
code-sign: false
raster-engine: native
background: art/background.png
icon-size: 128
`)

	cfg, err := Load(dir, Flags{})
	require.NoError(t, err)
	assert.Equal(t, "Mac Developer", cfg.Identity)
	assert.Equal(t, "Fixture Installer", cfg.DMGTitle)
	assert.True(t, cfg.Overwrite)
	assert.False(t, cfg.VersionInFilename)
	assert.False(t, cfg.CodeSign)
	assert.Equal(t, "native", cfg.RasterEngine)
	assert.Equal(t, filepath.Join(dir, "art", "background.png"), cfg.Background)
	assert.Equal(t, 128, cfg.IconSize)
}

// TestLoadPrecedence verifies flags beat the environment, which beats the
// file.
func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "identity: from-file\nraster-engine: none\n")

	t.Setenv(EnvIdentity, "from-env")
	t.Setenv(EnvRasterEngine, "imagemagick")

	cfg, err := Load(dir, Flags{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, "imagemagick", cfg.RasterEngine)

	cfg, err = Load(dir, Flags{Identity: ptr("from-flag"), RasterEngine: ptr("native")})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Identity)
	assert.Equal(t, "native", cfg.RasterEngine)
}

// TestLoadP12ReplacesIdentity verifies a P12 from a stronger source replaces
// an identity from a weaker one, and that both as flags conflict.
func TestLoadP12ReplacesIdentity(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "identity: from-file\n")
	t.Setenv(EnvP12, "/secure/cert.p12")
	t.Setenv(EnvP12Password, "secret")

	cfg, err := Load(dir, Flags{})
	require.NoError(t, err)
	assert.Empty(t, cfg.Identity)
	assert.Equal(t, "/secure/cert.p12", cfg.P12)
	assert.Equal(t, "secret", cfg.P12Password)

	_, err = Load(dir, Flags{Identity: ptr("a"), P12: ptr("b.p12")})
	assert.ErrorIs(t, err, ErrConflict)
}

// TestLoadDebug verifies debug output follows --verbose and the environment.
func TestLoadDebug(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDebug, "1")
	cfg, err := Load(t.TempDir(), Flags{})
	require.NoError(t, err)
	assert.True(t, cfg.Debug)

	t.Setenv(EnvDebug, "loud")
	_, err = Load(t.TempDir(), Flags{})
	assert.Error(t, err)

	t.Setenv(EnvDebug, "")
	cfg, err = Load(t.TempDir(), Flags{Verbose: ptr(true)})
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
}

// TestLoadRejectsBadFile verifies malformed YAML and invalid values are
// reported.
func TestLoadRejectsBadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "icon-size: [1, 2\n")
	_, err := Load(dir, Flags{})
	assert.Error(t, err)

	writeFile(t, dir, "icon-size: 0\n")
	_, err = Load(dir, Flags{})
	assert.Error(t, err)
}

// TestLoadFileMissing verifies a missing project file is not an error.
func TestLoadFileMissing(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Nil(t, f)
}
