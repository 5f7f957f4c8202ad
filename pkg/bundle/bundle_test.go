package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-create-dmg/pkg/command/commandtest"
)

func writeBundle(t *testing.T, info map[string]interface{}, format int) string {
	t.Helper()
	appPath := filepath.Join(t.TempDir(), "Fixture.app")
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Contents"), 0755))

	data, err := plist.Marshal(info, format)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(InfoPlistPath(appPath), data, 0644))
	return appPath
}

// TestReadXMLPlist verifies metadata is read from an XML Info.plist.
func TestReadXMLPlist(t *testing.T) {
	appPath := writeBundle(t, map[string]interface{}{
		"CFBundleDisplayName":        "Fixture",
		"CFBundleName":               "FixtureName",
		"CFBundleShortVersionString": "0.0.1",
		"CFBundleIconFile":           "AppIcon.icns",
		"LSMinimumSystemVersion":     "10.13",
	}, plist.XMLFormat)

	meta, err := NewReader(nil, nil).Read(context.Background(), appPath)
	require.NoError(t, err)

	assert.Equal(t, "Fixture", meta.DisplayName)
	assert.Equal(t, "0.0.1", meta.Version)
	assert.Equal(t, "AppIcon", meta.IconFile)
	assert.Equal(t, "10.13", meta.MinimumSystemVersion)
	assert.True(t, meta.HasIcon())
	assert.Equal(t, filepath.Join(appPath, "Contents", "Resources", "AppIcon.icns"), meta.IconPath(appPath))
}

// TestReadBinaryPlist verifies metadata is read from a binary Info.plist.
func TestReadBinaryPlist(t *testing.T) {
	appPath := writeBundle(t, map[string]interface{}{
		"CFBundleName":     "Binary",
		"CFBundleIconFile": "Icon",
	}, plist.BinaryFormat)

	meta, err := NewReader(nil, nil).Read(context.Background(), appPath)
	require.NoError(t, err)
	assert.Equal(t, "Binary", meta.DisplayName)
	assert.Equal(t, DefaultVersion, meta.Version)
	assert.Equal(t, "Icon", meta.IconFile)
}

// TestReadFallsBackToName verifies CFBundleName is used when there is no
// display name and the version defaults.
func TestReadFallsBackToName(t *testing.T) {
	appPath := writeBundle(t, map[string]interface{}{"CFBundleName": "OnlyName"}, plist.XMLFormat)

	meta, err := NewReader(nil, nil).Read(context.Background(), appPath)
	require.NoError(t, err)
	assert.Equal(t, "OnlyName", meta.DisplayName)
	assert.False(t, meta.HasIcon())
}

// TestReadWithoutName verifies a bundle without any name is rejected.
func TestReadWithoutName(t *testing.T) {
	appPath := writeBundle(t, map[string]interface{}{"CFBundleShortVersionString": "1.0"}, plist.XMLFormat)

	_, err := NewReader(nil, nil).Read(context.Background(), appPath)
	assert.ErrorIs(t, err, ErrNoName)
}

// TestReadMissingBundle verifies a missing bundle reports ErrNotFound with
// its path.
func TestReadMissingBundle(t *testing.T) {
	_, err := NewReader(nil, nil).Read(context.Background(), filepath.Join(t.TempDir(), "Missing.app"))
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReadConvertsWithPlutil verifies plutil converts a plist the decoder
// cannot read.
func TestReadConvertsWithPlutil(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Odd.app")
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Contents"), 0755))
	require.NoError(t, os.WriteFile(InfoPlistPath(appPath), []byte("{ CFBundleName = "), 0644))

	xml, err := plist.Marshal(map[string]interface{}{"CFBundleDisplayName": "Converted"}, plist.XMLFormat)
	require.NoError(t, err)
	fake := commandtest.NewFake().Succeed(plutilPath, string(xml))

	meta, err := NewReader(fake, nil).Read(context.Background(), appPath)
	require.NoError(t, err)
	assert.Equal(t, "Converted", meta.DisplayName)

	calls := fake.CallsTo(plutilPath)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-convert", "xml1", "-o", "-", InfoPlistPath(appPath)}, calls[0].Args)
}

// TestReadPlutilFailure verifies a failed plutil conversion is an invalid
// plist.
func TestReadPlutilFailure(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Broken.app")
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Contents"), 0755))
	require.NoError(t, os.WriteFile(InfoPlistPath(appPath), []byte("{ CFBundleName = "), 0644))

	fake := commandtest.NewFake().Fail(plutilPath, 1, "Property List error")
	_, err := NewReader(fake, nil).Read(context.Background(), appPath)
	assert.ErrorIs(t, err, ErrInvalidPlist)

	_, err = NewReader(nil, nil).Read(context.Background(), appPath)
	assert.ErrorIs(t, err, ErrInvalidPlist)
}

// TestReadIgnoresUnreadableExecutable verifies an executable that is not
// Mach-O only drops the architectures.
func TestReadIgnoresUnreadableExecutable(t *testing.T) {
	appPath := writeBundle(t, map[string]interface{}{
		"CFBundleName":       "Exec",
		"CFBundleExecutable": "Exec",
	}, plist.XMLFormat)
	require.NoError(t, os.MkdirAll(filepath.Join(appPath, "Contents", "MacOS"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appPath, "Contents", "MacOS", "Exec"), []byte("#!/bin/sh\n"), 0755))

	meta, err := NewReader(nil, nil).Read(context.Background(), appPath)
	require.NoError(t, err)
	assert.Equal(t, "Exec", meta.Executable)
	assert.Empty(t, meta.Architectures)
}

// TestArchitecturesOfSystemBinary verifies the architectures of a real Mach-O
// file are listed.
func TestArchitecturesOfSystemBinary(t *testing.T) {
	if _, err := os.Stat("/bin/ls"); err != nil {
		t.Skip("no system binary available")
	}
	archs, err := Architectures("/bin/ls")
	if err != nil {
		t.Skip("system binary is not Mach-O")
	}
	assert.NotEmpty(t, archs)
}
