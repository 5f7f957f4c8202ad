// Package assets bundles the template disk icon and the window background used
// for every disk image.
package assets

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// DiskIcon is the removable-drive template icon the app icon is composed onto
//
//go:embed disk-icon.icns
var DiskIcon []byte

// Background is the 660x400 window background
//
//go:embed dmg-background.png
var Background []byte

// Dir holds the assets materialised on disk for tools that need file paths
type Dir struct {
	Path           string
	DiskIconPath   string
	BackgroundPath string
}

// Extract writes the embedded assets into a new directory under parent (the
// system temp dir when empty). The caller removes it with Cleanup.
func Extract(parent string) (*Dir, error) {
	dir, err := os.MkdirTemp(parent, "create-dmg-assets-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	d := &Dir{
		Path:           dir,
		DiskIconPath:   filepath.Join(dir, "disk-icon.icns"),
		BackgroundPath: filepath.Join(dir, "dmg-background.png"),
	}
	if err := os.WriteFile(d.DiskIconPath, DiskIcon, 0644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write disk icon: %w", err)
	}
	if err := os.WriteFile(d.BackgroundPath, Background, 0644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write background: %w", err)
	}
	return d, nil
}

// Cleanup removes the extracted assets
func (d *Dir) Cleanup() error {
	if d == nil || d.Path == "" {
		return nil
	}
	return os.RemoveAll(d.Path)
}
