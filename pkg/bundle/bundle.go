// Package bundle reads the metadata of a macOS .app bundle needed to build its
// disk image: display name, version, icon and minimum system version.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
	"howett.net/plist"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

const (
	infoPlistPath = "Contents/Info.plist"
	resourcesDir  = "Contents/Resources"
	executableDir = "Contents/MacOS"

	plutilPath = "/usr/bin/plutil"

	// DefaultVersion is used when the bundle has no short version string
	DefaultVersion = "0.0.0"
)

var (
	// ErrNotFound is returned when the bundle or its Info.plist is missing
	ErrNotFound = errors.New("app bundle not found")

	// ErrInvalidPlist is returned when Info.plist cannot be parsed
	ErrInvalidPlist = errors.New("invalid Info.plist")

	// ErrNoName is returned when Info.plist names neither a display name nor a name
	ErrNoName = errors.New("the app must have `CFBundleDisplayName` or `CFBundleName` defined in its `Info.plist`")
)

// infoPlist holds the Info.plist keys the disk image needs
type infoPlist struct {
	DisplayName          string `plist:"CFBundleDisplayName"`
	Name                 string `plist:"CFBundleName"`
	ShortVersion         string `plist:"CFBundleShortVersionString"`
	IconFile             string `plist:"CFBundleIconFile"`
	Executable           string `plist:"CFBundleExecutable"`
	MinimumSystemVersion string `plist:"LSMinimumSystemVersion"`
}

// Metadata describes an app bundle. It is read once and never modified.
type Metadata struct {
	DisplayName string
	// Version is the short version string, DefaultVersion when absent
	Version string
	// IconFile is the icon base name without the .icns extension; empty when
	// the bundle declares no icon
	IconFile             string
	Executable           string
	MinimumSystemVersion string
	// Architectures lists the CPU slices of the main executable, if readable
	Architectures []string
}

// HasIcon reports whether the bundle declares an icon
func (m *Metadata) HasIcon() bool {
	return m.IconFile != ""
}

// IconPath returns the path of the bundle's icns file inside appPath
func (m *Metadata) IconPath(appPath string) string {
	return filepath.Join(appPath, resourcesDir, m.IconFile+".icns")
}

// Reader extracts Metadata from app bundles
type Reader struct {
	// Runner converts plists the decoder cannot read; may be nil
	Runner command.Runner
	Logger *slog.Logger
}

// NewReader creates a Reader that falls back to plutil through runner
func NewReader(runner command.Runner, logger *slog.Logger) *Reader {
	return &Reader{Runner: runner, Logger: logger}
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// InfoPlistPath returns the Info.plist location for appPath
func InfoPlistPath(appPath string) string {
	return filepath.Join(appPath, infoPlistPath)
}

// Read returns the metadata of the bundle at appPath
func (r *Reader) Read(ctx context.Context, appPath string) (*Metadata, error) {
	path := InfoPlistPath(appPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, appPath)
		}
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}

	info, err := r.parse(ctx, path, data)
	if err != nil {
		return nil, err
	}

	name := info.DisplayName
	if name == "" {
		name = info.Name
	}
	if name == "" {
		return nil, ErrNoName
	}

	version := info.ShortVersion
	if version == "" {
		version = DefaultVersion
	}

	meta := &Metadata{
		DisplayName:          name,
		Version:              version,
		IconFile:             strings.TrimSuffix(info.IconFile, ".icns"),
		Executable:           info.Executable,
		MinimumSystemVersion: info.MinimumSystemVersion,
	}

	if meta.Executable != "" {
		archs, err := Architectures(filepath.Join(appPath, executableDir, meta.Executable))
		if err != nil {
			r.logger().Debug("could not inspect main executable", "executable", meta.Executable, "error", err)
		} else {
			meta.Architectures = archs
		}
	}

	return meta, nil
}

// parse decodes Info.plist directly and falls back to converting it with plutil
func (r *Reader) parse(ctx context.Context, path string, data []byte) (*infoPlist, error) {
	var info infoPlist
	_, err := plist.Unmarshal(data, &info)
	if err == nil {
		return &info, nil
	}
	if r.Runner == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlist, err)
	}
	r.logger().Debug("direct Info.plist parse failed, converting with plutil", "error", err)

	res, err := r.Runner.Run(ctx, plutilPath, "-convert", "xml1", "-o", "-", path)
	if err != nil {
		return nil, fmt.Errorf("%w: plutil conversion failed: %w", ErrInvalidPlist, err)
	}

	info = infoPlist{}
	if _, err := plist.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlist, err)
	}
	return &info, nil
}

// Architectures lists the CPU types of a thin or universal Mach-O file
func Architectures(path string) ([]string, error) {
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		archs := make([]string, 0, len(fat.Arches))
		for _, arch := range fat.Arches {
			archs = append(archs, arch.CPU.String())
		}
		return archs, nil
	}

	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()
	return []string{m.CPU.String()}, nil
}
