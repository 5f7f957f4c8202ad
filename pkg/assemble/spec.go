// Package assemble builds a disk image from a bundle with a fixed Finder
// window layout using hdiutil.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
)

// Image formats and filesystems understood by hdiutil
const (
	FormatULFO = "ULFO" // lzfse, macOS 10.11+
	FormatUDZO = "UDZO" // zlib
	FormatUDRW = "UDRW" // read-write, used while laying out the window

	FilesystemAPFS = "APFS" // macOS 10.13+
	FilesystemHFS  = "HFS+"
)

// MaxTitleLength is the longest volume name the window layout supports
const MaxTitleLength = 27

var (
	ulfoMinimum = semver.MustParse("10.11")
	apfsMinimum = semver.MustParse("10.13")
)

// ErrInvalidSpecification is returned for a specification that cannot be built
var ErrInvalidSpecification = errors.New("invalid disk image specification")

// ContentType says how an entry is placed on the volume
type ContentType string

const (
	// ContentFile copies the path onto the volume
	ContentFile ContentType = "file"
	// ContentLink creates a symbolic link to the path
	ContentLink ContentType = "link"
)

// Content is one icon placed in the window
type Content struct {
	X    int
	Y    int
	Type ContentType
	Path string
}

// Name is the entry's file name on the volume
func (c Content) Name() string {
	return filepath.Base(c.Path)
}

// Window is the Finder window geometry
type Window struct {
	Width  int
	Height int
}

// Specification describes the disk image and its window
type Specification struct {
	Title string
	// Icon is the volume icon (.icns); optional
	Icon       string
	Background string
	IconSize   int
	Format     string
	Filesystem string
	Window     Window
	Contents   []Content
}

// Validate checks the specification is complete
func (s *Specification) Validate() error {
	switch {
	case s.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidSpecification)
	case s.Format == "":
		return fmt.Errorf("%w: format is required", ErrInvalidSpecification)
	case s.Filesystem == "":
		return fmt.Errorf("%w: filesystem is required", ErrInvalidSpecification)
	case len(s.Contents) == 0:
		return fmt.Errorf("%w: no contents", ErrInvalidSpecification)
	}
	seen := make(map[string]bool, len(s.Contents))
	for _, c := range s.Contents {
		if c.Type != ContentFile && c.Type != ContentLink {
			return fmt.Errorf("%w: unknown content type %q", ErrInvalidSpecification, c.Type)
		}
		if c.Path == "" {
			return fmt.Errorf("%w: content without path", ErrInvalidSpecification)
		}
		if seen[c.Name()] {
			return fmt.Errorf("%w: duplicate entry %q", ErrInvalidSpecification, c.Name())
		}
		seen[c.Name()] = true
	}
	return nil
}

// Options is one assembly request
type Options struct {
	// Target is the disk image to create
	Target string
	// BasePath resolves relative content, icon and background paths
	BasePath      string
	Specification Specification
}

func (o *Options) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || o.BasePath == "" {
		return path
	}
	return filepath.Join(o.BasePath, path)
}

// Progress reports the start of an assembly step
type Progress struct {
	Step  int
	Total int
	Title string
}

// Assembler produces disk images. Assemble blocks until the image is written
// or assembly fails; progress, when non-nil, is called at every step.
type Assembler interface {
	Assemble(ctx context.Context, opts Options, progress func(Progress)) error
}

// FormatFor picks the newest image format and filesystem the app's minimum
// system version can mount. An empty or unparsable version gets the defaults.
func FormatFor(minimumSystemVersion string) (format, filesystem string) {
	format, filesystem = FormatULFO, FilesystemAPFS
	if minimumSystemVersion == "" {
		return format, filesystem
	}
	v, err := semver.NewVersion(minimumSystemVersion)
	if err != nil {
		return format, filesystem
	}
	if v.LessThan(ulfoMinimum) {
		format = FormatUDZO
	}
	if v.LessThan(apfsMinimum) {
		filesystem = FilesystemHFS
	}
	return format, filesystem
}
