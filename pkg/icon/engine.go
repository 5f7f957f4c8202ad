package icon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

// ErrUnsupportedRaster is returned by an Engine for a payload it cannot decode.
// The composer skips such variants instead of failing.
var ErrUnsupportedRaster = errors.New("unsupported raster encoding")

// Engine overlays an app icon raster onto a template raster
type Engine interface {
	// Name identifies the engine in diagnostics
	Name() string

	// Compose distorts app, fits it into the template's drop zone and
	// returns the composite as PNG bytes
	Compose(ctx context.Context, app, template []byte) ([]byte, error)
}

// Mode selects the raster engine
type Mode string

const (
	// ModeAuto prefers ImageMagick when installed and falls back to the
	// built-in engine
	ModeAuto Mode = "auto"
	// ModeNative always uses the built-in engine
	ModeNative Mode = "native"
	// ModeImageMagick requires ImageMagick; without it no icon is composed
	ModeImageMagick Mode = "imagemagick"
	// ModeNone disables composition
	ModeNone Mode = "none"
)

// ParseMode validates a raster engine name. Empty means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeNative, ModeImageMagick, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown raster engine %q (want auto, native, imagemagick or none)", s)
	}
}

// SelectEngine resolves mode to an Engine once per run. A nil Engine means the
// composition capability is absent and callers should use the template icon.
func SelectEngine(runner command.Runner, mode Mode, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}

	switch mode {
	case ModeNone:
		logger.Debug("icon composition disabled")
		return nil
	case ModeNative:
		return NewNativeEngine()
	}

	if im := FindImageMagick(runner); im != nil {
		logger.Debug("using ImageMagick for icon composition", "program", im.program)
		return im
	}

	if mode == ModeImageMagick {
		logger.Warn("ImageMagick not found, using the plain disk icon")
		return nil
	}
	return NewNativeEngine()
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// jpeg2000Signatures covers the JP2 container and raw codestream forms
var jpeg2000Signatures = [][]byte{
	[]byte("\x00\x00\x00\x0cjP  \r\n\x87\n"),
	[]byte("\xff\x4f\xff\x51"),
}

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature)
}

// isEncodedRaster reports whether data is a self-describing image (PNG or
// JPEG 2000) rather than a legacy packed bitmap.
func isEncodedRaster(data []byte) bool {
	if isPNG(data) {
		return true
	}
	for _, sig := range jpeg2000Signatures {
		if bytes.HasPrefix(data, sig) {
			return true
		}
	}
	return false
}
