// Package icon builds the volume icon of a disk image by laying the app icon
// onto a removable-drive template for every resolution variant.
package icon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aluedeke/go-create-dmg/pkg/icns"
)

// ErrCompose marks a failure after composition was attempted
var ErrCompose = errors.New("icon composition failed")

// Composer composes app icons onto a template icon
type Composer struct {
	// Engine does the raster work. Nil means composition is unavailable and
	// Compose returns TemplatePath unchanged.
	Engine Engine

	// Template is the raw template icns data
	Template []byte

	// TemplatePath is returned when no engine is available
	TemplatePath string

	// ScratchDir receives the composed icns file; empty means the system
	// temp dir
	ScratchDir string

	Logger *slog.Logger
}

func (c *Composer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compose builds a volume icon for the icns file at appIconPath and returns
// the path of the written icon. Without an engine the template path is
// returned and nothing is read.
func (c *Composer) Compose(ctx context.Context, appIconPath string) (string, error) {
	if c.Engine == nil {
		return c.TemplatePath, nil
	}

	appData, err := os.ReadFile(appIconPath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read app icon: %w", ErrCompose, err)
	}
	app, err := icns.Parse(appData)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse app icon %s: %w", ErrCompose, appIconPath, err)
	}

	composed, err := c.ComposeIcon(ctx, app)
	if err != nil {
		return "", err
	}

	data, err := icns.Format(composed)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode composed icon: %w", ErrCompose, err)
	}

	f, err := os.CreateTemp(c.ScratchDir, "composed-*.icns")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create scratch file: %w", ErrCompose, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: failed to write composed icon: %w", ErrCompose, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: failed to write composed icon: %w", ErrCompose, err)
	}

	return f.Name(), nil
}

// ComposeIcon composes every image variant app shares with the template.
// The highest resolution variant is always produced when the app has any
// usable raster, borrowing its largest variant if needed.
func (c *Composer) ComposeIcon(ctx context.Context, app icns.Icon) (icns.Icon, error) {
	if c.Engine == nil {
		return nil, fmt.Errorf("%w: no raster engine", ErrCompose)
	}

	template, err := icns.Parse(c.Template)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse template icon: %w", ErrCompose, err)
	}
	templates := template.Images()
	apps := usableImages(app.Images(), c.logger())

	var (
		mu       sync.Mutex
		composed = make(icns.Icon)
	)
	store := func(typ string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		composed[typ] = data
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range apps.Types() {
		base, ok := templates[typ]
		if !ok {
			c.logger().Warn("there is no base image for this type", "type", typ)
			continue
		}
		typ, appData := typ, apps[typ]
		g.Go(func() error {
			data, err := c.composeOne(gctx, typ, appData, base)
			if err != nil || data == nil {
				return err
			}
			store(typ, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, ok := composed[icns.HighestResolution]; !ok && len(apps) > 0 {
		base, hasBase := templates[icns.HighestResolution]
		if !hasBase {
			c.logger().Warn("template has no highest resolution image", "type", icns.HighestResolution)
		} else {
			data, err := c.composeBiggest(ctx, apps, base)
			if err != nil {
				return nil, err
			}
			if data != nil {
				composed[icns.HighestResolution] = data
			}
		}
	}

	if len(app.Images()) > 0 && len(composed) == 0 {
		return nil, fmt.Errorf("%w: no image in the app icon could be composed", ErrCompose)
	}

	return composed, nil
}

// composeBiggest composes the biggest app variant the engine can decode onto
// base. It returns nil data when the engine decodes none of them.
func (c *Composer) composeBiggest(ctx context.Context, apps icns.Icon, base []byte) ([]byte, error) {
	for _, typ := range apps.BySize() {
		data, err := c.composeOne(ctx, icns.HighestResolution, apps[typ], base)
		if err != nil {
			return nil, err
		}
		if data != nil {
			c.logger().Debug("highest resolution composed from app variant", "source", typ)
			return data, nil
		}
	}
	c.logger().Warn("no app icon variant could be decoded for the highest resolution image")
	return nil, nil
}

// composeOne returns nil data when the engine cannot decode the variant
func (c *Composer) composeOne(ctx context.Context, typ string, app, base []byte) ([]byte, error) {
	data, err := c.Engine.Compose(ctx, app, base)
	if errors.Is(err, ErrUnsupportedRaster) {
		c.logger().Warn("skipping icon variant the raster engine cannot decode", "type", typ, "engine", c.Engine.Name())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: type %s: %w", ErrCompose, typ, err)
	}
	return data, nil
}

// usableImages drops legacy packed bitmaps, which no engine can decode
func usableImages(images icns.Icon, logger *slog.Logger) icns.Icon {
	out := make(icns.Icon, len(images))
	for _, typ := range images.Types() {
		if !isEncodedRaster(images[typ]) {
			logger.Debug("skipping legacy bitmap icon variant", "type", typ)
			continue
		}
		out[typ] = images[typ]
	}
	return out
}
