package icon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

// ImageMagickEngine composes icons by running ImageMagick, using the same
// distort/resize/composite operations as the built-in engine.
type ImageMagickEngine struct {
	runner  command.Runner
	program string
	// legacy is set for ImageMagick 6, which ships one binary per tool
	legacy bool
}

// FindImageMagick returns an engine for the installed ImageMagick, or nil.
func FindImageMagick(runner command.Runner) *ImageMagickEngine {
	if _, err := runner.LookPath("magick"); err == nil {
		return &ImageMagickEngine{runner: runner, program: "magick"}
	}
	for _, tool := range []string{"convert", "composite", "identify"} {
		if _, err := runner.LookPath(tool); err != nil {
			return nil
		}
	}
	return &ImageMagickEngine{runner: runner, program: "convert", legacy: true}
}

// Name implements Engine
func (e *ImageMagickEngine) Name() string { return "imagemagick" }

func (e *ImageMagickEngine) run(ctx context.Context, tool string, args ...string) (*command.Result, error) {
	name := e.program
	switch {
	case e.legacy:
		name = tool
	case tool != "convert":
		args = append([]string{tool}, args...)
	}
	res, err := e.runner.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("imagemagick %s: %w", tool, err)
	}
	return res, nil
}

func (e *ImageMagickEngine) size(ctx context.Context, path string) (int, int, error) {
	res, err := e.run(ctx, "identify", "-format", "%w %h", path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected identify output %q", res.Stdout)
	}
	w, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected identify width %q: %w", fields[0], err)
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected identify height %q: %w", fields[1], err)
	}
	return w, h, nil
}

// Compose implements Engine
func (e *ImageMagickEngine) Compose(ctx context.Context, app, template []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "create-dmg-icon-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	appPath := filepath.Join(dir, "app")
	templatePath := filepath.Join(dir, "template")
	overlayPath := filepath.Join(dir, "overlay.png")
	if err := os.WriteFile(appPath, app, 0600); err != nil {
		return nil, fmt.Errorf("failed to write app raster: %w", err)
	}
	if err := os.WriteFile(templatePath, template, 0600); err != nil {
		return nil, fmt.Errorf("failed to write template raster: %w", err)
	}

	appW, appH, err := e.size(ctx, appPath)
	if err != nil {
		return nil, err
	}
	templateW, templateH, err := e.size(ctx, templatePath)
	if err != nil {
		return nil, err
	}

	w, h := overlaySize(templateW, templateH)
	if _, err := e.run(ctx, "convert", appPath,
		"-alpha", "set",
		"-virtual-pixel", "transparent",
		"-distort", "Perspective", perspectiveArgument(appW, appH),
		"-resize", fmt.Sprintf("%dx%d!", w, h),
		overlayPath,
	); err != nil {
		return nil, err
	}

	res, err := e.run(ctx, "composite",
		"-gravity", "Center",
		"-geometry", fmt.Sprintf("+0-%d", overlayOffset(templateH)),
		overlayPath, templatePath, "png:-",
	)
	if err != nil {
		return nil, err
	}
	if !isPNG([]byte(res.Stdout)) {
		return nil, fmt.Errorf("imagemagick composite produced no PNG output")
	}
	return []byte(res.Stdout), nil
}

// perspectiveArgument renders the control points as "sx,sy dx,dy ..." pairs
func perspectiveArgument(w, h int) string {
	src, dst := perspectiveControlPoints(w, h)
	pairs := make([]string, 0, 4)
	for i := range src {
		pairs = append(pairs, fmt.Sprintf("%s,%s %s,%s",
			formatCoord(src[i].X), formatCoord(src[i].Y),
			formatCoord(dst[i].X), formatCoord(dst[i].Y)))
	}
	return strings.Join(pairs, "  ")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
