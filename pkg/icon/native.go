package icon

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
)

// NativeEngine composes icons in-process. It handles PNG-encoded variants,
// which is what every modern icns file contains.
type NativeEngine struct {
	encoder png.Encoder
}

// NewNativeEngine creates the built-in engine
func NewNativeEngine() *NativeEngine {
	return &NativeEngine{encoder: png.Encoder{CompressionLevel: png.DefaultCompression}}
}

// Name implements Engine
func (e *NativeEngine) Name() string { return "native" }

// Compose implements Engine
func (e *NativeEngine) Compose(ctx context.Context, app, template []byte) ([]byte, error) {
	appImg, err := decodePNG(app)
	if err != nil {
		return nil, fmt.Errorf("app icon: %w", err)
	}
	templateImg, err := decodePNG(template)
	if err != nil {
		return nil, fmt.Errorf("template icon: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	distorted, err := perspective(appImg)
	if err != nil {
		return nil, err
	}

	tb := templateImg.Bounds()
	w, h := overlaySize(tb.Dx(), tb.Dy())
	overlay := imaging.Resize(distorted, w, h, imaging.Lanczos)

	base := imaging.Clone(templateImg)
	composed := imaging.Overlay(base, overlay, overlayOrigin(tb.Dx(), tb.Dy(), w, h), 1.0)

	var buf bytes.Buffer
	if err := e.encoder.Encode(&buf, composed); err != nil {
		return nil, fmt.Errorf("failed to encode composed icon: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePNG(data []byte) (image.Image, error) {
	if !isPNG(data) {
		return nil, ErrUnsupportedRaster
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}
	return img, nil
}
