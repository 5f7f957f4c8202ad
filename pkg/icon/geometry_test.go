package icon

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHomographyMapsControlPoints verifies the homography maps each control
// point onto its target.
func TestHomographyMapsControlPoints(t *testing.T) {
	src, dst := perspectiveControlPoints(512, 512)
	h, err := homography(src, dst)
	require.NoError(t, err)

	for i := range src {
		x, y, ok := project(h, src[i].X, src[i].Y)
		require.True(t, ok)
		assert.InDelta(t, dst[i].X, x, 1e-6)
		assert.InDelta(t, dst[i].Y, y, 1e-6)
	}
}

// TestHomographyDegenerate verifies collinear control points have no
// homography.
func TestHomographyDegenerate(t *testing.T) {
	p := Point{1, 1}
	_, err := homography([4]Point{p, p, p, p}, [4]Point{p, p, p, p})
	assert.ErrorIs(t, err, errSingular)
}

// TestOverlayGeometry verifies the overlay is scaled and raised on the
// template.
func TestOverlayGeometry(t *testing.T) {
	w, h := overlaySize(1024, 1024)
	assert.Equal(t, 648, w)
	assert.Equal(t, 563, h)
	assert.Equal(t, 65, overlayOffset(1024))

	origin := overlayOrigin(1024, 1024, w, h)
	assert.Equal(t, image.Pt(188, 230-65), origin)

	w, h = overlaySize(1, 1)
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}

// TestPerspectiveInsetsTopEdge verifies the warped image is narrower at the
// top.
func TestPerspectiveInsetsTopEdge(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	draw.Draw(src, src.Bounds(), &image.Uniform{color.NRGBA{R: 255, A: 255}}, image.Point{}, draw.Src)

	out, err := perspective(src)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), out.Bounds())

	// top corners fall outside the trapezoid
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 1).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(99, 1).A)
	// the top centre and the whole bottom row stay opaque
	assert.Equal(t, uint8(255), out.NRGBAAt(50, 2).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(1, 98).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(98, 98).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(50, 50).R)
}

// TestBilinearOutsideIsTransparent verifies samples outside the image are
// transparent.
func TestBilinearOutsideIsTransparent(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	assert.Equal(t, color.NRGBA{}, bilinear(img, -5, -5))
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, bilinear(img, 0, 0))

	half := bilinear(img, -0.5, 0)
	assert.Equal(t, uint8(10), half.R)
	assert.True(t, math.Abs(float64(half.A)-128) <= 1)
}

// TestToNRGBAOffsetBounds verifies images with offset bounds are moved to the
// origin.
func TestToNRGBAOffsetBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 7, 7))
	src.Set(5, 5, color.RGBA{R: 255, A: 255})

	out := toNRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 2, 2), out.Bounds())
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).R)
}
