package icon

import (
	"errors"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/math/f64"
)

// Layout constants for placing the app icon on the drive icon.
const (
	// perspectiveInset is how far each top corner moves inwards, as a
	// fraction of the width, to lay the app icon flat on the drive.
	perspectiveInset = 0.08

	widthDivisor  = 1.58
	heightDivisor = 1.82

	// verticalShift raises the overlay above the template centre, as a
	// fraction of the template height.
	verticalShift = 0.063
)

var errSingular = errors.New("perspective transform is degenerate")

// Point is a 2D coordinate in pixel space
type Point struct {
	X, Y float64
}

// perspectiveControlPoints returns the source and destination corners for the
// "laid flat" distortion of a w x h image: the top edge is inset on both sides
// and the bottom edge is unchanged.
func perspectiveControlPoints(w, h int) (src, dst [4]Point) {
	fw, fh := float64(w), float64(h)
	src = [4]Point{{1, 1}, {fw, 1}, {1, fh}, {fw, fh}}
	dst = [4]Point{{fw * perspectiveInset, 1}, {fw * (1 - perspectiveInset), 1}, {1, fh}, {fw, fh}}
	return src, dst
}

// overlaySize is the size the distorted app icon is stretched to
func overlaySize(templateW, templateH int) (int, int) {
	w := int(math.Round(float64(templateW) / widthDivisor))
	h := int(math.Round(float64(templateH) / heightDivisor))
	return max(w, 1), max(h, 1)
}

// overlayOffset is the upward shift applied to the centred overlay
func overlayOffset(templateH int) int {
	return int(math.Round(float64(templateH) * verticalShift))
}

// overlayOrigin is the top-left corner of the overlay on the template
func overlayOrigin(templateW, templateH, overlayW, overlayH int) image.Point {
	return image.Pt((templateW-overlayW)/2, (templateH-overlayH)/2-overlayOffset(templateH))
}

// homography solves for the projective transform mapping from[i] onto to[i].
func homography(from, to [4]Point) (f64.Mat3, error) {
	// Eight equations in the eight unknowns h0..h7 (h8 fixed to 1).
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := from[i].X, from[i].Y
		u, v := to[i].X, to[i].Y
		a[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		a[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for row := col + 1; row < 8; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return f64.Mat3{}, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]

		for row := 0; row < 8; row++ {
			if row == col {
				continue
			}
			f := a[row][col] / a[col][col]
			for k := col; k < 9; k++ {
				a[row][k] -= f * a[col][k]
			}
		}
	}

	var h f64.Mat3
	for i := 0; i < 8; i++ {
		h[i] = a[i][8] / a[i][i]
	}
	h[8] = 1
	return h, nil
}

func project(m f64.Mat3, x, y float64) (float64, float64, bool) {
	w := m[6]*x + m[7]*y + m[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (m[0]*x + m[1]*y + m[2]) / w, (m[3]*x + m[4]*y + m[5]) / w, true
}

// perspective distorts src onto a canvas of the same size so the top edge is
// inset by perspectiveInset on each side. Pixels mapping outside the source
// are transparent.
func perspective(src image.Image) (*image.NRGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	from, to := perspectiveControlPoints(w, h)

	// Inverse mapping: destination pixel -> source pixel.
	inv, err := homography(to, from)
	if err != nil {
		return nil, err
	}

	img := toNRGBA(src)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy, ok := project(inv, float64(x)+0.5, float64(y)+0.5)
			if !ok {
				continue
			}
			dst.SetNRGBA(x, y, bilinear(img, sx-0.5, sy-0.5))
		}
	}
	return dst, nil
}

// bilinear samples img at (x, y) treating everything outside the image as
// transparent.
func bilinear(img *image.NRGBA, x, y float64) color.NRGBA {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)

	var r, g, b, a float64
	for _, s := range [4]struct {
		dx, dy int
		w      float64
	}{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	} {
		if s.w == 0 {
			continue
		}
		px, py := x0+s.dx, y0+s.dy
		if !(image.Point{px, py}.In(img.Rect)) {
			continue
		}
		c := img.NRGBAAt(px, py)
		ca := float64(c.A) * s.w
		r += float64(c.R) * ca
		g += float64(c.G) * ca
		b += float64(c.B) * ca
		a += ca
	}

	if a <= 0 {
		return color.NRGBA{}
	}
	return color.NRGBA{
		R: clamp8(r / a),
		G: clamp8(g / a),
		B: clamp8(b / a),
		A: clamp8(a),
	}
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func toNRGBA(src image.Image) *image.NRGBA {
	if img, ok := src.(*image.NRGBA); ok && img.Rect.Min == (image.Point{}) {
		return img
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
