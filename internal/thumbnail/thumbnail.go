// Package thumbnail renders point-density rasters into square preview images.
package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

var ErrEmptyRaster = errors.New("density raster has no populated cells")

// ramp runs from sparse (deep blue) to dense (yellow).
var ramp = []color.NRGBA{
	{68, 1, 84, 255},
	{59, 82, 139, 255},
	{33, 145, 140, 255},
	{94, 201, 98, 255},
	{253, 231, 37, 255},
}

// RenderFile decodes the single-band density GeoTIFF at in and writes a
// size x size PNG to out.
func RenderFile(in, out string, size int) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open density raster: %w", err)
	}
	defer f.Close()

	src, err := tiff.Decode(f)
	if err != nil {
		return fmt.Errorf("decode density raster: %w", err)
	}

	img, err := Render(src, size)
	if err != nil {
		return err
	}

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	if err := png.Encode(dst, img); err != nil {
		dst.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return dst.Close()
}

// Render colours each non-zero cell by log-scaled density and fits the
// result, aspect preserved, into a transparent size x size canvas.
func Render(src image.Image, size int) (*image.NRGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", size)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrEmptyRaster
	}

	var peak uint16
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if v := density(src, x, y); v > peak {
				peak = v
			}
		}
	}
	if peak == 0 {
		return nil, ErrEmptyRaster
	}

	colored := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	scale := math.Log1p(float64(peak))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := density(src, x, y)
			if v == 0 {
				continue
			}
			colored.SetNRGBA(x-b.Min.X, y-b.Min.Y, rampAt(math.Log1p(float64(v))/scale))
		}
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(canvas, fit(b.Dx(), b.Dy(), size), colored, colored.Bounds(), draw.Src, nil)
	return canvas, nil
}

func density(img image.Image, x, y int) uint16 {
	switch m := img.(type) {
	case *image.Gray16:
		return m.Gray16At(x, y).Y
	case *image.Gray:
		return uint16(m.GrayAt(x, y).Y)
	default:
		return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
	}
}

// fit returns the centred rectangle inside a size x size square with the
// aspect ratio of w x h.
func fit(w, h, size int) image.Rectangle {
	if w >= h {
		sh := max(1, int(math.Round(float64(size)*float64(h)/float64(w))))
		top := (size - sh) / 2
		return image.Rect(0, top, size, top+sh)
	}
	sw := max(1, int(math.Round(float64(size)*float64(w)/float64(h))))
	left := (size - sw) / 2
	return image.Rect(left, 0, left+sw, size)
}

func rampAt(t float64) color.NRGBA {
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(ramp)-1)
	i := int(pos)
	if i >= len(ramp)-1 {
		return ramp[len(ramp)-1]
	}
	f := pos - float64(i)
	a, b := ramp[i], ramp[i+1]
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*f))
	}
	return color.NRGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 255}
}
