package testutils

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Rect is a filled rectangle drawn onto a fixture screen.
type Rect struct {
	X, Y, W, H int
	Color      color.Color
}

// NewScreen renders a PNG of the given size with a white background and the
// given rectangles painted on top, in order.
func NewScreen(width, height int, rects ...Rect) frame.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.White)
		}
	}
	for _, r := range rects {
		for y := r.Y; y < r.Y+r.H && y < height; y++ {
			for x := r.X; x < r.X+r.W && x < width; x++ {
				img.Set(x, y, r.Color)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return frame.Image{Data: buf.Bytes(), MediaType: "image/png"}
}

// NewBlankScreen renders a white PNG.
func NewBlankScreen(width, height int) frame.Image {
	return NewScreen(width, height)
}

// Bytes returns an image handle over raw bytes, for tests that never decode.
func Bytes(s string) frame.Image {
	return frame.Image{Data: []byte(s), MediaType: "application/octet-stream"}
}
