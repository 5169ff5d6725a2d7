// Package pixel is a Comparator that judges frame containment from
// downsampled pixels.
//
// Both screens are reduced to a GridSize x GridSize grid of cell colors. A
// cell matches when every channel is within PixelTolerance. The dominant
// cell color across both screens is taken as the background. When every
// cell where the screens differ is background on the earlier screen, the
// later screen only added content and the earlier one is a subset of it.
package pixel

import (
	"bytes"
	"context"
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
	// Adds webp to the formats imaging.Decode accepts.
	_ "golang.org/x/image/webp"

	"github.com/papercomputeco/captain/pkg/dedup"
	"github.com/papercomputeco/captain/pkg/frame"
)

const (
	DefaultGridSize       = 32
	DefaultPixelTolerance = 16
	DefaultMinOverlap     = 0.5
)

// Config is the configuration of the pixel comparator.
type Config struct {
	// GridSize is the side of the comparison grid in cells.
	GridSize int

	// PixelTolerance is the largest per-channel difference, 0-255, at
	// which two cells still match. Zero demands identical cells.
	PixelTolerance int

	// MinOverlap is the fraction of cells that must match for the screens
	// to be related at all. Zero relates any pair.
	MinOverlap float64
}

// DefaultConfig returns the recommended comparator settings. New takes
// PixelTolerance and MinOverlap as given, so start from here.
func DefaultConfig() Config {
	return Config{
		GridSize:       DefaultGridSize,
		PixelTolerance: DefaultPixelTolerance,
		MinOverlap:     DefaultMinOverlap,
	}
}

// Comparator is the pixel comparator.
type Comparator struct {
	config Config
}

var _ dedup.Comparator = (*Comparator)(nil)

// New creates a pixel comparator. A zero GridSize selects DefaultGridSize.
func New(c Config) (*Comparator, error) {
	if c.GridSize == 0 {
		c.GridSize = DefaultGridSize
	}
	if c.GridSize < 0 {
		return nil, fmt.Errorf("grid size must be positive, got %d", c.GridSize)
	}
	if c.PixelTolerance < 0 || c.PixelTolerance > 255 {
		return nil, fmt.Errorf("pixel tolerance must be within 0-255, got %d", c.PixelTolerance)
	}
	if c.MinOverlap < 0 || c.MinOverlap > 1 {
		return nil, fmt.Errorf("min overlap must be within 0-1, got %v", c.MinOverlap)
	}
	return &Comparator{config: c}, nil
}

// Compare implements dedup.Comparator.
func (c *Comparator) Compare(ctx context.Context, a, b *frame.Frame) (dedup.Relation, error) {
	if bytes.Equal(a.Image.Data, b.Image.Data) {
		return dedup.Equal, nil
	}

	ga, err := c.grid(a)
	if err != nil {
		return dedup.Unrelated, err
	}
	if err := ctx.Err(); err != nil {
		return dedup.Unrelated, err
	}
	gb, err := c.grid(b)
	if err != nil {
		return dedup.Unrelated, err
	}

	bg := background(ga, gb)
	tol := c.config.PixelTolerance

	var (
		matches  int
		differs  int
		aBgOnly  = true
		bBgOnly  = true
		numCells = len(ga)
	)
	for i := range ga {
		if near(ga[i], gb[i], tol) {
			matches++
			continue
		}
		differs++
		if !near(ga[i], bg, tol) {
			aBgOnly = false
		}
		if !near(gb[i], bg, tol) {
			bBgOnly = false
		}
	}

	switch {
	case differs == 0:
		return dedup.Equal, nil
	case float64(matches)/float64(numCells) < c.config.MinOverlap:
		return dedup.Unrelated, nil
	case aBgOnly && !bBgOnly:
		return dedup.Subset, nil
	case bBgOnly && !aBgOnly:
		return dedup.Superset, nil
	default:
		return dedup.Unrelated, nil
	}
}

func (c *Comparator) grid(f *frame.Frame) ([]color.NRGBA, error) {
	img, err := imaging.Decode(bytes.NewReader(f.Image.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame %d: %w", f.ID, err)
	}

	n := c.config.GridSize
	small := imaging.Resize(img, n, n, imaging.Box)
	cells := make([]color.NRGBA, 0, n*n)
	for y := range n {
		for x := range n {
			cells = append(cells, small.NRGBAAt(small.Bounds().Min.X+x, small.Bounds().Min.Y+y))
		}
	}
	return cells, nil
}

// background returns the most common cell color of both grids, quantized
// to 16 levels per channel.
func background(grids ...[]color.NRGBA) color.NRGBA {
	counts := make(map[color.NRGBA]int)
	best, bestN := color.NRGBA{}, -1
	for _, g := range grids {
		for _, px := range g {
			q := color.NRGBA{R: px.R &^ 0x0f, G: px.G &^ 0x0f, B: px.B &^ 0x0f, A: 0xff}
			counts[q]++
			if counts[q] > bestN {
				best, bestN = q, counts[q]
			}
		}
	}
	// Center the quantized bucket.
	return color.NRGBA{R: best.R | 0x08, G: best.G | 0x08, B: best.B | 0x08, A: 0xff}
}

func near(a, b color.NRGBA, tol int) bool {
	return absDiff(a.R, b.R) <= tol && absDiff(a.G, b.G) <= tol && absDiff(a.B, b.B) <= tol
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
