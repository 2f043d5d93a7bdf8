package canvas

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfBounds is returned when a coordinate falls outside the grid.
	ErrOutOfBounds = errors.New("coordinates out of bounds")

	// ErrInvalidColor is returned when a color index falls outside the palette.
	ErrInvalidColor = errors.New("color index out of range")
)

// Canvas is the shared pixel grid: a flat byte buffer of color indices
// addressed as y*width+x. All access goes through the mutex; a single-cell
// commit (read previous, write new, bump counter) is atomic with respect
// to other placements and to bulk reads.
type Canvas struct {
	mu          sync.Mutex
	width       int
	height      int
	paletteSize int
	pixels      []byte
	placed      uint64
}

func New(width, height, paletteSize int) *Canvas {
	return &Canvas{
		width:       width,
		height:      height,
		paletteSize: paletteSize,
		pixels:      make([]byte, width*height),
	}
}

func (c *Canvas) Width() int       { return c.width }
func (c *Canvas) Height() int      { return c.height }
func (c *Canvas) PaletteSize() int { return c.paletteSize }
func (c *Canvas) TotalCells() int  { return c.width * c.height }

// Get returns the color index at (x, y).
func (c *Canvas) Get(x, y int) (byte, error) {
	if x < 0 || x >= c.width || y < 0 || y >= c.height {
		return 0, fmt.Errorf("%w: (%d, %d) not in %dx%d", ErrOutOfBounds, x, y, c.width, c.height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pixels[y*c.width+x], nil
}

// Set writes color at (x, y) and returns the color it replaced. The buffer
// is not touched when validation fails.
func (c *Canvas) Set(x, y int, color byte) (byte, error) {
	if x < 0 || x >= c.width || y < 0 || y >= c.height {
		return 0, fmt.Errorf("%w: (%d, %d) not in %dx%d", ErrOutOfBounds, x, y, c.width, c.height)
	}
	if int(color) >= c.paletteSize {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidColor, color, c.paletteSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := y*c.width + x
	prev := c.pixels[idx]
	c.pixels[idx] = color
	c.placed++
	return prev, nil
}

// Snapshot returns a copy of the entire buffer, taken under the canvas
// lock so it never interleaves with an in-flight commit.
func (c *Canvas) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(c.pixels))
	copy(buf, c.pixels)
	return buf
}

// ReadRange returns a copy of cells [start, end). The bounds are clamped
// to the buffer, so a caller paging past the end gets a short slice.
func (c *Canvas) ReadRange(start, end int) []byte {
	if start < 0 {
		start = 0
	}
	if end > len(c.pixels) {
		end = len(c.pixels)
	}
	if start >= end {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, end-start)
	copy(buf, c.pixels[start:end])
	return buf
}

// Clear resets every cell to the blank color (index 0) and zeroes the
// placed-pixel counter.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pixels {
		c.pixels[i] = 0
	}
	c.placed = 0
}

// PlacedCount returns the number of accepted placements since startup or
// the last restore/clear.
func (c *Canvas) PlacedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placed
}

// Restore installs a persisted buffer and placement counter. The buffer
// must match the configured dimensions and palette.
func (c *Canvas) Restore(pixels []byte, placed uint64) error {
	if len(pixels) != c.width*c.height {
		return fmt.Errorf("restore: buffer length %d does not match %dx%d", len(pixels), c.width, c.height)
	}
	for i, v := range pixels {
		if int(v) >= c.paletteSize {
			return fmt.Errorf("restore: %w: cell %d holds %d", ErrInvalidColor, i, v)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.pixels, pixels)
	c.placed = placed
	return nil
}

// FillTestPattern paints the fresh-canvas pattern: a one-cell border plus
// a blocky "PB" logo near the center. Purely a function of the configured
// dimensions and palette; applied only when no persisted canvas loads.
func (c *Canvas) FillTestPattern() {
	c.mu.Lock()
	defer c.mu.Unlock()

	borderColor := byte((c.paletteSize - 1) % 256)
	logoColor := byte(1 % c.paletteSize)

	for x := 0; x < c.width; x++ {
		c.pixels[x] = borderColor
		c.pixels[(c.height-1)*c.width+x] = borderColor
	}
	for y := 0; y < c.height; y++ {
		c.pixels[y*c.width] = borderColor
		c.pixels[y*c.width+c.width-1] = borderColor
	}

	// 5x7 glyphs for "P" and "B", scaled to roughly a tenth of the canvas
	// height and centered. Skipped entirely on canvases too small to hold
	// them.
	glyphs := [][7]uint8{
		{0b11110, 0b10001, 0b10001, 0b11110, 0b10000, 0b10000, 0b10000}, // P
		{0b11110, 0b10001, 0b10001, 0b11110, 0b10001, 0b10001, 0b11110}, // B
	}
	scale := c.height / 70
	if scale < 1 {
		return
	}
	glyphW, glyphH := 5*scale, 7*scale
	totalW := glyphW*2 + scale
	if totalW >= c.width-2 || glyphH >= c.height-2 {
		return
	}
	originX := (c.width - totalW) / 2
	originY := (c.height - glyphH) / 2

	for gi, glyph := range glyphs {
		gx := originX + gi*(glyphW+scale)
		for row := 0; row < 7; row++ {
			for col := 0; col < 5; col++ {
				if glyph[row]&(1<<(4-col)) == 0 {
					continue
				}
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						x := gx + col*scale + dx
						y := originY + row*scale + dy
						c.pixels[y*c.width+x] = logoColor
					}
				}
			}
		}
	}
}
