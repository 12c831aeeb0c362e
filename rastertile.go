// Package rastertile renders a geo-referenced scalar raster as slippy map
// tiles by building a pyramid of bilinearly resampled levels.
package rastertile

import (
	"fmt"
	"math"
)

// A ScalarGrid is a row-major two dimensional grid of samples.
type ScalarGrid struct {
	width  int
	height int
	data   []float32
}

// NewScalarGrid returns a new ScalarGrid backed by data. data is not copied.
func NewScalarGrid(width, height int, data []float32) (*ScalarGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%dx%d: %w", width, height, ErrDimensionMismatch)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%dx%d grid with %d samples: %w", width, height, len(data), ErrDimensionMismatch)
	}
	return &ScalarGrid{
		width:  width,
		height: height,
		data:   data,
	}, nil
}

// newScalarGrid returns a new zero-filled ScalarGrid. width and height must
// be positive.
func newScalarGrid(width, height int) *ScalarGrid {
	return &ScalarGrid{
		width:  width,
		height: height,
		data:   make([]float32, width*height),
	}
}

// Width returns g's width.
func (g *ScalarGrid) Width() int {
	return g.width
}

// Height returns g's height.
func (g *ScalarGrid) Height() int {
	return g.height
}

// Data returns g's underlying row-major buffer. Callers must not modify it.
func (g *ScalarGrid) Data() []float32 {
	return g.data
}

// At returns the sample at row and col.
func (g *ScalarGrid) At(row, col int) float32 {
	return g.data[g.index(row, col)]
}

// Set sets the sample at row and col.
func (g *ScalarGrid) Set(row, col int, value float32) {
	g.data[g.index(row, col)] = value
}

// Row returns the samples in row. The returned slice aliases g.
func (g *ScalarGrid) Row(row int) []float32 {
	start := g.index(row, 0)
	return g.data[start : start+g.width]
}

// Clone returns a deep copy of g.
func (g *ScalarGrid) Clone() *ScalarGrid {
	return &ScalarGrid{
		width:  g.width,
		height: g.height,
		data:   append([]float32(nil), g.data...),
	}
}

// Crop returns a copy of the rectangle of g starting at row and col.
func (g *ScalarGrid) Crop(row, col, width, height int) (*ScalarGrid, error) {
	if row < 0 || col < 0 || width <= 0 || height <= 0 || row+height > g.height || col+width > g.width {
		return nil, fmt.Errorf("crop %dx%d+%d+%d of %dx%d: %w", width, height, col, row, g.width, g.height, ErrOutOfRange)
	}
	cropped := newScalarGrid(width, height)
	for r := range height {
		copy(cropped.Row(r), g.Row(row + r)[col:col+width])
	}
	return cropped, nil
}

// flipRows reverses the order of g's rows in place.
func (g *ScalarGrid) flipRows() {
	for top, bottom := 0, g.height-1; top < bottom; top, bottom = top+1, bottom-1 {
		topRow, bottomRow := g.Row(top), g.Row(bottom)
		for col := range g.width {
			topRow[col], bottomRow[col] = bottomRow[col], topRow[col]
		}
	}
}

// flipCols reverses the order of g's columns in place.
func (g *ScalarGrid) flipCols() {
	for r := range g.height {
		row := g.Row(r)
		for left, right := 0, g.width-1; left < right; left, right = left+1, right-1 {
			row[left], row[right] = row[right], row[left]
		}
	}
}

// rotateCols rotates g's columns left by n in place.
func (g *ScalarGrid) rotateCols(n int) {
	if n <= 0 || n >= g.width {
		return
	}
	tmp := make([]float32, g.width)
	for r := range g.height {
		row := g.Row(r)
		copy(tmp, row[n:])
		copy(tmp[g.width-n:], row[:n])
		copy(row, tmp)
	}
}

// replaceFillValue replaces all samples equal to fillValue with NaN.
func (g *ScalarGrid) replaceFillValue(fillValue float64) {
	if math.IsNaN(fillValue) {
		return
	}
	fill := float32(fillValue)
	for i, sample := range g.data {
		if sample == fill {
			g.data[i] = float32(math.NaN())
		}
	}
}

// index returns the offset of row and col in g's buffer.
func (g *ScalarGrid) index(row, col int) int {
	return row*g.width + col
}
