package rastertile

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNewScalarGrid(t *testing.T) {
	for _, tc := range []struct {
		name          string
		width         int
		height        int
		data          []float32
		expectedError error
	}{
		{
			name:   "ok",
			width:  2,
			height: 3,
			data:   make([]float32, 6),
		},
		{
			name:          "zero_width",
			width:         0,
			height:        3,
			expectedError: ErrDimensionMismatch,
		},
		{
			name:          "short",
			width:         2,
			height:        3,
			data:          make([]float32, 5),
			expectedError: ErrDimensionMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grid, err := NewScalarGrid(tc.width, tc.height, tc.data)
			if tc.expectedError != nil {
				assert.IsError(t, err, tc.expectedError)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.width, grid.Width())
			assert.Equal(t, tc.height, grid.Height())
		})
	}
}

func TestScalarGridCrop(t *testing.T) {
	grid, err := NewScalarGrid(3, 3, []float32{
		0, 1, 2,
		3, 4, 5,
		6, 7, 8,
	})
	assert.NoError(t, err)

	cropped, err := grid.Crop(1, 1, 2, 2)
	assert.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 7, 8}, cropped.Data())

	cropped.Set(0, 0, 42)
	assert.Equal(t, float32(4), grid.At(1, 1))

	_, err = grid.Crop(2, 2, 2, 2)
	assert.IsError(t, err, ErrOutOfRange)
}

func TestScalarGridFlipAndRotate(t *testing.T) {
	grid, err := NewScalarGrid(3, 2, []float32{
		0, 1, 2,
		3, 4, 5,
	})
	assert.NoError(t, err)

	grid.flipRows()
	assert.Equal(t, []float32{3, 4, 5, 0, 1, 2}, grid.Data())

	grid.flipCols()
	assert.Equal(t, []float32{5, 4, 3, 2, 1, 0}, grid.Data())

	grid.rotateCols(1)
	assert.Equal(t, []float32{4, 3, 5, 1, 0, 2}, grid.Data())

	grid.rotateCols(0)
	assert.Equal(t, []float32{4, 3, 5, 1, 0, 2}, grid.Data())
}

func TestScalarGridReplaceFillValue(t *testing.T) {
	grid, err := NewScalarGrid(2, 2, []float32{-9999, 1, 2, -9999})
	assert.NoError(t, err)
	grid.replaceFillValue(-9999)
	assert.True(t, math.IsNaN(float64(grid.At(0, 0))))
	assert.Equal(t, float32(1), grid.At(0, 1))
	assert.Equal(t, float32(2), grid.At(1, 0))
	assert.True(t, math.IsNaN(float64(grid.At(1, 1))))
}
