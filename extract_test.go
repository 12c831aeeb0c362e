package rastertile_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-rastertile"
)

func TestExtractTile(t *testing.T) {
	data := make([]float32, 4*4)
	for i := range data {
		data[i] = float32(i)
	}
	level := newGrid(t, 4, 4, data...)

	tile, err := rastertile.ExtractTile(level, 1, 0, 2)
	assert.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 6, 7}, tile.Data())

	// The tiles of a level reassemble into the level.
	reassembled := make([]float32, len(data))
	for y := range 2 {
		for x := range 2 {
			tile, err := rastertile.ExtractTile(level, x, y, 2)
			assert.NoError(t, err)
			for row := range 2 {
				for col := range 2 {
					reassembled[(2*y+row)*4+2*x+col] = tile.At(row, col)
				}
			}
		}
	}
	assert.Equal(t, data, reassembled)
}

func TestExtractTileErrors(t *testing.T) {
	level := newGrid(t, 4, 4, make([]float32, 16)...)

	for _, tc := range []struct {
		name          string
		x             int
		y             int
		tileSize      int
		expectedError error
	}{
		{name: "x_too_large", x: 2, y: 0, tileSize: 2, expectedError: rastertile.ErrOutOfRange},
		{name: "y_too_large", x: 0, y: 2, tileSize: 2, expectedError: rastertile.ErrOutOfRange},
		{name: "negative", x: -1, y: 0, tileSize: 2, expectedError: rastertile.ErrOutOfRange},
		{name: "tile_larger_than_level", x: 0, y: 0, tileSize: 8, expectedError: rastertile.ErrOutOfRange},
		{name: "zero_tile_size", x: 0, y: 0, tileSize: 0, expectedError: rastertile.ErrDimensionMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rastertile.ExtractTile(level, tc.x, tc.y, tc.tileSize)
			assert.IsError(t, err, tc.expectedError)
		})
	}
}
