package rastertile

import "fmt"

// ExtractTile returns a copy of the tileSize by tileSize block of level at
// tile column x and tile row y.
func ExtractTile(level *ScalarGrid, x, y, tileSize int) (*ScalarGrid, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size %d: %w", tileSize, ErrDimensionMismatch)
	}
	if x < 0 || y < 0 || (x+1)*tileSize > level.width || (y+1)*tileSize > level.height {
		return nil, fmt.Errorf("tile %d,%d in %dx%d level: %w", x, y, level.width, level.height, ErrOutOfRange)
	}
	startX, startY := x*tileSize, y*tileSize
	tile := newScalarGrid(tileSize, tileSize)
	for row := range tileSize {
		copy(tile.Row(row), level.Row(startY + row)[startX:startX+tileSize])
	}
	return tile, nil
}
