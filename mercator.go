package rastertile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// MaxZoom is the largest zoom level that can be addressed.
	MaxZoom = 30

	// webMercatorLatLimit is the latitude of the northern edge of tile
	// (0, 0, 0).
	webMercatorLatLimit = 85.05112877980659
)

// A LatLng is a geographic position in degrees.
type LatLng struct {
	Lat float64
	Lon float64
}

// A TileAddress identifies a tile in the web Mercator tiling scheme.
type TileAddress struct {
	Z int
	X int
	Y int
}

// A Window is a half-open range of rows and columns of a grid.
type Window struct {
	Row    int
	Col    int
	Width  int
	Height int
}

func (t TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid returns whether t's zoom is non-negative and its x and y are in
// [0, 2^zoom).
func (t TileAddress) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << t.Z
	return 0 <= t.X && t.X < n && 0 <= t.Y && t.Y < n
}

// Bound returns t's bounds in longitude and latitude.
func (t TileAddress) Bound() orb.Bound {
	northWest := TileToLatLng(t.X, t.Y, t.Z)
	southEast := TileToLatLng(t.X+1, t.Y+1, t.Z)
	return orb.Bound{
		Min: orb.Point{northWest.Lon, southEast.Lat},
		Max: orb.Point{southEast.Lon, northWest.Lat},
	}
}

// MapTile returns t as a maptile.Tile. t must be valid.
func (t TileAddress) MapTile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// TileToLatLng returns the position of the north west corner of the tile at x,
// y, and zoom.
func TileToLatLng(x, y, zoom int) LatLng {
	n := math.Exp2(float64(zoom))
	return LatLng{
		Lat: math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi,
		Lon: float64(x)/n*360 - 180,
	}
}

// ZoomLevelPixelExtent returns the width and height in pixels of the full
// pyramid level at zoom.
func ZoomLevelPixelExtent(zoom, tileSize int) (int, int) {
	extent := tileSize << zoom
	return extent, extent
}

// TileRange returns the tiles at the north west and south east corners of
// bound at zoom. bound is clamped to the web Mercator limits. Bounds that
// cross the antimeridian are not supported.
func TileRange(bound orb.Bound, zoom int) (TileAddress, TileAddress) {
	clamped := orb.Bound{
		Min: orb.Point{
			max(-180, bound.Min.X()),
			max(-webMercatorLatLimit+1e-8, bound.Min.Y()),
		},
		Max: orb.Point{
			min(180-1e-8, bound.Max.X()),
			min(webMercatorLatLimit-1e-8, bound.Max.Y()),
		},
	}
	northWest := maptile.At(orb.Point{clamped.Min.X(), clamped.Max.Y()}, maptile.Zoom(zoom))
	southEast := maptile.At(orb.Point{clamped.Max.X(), clamped.Min.Y()}, maptile.Zoom(zoom))
	return TileAddress{Z: zoom, X: int(northWest.X), Y: int(northWest.Y)},
		TileAddress{Z: zoom, X: int(southEast.X), Y: int(southEast.Y)}
}

// AxisWindow returns the window of the grid indexed by lat and lon that
// covers bound.
func AxisWindow(lat, lon Axis, bound orb.Bound) (Window, error) {
	if bound.Max.X() < lon.Min() || lon.Max() < bound.Min.X() ||
		bound.Max.Y() < lat.Min() || lat.Max() < bound.Min.Y() {
		return Window{}, fmt.Errorf("window %v: %w", bound, ErrOutOfRange)
	}
	west := FindBoundingIndices(bound.Min.X(), lon)
	east := FindBoundingIndices(bound.Max.X(), lon)
	south := FindBoundingIndices(bound.Min.Y(), lat)
	north := FindBoundingIndices(bound.Max.Y(), lat)
	return Window{
		Row:    south.Lower,
		Col:    west.Lower,
		Width:  east.Upper - west.Lower + 1,
		Height: north.Upper - south.Lower + 1,
	}, nil
}
