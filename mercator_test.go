package rastertile

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"
)

func assertClose(t *testing.T, expected, actual float64) {
	t.Helper()
	assert.True(t, math.Abs(expected-actual) < 1e-9, "expected %v, got %v", expected, actual)
}

func TestTileToLatLng(t *testing.T) {
	for _, tc := range []struct {
		x, y, zoom int
		expected   LatLng
	}{
		{x: 0, y: 0, zoom: 0, expected: LatLng{Lat: webMercatorLatLimit, Lon: -180}},
		{x: 1, y: 1, zoom: 0, expected: LatLng{Lat: -webMercatorLatLimit, Lon: 180}},
		{x: 1, y: 1, zoom: 1, expected: LatLng{Lat: 0, Lon: 0}},
		{x: 2, y: 0, zoom: 2, expected: LatLng{Lat: webMercatorLatLimit, Lon: 0}},
	} {
		actual := TileToLatLng(tc.x, tc.y, tc.zoom)
		assertClose(t, tc.expected.Lat, actual.Lat)
		assertClose(t, tc.expected.Lon, actual.Lon)
	}
}

func TestTileAddressBound(t *testing.T) {
	for _, tileAddress := range []TileAddress{
		{Z: 0, X: 0, Y: 0},
		{Z: 3, X: 5, Y: 2},
		{Z: 10, X: 511, Y: 340},
	} {
		t.Run(tileAddress.String(), func(t *testing.T) {
			assert.True(t, tileAddress.Valid())
			actual := tileAddress.Bound()
			expected := tileAddress.MapTile().Bound()
			assertClose(t, expected.Min.X(), actual.Min.X())
			assertClose(t, expected.Min.Y(), actual.Min.Y())
			assertClose(t, expected.Max.X(), actual.Max.X())
			assertClose(t, expected.Max.Y(), actual.Max.Y())
		})
	}
}

func TestTileAddressValid(t *testing.T) {
	for _, tc := range []struct {
		tileAddress TileAddress
		expected    bool
	}{
		{tileAddress: TileAddress{Z: 0, X: 0, Y: 0}, expected: true},
		{tileAddress: TileAddress{Z: 2, X: 3, Y: 3}, expected: true},
		{tileAddress: TileAddress{Z: 2, X: 4, Y: 0}, expected: false},
		{tileAddress: TileAddress{Z: 2, X: 0, Y: -1}, expected: false},
		{tileAddress: TileAddress{Z: -1, X: 0, Y: 0}, expected: false},
		{tileAddress: TileAddress{Z: MaxZoom + 1, X: 0, Y: 0}, expected: false},
	} {
		assert.Equal(t, tc.expected, tc.tileAddress.Valid(), tc.tileAddress.String())
	}
}

func TestZoomLevelPixelExtent(t *testing.T) {
	width, height := ZoomLevelPixelExtent(0, 128)
	assert.Equal(t, 128, width)
	assert.Equal(t, 128, height)

	width, height = ZoomLevelPixelExtent(2, 128)
	assert.Equal(t, 512, width)
	assert.Equal(t, 512, height)
}

func TestTileRange(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	for zoom := range 4 {
		northWest, southEast := TileRange(world, zoom)
		n := 1 << zoom
		assert.Equal(t, TileAddress{Z: zoom, X: 0, Y: 0}, northWest)
		assert.Equal(t, TileAddress{Z: zoom, X: n - 1, Y: n - 1}, southEast)
	}

	northEastQuadrant := orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{179, 80}}
	northWest, southEast := TileRange(northEastQuadrant, 1)
	assert.Equal(t, TileAddress{Z: 1, X: 1, Y: 0}, northWest)
	assert.Equal(t, TileAddress{Z: 1, X: 1, Y: 0}, southEast)
}

func TestAxisWindow(t *testing.T) {
	lat, err := NewAxis([]float64{0, 1, 2, 3, 4})
	assert.NoError(t, err)
	lon, err := NewAxis([]float64{0, 1, 2, 3, 4})
	assert.NoError(t, err)

	window, err := AxisWindow(lat, lon, orb.Bound{Min: orb.Point{1.5, 0.5}, Max: orb.Point{2.5, 3}})
	assert.NoError(t, err)
	assert.Equal(t, Window{Row: 0, Col: 1, Width: 3, Height: 4}, window)

	window, err = AxisWindow(lat, lon, orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}})
	assert.NoError(t, err)
	assert.Equal(t, Window{Row: 0, Col: 0, Width: 5, Height: 5}, window)

	_, err = AxisWindow(lat, lon, orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{20, 20}})
	assert.IsError(t, err, ErrOutOfRange)
}
