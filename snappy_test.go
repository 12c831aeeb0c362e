package rastertile_test

import (
	"errors"
	"io/fs"
	"math"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"

	"github.com/twpayne/go-rastertile"
)

const testSnappyLayers = `{
	"temp": {
		"name": "temp",
		"abstract": "Surface temperature",
		"dates_iso8601": ["2020-01-01T00:00:00Z", "2020-01-02T00:00:00Z"],
		"x_size": 3,
		"y_size": 2,
		"geotransform": [0, 10, 0, 20, 0, -10],
		"no_data": -1,
		"proj4": "+proj=longlat +datum=WGS84 +no_defs",
		"tile_size": 2
	}
}`

func newTestSnappyFS() fstest.MapFS {
	return fstest.MapFS{
		"layers.json": &fstest.MapFile{
			Data: []byte(testSnappyLayers),
		},
		"temp_20200101.dat.snp": &fstest.MapFile{
			Data: rastertile.EncodeSnappyRaster([]float32{1, 2, 3, 4, 5, -1}),
		},
	}
}

func TestSnappySource(t *testing.T) {
	source, err := rastertile.NewSnappySource(newTestSnappyFS(), "layers.json")
	assert.NoError(t, err)

	metadata, err := source.Metadata(t.Context(), "temp")
	assert.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, metadata.Shape)
	assert.Equal(t, -1.0, metadata.FillValue)
	assert.Equal(t, 2, metadata.TileSize)
	assert.Equal(t, "Surface temperature", metadata.Attributes["abstract"])

	latitudes, err := source.Axis(t.Context(), "latitude")
	assert.NoError(t, err)
	assert.Equal(t, []float64{15, 5}, latitudes)

	longitudes, err := source.Axis(t.Context(), "temp/longitude")
	assert.NoError(t, err)
	assert.Equal(t, []float64{5, 15, 25}, longitudes)

	_, err = source.Axis(t.Context(), "other/longitude")
	assert.IsError(t, err, rastertile.ErrMissingMetadata)

	slice, err := source.Slice(t.Context(), "temp", 0)
	assert.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, -1}, slice.Data())

	_, err = source.Slice(t.Context(), "temp", 1)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = source.Slice(t.Context(), "temp", 2)
	assert.IsError(t, err, rastertile.ErrOutOfRange)

	_, err = source.Metadata(t.Context(), "other")
	assert.IsError(t, err, rastertile.ErrMissingMetadata)
}

func TestSnappySourceEngine(t *testing.T) {
	source, err := rastertile.NewSnappySource(newTestSnappyFS(), "layers.json")
	assert.NoError(t, err)
	engine, err := rastertile.NewEngine(source, rastertile.WithVariable("temp"), rastertile.WithZoomRange(0, 1))
	assert.NoError(t, err)

	// Rows are stored north to south, so the engine flips them.
	value, err := engine.ValueAt(t.Context(), 5, 15)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, value)

	value, err = engine.ValueAt(t.Context(), 10, 10)
	assert.NoError(t, err)
	assert.Equal(t, 3.0, value)

	value, err = engine.ValueAt(t.Context(), 25, 5)
	assert.NoError(t, err)
	assert.True(t, math.IsNaN(value))

	tile, err := engine.GetTile(t.Context(), 0, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, []float32{1, 3, 4}, tile.Data()[:3])
	assert.True(t, math.IsNaN(float64(tile.At(1, 1))))
}

func TestSnappySourceErrors(t *testing.T) {
	t.Run("invalid_layer", func(t *testing.T) {
		fsys := fstest.MapFS{
			"layers.json": &fstest.MapFile{
				Data: []byte(`{"temp": {"name": "temp", "x_size": 0, "y_size": 2, "geotransform": [0, 1, 0, 0, 0, -1]}}`),
			},
		}
		_, err := rastertile.NewSnappySource(fsys, "layers.json")
		assert.IsError(t, err, rastertile.ErrMissingMetadata)
	})

	t.Run("size_mismatch", func(t *testing.T) {
		fsys := newTestSnappyFS()
		fsys["temp_20200101.dat.snp"] = &fstest.MapFile{
			Data: rastertile.EncodeSnappyRaster([]float32{1, 2, 3}),
		}
		source, err := rastertile.NewSnappySource(fsys, "layers.json")
		assert.NoError(t, err)
		_, err = source.Slice(t.Context(), "temp", 0)
		assert.IsError(t, err, rastertile.ErrDimensionMismatch)
	})
}
