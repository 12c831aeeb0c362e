package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"

	"github.com/twpayne/go-rastertile"
)

func newTestEngine(t *testing.T) *rastertile.Engine {
	t.Helper()
	return newSnappyTestEngine(t, "[-180, 90, 0, 80, 0, -40]")
}

// newSnappyTestEngine returns an engine over a 4x4 snappy layer with
// geotransform.
func newSnappyTestEngine(t *testing.T, geotransform string) *rastertile.Engine {
	t.Helper()
	source, err := rastertile.NewSnappySource(newTestSnappyFS(t, geotransform), "layers.json")
	assert.NoError(t, err)
	engine, err := rastertile.NewEngine(source, rastertile.WithVariable("t2m"), rastertile.WithZoomRange(0, 2))
	assert.NoError(t, err)
	return engine
}

// newTestSnappyFS returns a filesystem containing a 4x4 snappy layer with
// geotransform.
func newTestSnappyFS(t *testing.T, geotransform string) fstest.MapFS {
	t.Helper()
	samples := make([]float32, 4*4)
	for i := range samples {
		samples[i] = 230 + float32(i)*5
	}
	samples[0] = -1
	fsys := fstest.MapFS{
		"layers.json": &fstest.MapFile{
			Data: []byte(`{"t2m": {
				"name": "t2m",
				"dates_iso8601": ["2024-06-01T00:00:00Z"],
				"x_size": 4,
				"y_size": 4,
				"geotransform": ` + geotransform + `,
				"no_data": -1,
				"tile_size": 2
			}}`),
		},
		"t2m_20240601.dat.snp": &fstest.MapFile{
			Data: rastertile.EncodeSnappyRaster(samples),
		},
	}
	return fsys
}

func TestColorRamp(t *testing.T) {
	r := colorRamp{min: 230, max: 300}
	for _, tc := range []struct {
		value     float32
		expectedR uint8
		expectedA uint8
	}{
		{value: 200, expectedR: 0, expectedA: 255},
		{value: 230, expectedR: 0, expectedA: 255},
		{value: 265, expectedR: 128, expectedA: 255},
		{value: 300, expectedR: 255, expectedA: 255},
		{value: 400, expectedR: 255, expectedA: 255},
		{value: float32(math.NaN()), expectedR: 0, expectedA: 0},
	} {
		actual := r.color(tc.value)
		assert.Equal(t, tc.expectedR, actual.R)
		assert.Equal(t, uint8(0), actual.G)
		assert.Equal(t, uint8(0), actual.B)
		assert.Equal(t, tc.expectedA, actual.A)
	}
}

func TestTileServer(t *testing.T) {
	server, err := newTileServer(newTestEngine(t), withTileCacheSize(2))
	assert.NoError(t, err)
	httpServer := httptest.NewServer(server.handler())
	defer httpServer.Close()

	get := func(t *testing.T, path string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(httpServer.URL + path)
		assert.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		return resp.StatusCode, body
	}

	t.Run("png", func(t *testing.T) {
		statusCode, body := get(t, "/tiles/1/0/0.png")
		assert.Equal(t, http.StatusOK, statusCode)
		img, err := png.Decode(bytes.NewReader(body))
		assert.NoError(t, err)
		assert.Equal(t, 2, img.Bounds().Dx())
		assert.Equal(t, 2, img.Bounds().Dy())
	})

	t.Run("f32", func(t *testing.T) {
		statusCode, body := get(t, "/tiles/0/0/0.f32")
		assert.Equal(t, http.StatusOK, statusCode)
		assert.Equal(t, 2*2*4, len(body))
		expected, err := server.engine.GetTile(t.Context(), 0, 0, 0)
		assert.NoError(t, err)
		for i, value := range expected.Data() {
			actual := math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
			if math.IsNaN(float64(value)) {
				assert.True(t, math.IsNaN(float64(actual)))
			} else {
				assert.Equal(t, value, actual)
			}
		}
	})

	t.Run("cached", func(t *testing.T) {
		_, first := get(t, "/tiles/2/1/1.png")
		_, second := get(t, "/tiles/2/1/1.png")
		assert.Equal(t, first, second)
		assert.True(t, server.tileCache.Contains(tileKey{format: formatPNG, address: rastertile.TileAddress{Z: 2, X: 1, Y: 1}}))
	})

	t.Run("out_of_range", func(t *testing.T) {
		statusCode, body := get(t, "/tiles/3/0/0.png")
		assert.Equal(t, http.StatusNotFound, statusCode)
		assert.Contains(t, string(body), "zoom not in 0-2")
		statusCode, _ = get(t, "/tiles/1/2/0.png")
		assert.Equal(t, http.StatusNotFound, statusCode)
	})

	t.Run("bad_request", func(t *testing.T) {
		statusCode, body := get(t, "/tiles/1/a/0.png")
		assert.Equal(t, http.StatusBadRequest, statusCode)
		var actual struct {
			Error string `json:"error"`
		}
		assert.NoError(t, json.Unmarshal(body, &actual))
		assert.Equal(t, "1/a/0: invalid tile address", actual.Error)
		statusCode, _ = get(t, "/tiles/1/0/0.jpg")
		assert.Equal(t, http.StatusNotFound, statusCode)
	})

	t.Run("bounds", func(t *testing.T) {
		statusCode, body := get(t, "/tiles/1/1/0/bounds")
		assert.Equal(t, http.StatusOK, statusCode)
		var actual tileBounds
		assert.NoError(t, json.Unmarshal(body, &actual))
		assert.Equal(t, "1/1/0", actual.Tile)
		assert.True(t, math.Abs(actual.LonLat[0]) < 1e-9)
		assert.True(t, math.Abs(actual.LonLat[2]-180) < 1e-9)
		assert.True(t, math.Abs(actual.WebMercator[1]) < 1e-3)
		assert.True(t, math.Abs(actual.WebMercator[2]-20037508.342789244) < 1e-3)
	})

	t.Run("value", func(t *testing.T) {
		statusCode, body := get(t, "/value?lat=60&lon=-45")
		assert.Equal(t, http.StatusOK, statusCode)
		var actual pointValue
		assert.NoError(t, json.Unmarshal(body, &actual))
		assert.NotZero(t, actual.Value)
		assert.Equal(t, 235.0, *actual.Value)

		statusCode, body = get(t, "/value?lat=85&lon=0")
		assert.Equal(t, http.StatusOK, statusCode)
		actual = pointValue{}
		assert.NoError(t, json.Unmarshal(body, &actual))
		assert.Zero(t, actual.Value)

		statusCode, _ = get(t, "/value?lat=x&lon=0")
		assert.Equal(t, http.StatusBadRequest, statusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		statusCode, body := get(t, "/metrics")
		assert.Equal(t, http.StatusOK, statusCode)
		assert.Contains(t, string(body), "rastertile_server_tile_cache_hits_total")
	})
}

func TestSeed(t *testing.T) {
	engine := newTestEngine(t)
	dir := t.TempDir()

	count, err := seed(t.Context(), engine, seedOptions{
		dir:       dir,
		bbox:      &orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{179, 80}},
		zooms:     []int{0, 1, 2},
		colorRamp: colorRamp{min: defaultColorMin, max: defaultColorMax},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1+1+4, count)

	for _, filename := range []string{"0/0/0.png", "1/1/0.png", "2/3/1.png"} {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(filename)))
		assert.NoError(t, err)
		_, err = png.Decode(bytes.NewReader(data))
		assert.NoError(t, err)
	}
}

func TestParseBound(t *testing.T) {
	bound, err := parseBound("-10, 20,30,40")
	assert.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{-10, 20}, Max: orb.Point{30, 40}}, bound)

	for _, s := range []string{"", "1,2,3", "a,b,c,d", "10,0,0,10"} {
		_, err := parseBound(s)
		assert.Error(t, err)
	}
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := newLogger("warn", &buffer)
	assert.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buffer.String(), "hidden")
	assert.Contains(t, buffer.String(), "shown")

	_, err = newLogger("loud", &buffer)
	assert.Error(t, err)
}

func TestSeedDefaultBound(t *testing.T) {
	engine := newSnappyTestEngine(t, "[0, 250, 0, 1000, 0, -250]")
	dir := t.TempDir()

	count, err := seed(t.Context(), engine, seedOptions{
		dir:       dir,
		colorRamp: colorRamp{min: defaultColorMin, max: defaultColorMax},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1+4+16, count)

	for _, filename := range []string{"1/0/1.png", "2/0/3.png", "2/3/0.png"} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(filename)))
		assert.NoError(t, err)
	}
}

func TestNewEngineZoomFlags(t *testing.T) {
	dir := t.TempDir()
	for name, file := range newTestSnappyFS(t, "[-180, 90, 0, 80, 0, -40]") {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), file.Data, 0o666))
	}

	for _, tc := range []struct {
		name            string
		args            []string
		expectedMinZoom int
		expectedMaxZoom int
	}{
		{
			name:            "default",
			expectedMinZoom: 0,
			expectedMaxZoom: rastertile.DefaultMaxZoom,
		},
		{
			name:            "min_zoom",
			args:            []string{"--" + MINZOOM, "1"},
			expectedMinZoom: 1,
			expectedMaxZoom: rastertile.DefaultMaxZoom,
		},
		{
			name:            "min_and_max_zoom",
			args:            []string{"--" + MINZOOM, "1", "--" + MAXZOOM, "3"},
			expectedMinZoom: 1,
			expectedMaxZoom: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			app := newApp()
			flagSet := flag.NewFlagSet(app.Name, flag.ContinueOnError)
			for _, f := range app.Flags {
				assert.NoError(t, f.Apply(flagSet))
			}
			args := append([]string{
				"--" + SNAPPYLAYERS, filepath.Join(dir, "layers.json"),
				"--" + VARIABLE, "t2m",
			}, tc.args...)
			assert.NoError(t, flagSet.Parse(args))

			engine, closeSource, err := newEngine(cli.NewContext(app, flagSet, nil), slog.New(slog.DiscardHandler))
			assert.NoError(t, err)
			defer closeSource()
			layout, err := engine.Layout(t.Context())
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedMinZoom, layout.MinZoom)
			assert.Equal(t, tc.expectedMaxZoom, layout.MaxZoom)
		})
	}
}
