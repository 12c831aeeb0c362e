package rastertile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxZoom is the maximum zoom level used when neither the engine's
// options nor the source declare one.
const DefaultMaxZoom = 6

var (
	sourceLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_source_loads_total",
		Help: "The total number of source raster loads",
	})
	sourceLoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_source_load_failures_total",
		Help: "The total number of failed source raster loads",
	})
	tilesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_tiles_extracted_total",
		Help: "The total number of tiles extracted",
	})
)

// An Engine serves tiles of a single variable of a Source.
type Engine struct {
	source                 Source
	variable               string
	timeIndex              int
	tileSize               int
	maxLevelPixels         int
	minZoom                int
	maxZoom                int
	minZoomSet             bool
	zoomRangeSet           bool
	latitudeName           string
	longitudeName          string
	longitudeNormalization LongitudeNormalization
	window                 *orb.Bound
	axisCRS                string
	projector              *Projector
	logger                 *slog.Logger

	loadGroup singleflight.Group
	mutex     sync.RWMutex
	raster    *loadedRaster
}

// A loadedRaster is the ingested state of an Engine.
type loadedRaster struct {
	metadata *Metadata
	lat      Axis
	lon      Axis
	grid     *ScalarGrid
	pyramid  *PyramidLevelCache
	layout   Layout
}

// A Layout describes the tiles served by an Engine.
type Layout struct {
	TileSize int
	MinZoom  int
	MaxZoom  int
	Bound    orb.Bound
	CRS      string
}

// An EngineOption sets an option on an Engine.
type EngineOption func(*Engine)

// NewEngine returns a new Engine that reads from source. The source raster
// is loaded on first use.
func NewEngine(source Source, options ...EngineOption) (*Engine, error) {
	e := &Engine{
		source:         source,
		latitudeName:   "latitude",
		longitudeName:  "longitude",
		maxLevelPixels: DefaultMaxLevelPixels,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(e)
	}

	if e.source == nil {
		return nil, fmt.Errorf("no source: %w", ErrUnavailable)
	}
	if e.variable == "" {
		return nil, fmt.Errorf("no variable: %w", ErrMissingMetadata)
	}
	if e.tileSize < 0 {
		return nil, fmt.Errorf("tile size %d: %w", e.tileSize, ErrOutOfRange)
	}
	if e.zoomRangeSet && (e.minZoom < 0 || e.maxZoom < e.minZoom || e.maxZoom > MaxZoom) {
		return nil, fmt.Errorf("zoom range %d-%d: %w", e.minZoom, e.maxZoom, ErrOutOfRange)
	}
	if e.minZoomSet && (e.minZoom < 0 || e.minZoom > MaxZoom) {
		return nil, fmt.Errorf("min zoom %d: %w", e.minZoom, ErrOutOfRange)
	}
	if e.zoomRangeSet && e.tileSize > 0 && e.maxZoom > MaxLevelZoom(e.tileSize, e.maxLevelPixels) {
		return nil, fmt.Errorf("zoom range %d-%d with tile size %d: level exceeds %d samples: %w",
			e.minZoom, e.maxZoom, e.tileSize, e.maxLevelPixels, ErrOutOfRange)
	}
	if e.axisCRS != "" {
		projector, err := NewProjector(e.axisCRS)
		if err != nil {
			return nil, err
		}
		e.projector = projector
	}

	return e, nil
}

// WithAxisCRS sets the coordinate reference system of the source's axes.
// Positions passed to ValueAt are transformed from EPSG:4326 to crs.
func WithAxisCRS(crs string) EngineOption {
	return func(e *Engine) {
		e.axisCRS = crs
	}
}

// WithLatitudeName sets the name of the latitude axis.
func WithLatitudeName(name string) EngineOption {
	return func(e *Engine) {
		e.latitudeName = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLongitudeName sets the name of the longitude axis.
func WithLongitudeName(name string) EngineOption {
	return func(e *Engine) {
		e.longitudeName = name
	}
}

// WithLongitudeNormalization sets the normalization applied to the longitude
// axis at ingestion.
func WithLongitudeNormalization(normalization LongitudeNormalization) EngineOption {
	return func(e *Engine) {
		e.longitudeNormalization = normalization
	}
}

// WithMaxLevelPixels sets the maximum number of samples in a single pyramid
// level. Zoom levels larger than this are not served.
func WithMaxLevelPixels(maxLevelPixels int) EngineOption {
	return func(e *Engine) {
		e.maxLevelPixels = maxLevelPixels
	}
}

// WithMinZoom sets the minimum zoom level, leaving the maximum zoom level to
// the source.
func WithMinZoom(minZoom int) EngineOption {
	return func(e *Engine) {
		e.minZoom = minZoom
		e.minZoomSet = true
	}
}

// WithTileSize sets the tile size, overriding any tile size declared by the
// source.
func WithTileSize(tileSize int) EngineOption {
	return func(e *Engine) {
		e.tileSize = tileSize
	}
}

// WithTimeIndex sets the time index of the slice to serve.
func WithTimeIndex(timeIndex int) EngineOption {
	return func(e *Engine) {
		e.timeIndex = timeIndex
	}
}

// WithVariable sets the variable to serve.
func WithVariable(variable string) EngineOption {
	return func(e *Engine) {
		e.variable = variable
	}
}

// WithWindow restricts the source raster to the part covering bound at
// ingestion.
func WithWindow(bound orb.Bound) EngineOption {
	return func(e *Engine) {
		e.window = &bound
	}
}

// WithZoomRange sets the supported zoom levels.
func WithZoomRange(minZoom, maxZoom int) EngineOption {
	return func(e *Engine) {
		e.minZoom = minZoom
		e.maxZoom = maxZoom
		e.minZoomSet = false
		e.zoomRangeSet = true
	}
}

// Load loads the source raster if it is not already loaded.
func (e *Engine) Load(ctx context.Context) error {
	_, err := e.loaded(ctx)
	return err
}

// Layout returns the layout of the tiles served by e, loading the source
// raster if needed.
func (e *Engine) Layout(ctx context.Context) (Layout, error) {
	raster, err := e.loaded(ctx)
	if err != nil {
		return Layout{}, err
	}
	return raster.layout, nil
}

// GetTile returns the tile at zoom, x, and y. ctx is checked once before any
// work starts: building a pyramid level is not interrupted by cancellation.
func (e *Engine) GetTile(ctx context.Context, zoom, x, y int) (*ScalarGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raster, err := e.loaded(ctx)
	if err != nil {
		return nil, err
	}

	tileAddress := TileAddress{Z: zoom, X: x, Y: y}
	if zoom < raster.layout.MinZoom || raster.layout.MaxZoom < zoom {
		return nil, fmt.Errorf("%s: zoom not in %d-%d: %w", tileAddress, raster.layout.MinZoom, raster.layout.MaxZoom, ErrOutOfRange)
	}
	if !tileAddress.Valid() {
		return nil, fmt.Errorf("%s: %w", tileAddress, ErrOutOfRange)
	}

	level, err := raster.pyramid.Level(zoom)
	if err != nil {
		return nil, err
	}
	tile, err := ExtractTile(level, x, y, raster.layout.TileSize)
	if err != nil {
		return nil, err
	}
	tilesExtracted.Inc()
	return tile, nil
}

// ValueAt returns the bilinearly interpolated value of the source raster at
// lon and lat. It returns NaN outside the raster.
func (e *Engine) ValueAt(ctx context.Context, lon, lat float64) (float64, error) {
	raster, err := e.loaded(ctx)
	if err != nil {
		return 0, err
	}
	x, y := lon, lat
	if e.projector != nil {
		if x, y, err = e.projector.Forward(lon, lat); err != nil {
			return 0, err
		}
	}
	return interpolateAt(raster.grid, raster.lon, raster.lat, x, y), nil
}

// loaded returns e's loaded raster, loading it if needed. Concurrent callers
// share a single load, which is not canceled if the caller that started it
// goes away.
func (e *Engine) loaded(ctx context.Context) (*loadedRaster, error) {
	e.mutex.RLock()
	raster := e.raster
	e.mutex.RUnlock()
	if raster != nil {
		return raster, nil
	}

	resultCh := e.loadGroup.DoChan("load", func() (any, error) {
		e.mutex.RLock()
		raster := e.raster
		e.mutex.RUnlock()
		if raster != nil {
			return raster, nil
		}

		sourceLoads.Inc()
		start := time.Now()
		raster, err := e.load(context.WithoutCancel(ctx))
		if err != nil {
			sourceLoadFailures.Inc()
			e.logger.Error("source load failed", "variable", e.variable, "err", err)
			return nil, err
		}
		e.logger.Info("source loaded",
			"variable", e.variable,
			"timeIndex", e.timeIndex,
			"width", raster.grid.Width(),
			"height", raster.grid.Height(),
			"tileSize", raster.layout.TileSize,
			"duration", time.Since(start),
		)

		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.raster = raster
		return raster, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case result := <-resultCh:
		if result.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, result.Err)
		}
		return result.Val.(*loadedRaster), nil
	}
}

// load fetches and ingests the source raster.
func (e *Engine) load(ctx context.Context) (*loadedRaster, error) {
	metadata, err := e.source.Metadata(ctx, e.variable)
	if err != nil {
		return nil, err
	}
	if err := metadata.validate(); err != nil {
		return nil, err
	}

	if e.timeIndex < 0 ||
		len(metadata.Shape) == 2 && e.timeIndex != 0 ||
		len(metadata.Shape) == 3 && e.timeIndex >= metadata.Shape[0] {
		return nil, fmt.Errorf("time index %d of %v: %w", e.timeIndex, metadata.Shape, ErrOutOfRange)
	}

	latValues, err := e.axis(ctx, e.latitudeName)
	if err != nil {
		return nil, err
	}
	lonValues, err := e.axis(ctx, e.longitudeName)
	if err != nil {
		return nil, err
	}

	slice, err := e.source.Slice(ctx, e.variable, e.timeIndex)
	if err != nil {
		return nil, err
	}
	if slice.Height() != len(latValues) || slice.Width() != len(lonValues) {
		return nil, fmt.Errorf("%dx%d slice with %d latitudes and %d longitudes: %w",
			slice.Width(), slice.Height(), len(latValues), len(lonValues), ErrDimensionMismatch)
	}
	grid := slice.Clone()

	latValues, flipped := orientAxis(latValues)
	if flipped {
		grid.flipRows()
	}
	lonValues, flipped = orientAxis(lonValues)
	if flipped {
		grid.flipCols()
	}
	lonValues, rotation, err := normalizeLongitudes(lonValues, e.longitudeNormalization)
	if err != nil {
		return nil, err
	}
	grid.rotateCols(rotation)

	lat, err := NewAxis(latValues)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.latitudeName, err)
	}
	lon, err := NewAxis(lonValues)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.longitudeName, err)
	}

	grid.replaceFillValue(metadata.FillValue)

	if e.window != nil {
		window, err := AxisWindow(lat, lon, *e.window)
		if err != nil {
			return nil, err
		}
		if grid, err = grid.Crop(window.Row, window.Col, window.Width, window.Height); err != nil {
			return nil, err
		}
		lat = Axis{values: lat.values[window.Row : window.Row+window.Height]}
		lon = Axis{values: lon.values[window.Col : window.Col+window.Width]}
	}

	layout, err := e.layout(metadata, lat, lon)
	if err != nil {
		return nil, err
	}

	pyramid, err := NewPyramidLevelCache(grid, layout.TileSize, WithMaxLevelPixels(e.maxLevelPixels))
	if err != nil {
		return nil, err
	}
	pyramid.onBuild = func(zoom int, level *ScalarGrid) {
		e.logger.Debug("pyramid level built", "zoom", zoom, "width", level.Width(), "height", level.Height())
	}

	return &loadedRaster{
		metadata: metadata,
		lat:      lat,
		lon:      lon,
		grid:     grid,
		pyramid:  pyramid,
		layout:   layout,
	}, nil
}

// axis returns the values of the axis called name.
func (e *Engine) axis(ctx context.Context, name string) ([]float64, error) {
	values, err := e.source.Axis(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s axis: %w", name, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s axis: %w", name, ErrMissingMetadata)
	}
	for _, value := range values {
		if math.IsNaN(value) {
			return nil, fmt.Errorf("%s axis: NaN value: %w", name, ErrDimensionMismatch)
		}
	}
	return values, nil
}

// layout returns the tile layout for metadata.
func (e *Engine) layout(metadata *Metadata, lat, lon Axis) (Layout, error) {
	layout := Layout{
		TileSize: e.tileSize,
		MinZoom:  e.minZoom,
		MaxZoom:  e.maxZoom,
		Bound: orb.Bound{
			Min: orb.Point{lon.Min(), lat.Min()},
			Max: orb.Point{lon.Max(), lat.Max()},
		},
		CRS: metadata.CRS,
	}
	if layout.TileSize == 0 {
		layout.TileSize = metadata.TileSize
	}
	if layout.TileSize == 0 {
		return Layout{}, fmt.Errorf("no tile size: %w", ErrMissingMetadata)
	}
	maxLevelZoom := MaxLevelZoom(layout.TileSize, e.maxLevelPixels)
	if maxLevelZoom < 0 {
		return Layout{}, fmt.Errorf("tile size %d: level exceeds %d samples: %w", layout.TileSize, e.maxLevelPixels, ErrOutOfRange)
	}
	if e.zoomRangeSet {
		if layout.MaxZoom > maxLevelZoom {
			return Layout{}, fmt.Errorf("zoom range %d-%d with tile size %d: level exceeds %d samples: %w",
				layout.MinZoom, layout.MaxZoom, layout.TileSize, e.maxLevelPixels, ErrOutOfRange)
		}
		return layout, nil
	}
	if maxZoom, ok := metadata.MaxZoom(); ok {
		layout.MaxZoom = maxZoom
	} else {
		layout.MaxZoom = DefaultMaxZoom
	}
	if layout.MaxZoom > maxLevelZoom {
		e.logger.Warn("capping max zoom", "maxZoom", layout.MaxZoom, "cap", maxLevelZoom, "tileSize", layout.TileSize)
		layout.MaxZoom = maxLevelZoom
	}
	if layout.MinZoom > layout.MaxZoom {
		return Layout{}, fmt.Errorf("min zoom %d above max zoom %d: %w", layout.MinZoom, layout.MaxZoom, ErrOutOfRange)
	}
	return layout, nil
}
