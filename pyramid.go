package rastertile

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxLevelPixels is the default limit on the number of samples in a
// single pyramid level.
const DefaultMaxLevelPixels = 1 << 28

var (
	pyramidLevelCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_pyramid_level_cache_hits_total",
		Help: "The total number of hits on the pyramid level cache",
	})
	pyramidLevelCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_pyramid_level_cache_misses_total",
		Help: "The total number of misses on the pyramid level cache",
	})
	pyramidLevelBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_pyramid_level_builds_total",
		Help: "The total number of pyramid levels built",
	})
)

// A PyramidLevelCache builds and holds one resampled grid per zoom level.
// Levels are never evicted.
type PyramidLevelCache struct {
	source         *ScalarGrid
	tileSize       int
	maxLevelPixels int
	onBuild        func(zoom int, level *ScalarGrid)
	mutex          sync.Mutex
	levels         map[int]*ScalarGrid
	inflight       singleflight.Group
}

// A PyramidLevelCacheOption sets an option on a PyramidLevelCache.
type PyramidLevelCacheOption func(*PyramidLevelCache)

// WithMaxLevelPixels sets the maximum number of samples in a single level.
// Zoom levels larger than this are rejected.
func WithMaxLevelPixels(maxLevelPixels int) PyramidLevelCacheOption {
	return func(c *PyramidLevelCache) {
		c.maxLevelPixels = maxLevelPixels
	}
}

// NewPyramidLevelCache returns a new PyramidLevelCache over source.
func NewPyramidLevelCache(source *ScalarGrid, tileSize int, options ...PyramidLevelCacheOption) (*PyramidLevelCache, error) {
	if source == nil || len(source.data) != source.width*source.height {
		return nil, fmt.Errorf("pyramid source: %w", ErrDimensionMismatch)
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size %d: %w", tileSize, ErrMissingMetadata)
	}
	c := &PyramidLevelCache{
		source:         source,
		tileSize:       tileSize,
		maxLevelPixels: DefaultMaxLevelPixels,
		levels:         make(map[int]*ScalarGrid),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// MaxLevelZoom returns the largest zoom level whose pyramid level has at most
// maxLevelPixels samples, or -1 if no level fits.
func MaxLevelZoom(tileSize, maxLevelPixels int) int {
	maxZoom := -1
	if tileSize <= 0 {
		return maxZoom
	}
	for zoom := 0; zoom <= MaxZoom; zoom++ {
		extent := tileSize << zoom
		if extent <= 0 || extent > maxLevelPixels/extent {
			break
		}
		maxZoom = zoom
	}
	return maxZoom
}

// MaxZoom returns the largest zoom level that c will build.
func (c *PyramidLevelCache) MaxZoom() int {
	return MaxLevelZoom(c.tileSize, c.maxLevelPixels)
}

// TileSize returns c's tile size.
func (c *PyramidLevelCache) TileSize() int {
	return c.tileSize
}

// Level returns the grid for zoom, building it on first use. Concurrent
// callers for the same zoom share a single build.
func (c *PyramidLevelCache) Level(zoom int) (*ScalarGrid, error) {
	if zoom < 0 {
		return nil, fmt.Errorf("zoom %d: %w", zoom, ErrOutOfRange)
	}
	if zoom > c.MaxZoom() {
		return nil, fmt.Errorf("zoom %d: level exceeds %d samples: %w", zoom, c.maxLevelPixels, ErrOutOfRange)
	}

	if level, ok := c.cachedLevel(zoom); ok {
		pyramidLevelCacheHits.Inc()
		return level, nil
	}

	value, err, _ := c.inflight.Do(strconv.Itoa(zoom), func() (any, error) {
		// Another caller may have finished building the level between the
		// check above and joining the flight.
		if level, ok := c.cachedLevel(zoom); ok {
			pyramidLevelCacheHits.Inc()
			return level, nil
		}

		pyramidLevelCacheMisses.Inc()

		level, err := c.buildLevel(zoom)
		if err != nil {
			return nil, err
		}

		c.mutex.Lock()
		defer c.mutex.Unlock()
		if existing, ok := c.levels[zoom]; ok {
			return existing, nil
		}
		c.levels[zoom] = level
		return level, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*ScalarGrid), nil
}

// Len returns the number of levels built by c.
func (c *PyramidLevelCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.levels)
}

// cachedLevel returns the level for zoom if it has already been built.
func (c *PyramidLevelCache) cachedLevel(zoom int) (*ScalarGrid, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	level, ok := c.levels[zoom]
	return level, ok
}

// buildLevel resamples c's source to the full pixel extent of zoom.
func (c *PyramidLevelCache) buildLevel(zoom int) (*ScalarGrid, error) {
	width, height := ZoomLevelPixelExtent(zoom, c.tileSize)
	level, err := ResampleBilinear(c.source, width, height)
	if err != nil {
		return nil, err
	}
	pyramidLevelBuilds.Inc()
	if c.onBuild != nil {
		c.onBuild(zoom, level)
	}
	return level, nil
}
