package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twpayne/go-rastertile"
)

var (
	tileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_server_tile_cache_hits_total",
		Help: "The total number of hits on the encoded tile cache",
	})
	tileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_server_tile_cache_misses_total",
		Help: "The total number of misses on the encoded tile cache",
	})
	tileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rastertile_server_tile_cache_evictions_total",
		Help: "The total number of evictions from the encoded tile cache",
	})
)

const (
	formatPNG     = "png"
	formatFloat32 = "f32"
)

var contentTypes = map[string]string{
	formatPNG:     "image/png",
	formatFloat32: "application/octet-stream",
}

// A tileKey identifies an encoded tile.
type tileKey struct {
	format  string
	address rastertile.TileAddress
}

// A tileServer serves an engine's tiles over HTTP.
type tileServer struct {
	engine        *rastertile.Engine
	colorRamp     colorRamp
	tileCacheSize int
	tileCache     *lru.Cache[tileKey, []byte]
	projector     *rastertile.Projector
	logger        *slog.Logger
}

// A tileServerOption sets an option on a tileServer.
type tileServerOption func(*tileServer)

// A tileBounds is the response of the tile bounds endpoint.
type tileBounds struct {
	Tile        string     `json:"tile"`
	LonLat      [4]float64 `json:"lonlat"`
	WebMercator [4]float64 `json:"epsg3857"`
}

// A pointValue is the response of the value endpoint.
type pointValue struct {
	Lon   float64  `json:"lon"`
	Lat   float64  `json:"lat"`
	Value *float64 `json:"value"`
}

func newTileServer(engine *rastertile.Engine, options ...tileServerOption) (*tileServer, error) {
	s := &tileServer{
		engine:        engine,
		colorRamp:     colorRamp{min: defaultColorMin, max: defaultColorMax},
		tileCacheSize: 1024,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(s)
	}

	var err error
	s.tileCache, err = lru.New[tileKey, []byte](max(s.tileCacheSize, 1))
	if err != nil {
		return nil, err
	}
	s.projector, err = rastertile.NewProjector("EPSG:3857")
	if err != nil {
		return nil, err
	}
	return s, nil
}

func withColorRamp(colorRamp colorRamp) tileServerOption {
	return func(s *tileServer) {
		s.colorRamp = colorRamp
	}
}

func withLogger(logger *slog.Logger) tileServerOption {
	return func(s *tileServer) {
		s.logger = logger
	}
}

func withTileCacheSize(tileCacheSize int) tileServerOption {
	return func(s *tileServer) {
		s.tileCacheSize = tileCacheSize
	}
}

// handler returns s's HTTP handler.
func (s *tileServer) handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/tiles/:z/:x/:y", s.handleTile)
	router.GET("/tiles/:z/:x/:y/bounds", s.handleTileBounds)
	router.GET("/value", s.handleValue)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// listenAndServe serves s on addr until ctx is done.
func (s *tileServer) listenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *tileServer) handleTile(c *gin.Context) {
	yStr, format, ok := strings.Cut(c.Param("y"), ".")
	contentType, supported := contentTypes[format]
	if !ok || !supported {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unsupported tile format %q", format)})
		return
	}
	tileAddress, err := parseTileAddress(c.Param("z"), c.Param("x"), yStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := s.encodedTile(c.Request.Context(), tileKey{format: format, address: tileAddress})
	if err != nil {
		s.writeError(c, tileAddress.String(), err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *tileServer) handleTileBounds(c *gin.Context) {
	tileAddress, err := parseTileAddress(c.Param("z"), c.Param("x"), c.Param("y"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !tileAddress.Valid() {
		s.writeError(c, tileAddress.String(), rastertile.ErrOutOfRange)
		return
	}

	bound := tileAddress.Bound()
	webMercatorBound, err := s.projector.TileBound(tileAddress)
	if err != nil {
		s.writeError(c, tileAddress.String(), err)
		return
	}
	c.JSON(http.StatusOK, tileBounds{
		Tile:        tileAddress.String(),
		LonLat:      [4]float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()},
		WebMercator: [4]float64{webMercatorBound.Min.X(), webMercatorBound.Min.Y(), webMercatorBound.Max.X(), webMercatorBound.Max.Y()},
	})
}

func (s *tileServer) handleValue(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("lat: %v", err)})
		return
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("lon: %v", err)})
		return
	}

	value, err := s.engine.ValueAt(c.Request.Context(), lon, lat)
	if err != nil {
		s.writeError(c, "value", err)
		return
	}
	response := pointValue{
		Lon: lon,
		Lat: lat,
	}
	if !math.IsNaN(value) {
		response.Value = &value
	}
	c.JSON(http.StatusOK, response)
}

// encodedTile returns the tile at key, encoded, using s's cache.
func (s *tileServer) encodedTile(ctx context.Context, key tileKey) ([]byte, error) {
	if data, ok := s.tileCache.Get(key); ok {
		tileCacheHits.Inc()
		return data, nil
	}
	tileCacheMisses.Inc()

	tile, err := s.engine.GetTile(ctx, key.address.Z, key.address.X, key.address.Y)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch key.format {
	case formatPNG:
		if data, err = s.colorRamp.encodePNG(tile); err != nil {
			return nil, err
		}
	case formatFloat32:
		data = encodeFloat32(tile)
	}

	if evicted := s.tileCache.Add(key, data); evicted {
		tileCacheEvictions.Inc()
	}
	return data, nil
}

// writeError writes err with the status code that matches its kind.
func (s *tileServer) writeError(c *gin.Context, what string, err error) {
	var statusCode int
	switch {
	case errors.Is(err, rastertile.ErrOutOfRange):
		statusCode = http.StatusNotFound
	case errors.Is(err, rastertile.ErrUnavailable):
		statusCode = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}
	if statusCode == http.StatusInternalServerError {
		s.logger.Error("request failed", "what", what, "err", err)
	}
	c.JSON(statusCode, gin.H{"error": fmt.Sprintf("%s: %v", what, err)})
}

// parseTileAddress parses the decimal tile address z, x, y.
func parseTileAddress(zStr, xStr, yStr string) (rastertile.TileAddress, error) {
	var values [3]int
	for i, s := range []string{zStr, xStr, yStr} {
		value, err := strconv.Atoi(s)
		if err != nil {
			return rastertile.TileAddress{}, fmt.Errorf("%s/%s/%s: invalid tile address", zStr, xStr, yStr)
		}
		values[i] = value
	}
	return rastertile.TileAddress{Z: values[0], X: values[1], Y: values[2]}, nil
}
