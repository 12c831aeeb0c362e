package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"

	"github.com/twpayne/go-rastertile"
)

const (
	ZARR                   = "zarr"
	GEOTIFF                = "geotiff"
	SNAPPYLAYERS           = "snappy-layers"
	VARIABLE               = "variable"
	TIMEINDEX              = "time-index"
	TILESIZE               = "tile-size"
	MINZOOM                = "min-zoom"
	MAXZOOM                = "max-zoom"
	LATITUDENAME           = "latitude-name"
	LONGITUDENAME          = "longitude-name"
	LONGITUDENORMALIZATION = "longitude-normalization"
	WINDOW                 = "window"
	AXISCRS                = "axis-crs"
	COLORMIN               = "color-min"
	COLORMAX               = "color-max"
	LOGLEVEL               = "log-level"
	ADDR                   = "addr"
	TILECACHESIZE          = "tile-cache-size"
	DIR                    = "dir"
	BBOX                   = "bbox"
	ZOOMS                  = "zooms"
)

const (
	defaultColorMin = 230
	defaultColorMax = 300
)

var longitudeNormalizations = map[string]rastertile.LongitudeNormalization{
	"as-is":     rastertile.LongitudeAsIs,
	"offset180": rastertile.LongitudeOffset180,
	"wrap180":   rastertile.LongitudeWrap180,
}

func envVars(name string) []string {
	return []string{strcase.ToScreamingSnake("rastertile-" + name)}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "rastertile"
	app.Usage = "Serve a geo-referenced scalar raster as slippy map tiles"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    ZARR,
			Usage:   "Zarr v2 store directory",
			EnvVars: envVars(ZARR),
		},
		&cli.StringFlag{
			Name:    GEOTIFF,
			Usage:   "Tiled float32 GeoTIFF file",
			EnvVars: envVars(GEOTIFF),
		},
		&cli.StringFlag{
			Name:    SNAPPYLAYERS,
			Usage:   "JSON layer catalog of snappy compressed rasters",
			EnvVars: envVars(SNAPPYLAYERS),
		},
		&cli.StringFlag{
			Name:     VARIABLE,
			Aliases:  []string{"v"},
			Usage:    "Variable, or layer, to serve",
			Required: true,
			EnvVars:  envVars(VARIABLE),
		},
		&cli.IntFlag{
			Name:    TIMEINDEX,
			Aliases: []string{"t"},
			Usage:   "Time index to serve",
			EnvVars: envVars(TIMEINDEX),
		},
		&cli.IntFlag{
			Name:    TILESIZE,
			Usage:   "Tile size in pixels, overrides the source's tile size",
			EnvVars: envVars(TILESIZE),
		},
		&cli.IntFlag{
			Name:    MINZOOM,
			Usage:   "Minimum zoom level",
			EnvVars: envVars(MINZOOM),
		},
		&cli.IntFlag{
			Name:    MAXZOOM,
			Usage:   "Maximum zoom level, overrides the source's zoom levels",
			EnvVars: envVars(MAXZOOM),
		},
		&cli.StringFlag{
			Name:    LATITUDENAME,
			Usage:   "Name of the latitude axis",
			Value:   "latitude",
			EnvVars: envVars(LATITUDENAME),
		},
		&cli.StringFlag{
			Name:    LONGITUDENAME,
			Usage:   "Name of the longitude axis",
			Value:   "longitude",
			EnvVars: envVars(LONGITUDENAME),
		},
		&cli.StringFlag{
			Name:    LONGITUDENORMALIZATION,
			Usage:   "Longitude normalization: as-is, offset180, or wrap180",
			Value:   "as-is",
			EnvVars: envVars(LONGITUDENORMALIZATION),
		},
		&cli.StringFlag{
			Name:    WINDOW,
			Usage:   "Crop the source to west,south,east,north",
			EnvVars: envVars(WINDOW),
		},
		&cli.StringFlag{
			Name:    AXISCRS,
			Usage:   "Coordinate reference system of the source's axes, e.g. EPSG:3857",
			EnvVars: envVars(AXISCRS),
		},
		&cli.Float64Flag{
			Name:    COLORMIN,
			Usage:   "Value rendered as black",
			Value:   defaultColorMin,
			EnvVars: envVars(COLORMIN),
		},
		&cli.Float64Flag{
			Name:    COLORMAX,
			Usage:   "Value rendered as red",
			Value:   defaultColorMax,
			EnvVars: envVars(COLORMAX),
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "Log level: debug, info, warn, or error",
			Value:   "info",
			EnvVars: envVars(LOGLEVEL),
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "Serve tiles over HTTP",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    ADDR,
					Aliases: []string{"a"},
					Usage:   "Listen address",
					Value:   ":8080",
					EnvVars: envVars(ADDR),
				},
				&cli.IntFlag{
					Name:    TILECACHESIZE,
					Usage:   "Number of encoded tiles to cache",
					Value:   1024,
					EnvVars: envVars(TILECACHESIZE),
				},
			},
			Action: serveAction,
		},
		{
			Name:  "seed",
			Usage: "Render tiles to a directory",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     DIR,
					Aliases:  []string{"d"},
					Usage:    "Output directory",
					Required: true,
					EnvVars:  envVars(DIR),
				},
				&cli.StringFlag{
					Name:    BBOX,
					Usage:   "Bounding box west,south,east,north, defaults to the source's bounds",
					EnvVars: envVars(BBOX),
				},
				&cli.IntSliceFlag{
					Name:    ZOOMS,
					Aliases: []string{"z"},
					Usage:   "Zoom levels to render, defaults to all",
					EnvVars: envVars(ZOOMS),
				},
			},
			Action: seedAction,
		},
	}

	return app
}

func serveAction(c *cli.Context) error {
	logger, err := newLogger(c.String(LOGLEVEL), os.Stderr)
	if err != nil {
		return err
	}
	engine, closeSource, err := newEngine(c, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	if err := engine.Load(ctx); err != nil {
		return err
	}

	server, err := newTileServer(engine,
		withColorRamp(colorRamp{min: c.Float64(COLORMIN), max: c.Float64(COLORMAX)}),
		withTileCacheSize(c.Int(TILECACHESIZE)),
		withLogger(logger),
	)
	if err != nil {
		return err
	}
	return server.listenAndServe(ctx, c.String(ADDR))
}

func seedAction(c *cli.Context) error {
	logger, err := newLogger(c.String(LOGLEVEL), os.Stderr)
	if err != nil {
		return err
	}
	engine, closeSource, err := newEngine(c, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	var bbox *orb.Bound
	if s := c.String(BBOX); s != "" {
		bound, err := parseBound(s)
		if err != nil {
			return fmt.Errorf("%s: %w", BBOX, err)
		}
		bbox = &bound
	}

	count, err := seed(ctx, engine, seedOptions{
		dir:       c.String(DIR),
		bbox:      bbox,
		zooms:     c.IntSlice(ZOOMS),
		colorRamp: colorRamp{min: c.Float64(COLORMIN), max: c.Float64(COLORMAX)},
		logger:    logger,
	})
	logger.Info("seeded", "tiles", count)
	return err
}

// newEngine returns a new engine over the source selected by c's flags and
// a function that releases the source.
func newEngine(c *cli.Context, logger *slog.Logger) (*rastertile.Engine, func(), error) {
	var source rastertile.Source
	closeSource := func() {}
	var selected []string
	for _, name := range []string{ZARR, GEOTIFF, SNAPPYLAYERS} {
		if c.String(name) != "" {
			selected = append(selected, name)
		}
	}
	if len(selected) != 1 {
		return nil, nil, fmt.Errorf("exactly one of --%s, --%s, or --%s is required", ZARR, GEOTIFF, SNAPPYLAYERS)
	}

	switch selected[0] {
	case ZARR:
		zarrStore, err := rastertile.NewZarrStore(os.DirFS(c.String(ZARR)))
		if err != nil {
			return nil, nil, err
		}
		source = zarrStore
	case GEOTIFF:
		filename := c.String(GEOTIFF)
		geoTIFFSource, err := rastertile.NewGeoTIFFSource(os.DirFS(filepath.Dir(filename)), filepath.Base(filename))
		if err != nil {
			return nil, nil, err
		}
		source = geoTIFFSource
		closeSource = func() {
			_ = geoTIFFSource.Close()
		}
	case SNAPPYLAYERS:
		filename := c.String(SNAPPYLAYERS)
		snappySource, err := rastertile.NewSnappySource(os.DirFS(filepath.Dir(filename)), filepath.Base(filename))
		if err != nil {
			return nil, nil, err
		}
		source = snappySource
	}

	longitudeNormalization, ok := longitudeNormalizations[c.String(LONGITUDENORMALIZATION)]
	if !ok {
		closeSource()
		return nil, nil, fmt.Errorf("%s: %q: %w", LONGITUDENORMALIZATION, c.String(LONGITUDENORMALIZATION), errors.ErrUnsupported)
	}

	options := []rastertile.EngineOption{
		rastertile.WithVariable(c.String(VARIABLE)),
		rastertile.WithTimeIndex(c.Int(TIMEINDEX)),
		rastertile.WithTileSize(c.Int(TILESIZE)),
		rastertile.WithLatitudeName(c.String(LATITUDENAME)),
		rastertile.WithLongitudeName(c.String(LONGITUDENAME)),
		rastertile.WithLongitudeNormalization(longitudeNormalization),
		rastertile.WithLogger(logger),
	}
	switch {
	case c.IsSet(MAXZOOM):
		options = append(options, rastertile.WithZoomRange(c.Int(MINZOOM), c.Int(MAXZOOM)))
	case c.IsSet(MINZOOM):
		options = append(options, rastertile.WithMinZoom(c.Int(MINZOOM)))
	}
	if s := c.String(WINDOW); s != "" {
		window, err := parseBound(s)
		if err != nil {
			closeSource()
			return nil, nil, fmt.Errorf("%s: %w", WINDOW, err)
		}
		options = append(options, rastertile.WithWindow(window))
	}
	if crs := c.String(AXISCRS); crs != "" {
		options = append(options, rastertile.WithAxisCRS(crs))
	}

	engine, err := rastertile.NewEngine(source, options...)
	if err != nil {
		closeSource()
		return nil, nil, err
	}
	return engine, closeSource, nil
}

// newLogger returns a new text logger writing to w at level.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%s: %w", LOGLEVEL, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slogLevel,
	})), nil
}

// parseBound parses a bounding box of the form west,south,east,north.
func parseBound(s string) (orb.Bound, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return orb.Bound{}, fmt.Errorf("%q: expected west,south,east,north", s)
	}
	values := make([]float64, 4)
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%q: %w", s, err)
		}
		values[i] = value
	}
	if values[0] > values[2] || values[1] > values[3] {
		return orb.Bound{}, fmt.Errorf("%q: empty bounding box", s)
	}
	return orb.Bound{
		Min: orb.Point{values[0], values[1]},
		Max: orb.Point{values[2], values[3]},
	}, nil
}

func run() error {
	return newApp().RunContext(context.Background(), os.Args)
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
