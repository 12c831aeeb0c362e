package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulmach/orb"

	"github.com/twpayne/go-rastertile"
)

// worldBound covers every tile. Pyramid levels span the whole tiling extent
// whatever the CRS of the source's axes.
var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

type seedOptions struct {
	dir       string
	bbox      *orb.Bound
	zooms     []int
	colorRamp colorRamp
	logger    *slog.Logger
}

// seed renders every tile of engine that intersects options.bbox at each of
// options.zooms to options.dir/z/x/y.png. options.bbox is in EPSG:4326 and
// defaults to the whole world. It returns the number of tiles written.
func seed(ctx context.Context, engine *rastertile.Engine, options seedOptions) (int, error) {
	layout, err := engine.Layout(ctx)
	if err != nil {
		return 0, err
	}

	bbox := worldBound
	if options.bbox != nil {
		bbox = *options.bbox
	}
	zooms := options.zooms
	if len(zooms) == 0 {
		for zoom := layout.MinZoom; zoom <= layout.MaxZoom; zoom++ {
			zooms = append(zooms, zoom)
		}
	}

	count := 0
	for _, zoom := range zooms {
		start := time.Now()
		northWest, southEast := rastertile.TileRange(bbox, zoom)
		for x := northWest.X; x <= southEast.X; x++ {
			dir := filepath.Join(options.dir, strconv.Itoa(zoom), strconv.Itoa(x))
			if err := os.MkdirAll(dir, 0o777); err != nil {
				return count, err
			}
			for y := northWest.Y; y <= southEast.Y; y++ {
				if err := ctx.Err(); err != nil {
					return count, err
				}
				tile, err := engine.GetTile(ctx, zoom, x, y)
				if err != nil {
					return count, err
				}
				data, err := options.colorRamp.encodePNG(tile)
				if err != nil {
					return count, err
				}
				filename := filepath.Join(dir, strconv.Itoa(y)+".png")
				if err := os.WriteFile(filename, data, 0o666); err != nil {
					return count, err
				}
				count++
			}
		}
		if options.logger != nil {
			options.logger.Info("zoom level seeded",
				"zoom", zoom,
				"tiles", fmt.Sprintf("%d-%d,%d-%d", northWest.X, southEast.X, northWest.Y, southEast.Y),
				"duration", time.Since(start),
			)
		}
	}
	return count, nil
}
