package rastertile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone = 1
	compressionLZW  = 5
)

var errShortRead = errors.New("short read")

// A GeoTIFFSource is a Source that reads a single band, tiled, float32
// GeoTIFF.
type GeoTIFFSource struct {
	file                      fs.File
	readerAt                  io.ReaderAt
	imageWidth                int
	imageLength               int
	tileWidth                 int
	tileLength                int
	tilesAcross               int
	tilesDown                 int
	tileOffsets               []uint64
	tileByteCounts            []uint64
	smallestTileByteCount     uint64
	tileSampleCount           int
	tileByteCountUncompressed int
	compression               int
	noData                    float32
	tileCacheSizeBytes        int
	tileSamplesCache          *otter.Cache[TileCoord, []float32]
	emptyTileBytesMutex       sync.Mutex
	emptyTileBytes            []byte
	scaleX                    float64
	scaleY                    float64
	translateX                float64
	translateY                float64
	crs                       string
}

type readAtReadSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

// A TileCoord is the column and row of a tile within a GeoTIFF.
type TileCoord struct {
	C int // Column.
	R int // Row.
}

// A GeoTIFFSourceOption sets an option on a GeoTIFFSource.
type GeoTIFFSourceOption func(*GeoTIFFSource)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// NewGeoTIFFSource returns a new GeoTIFFSource reading filename from fsys.
func NewGeoTIFFSource(fsys fs.FS, filename string, options ...GeoTIFFSourceOption) (*GeoTIFFSource, error) {
	var err error
	ok := false

	s := &GeoTIFFSource{
		tileCacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(s)
	}

	s.file, err = fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			_ = s.file.Close()
		}
	}()
	r, isReadAtReadSeeker := s.file.(readAtReadSeeker)
	if !isReadAtReadSeeker {
		return nil, errors.ErrUnsupported
	}
	s.readerAt = r

	// Only little endian files are supported.
	header := make([]byte, 2)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if string(header) != "II" {
		return nil, errors.ErrUnsupported
	}

	tiffTIFF, err := tiff.Parse(r, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	if len(tiffTIFF.IFDs()) != 1 {
		return nil, fmt.Errorf("found %d IFDs, expected 1", len(tiffTIFF.IFDs()))
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if ifd.BitsPerSample != 32 ||
		ifd.Compression != compressionNone && ifd.Compression != compressionLZW ||
		ifd.PhotometricInterpretation != 1 ||
		ifd.SamplesPerPixel != 1 ||
		ifd.PlanarConfiguration != 1 ||
		ifd.Predictor > 1 ||
		ifd.SampleFormat != 3 ||
		ifd.TileWidth == 0 || ifd.TileLength == 0 ||
		len(ifd.ModelPixelScaleTag) != 3 ||
		len(ifd.ModelTiepointTag) != 6 {
		return nil, errors.ErrUnsupported
	}

	s.imageWidth = int(ifd.ImageWidth)
	s.imageLength = int(ifd.ImageLength)
	s.tileWidth = int(ifd.TileWidth)
	s.tileLength = int(ifd.TileLength)
	s.tilesAcross = (s.imageWidth + s.tileWidth - 1) / s.tileWidth
	s.tilesDown = (s.imageLength + s.tileLength - 1) / s.tileLength
	tilesPerImage := s.tilesAcross * s.tilesDown
	if len(ifd.TileByteCounts) != tilesPerImage || len(ifd.TileOffsets) != tilesPerImage {
		return nil, errors.New("incorrect number of tile byte counts or offsets")
	}
	s.tileOffsets = ifd.TileOffsets
	s.tileByteCounts = ifd.TileByteCounts
	s.smallestTileByteCount = ifd.TileByteCounts[0]
	for _, tileByteCount := range ifd.TileByteCounts[1:] {
		if tileByteCount < s.smallestTileByteCount {
			s.smallestTileByteCount = tileByteCount
		}
	}
	s.tileSampleCount = s.tileWidth * s.tileLength
	s.tileByteCountUncompressed = s.tileSampleCount * int(ifd.BitsPerSample) / 8
	s.compression = int(ifd.Compression)

	if s.noData, err = parseGDALNoData(ifd.GDALNoData); err != nil {
		return nil, err
	}

	tileCacheCount := max(s.tileCacheSizeBytes/s.tileByteCountUncompressed, 1)
	s.tileSamplesCache, err = otter.New(&otter.Options[TileCoord, []float32]{
		MaximumSize: tileCacheCount,
	})
	if err != nil {
		return nil, err
	}

	scaleX, scaleY, scaleZ := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1], ifd.ModelPixelScaleTag[2]
	if scaleX <= 0 || scaleY <= 0 || scaleZ != 0 {
		return nil, errors.ErrUnsupported
	}
	i, j, k := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1], ifd.ModelTiepointTag[2]
	if i != 0 || j != 0 || k != 0 {
		return nil, errors.ErrUnsupported
	}
	s.scaleX = scaleX
	s.scaleY = scaleY
	s.translateX = ifd.ModelTiepointTag[3]
	s.translateY = ifd.ModelTiepointTag[4]

	if len(ifd.GeoKeyDirectoryTag) > 0 {
		geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return nil, err
		}
		s.crs = geoKeys.CRS()
	}

	ok = true
	return s, nil
}

// WithGeoTIFFTileCacheSize sets the size in bytes of the decoded tile cache.
func WithGeoTIFFTileCacheSize(tileCacheSize int) GeoTIFFSourceOption {
	return func(s *GeoTIFFSource) {
		s.tileCacheSizeBytes = tileCacheSize
	}
}

// Close closes s's underlying file.
func (s *GeoTIFFSource) Close() error {
	return s.file.Close()
}

// Metadata implements Source.Metadata. A GeoTIFF contains a single variable
// so variable is ignored.
func (s *GeoTIFFSource) Metadata(ctx context.Context, variable string) (*Metadata, error) {
	return &Metadata{
		Shape:      []int{s.imageLength, s.imageWidth},
		Dimensions: []string{"y", "x"},
		ChunkShape: []int{s.tileLength, s.tileWidth},
		FillValue:  math.NaN(),
		CRS:        s.crs,
	}, nil
}

// Axis implements Source.Axis. The y axis, also called latitude, descends.
// Values are at pixel centers.
func (s *GeoTIFFSource) Axis(ctx context.Context, name string) ([]float64, error) {
	switch name {
	case "x", "longitude":
		return pixelCenters(s.translateX, s.scaleX, s.imageWidth), nil
	case "y", "latitude":
		return pixelCenters(s.translateY, -s.scaleY, s.imageLength), nil
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrMissingMetadata)
	}
}

// Slice implements Source.Slice. Samples equal to the GDAL no data value and
// samples in empty tiles are NaN.
func (s *GeoTIFFSource) Slice(ctx context.Context, variable string, timeIndex int) (*ScalarGrid, error) {
	if timeIndex != 0 {
		return nil, fmt.Errorf("time index %d: %w", timeIndex, ErrOutOfRange)
	}

	grid := newScalarGrid(s.imageWidth, s.imageLength)
	for r := range s.tilesDown {
		for c := range s.tilesAcross {
			tileCoord := TileCoord{C: c, R: r}
			switch tileSamples, err := s.getTileSamplesCached(ctx, tileCoord); {
			case errors.Is(err, otter.ErrNotFound):
				s.copyTileSamples(grid, tileCoord, nil)
			case err != nil:
				return nil, err
			default:
				s.copyTileSamples(grid, tileCoord, tileSamples)
			}
		}
	}
	return grid, nil
}

// copyTileSamples copies the part of tileSamples that lies within the image
// into grid. A nil tileSamples fills the tile with NaNs.
func (s *GeoTIFFSource) copyTileSamples(grid *ScalarGrid, tileCoord TileCoord, tileSamples []float32) {
	nan := float32(math.NaN())
	col0 := tileCoord.C * s.tileWidth
	row0 := tileCoord.R * s.tileLength
	width := min(s.tileWidth, s.imageWidth-col0)
	length := min(s.tileLength, s.imageLength-row0)
	for r := range length {
		row := grid.Row(row0 + r)[col0 : col0+width]
		if tileSamples == nil {
			for c := range row {
				row[c] = nan
			}
			continue
		}
		for c, sample := range tileSamples[r*s.tileWidth : r*s.tileWidth+width] {
			if sample == s.noData {
				sample = nan
			}
			row[c] = sample
		}
	}
}

// getCompressedTileData returns the compressed tile data for the data at
// tileCoord. If the tile is known to be empty, it returns the error
// otter.ErrNotFound.
func (s *GeoTIFFSource) getCompressedTileData(tileCoord TileCoord) ([]byte, error) {
	tileIndex := tileCoord.C + s.tilesAcross*tileCoord.R
	tileByteCount := s.tileByteCounts[tileIndex]
	tileOffset := s.tileOffsets[tileIndex]
	compressedData := make([]byte, tileByteCount)
	n, err := s.readerAt.ReadAt(compressedData, int64(tileOffset))
	switch emptyTileBytes := s.getEmptyTileBytes(); {
	case err != nil && !(errors.Is(err, io.EOF) && n == int(tileByteCount)):
		return nil, err
	case n != int(tileByteCount):
		return nil, errShortRead
	case emptyTileBytes != nil && bytes.Equal(compressedData, emptyTileBytes):
		return nil, otter.ErrNotFound
	default:
		return compressedData, nil
	}
}

// decompressTileData decompresses the tile data in compressedData.
func (s *GeoTIFFSource) decompressTileData(compressedData []byte) ([]byte, error) {
	if s.compression == compressionNone {
		if len(compressedData) != s.tileByteCountUncompressed {
			return nil, errShortRead
		}
		return compressedData, nil
	}
	tileData := make([]byte, s.tileByteCountUncompressed)
	r := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	defer r.Close()
	if _, err := io.ReadFull(r, tileData); err != nil {
		return nil, err
	}
	return tileData, nil
}

// decodeTileData decodes tileData.
func (s *GeoTIFFSource) decodeTileData(tileData []byte) []float32 {
	tileSamples := make([]float32, s.tileSampleCount)
	for i := range s.tileSampleCount {
		b := binary.LittleEndian.Uint32(tileData[i*4 : (i+1)*4])
		tileSamples[i] = math.Float32frombits(b)
	}
	return tileSamples
}

// getTileSamples returns the tile samples at tileCoord.
func (s *GeoTIFFSource) getTileSamples(ctx context.Context, tileCoord TileCoord) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	compressedTileData, err := s.getCompressedTileData(tileCoord)
	if err != nil {
		return nil, err
	}

	tileData, err := s.decompressTileData(compressedTileData)
	if err != nil {
		return nil, err
	}
	tileSamples := s.decodeTileData(tileData)

	// If we do not know what an empty tile looks like compressed, check to see
	// if this is an empty tile, and, if so, use its bytes to detect empty tiles
	// before they are decompressed. We assume that the empty tile is the
	// smallest tile.
	if s.getEmptyTileBytes() == nil && len(compressedTileData) == int(s.smallestTileByteCount) {
		isEmptyTile := true
		for _, sample := range tileSamples {
			if sample != s.noData {
				isEmptyTile = false
				break
			}
		}
		if isEmptyTile {
			s.emptyTileBytesMutex.Lock()
			s.emptyTileBytes = compressedTileData
			s.emptyTileBytesMutex.Unlock()
			return nil, otter.ErrNotFound
		}
	}

	return tileSamples, nil
}

// getTileSamplesCached returns the tile at tileCoord using s's cache.
func (s *GeoTIFFSource) getTileSamplesCached(ctx context.Context, tileCoord TileCoord) ([]float32, error) {
	return s.tileSamplesCache.Get(ctx, tileCoord, otter.LoaderFunc[TileCoord, []float32](s.getTileSamples))
}

func (s *GeoTIFFSource) getEmptyTileBytes() []byte {
	s.emptyTileBytesMutex.Lock()
	defer s.emptyTileBytesMutex.Unlock()
	return s.emptyTileBytes
}

// parseGDALNoData parses the value of the GDAL_NODATA tag. An absent value is
// returned as NaN.
func parseGDALNoData(s string) (float32, error) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" || strings.EqualFold(s, "nan") {
		return float32(math.NaN()), nil
	}
	noData, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("GDAL_NODATA %q: %w", s, err)
	}
	return float32(noData), nil
}
