package rastertile

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// snappyFilenameFormat is the format of the filename of a layer's raster for
// a date.
const snappyFilenameFormat = "%s_%s.dat.snp"

// A SnappyLayer describes a raster stored as one snappy compressed file of
// little endian float32 samples per date.
type SnappyLayer struct {
	Name         string    `json:"name"`
	Abstract     string    `json:"abstract"`
	Dates        []string  `json:"dates_iso8601"`
	XSize        int       `json:"x_size" validate:"gt=0"`
	YSize        int       `json:"y_size" validate:"gt=0"`
	Geotransform []float64 `json:"geotransform" validate:"len=6"`
	NoData       float32   `json:"no_data"`
	Proj4        string    `json:"proj4"`
	TileSize     int       `json:"tile_size" validate:"gte=0"`
}

// A SnappySource is a Source that reads snappy compressed rasters described
// by a JSON layer catalog.
type SnappySource struct {
	fsys   fs.FS
	layers map[string]SnappyLayer
}

// NewSnappySource returns a new SnappySource reading the layer catalog
// layersFilename and rasters from fsys.
func NewSnappySource(fsys fs.FS, layersFilename string) (*SnappySource, error) {
	data, err := fs.ReadFile(fsys, layersFilename)
	if err != nil {
		return nil, err
	}
	var layers map[string]SnappyLayer
	if err := json.Unmarshal(data, &layers); err != nil {
		return nil, fmt.Errorf("%s: %w", layersFilename, err)
	}
	for key, layer := range layers {
		if err := validate.Struct(&layer); err != nil {
			return nil, fmt.Errorf("%s: %s: %w: %w", layersFilename, key, ErrMissingMetadata, err)
		}
	}
	return &SnappySource{
		fsys:   fsys,
		layers: layers,
	}, nil
}

// Metadata implements Source.Metadata. Each variable is a layer.
func (s *SnappySource) Metadata(ctx context.Context, variable string) (*Metadata, error) {
	layer, err := s.layer(variable)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		Shape:      []int{len(layer.Dates), layer.YSize, layer.XSize},
		Dimensions: []string{"time", "latitude", "longitude"},
		ChunkShape: []int{1, layer.YSize, layer.XSize},
		FillValue:  float64(layer.NoData),
		TileSize:   layer.TileSize,
		CRS:        layer.Proj4,
		Attributes: map[string]any{
			"name":     layer.Name,
			"abstract": layer.Abstract,
		},
	}, nil
}

// Axis implements Source.Axis. name is "<layer>/latitude" or
// "<layer>/longitude", or just "latitude" or "longitude" if there is only
// one layer. Values are at pixel centers.
func (s *SnappySource) Axis(ctx context.Context, name string) ([]float64, error) {
	layerName, axisName := "", name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		layerName, axisName = name[:i], name[i+1:]
	}

	var layer SnappyLayer
	switch {
	case layerName != "":
		var err error
		if layer, err = s.layer(layerName); err != nil {
			return nil, err
		}
	case len(s.layers) == 1:
		for _, onlyLayer := range s.layers {
			layer = onlyLayer
		}
	default:
		return nil, fmt.Errorf("%s: ambiguous axis: %w", name, ErrMissingMetadata)
	}

	// geotransform is x0, dx, rx, y0, ry, dy.
	gt := layer.Geotransform
	switch axisName {
	case "longitude", "x":
		return pixelCenters(gt[0], gt[1], layer.XSize), nil
	case "latitude", "y":
		return pixelCenters(gt[3], gt[5], layer.YSize), nil
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrMissingMetadata)
	}
}

// Slice implements Source.Slice.
func (s *SnappySource) Slice(ctx context.Context, variable string, timeIndex int) (*ScalarGrid, error) {
	layer, err := s.layer(variable)
	if err != nil {
		return nil, err
	}
	if timeIndex < 0 || timeIndex >= len(layer.Dates) {
		return nil, fmt.Errorf("%s: time index %d: %w", variable, timeIndex, ErrOutOfRange)
	}
	date, err := time.Parse(time.RFC3339, layer.Dates[timeIndex])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", variable, err)
	}

	filename := fmt.Sprintf(snappyFilenameFormat, layer.Name, date.Format("20060102"))
	compressedData, err := fs.ReadFile(s.fsys, filename)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressedData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	if len(data) != 4*layer.XSize*layer.YSize {
		return nil, fmt.Errorf("%s: %d bytes for %dx%d raster: %w", filename, len(data), layer.XSize, layer.YSize, ErrDimensionMismatch)
	}
	samples := make([]float32, layer.XSize*layer.YSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i : 4*i+4]))
	}
	return NewScalarGrid(layer.XSize, layer.YSize, samples)
}

// layer returns the layer called name.
func (s *SnappySource) layer(name string) (SnappyLayer, error) {
	layer, ok := s.layers[name]
	if !ok {
		return SnappyLayer{}, fmt.Errorf("%s: no layer: %w", name, ErrMissingMetadata)
	}
	return layer, nil
}

// EncodeSnappyRaster encodes samples in the format read by SnappySource.
func EncodeSnappyRaster(samples []float32) []byte {
	data := make([]byte, 4*len(samples))
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(data[4*i:4*i+4], math.Float32bits(sample))
	}
	return snappy.Encode(nil, data)
}

// pixelCenters returns the centers of n pixels of size delta starting at
// origin.
func pixelCenters(origin, delta float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = origin + (float64(i)+0.5)*delta
	}
	return values
}
