package rastertile

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/maypok86/otter/v2"
	"github.com/perimeterx/marshmallow"
)

// A ZarrStore is a Source that reads a Zarr v2 hierarchy from a file system.
type ZarrStore struct {
	fsys               fs.FS
	chunkCacheSize     int
	chunkCache         *otter.Cache[string, []float64]
	groupOnce          sync.Once
	group              *zarrGroup
	groupErr           error
	arrayMetadataMutex sync.Mutex
	arrayMetadata      map[string]*zarrArrayMetadata
}

// A ZarrStoreOption sets an option on a ZarrStore.
type ZarrStoreOption func(*ZarrStore)

// zarrGroup is the parsed root group of a ZarrStore.
type zarrGroup struct {
	attributes zarrGroupAttributes
	extra      map[string]any
	basePath   string
	zoomLevels []int
}

// zarrGroupAttributes are the known attributes of a group's .zattrs.
type zarrGroupAttributes struct {
	Multiscales []zarrMultiscale `json:"multiscales" validate:"omitempty,dive"`
}

type zarrMultiscale struct {
	Datasets []zarrDataset `json:"datasets" validate:"required,min=1,dive"`
}

type zarrDataset struct {
	Path          string `json:"path" validate:"required,numeric"`
	PixelsPerTile int    `json:"pixels_per_tile" validate:"required,gt=0"`
	CRS           string `json:"crs" default:"EPSG:3857"`
}

// zarrArrayMetadata is the contents of an array's .zarray.
type zarrArrayMetadata struct {
	ZarrFormat         int               `json:"zarr_format" validate:"eq=2"`
	Shape              []int             `json:"shape" validate:"required,min=1,dive,gte=0"`
	Chunks             []int             `json:"chunks" validate:"required,eqfield=Shape,dive,gt=0"`
	DType              string            `json:"dtype" validate:"required"`
	Compressor         *zarrCompressor   `json:"compressor"`
	FillValue          any               `json:"fill_value"`
	Order              string            `json:"order" default:"C" validate:"eq=C"`
	Filters            []json.RawMessage `json:"filters" validate:"max=0"`
	DimensionSeparator string            `json:"dimension_separator" default:"." validate:"oneof=. /"`

	path       string
	dimensions []string
	dtype      zarrDType
	fillValue  float64
}

type zarrCompressor struct {
	ID string `json:"id"`
}

// zarrArrayAttributes are the known attributes of an array's .zattrs.
type zarrArrayAttributes struct {
	ArrayDimensions []string `json:"_ARRAY_DIMENSIONS"`
}

// A zarrDType is a parsed numpy dtype string.
type zarrDType struct {
	byteOrder binary.ByteOrder
	kind      byte
	size      int
}

// NewZarrStore returns a new ZarrStore reading from fsys, which must contain
// the root group of a Zarr v2 hierarchy.
func NewZarrStore(fsys fs.FS, options ...ZarrStoreOption) (*ZarrStore, error) {
	s := &ZarrStore{
		fsys:           fsys,
		chunkCacheSize: 256,
		arrayMetadata:  make(map[string]*zarrArrayMetadata),
	}
	for _, option := range options {
		option(s)
	}

	var err error
	s.chunkCache, err = otter.New(&otter.Options[string, []float64]{
		MaximumSize: max(s.chunkCacheSize, 1),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WithZarrChunkCacheSize sets the maximum number of decoded chunks cached.
func WithZarrChunkCacheSize(chunkCacheSize int) ZarrStoreOption {
	return func(s *ZarrStore) {
		s.chunkCacheSize = chunkCacheSize
	}
}

// Metadata implements Source.Metadata.
func (s *ZarrStore) Metadata(ctx context.Context, variable string) (*Metadata, error) {
	group, err := s.rootGroup()
	if err != nil {
		return nil, err
	}
	arrayMetadata, err := s.getArrayMetadata(path.Join(group.basePath, variable))
	if err != nil {
		return nil, err
	}

	metadata := &Metadata{
		Shape:      arrayMetadata.Shape,
		Dimensions: arrayMetadata.dimensions,
		ChunkShape: arrayMetadata.Chunks,
		FillValue:  arrayMetadata.fillValue,
		ZoomLevels: group.zoomLevels,
		Attributes: group.extra,
	}
	if len(group.attributes.Multiscales) > 0 {
		dataset := group.attributes.Multiscales[0].Datasets[0]
		metadata.TileSize = dataset.PixelsPerTile
		metadata.CRS = dataset.CRS
	}
	return metadata, nil
}

// Axis implements Source.Axis. Axes are looked up next to the variables and
// then in the root group.
func (s *ZarrStore) Axis(ctx context.Context, name string) ([]float64, error) {
	group, err := s.rootGroup()
	if err != nil {
		return nil, err
	}

	arrayMetadata, err := s.getArrayMetadata(path.Join(group.basePath, name))
	if errors.Is(err, ErrMissingMetadata) && group.basePath != "" {
		arrayMetadata, err = s.getArrayMetadata(name)
	}
	if err != nil {
		return nil, err
	}
	if len(arrayMetadata.Shape) != 1 {
		return nil, fmt.Errorf("%s: %d dimensional axis: %w", name, len(arrayMetadata.Shape), ErrDimensionMismatch)
	}

	return s.readRegion(ctx, arrayMetadata, []int{0}, arrayMetadata.Shape)
}

// Slice implements Source.Slice. Variables must have dimensions (latitude,
// longitude) or (time, latitude, longitude).
func (s *ZarrStore) Slice(ctx context.Context, variable string, timeIndex int) (*ScalarGrid, error) {
	group, err := s.rootGroup()
	if err != nil {
		return nil, err
	}
	arrayMetadata, err := s.getArrayMetadata(path.Join(group.basePath, variable))
	if err != nil {
		return nil, err
	}

	var start, count []int
	switch shape := arrayMetadata.Shape; len(shape) {
	case 2:
		if timeIndex != 0 {
			return nil, fmt.Errorf("%s: time index %d: %w", variable, timeIndex, ErrOutOfRange)
		}
		start, count = []int{0, 0}, shape
	case 3:
		if timeIndex < 0 || timeIndex >= shape[0] {
			return nil, fmt.Errorf("%s: time index %d: %w", variable, timeIndex, ErrOutOfRange)
		}
		start, count = []int{timeIndex, 0, 0}, []int{1, shape[1], shape[2]}
	default:
		return nil, fmt.Errorf("%s: %d dimensional variable: %w", variable, len(shape), ErrDimensionMismatch)
	}

	values, err := s.readRegion(ctx, arrayMetadata, start, count)
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(values))
	for i, value := range values {
		data[i] = float32(value)
	}
	return NewScalarGrid(count[len(count)-1], count[len(count)-2], data)
}

// rootGroup returns the parsed root group.
func (s *ZarrStore) rootGroup() (*zarrGroup, error) {
	s.groupOnce.Do(func() {
		s.group, s.groupErr = s.readRootGroup()
	})
	return s.group, s.groupErr
}

// readRootGroup reads and validates the root group's attributes.
func (s *ZarrStore) readRootGroup() (*zarrGroup, error) {
	group := &zarrGroup{}
	data, err := fs.ReadFile(s.fsys, ".zattrs")
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return group, nil
	case err != nil:
		return nil, err
	}

	group.extra, err = marshmallow.Unmarshal(data, &group.attributes, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return nil, fmt.Errorf(".zattrs: %w", err)
	}
	if len(group.attributes.Multiscales) == 0 {
		return group, nil
	}

	datasets := group.attributes.Multiscales[0].Datasets
	for i := range datasets {
		if err := defaults.Set(&datasets[i]); err != nil {
			return nil, err
		}
	}
	if err := validate.Struct(&group.attributes); err != nil {
		return nil, fmt.Errorf(".zattrs: %w: %w", ErrMissingMetadata, err)
	}

	group.basePath = datasets[0].Path
	group.zoomLevels = make([]int, 0, len(datasets))
	for _, dataset := range datasets {
		zoomLevel, err := strconv.Atoi(dataset.Path)
		if err != nil {
			return nil, fmt.Errorf(".zattrs: dataset path %q: %w", dataset.Path, ErrMissingMetadata)
		}
		group.zoomLevels = append(group.zoomLevels, zoomLevel)
	}
	return group, nil
}

// getArrayMetadata returns the metadata of the array at arrayPath.
func (s *ZarrStore) getArrayMetadata(arrayPath string) (*zarrArrayMetadata, error) {
	s.arrayMetadataMutex.Lock()
	defer s.arrayMetadataMutex.Unlock()

	if arrayMetadata, ok := s.arrayMetadata[arrayPath]; ok {
		return arrayMetadata, nil
	}

	arrayMetadata, err := s.readArrayMetadata(arrayPath)
	if err != nil {
		return nil, err
	}
	s.arrayMetadata[arrayPath] = arrayMetadata
	return arrayMetadata, nil
}

// readArrayMetadata reads and validates the .zarray and .zattrs of the array
// at arrayPath.
func (s *ZarrStore) readArrayMetadata(arrayPath string) (*zarrArrayMetadata, error) {
	data, err := fs.ReadFile(s.fsys, path.Join(arrayPath, ".zarray"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%s: no array: %w", arrayPath, ErrMissingMetadata)
	case err != nil:
		return nil, err
	}

	arrayMetadata := &zarrArrayMetadata{
		path: arrayPath,
	}
	if err := defaults.Set(arrayMetadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, arrayMetadata); err != nil {
		return nil, fmt.Errorf("%s: %w", arrayPath, err)
	}
	if err := validate.Struct(arrayMetadata); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", arrayPath, ErrMissingMetadata, err)
	}
	if arrayMetadata.Compressor != nil && arrayMetadata.Compressor.ID == "" {
		arrayMetadata.Compressor = nil
	}
	if arrayMetadata.Compressor != nil {
		switch arrayMetadata.Compressor.ID {
		case "zlib", "gzip":
		default:
			return nil, fmt.Errorf("%s: compressor %q: %w", arrayPath, arrayMetadata.Compressor.ID, errors.ErrUnsupported)
		}
	}
	if arrayMetadata.dtype, err = parseZarrDType(arrayMetadata.DType); err != nil {
		return nil, fmt.Errorf("%s: %w", arrayPath, err)
	}
	if arrayMetadata.fillValue, err = parseZarrFillValue(arrayMetadata.FillValue); err != nil {
		return nil, fmt.Errorf("%s: %w", arrayPath, err)
	}

	switch data, err := fs.ReadFile(s.fsys, path.Join(arrayPath, ".zattrs")); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var attributes zarrArrayAttributes
		if err := json.Unmarshal(data, &attributes); err != nil {
			return nil, fmt.Errorf("%s: %w", arrayPath, err)
		}
		arrayMetadata.dimensions = attributes.ArrayDimensions
	}

	return arrayMetadata, nil
}

// readRegion returns the values of the hyperrectangle of the array described
// by arrayMetadata starting at start with size count, in C order.
func (s *ZarrStore) readRegion(ctx context.Context, arrayMetadata *zarrArrayMetadata, start, count []int) ([]float64, error) {
	rank := len(arrayMetadata.Shape)
	size := 1
	for d := range rank {
		if start[d] < 0 || count[d] <= 0 || start[d]+count[d] > arrayMetadata.Shape[d] {
			return nil, fmt.Errorf("%s: region %v+%v of %v: %w", arrayMetadata.path, start, count, arrayMetadata.Shape, ErrOutOfRange)
		}
		size *= count[d]
	}
	values := make([]float64, size)

	firstChunk := make([]int, rank)
	lastChunk := make([]int, rank)
	for d := range rank {
		firstChunk[d] = start[d] / arrayMetadata.Chunks[d]
		lastChunk[d] = (start[d] + count[d] - 1) / arrayMetadata.Chunks[d]
	}

	chunkIndex := append([]int(nil), firstChunk...)
	for {
		chunk, err := s.getChunkCached(ctx, arrayMetadata, chunkIndex)
		if err != nil {
			return nil, err
		}
		copyChunkRegion(values, chunk, chunkIndex, arrayMetadata.Chunks, start, count)
		if !nextIndex(chunkIndex, firstChunk, lastChunk) {
			return values, nil
		}
	}
}

// getChunkCached returns the decoded chunk at chunkIndex using s's cache.
func (s *ZarrStore) getChunkCached(ctx context.Context, arrayMetadata *zarrArrayMetadata, chunkIndex []int) ([]float64, error) {
	keys := make([]string, len(chunkIndex))
	for i, index := range chunkIndex {
		keys[i] = strconv.Itoa(index)
	}
	chunkPath := path.Join(arrayMetadata.path, strings.Join(keys, arrayMetadata.DimensionSeparator))
	return s.chunkCache.Get(ctx, chunkPath, otter.LoaderFunc[string, []float64](func(ctx context.Context, chunkPath string) ([]float64, error) {
		return s.getChunk(ctx, arrayMetadata, chunkPath)
	}))
}

// getChunk reads and decodes the chunk at chunkPath. Missing chunks are
// filled with the array's fill value.
func (s *ZarrStore) getChunk(ctx context.Context, arrayMetadata *zarrArrayMetadata, chunkPath string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunkSize := 1
	for _, n := range arrayMetadata.Chunks {
		chunkSize *= n
	}

	data, err := fs.ReadFile(s.fsys, chunkPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		chunk := make([]float64, chunkSize)
		for i := range chunk {
			chunk[i] = arrayMetadata.fillValue
		}
		return chunk, nil
	case err != nil:
		return nil, err
	}

	if arrayMetadata.Compressor != nil {
		if data, err = decompressZarrChunk(arrayMetadata.Compressor.ID, data); err != nil {
			return nil, fmt.Errorf("%s: %w", chunkPath, err)
		}
	}
	if len(data) != chunkSize*arrayMetadata.dtype.size {
		return nil, fmt.Errorf("%s: %d bytes, expected %d: %w", chunkPath, len(data), chunkSize*arrayMetadata.dtype.size, ErrDimensionMismatch)
	}
	return arrayMetadata.dtype.decode(data), nil
}

// decompressZarrChunk decompresses data with the compressor id.
func decompressZarrChunk(id string, data []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch id {
	case "zlib":
		r, err = zlib.NewReader(bytes.NewReader(data))
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(data))
	default:
		return nil, errors.ErrUnsupported
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// copyChunkRegion copies the part of chunk at chunkIndex that overlaps the
// region starting at start with size count into values.
func copyChunkRegion(values, chunk []float64, chunkIndex, chunkShape, start, count []int) {
	rank := len(chunkShape)
	lo := make([]int, rank)
	hi := make([]int, rank)
	chunkStrides := make([]int, rank)
	valueStrides := make([]int, rank)
	chunkStride, valueStride := 1, 1
	for d := rank - 1; d >= 0; d-- {
		chunkStart := chunkIndex[d] * chunkShape[d]
		lo[d] = max(start[d], chunkStart)
		hi[d] = min(start[d]+count[d], chunkStart+chunkShape[d]) - 1
		chunkStrides[d] = chunkStride
		valueStrides[d] = valueStride
		chunkStride *= chunkShape[d]
		valueStride *= count[d]
	}

	// Copy one run along the last dimension at a time.
	runLength := hi[rank-1] - lo[rank-1] + 1
	position := append([]int(nil), lo...)
	for {
		chunkOffset, valueOffset := 0, 0
		for d := range rank {
			chunkOffset += (position[d] - chunkIndex[d]*chunkShape[d]) * chunkStrides[d]
			valueOffset += (position[d] - start[d]) * valueStrides[d]
		}
		copy(values[valueOffset:valueOffset+runLength], chunk[chunkOffset:chunkOffset+runLength])
		if !nextIndex(position[:rank-1], lo[:rank-1], hi[:rank-1]) {
			return
		}
	}
}

// nextIndex advances index, the last dimension fastest, within the inclusive
// bounds first and last. It returns false when index wraps around.
func nextIndex(index, first, last []int) bool {
	for d := len(index) - 1; d >= 0; d-- {
		index[d]++
		if index[d] <= last[d] {
			return true
		}
		index[d] = first[d]
	}
	return false
}

// parseZarrDType parses a numpy dtype string such as "<f4".
func parseZarrDType(s string) (zarrDType, error) {
	if len(s) < 3 {
		return zarrDType{}, fmt.Errorf("dtype %q: %w", s, errors.ErrUnsupported)
	}
	var dtype zarrDType
	switch s[0] {
	case '<', '|':
		dtype.byteOrder = binary.LittleEndian
	case '>':
		dtype.byteOrder = binary.BigEndian
	default:
		return zarrDType{}, fmt.Errorf("dtype %q: %w", s, errors.ErrUnsupported)
	}
	dtype.kind = s[1]
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return zarrDType{}, fmt.Errorf("dtype %q: %w", s, errors.ErrUnsupported)
	}
	dtype.size = size
	switch {
	case dtype.kind == 'f' && (size == 4 || size == 8):
	case (dtype.kind == 'i' || dtype.kind == 'u') && (size == 1 || size == 2 || size == 4 || size == 8):
	default:
		return zarrDType{}, fmt.Errorf("dtype %q: %w", s, errors.ErrUnsupported)
	}
	return dtype, nil
}

// decode decodes data as a sequence of values of type t.
func (t zarrDType) decode(data []byte) []float64 {
	values := make([]float64, len(data)/t.size)
	for i := range values {
		b := data[i*t.size : (i+1)*t.size]
		switch t.kind {
		case 'f':
			if t.size == 4 {
				values[i] = float64(math.Float32frombits(t.byteOrder.Uint32(b)))
			} else {
				values[i] = math.Float64frombits(t.byteOrder.Uint64(b))
			}
		case 'i':
			switch t.size {
			case 1:
				values[i] = float64(int8(b[0]))
			case 2:
				values[i] = float64(int16(t.byteOrder.Uint16(b)))
			case 4:
				values[i] = float64(int32(t.byteOrder.Uint32(b)))
			case 8:
				values[i] = float64(int64(t.byteOrder.Uint64(b)))
			}
		case 'u':
			switch t.size {
			case 1:
				values[i] = float64(b[0])
			case 2:
				values[i] = float64(t.byteOrder.Uint16(b))
			case 4:
				values[i] = float64(t.byteOrder.Uint32(b))
			case 8:
				values[i] = float64(t.byteOrder.Uint64(b))
			}
		}
	}
	return values
}

// parseZarrFillValue parses a decoded fill_value. A null fill value is
// returned as NaN.
func parseZarrFillValue(fillValue any) (float64, error) {
	switch fillValue := fillValue.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return fillValue, nil
	case string:
		switch fillValue {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("fill_value %v: %w", fillValue, errors.ErrUnsupported)
}
