package rastertile

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// A Source provides a raster and its coordinate axes.
type Source interface {
	// Metadata returns the metadata of variable.
	Metadata(ctx context.Context, variable string) (*Metadata, error)
	// Axis returns the coordinate values of the axis called name.
	Axis(ctx context.Context, name string) ([]float64, error)
	// Slice returns the two dimensional raster of variable at timeIndex.
	// Rows are in the order of the latitude axis, columns in the order of the
	// longitude axis.
	Slice(ctx context.Context, variable string, timeIndex int) (*ScalarGrid, error)
}

// Metadata describes a variable in a Source.
type Metadata struct {
	// Shape is the length of each dimension, slowest varying first.
	Shape []int `validate:"required,min=2,max=3,dive,gt=0"`
	// Dimensions are the names of each dimension, if known.
	Dimensions []string `validate:"omitempty,eqfield=Shape"`
	// ChunkShape is the length of each dimension of a chunk.
	ChunkShape []int `validate:"omitempty,dive,gt=0"`
	// FillValue is the value of missing samples, or NaN.
	FillValue float64
	// TileSize is the pyramid tile size declared by the source, or zero.
	TileSize int `validate:"gte=0"`
	// ZoomLevels are the zoom levels declared by the source.
	ZoomLevels []int `validate:"dive,gte=0"`
	// CRS is the coordinate reference system of the pyramid.
	CRS string
	// Attributes are any other attributes of the source.
	Attributes map[string]any
}

// Height returns the number of rows of a two dimensional slice.
func (m *Metadata) Height() int {
	return m.Shape[len(m.Shape)-2]
}

// Width returns the number of columns of a two dimensional slice.
func (m *Metadata) Width() int {
	return m.Shape[len(m.Shape)-1]
}

// MaxZoom returns the largest declared zoom level and whether any are
// declared.
func (m *Metadata) MaxZoom() (int, bool) {
	if len(m.ZoomLevels) == 0 {
		return 0, false
	}
	return slices.Max(m.ZoomLevels), true
}

// validate returns an error wrapping ErrMissingMetadata if m is incomplete.
func (m *Metadata) validate() error {
	if m == nil {
		return fmt.Errorf("no metadata: %w", ErrMissingMetadata)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrMissingMetadata, err)
	}
	return nil
}
