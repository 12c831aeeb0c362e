package rastertile

import "errors"

var (
	// ErrDimensionMismatch is returned when a buffer's length does not match
	// its declared dimensions, or when an axis does not match the grid it
	// indexes.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrMissingMetadata is returned when required tiling metadata is absent.
	ErrMissingMetadata = errors.New("missing metadata")

	// ErrOutOfRange is returned for tile addresses or zoom levels outside
	// their valid range.
	ErrOutOfRange = errors.New("out of range")

	// ErrUnavailable is returned when the source raster is not loaded.
	ErrUnavailable = errors.New("unavailable")
)
