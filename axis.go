package rastertile

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// An Axis is an immutable, strictly ascending sequence of coordinate values.
type Axis struct {
	values []float64
}

// BoundingIndices is the result of a coordinate lookup on an Axis.
type BoundingIndices struct {
	Lower int
	Upper int
}

// A LongitudeNormalization is applied to longitude axes at ingestion.
type LongitudeNormalization int

const (
	// LongitudeAsIs leaves longitudes unchanged.
	LongitudeAsIs LongitudeNormalization = iota
	// LongitudeOffset180 subtracts 180 from every longitude.
	LongitudeOffset180
	// LongitudeWrap180 maps longitudes in [0, 360) to [-180, 180), rotating
	// the axis so that it remains ascending.
	LongitudeWrap180
)

// NewAxis returns a new Axis. values must be non-empty, finite, and strictly
// ascending. values is copied.
func NewAxis(values []float64) (Axis, error) {
	if len(values) == 0 {
		return Axis{}, fmt.Errorf("empty axis: %w", ErrDimensionMismatch)
	}
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Axis{}, fmt.Errorf("axis value %d: %v: %w", i, value, ErrDimensionMismatch)
		}
		if i > 0 && value <= values[i-1] {
			return Axis{}, fmt.Errorf("axis not strictly ascending at index %d: %w", i, ErrDimensionMismatch)
		}
	}
	return Axis{values: slices.Clone(values)}, nil
}

// Len returns the number of values in a.
func (a Axis) Len() int {
	return len(a.values)
}

// At returns the ith value of a.
func (a Axis) At(i int) float64 {
	return a.values[i]
}

// Min returns a's first value.
func (a Axis) Min() float64 {
	return a.values[0]
}

// Max returns a's last value.
func (a Axis) Max() float64 {
	return a.values[len(a.values)-1]
}

// Values returns a copy of a's values.
func (a Axis) Values() []float64 {
	return slices.Clone(a.values)
}

// FindBoundingIndices returns the indices of the values of axis that bracket
// value. Values outside the axis clamp to its ends and exact matches return
// a degenerate pair.
func FindBoundingIndices(value float64, axis Axis) BoundingIndices {
	values := axis.values
	last := len(values) - 1
	switch {
	case value <= values[0]:
		return BoundingIndices{Lower: 0, Upper: 0}
	case value >= values[last]:
		return BoundingIndices{Lower: last, Upper: last}
	}

	left, right := 0, last
	for left <= right {
		mid := left + (right-left)/2
		switch {
		case values[mid] == value:
			return BoundingIndices{Lower: mid, Upper: mid}
		case values[mid] < value:
			left = mid + 1
		default:
			right = mid - 1
		}
	}

	// right is now the largest index with a value less than value, and left
	// the smallest with a value greater than value.
	return BoundingIndices{Lower: right, Upper: left}
}

// fraction returns the position of value between the values at b.Lower and
// b.Upper, in [0, 1].
func (a Axis) fraction(value float64, b BoundingIndices) float64 {
	if b.Lower == b.Upper {
		return 0
	}
	lower, upper := a.values[b.Lower], a.values[b.Upper]
	return (value - lower) / (upper - lower)
}

// orientAxis returns values in ascending order, and whether they had to be
// reversed.
func orientAxis(values []float64) ([]float64, bool) {
	if len(values) < 2 || values[0] < values[len(values)-1] {
		return values, false
	}
	reversed := slices.Clone(values)
	slices.Reverse(reversed)
	return reversed, true
}

// normalizeLongitudes applies normalization to the longitude values lons and
// returns the new values and the number of columns the grid must be rotated
// left by to match.
func normalizeLongitudes(lons []float64, normalization LongitudeNormalization) ([]float64, int, error) {
	switch normalization {
	case LongitudeAsIs:
		return lons, 0, nil
	case LongitudeOffset180:
		offset := make([]float64, len(lons))
		for i, lon := range lons {
			offset[i] = lon - 180
		}
		return offset, 0, nil
	case LongitudeWrap180:
		split, _ := slices.BinarySearch(lons, 180)
		wrapped := make([]float64, 0, len(lons))
		for _, lon := range lons[split:] {
			wrapped = append(wrapped, lon-360)
		}
		wrapped = append(wrapped, lons[:split]...)
		return wrapped, split % len(lons), nil
	default:
		return nil, 0, fmt.Errorf("longitude normalization %d: %w", normalization, errors.ErrUnsupported)
	}
}
