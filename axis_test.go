package rastertile

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNewAxis(t *testing.T) {
	for _, tc := range []struct {
		name   string
		values []float64
		ok     bool
	}{
		{name: "single", values: []float64{1}, ok: true},
		{name: "ascending", values: []float64{1, 2, 4}, ok: true},
		{name: "empty", values: nil},
		{name: "repeated", values: []float64{1, 1, 2}},
		{name: "descending", values: []float64{3, 2, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			axis, err := NewAxis(tc.values)
			if !tc.ok {
				assert.IsError(t, err, ErrDimensionMismatch)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, len(tc.values), axis.Len())
			assert.Equal(t, tc.values, axis.Values())
		})
	}
}

func TestFindBoundingIndices(t *testing.T) {
	axis, err := NewAxis([]float64{10, 20, 30})
	assert.NoError(t, err)

	for _, tc := range []struct {
		value    float64
		expected BoundingIndices
	}{
		{value: 25, expected: BoundingIndices{Lower: 1, Upper: 2}},
		{value: 15, expected: BoundingIndices{Lower: 0, Upper: 1}},
		{value: 20, expected: BoundingIndices{Lower: 1, Upper: 1}},
		{value: 10, expected: BoundingIndices{Lower: 0, Upper: 0}},
		{value: 30, expected: BoundingIndices{Lower: 2, Upper: 2}},
		{value: -5, expected: BoundingIndices{Lower: 0, Upper: 0}},
		{value: 99, expected: BoundingIndices{Lower: 2, Upper: 2}},
	} {
		actual := FindBoundingIndices(tc.value, axis)
		assert.Equal(t, tc.expected, actual)
		assert.True(t, actual.Lower <= actual.Upper)
		assert.True(t, axis.At(actual.Lower) <= max(axis.Min(), min(tc.value, axis.Max())))
	}
}

func TestFindBoundingIndicesProperties(t *testing.T) {
	values := make([]float64, 37)
	for i := range values {
		values[i] = -90 + 5*float64(i)
	}
	axis, err := NewAxis(values)
	assert.NoError(t, err)

	for value := -95.0; value <= 95; value += 0.25 {
		b := FindBoundingIndices(value, axis)
		assert.True(t, 0 <= b.Lower && b.Lower <= b.Upper && b.Upper < axis.Len())
		assert.True(t, b.Upper-b.Lower <= 1)
		if axis.Min() <= value && value <= axis.Max() {
			assert.True(t, axis.At(b.Lower) <= value && value <= axis.At(b.Upper))
		}
	}
}

func TestOrientAxis(t *testing.T) {
	values, reversed := orientAxis([]float64{30, 20, 10})
	assert.True(t, reversed)
	assert.Equal(t, []float64{10, 20, 30}, values)

	values, reversed = orientAxis([]float64{10, 20, 30})
	assert.False(t, reversed)
	assert.Equal(t, []float64{10, 20, 30}, values)
}

func TestNormalizeLongitudes(t *testing.T) {
	lons := []float64{0, 90, 180, 270}

	actual, rotation, err := normalizeLongitudes(lons, LongitudeAsIs)
	assert.NoError(t, err)
	assert.Equal(t, lons, actual)
	assert.Equal(t, 0, rotation)

	actual, rotation, err = normalizeLongitudes(lons, LongitudeOffset180)
	assert.NoError(t, err)
	assert.Equal(t, []float64{-180, -90, 0, 90}, actual)
	assert.Equal(t, 0, rotation)

	actual, rotation, err = normalizeLongitudes(lons, LongitudeWrap180)
	assert.NoError(t, err)
	assert.Equal(t, []float64{-180, -90, 0, 90}, actual)
	assert.Equal(t, 2, rotation)

	actual, rotation, err = normalizeLongitudes([]float64{-10, 0, 10}, LongitudeWrap180)
	assert.NoError(t, err)
	assert.Equal(t, []float64{-10, 0, 10}, actual)
	assert.Equal(t, 0, rotation)

	_, _, err = normalizeLongitudes(lons, LongitudeNormalization(99))
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}
