package rastertile

import (
	"fmt"
	"math"
)

// A samplePosition is a fractional position along one dimension of a grid.
type samplePosition struct {
	lower  int
	upper  int
	weight float64
}

// ResampleBilinear resamples input to targetWidth by targetHeight samples
// using bilinear interpolation.
//
// Rows are mapped inverted: output row 0 is read from the last input row.
// Input rows are ordered by ascending latitude while output rows are ordered
// north to south. Columns are mapped directly.
func ResampleBilinear(input *ScalarGrid, targetWidth, targetHeight int) (*ScalarGrid, error) {
	if input == nil || len(input.data) == 0 || len(input.data) != input.width*input.height {
		return nil, fmt.Errorf("resample input: %w", ErrDimensionMismatch)
	}
	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, fmt.Errorf("resample to %dx%d: %w", targetWidth, targetHeight, ErrDimensionMismatch)
	}

	colPositions := make([]samplePosition, targetWidth)
	for j := range targetWidth {
		colPositions[j] = mapPosition(j, targetWidth, input.width)
	}

	output := newScalarGrid(targetWidth, targetHeight)
	for i := range targetHeight {
		rowPosition := mapPosition(targetHeight-1-i, targetHeight, input.height)
		lowerRow := input.Row(rowPosition.lower)
		upperRow := input.Row(rowPosition.upper)
		outputRow := output.Row(i)
		for j, colPosition := range colPositions {
			outputRow[j] = float32(blend(
				lowerRow[colPosition.lower], lowerRow[colPosition.upper],
				upperRow[colPosition.lower], upperRow[colPosition.upper],
				colPosition.weight, rowPosition.weight,
			))
		}
	}
	return output, nil
}

// mapPosition maps index in [0, targetLen-1] linearly onto [0, inputLen-1].
// A single element target maps to input index 0.
func mapPosition(index, targetLen, inputLen int) samplePosition {
	if targetLen == 1 || inputLen == 1 {
		return samplePosition{}
	}
	// Multiply before dividing so that positions that fall exactly on input
	// samples are computed exactly.
	numerator := index * (inputLen - 1)
	denominator := targetLen - 1
	lower := numerator / denominator
	return samplePosition{
		lower:  lower,
		upper:  min(lower+1, inputLen-1),
		weight: float64(numerator-lower*denominator) / float64(denominator),
	}
}

// blend returns the bilinear blend of the four corner values. dx is the
// weight of the right column and dy the weight of the second row. Corners
// with zero weight are skipped so that NaNs do not leak into neighbors.
func blend(topLeft, topRight, bottomLeft, bottomRight float32, dx, dy float64) float64 {
	result := 0.0
	for _, term := range [4]struct {
		value  float32
		weight float64
	}{
		{topLeft, (1 - dx) * (1 - dy)},
		{topRight, dx * (1 - dy)},
		{bottomLeft, (1 - dx) * dy},
		{bottomRight, dx * dy},
	} {
		if term.weight != 0 {
			result += float64(term.value) * term.weight
		}
	}
	return result
}

// interpolateAt returns the bilinearly interpolated value of grid at the
// geographic position (x, y), where xAxis indexes grid's columns and yAxis
// its rows. It returns NaN outside the axes.
func interpolateAt(grid *ScalarGrid, xAxis, yAxis Axis, x, y float64) float64 {
	if x < xAxis.Min() || xAxis.Max() < x || y < yAxis.Min() || yAxis.Max() < y {
		return math.NaN()
	}
	cols := FindBoundingIndices(x, xAxis)
	rows := FindBoundingIndices(y, yAxis)
	return blend(
		grid.At(rows.Lower, cols.Lower), grid.At(rows.Lower, cols.Upper),
		grid.At(rows.Upper, cols.Lower), grid.At(rows.Upper, cols.Upper),
		xAxis.fraction(x, cols), yAxis.fraction(y, rows),
	)
}
