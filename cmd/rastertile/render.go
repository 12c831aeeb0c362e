package main

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/twpayne/go-rastertile"
)

// A colorRamp maps values linearly from black at min to red at max.
type colorRamp struct {
	min float64
	max float64
}

// color returns the color of value. NaNs are transparent.
func (r colorRamp) color(value float32) color.NRGBA {
	if math.IsNaN(float64(value)) {
		return color.NRGBA{}
	}
	normalized := (float64(value) - r.min) / (r.max - r.min) * 255
	return color.NRGBA{
		R: uint8(max(0, min(255, math.Round(normalized)))),
		A: 255,
	}
}

// encodePNG returns tile encoded as a PNG image colored with r.
func (r colorRamp) encodePNG(tile *rastertile.ScalarGrid) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, tile.Width(), tile.Height()))
	for y := range tile.Height() {
		for x, value := range tile.Row(y) {
			img.SetNRGBA(x, y, r.color(value))
		}
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// encodeFloat32 returns tile's samples as little endian float32s.
func encodeFloat32(tile *rastertile.ScalarGrid) []byte {
	data := make([]byte, 0, 4*len(tile.Data()))
	for _, value := range tile.Data() {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(value))
	}
	return data
}
