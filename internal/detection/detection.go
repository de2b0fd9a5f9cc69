package detection

import (
	"math"
)

// Detection is one detected object in a single coordinate space.
type Detection struct {
	// X and Y locate the top-left corner.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Width and Height are the box extent in pixels.
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	// Confidence is the service score (0.0 to 1.0).
	Confidence float64 `json:"confidence"`

	// Class is the label reported by the service, if any.
	Class string `json:"class,omitempty"`
}

// Bounds represents a rectangular bounding box in pixel coordinates.
//
// The coordinate convention follows standard image bounds:
//   - (X1, Y1) is the top-left corner (inclusive)
//   - (X2, Y2) is the bottom-right corner (exclusive)
type Bounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// FromCenter builds a top-left Detection from a center-based box.
func FromCenter(cx, cy, width, height, confidence float64, class string) Detection {
	return Detection{
		X:          cx - width/2,
		Y:          cy - height/2,
		Width:      width,
		Height:     height,
		Confidence: confidence,
		Class:      class,
	}
}

// Center returns the center point of the box.
func (d Detection) Center() (cx, cy float64) {
	return d.X + d.Width/2, d.Y + d.Height/2
}

// Area returns the box area in square pixels.
func (d Detection) Area() float64 {
	return d.Width * d.Height
}

// Finite reports whether every spatial field is a finite number.
func (d Detection) Finite() bool {
	for _, v := range []float64{d.X, d.Y, d.Width, d.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Bounds returns the integer pixel box covering the detection. The
// left/top edges are floored and the right/bottom edges are ceiled. Values are
// clamped to +/- 1<<24 so far-away boxes stay representable.
func (d Detection) Bounds() Bounds {
	return Bounds{
		X1: clampInt(math.Floor(d.X)),
		Y1: clampInt(math.Floor(d.Y)),
		X2: clampInt(math.Ceil(d.X + d.Width)),
		Y2: clampInt(math.Ceil(d.Y + d.Height)),
	}
}

const coordLimit = 1 << 24

func clampInt(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if v > coordLimit {
		return coordLimit
	}
	if v < -coordLimit {
		return -coordLimit
	}
	return int(v)
}

// FilterByConfidence returns the detections with Confidence >= threshold in
// their original order. The input slice is not modified.
func FilterByConfidence(dets []Detection, threshold float64) []Detection {
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}
