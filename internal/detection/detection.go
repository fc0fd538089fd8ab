// Package detection holds the object-detection results returned by the
// analytics service and the shape checks applied before they are drawn.
package detection

import (
	"image"
	"math"
)

// BoundingBox is a detection box in source-frame pixel coordinates.
// The wire form is decoded by Parse.
type BoundingBox struct {
	XMin, YMin float64
	XMax, YMax float64
}

// Detection is one object reported by the analytics service.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	Box        BoundingBox
}

// Set is an ordered detection result for one frame. A nil Set means no
// result is known yet; an empty non-nil Set means nothing was detected.
type Set []Detection

// Clamp converts the box to integer pixel corners inside a width x height
// frame. Coordinates come from a remote service and are never trusted: the
// corners are ordered, clipped to the frame and the second return is false
// when nothing of the box is left on screen.
func (b BoundingBox) Clamp(width, height int) (image.Rectangle, bool) {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}, false
	}

	x0, x1 := clampAxis(b.XMin, width), clampAxis(b.XMax, width)
	y0, y1 := clampAxis(b.YMin, height), clampAxis(b.YMax, height)

	// image.Rect orders the corners.
	r := image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, width, height))
	if r.Empty() {
		return image.Rectangle{}, false
	}

	// Drawing corners are inclusive, keep the far corner on the last pixel.
	r.Max.X = min(r.Max.X, width-1)
	r.Max.Y = min(r.Max.Y, height-1)
	return r, true
}

// clampAxis bounds v before the integer conversion so out-of-range floats
// cannot overflow.
func clampAxis(v float64, limit int) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(-1, math.Min(v, float64(limit)))
	return int(v)
}
