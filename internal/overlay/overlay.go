// Package overlay burns detection boxes and labels into frames.
package overlay

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/edgeanalytics/internal/detection"
)

const (
	// Thickness is the stroke width of boxes and labels.
	Thickness = 2
	// FontScale is the Hershey simplex label scale.
	FontScale = 0.5

	labelOffset = 10
	labelHeight = 12
)

var ErrEmptyFrame = errors.New("frame is empty")

// Renderer draws detection sets using a run's ColorAssignment.
type Renderer struct {
	colors *ColorAssignment
}

// NewRenderer returns a Renderer bound to colors.
func NewRenderer(colors *ColorAssignment) *Renderer {
	return &Renderer{colors: colors}
}

// Colors returns the assignment the renderer draws with.
func (r *Renderer) Colors() *ColorAssignment {
	return r.colors
}

// Label is the text drawn above a detection box.
func Label(d detection.Detection) string {
	return fmt.Sprintf("Class: %s, Conf: %.2f", d.ClassName, d.Confidence)
}

// Render draws set onto frame. Drawing happens on a copy that replaces the
// frame contents only once every detection has been drawn. Boxes are clamped
// to the frame; boxes with nothing left on screen are skipped.
func (r *Renderer) Render(frame *gocv.Mat, set detection.Set) error {
	if len(set) == 0 {
		return nil
	}
	if frame == nil || frame.Empty() {
		return ErrEmptyFrame
	}

	work := frame.Clone()
	defer work.Close()

	width, height := work.Cols(), work.Rows()
	for _, d := range set {
		c := r.colors.ColorFor(d.ClassID)
		box, ok := d.Box.Clamp(width, height)
		if !ok {
			continue
		}

		gocv.Rectangle(&work, box, c, Thickness)
		gocv.PutText(&work, Label(d), labelOrigin(box), gocv.FontHersheySimplex, FontScale, c, Thickness)
	}

	work.CopyTo(frame)
	return nil
}

// labelOrigin anchors the label baseline above the box, or just inside its
// top edge when there is no room above.
func labelOrigin(box image.Rectangle) image.Point {
	y := box.Min.Y - labelOffset
	if y < labelHeight {
		y = box.Min.Y + labelHeight
	}
	return image.Pt(box.Min.X, y)
}
