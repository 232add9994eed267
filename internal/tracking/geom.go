package tracking

import (
	"fmt"
	"image"
	"math"
)

// BoundingBox is an axis-aligned region in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Box builds a BoundingBox from top-left corner and size.
func Box(x, y, w, h int) BoundingBox {
	return BoundingBox{X: x, Y: y, Width: w, Height: h}
}

// FromRect converts an image.Rectangle to a BoundingBox.
func FromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect returns the box as an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Valid reports whether the box has a positive area.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

func (b BoundingBox) Area() int {
	if !b.Valid() {
		return 0
	}
	return b.Width * b.Height
}

// Center returns the box centre.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

// Distance between the centres of two boxes.
func (b BoundingBox) Distance(o BoundingBox) float64 {
	ax, ay := b.Center()
	bx, by := o.Center()
	return math.Hypot(ax-bx, ay-by)
}

// Clamp clips the box to a frame of the given size. The result may be
// degenerate (not Valid) if the box lies entirely outside the frame.
func (b BoundingBox) Clamp(frameW, frameH int) BoundingBox {
	x1 := clampInt(b.X, 0, frameW)
	y1 := clampInt(b.Y, 0, frameH)
	x2 := clampInt(b.X+b.Width, 0, frameW)
	y2 := clampInt(b.Y+b.Height, 0, frameH)
	return BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// IoU returns the intersection-over-union of two boxes.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	inter := b.Rect().Intersect(o.Rect())
	if inter.Empty() {
		return 0
	}
	i := float64(inter.Dx() * inter.Dy())
	union := float64(b.Area()+o.Area()) - i
	if union <= 0 {
		return 0
	}
	return i / union
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", b.X, b.Y, b.Width, b.Height)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
