package models

import (
	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box with a top-left origin.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

func (r Rect) Area() float32 {
	return r.Width * r.Height
}

// Intersection returns the overlapping region, or a zero-sized rect at the
// nearest corner when the two do not overlap.
func (r Rect) Intersection(b Rect) Rect {
	x1 := math32.Max(r.X, b.X)
	y1 := math32.Max(r.Y, b.Y)
	x2 := math32.Min(r.X2(), b.X2())
	y2 := math32.Min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  math32.Max(0, x2-x1),
		Height: math32.Max(0, y2-y1),
	}
}

// Intersection over Union.
// Two degenerate (zero-area) boxes are only overlapping when they are identical.
func (r Rect) IOU(b Rect) float32 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		if r == b {
			return 1
		}
		return 0
	}
	return inter / union
}

// Clamp shrinks the rect so it lies inside [0,width]x[0,height].
// The origin is never pushed past the canvas edge; the size absorbs the cut.
func (r Rect) Clamp(width, height float32) Rect {
	x1 := clamp(r.X, 0, width)
	y1 := clamp(r.Y, 0, height)
	x2 := clamp(r.X2(), 0, width)
	y2 := clamp(r.Y2(), 0, height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  math32.Max(0, x2-x1),
		Height: math32.Max(0, y2-y1),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
