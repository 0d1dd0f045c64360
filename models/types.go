package models

import (
	"fmt"
	"time"
)

// Frame is one RGBA snapshot taken from a frame source.
// Pix is non-premultiplied, 4 bytes per pixel, rows packed without padding.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) < f.Width*f.Height*4 {
		return fmt.Errorf("frame buffer too small: got %d bytes, want %d", len(f.Pix), f.Width*f.Height*4)
	}
	return nil
}

// Tensor is a flat float32 buffer plus its dimension sizes, outermost first.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	t := &Tensor{Shape: append([]int(nil), shape...)}
	t.Data = make([]float32, t.Elements())
	return t
}

// Elements is the product of the shape's dimensions.
func (t *Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the buffer length agrees with the shape.
func (t *Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if len(t.Data) != t.Elements() {
		return fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}
	return nil
}

// Candidate is a single proposed detection, in source-frame pixels.
type Candidate struct {
	Rect
	ClassID    int     `json:"classId"`
	Confidence float32 `json:"confidence"`
}

type CycleTimings struct {
	CycleID   int64
	Acquire   time.Duration
	Resize    time.Duration
	Tensor    time.Duration
	Inference time.Duration
	Decode    time.Duration
	Suppress  time.Duration
	Render    time.Duration
	Total     time.Duration
}

// Report is what a result sink receives once per completed cycle.
type Report struct {
	CycleID     int64        `json:"cycleId"`
	At          time.Time    `json:"at"`
	FrameWidth  int          `json:"frameWidth"`
	FrameHeight int          `json:"frameHeight"`
	Present     bool         `json:"present"`
	Detections  []Candidate  `json:"detections"`
	Timings     CycleTimings `json:"-"` // Up to the hand-off to the sink. Render and Total don't include the sink itself
}
