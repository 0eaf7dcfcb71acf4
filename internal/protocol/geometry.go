package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidBounds is returned for a ScreenBounds whose sides disagree with
// its size or whose size is not positive.
var ErrInvalidBounds = errors.New("invalid screen bounds")

// Edge names one side of a machine's combined screen area.
type Edge string

const (
	EdgeNone   Edge = ""
	EdgeLeft   Edge = "left"
	EdgeRight  Edge = "right"
	EdgeTop    Edge = "top"
	EdgeBottom Edge = "bottom"
)

// Opposite returns the edge a cursor enters through when it leaves via e.
func (e Edge) Opposite() Edge {
	switch e {
	case EdgeLeft:
		return EdgeRight
	case EdgeRight:
		return EdgeLeft
	case EdgeTop:
		return EdgeBottom
	case EdgeBottom:
		return EdgeTop
	}
	return EdgeNone
}

// Horizontal reports whether crossing e moves the cursor along the X axis.
func (e Edge) Horizontal() bool {
	return e == EdgeLeft || e == EdgeRight
}

func (e Edge) String() string {
	if e == EdgeNone {
		return "none"
	}
	return string(e)
}

// Point is a pixel position in the owning machine's screen space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ScreenBounds is the pixel rectangle of one machine's combined display area.
// Right and Bottom are exclusive.
type ScreenBounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NewScreenBounds builds bounds from an origin and a size.
func NewScreenBounds(left, top, width, height int) ScreenBounds {
	return ScreenBounds{
		Left:   left,
		Top:    top,
		Right:  left + width,
		Bottom: top + height,
		Width:  width,
		Height: height,
	}
}

// Validate checks the bounds invariants.
func (b ScreenBounds) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidBounds, b.Width, b.Height)
	}
	if b.Right-b.Left != b.Width || b.Bottom-b.Top != b.Height {
		return fmt.Errorf("%w: [%d,%d]-[%d,%d] does not match %dx%d",
			ErrInvalidBounds, b.Left, b.Top, b.Right, b.Bottom, b.Width, b.Height)
	}
	return nil
}

// Center returns the middle of the area.
func (b ScreenBounds) Center() Point {
	return Point{X: b.Left + b.Width/2, Y: b.Top + b.Height/2}
}

// Contains reports whether p lies inside the area.
func (b ScreenBounds) Contains(p Point) bool {
	return p.X >= b.Left && p.X < b.Right && p.Y >= b.Top && p.Y < b.Bottom
}

// Clamp moves p inside the area, keeping it at least inset pixels away from
// every side. An inset larger than half the area collapses to the center line.
func (b ScreenBounds) Clamp(p Point, inset int) Point {
	return Point{
		X: clampAxis(p.X, b.Left, b.Right, inset),
		Y: clampAxis(p.Y, b.Top, b.Bottom, inset),
	}
}

func clampAxis(v, lo, hi, inset int) int {
	min, max := lo+inset, hi-inset
	if inset == 0 {
		max = hi - 1
	}
	if min > max {
		return lo + (hi-lo)/2
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (b ScreenBounds) String() string {
	return fmt.Sprintf("{%d,%d %dx%d}", b.Left, b.Top, b.Width, b.Height)
}
