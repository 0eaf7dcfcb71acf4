package edge

import (
	"math"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// DetectEdge returns the side of b that p lies within threshold pixels of.
// Left and right win over top and bottom at corners. Points outside b count
// as at the nearest side.
func DetectEdge(p protocol.Point, b protocol.ScreenBounds, threshold int) protocol.Edge {
	switch {
	case p.X-b.Left < threshold:
		return protocol.EdgeLeft
	case b.Right-1-p.X < threshold:
		return protocol.EdgeRight
	case p.Y-b.Top < threshold:
		return protocol.EdgeTop
	case b.Bottom-1-p.Y < threshold:
		return protocol.EdgeBottom
	}
	return protocol.EdgeNone
}

// RemapEntry maps a point that left from through side e to the point where
// it enters to: the opposite side, at the same relative position along the
// edge, kept inset pixels inside to.
func RemapEntry(p protocol.Point, e protocol.Edge, from, to protocol.ScreenBounds, inset int) protocol.Point {
	var out protocol.Point
	switch e {
	case protocol.EdgeLeft, protocol.EdgeRight:
		out.Y = project(p.Y, from.Top, from.Height, to.Top, to.Height)
		if e == protocol.EdgeLeft {
			out.X = to.Right
		} else {
			out.X = to.Left
		}
	case protocol.EdgeTop, protocol.EdgeBottom:
		out.X = project(p.X, from.Left, from.Width, to.Left, to.Width)
		if e == protocol.EdgeTop {
			out.Y = to.Bottom
		} else {
			out.Y = to.Top
		}
	default:
		return to.Clamp(RemapScale(p, from, to), inset)
	}
	return to.Clamp(out, inset)
}

// RemapScale maps p from one screen space to another with a linear scale
// per axis, clamped to to.
func RemapScale(p protocol.Point, from, to protocol.ScreenBounds) protocol.Point {
	return to.Clamp(protocol.Point{
		X: project(p.X, from.Left, from.Width, to.Left, to.Width),
		Y: project(p.Y, from.Top, from.Height, to.Top, to.Height),
	}, 0)
}

func project(v, fromOrigin, fromSize, toOrigin, toSize int) int {
	if fromSize <= 0 {
		return toOrigin + toSize/2
	}
	rel := float64(v-fromOrigin) / float64(fromSize)
	return toOrigin + int(math.Round(rel*float64(toSize)))
}
