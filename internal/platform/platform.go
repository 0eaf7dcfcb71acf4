// Package platform provides cursor sampling, cursor placement and input
// injection for the local machine.
package platform

import (
	"errors"
	"fmt"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// ErrUnsupported is returned by platforms without native input access.
var ErrUnsupported = errors.New("input access not supported on this platform")

// Input samples and places the local cursor
type Input interface {
	SamplePosition() (protocol.Point, error)
	PlaceCursor(x, y int) error
	ScreenBounds() (protocol.ScreenBounds, error)
}

// Injector synthesizes button and key events
type Injector interface {
	InjectMouseButton(button string, pressed bool) error
	InjectKey(key string, pressed bool, modifiers []string) error
}

// Platform is the full capability set supplied by an OS backend.
type Platform interface {
	Input
	Injector
}

// PlacementError reports a failed programmatic cursor placement.
type PlacementError struct {
	X, Y int
	Err  error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("place cursor at (%d,%d): %v", e.X, e.Y, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// Place calls in.PlaceCursor and wraps any failure in a PlacementError.
func Place(in Input, p protocol.Point) error {
	if err := in.PlaceCursor(p.X, p.Y); err != nil {
		return &PlacementError{X: p.X, Y: p.Y, Err: err}
	}
	return nil
}

// WithBounds overrides the screen bounds reported by a platform, for
// machines whose OS reports a different area than the one configured.
func WithBounds(p Platform, b protocol.ScreenBounds) Platform {
	return &boundsOverride{Platform: p, bounds: b}
}

type boundsOverride struct {
	Platform
	bounds protocol.ScreenBounds
}

func (o *boundsOverride) ScreenBounds() (protocol.ScreenBounds, error) {
	return o.bounds, nil
}
