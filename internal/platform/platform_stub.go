//go:build !windows && !darwin

package platform

import (
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// Stub implementation for platforms without native input access

type stub struct{}

// New returns the native platform for this OS.
func New() Platform {
	return stub{}
}

func (stub) SamplePosition() (protocol.Point, error) {
	return protocol.Point{}, ErrUnsupported
}

func (stub) PlaceCursor(x, y int) error {
	return ErrUnsupported
}

func (stub) ScreenBounds() (protocol.ScreenBounds, error) {
	return protocol.ScreenBounds{}, ErrUnsupported
}

func (stub) InjectMouseButton(button string, pressed bool) error {
	return ErrUnsupported
}

func (stub) InjectKey(key string, pressed bool, modifiers []string) error {
	return ErrUnsupported
}
