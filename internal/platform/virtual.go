package platform

import (
	"sync"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// InjectedEvent records one call made to a Virtual injector.
type InjectedEvent struct {
	Kind      string // "button" or "key"
	Name      string
	Pressed   bool
	Modifiers []string
}

// Virtual is an in-memory Platform. It backs tests and headless peers.
type Virtual struct {
	mu         sync.Mutex
	bounds     protocol.ScreenBounds
	pos        protocol.Point
	placeErr   error
	placements []protocol.Point
	injected   []InjectedEvent
	capture    CaptureFunc
	swallowed  int
}

// NewVirtual creates a Virtual screen with the cursor at its center.
func NewVirtual(bounds protocol.ScreenBounds) *Virtual {
	return &Virtual{bounds: bounds, pos: bounds.Center()}
}

// SamplePosition returns the current cursor position.
func (v *Virtual) SamplePosition() (protocol.Point, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos, nil
}

// PlaceCursor moves the cursor unless a failure has been set with FailPlacement.
func (v *Virtual) PlaceCursor(x, y int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return v.placeErr
	}
	v.pos = protocol.Point{X: x, Y: y}
	v.placements = append(v.placements, v.pos)
	return nil
}

// ScreenBounds returns the configured bounds.
func (v *Virtual) ScreenBounds() (protocol.ScreenBounds, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bounds, nil
}

// InjectMouseButton records a button event.
func (v *Virtual) InjectMouseButton(button string, pressed bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injected = append(v.injected, InjectedEvent{Kind: "button", Name: button, Pressed: pressed})
	return nil
}

// InjectKey records a key event.
func (v *Virtual) InjectKey(key string, pressed bool, modifiers []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injected = append(v.injected, InjectedEvent{
		Kind:      "key",
		Name:      key,
		Pressed:   pressed,
		Modifiers: append([]string(nil), modifiers...),
	})
	return nil
}

// Move simulates the user moving the physical mouse.
func (v *Virtual) Move(x, y int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pos = protocol.Point{X: x, Y: y}
}

// FailPlacement makes every following PlaceCursor call return err. A nil
// err restores normal behavior.
func (v *Virtual) FailPlacement(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErr = err
}

// Placements returns every successful programmatic placement.
func (v *Virtual) Placements() []protocol.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.Point(nil), v.placements...)
}

// Injected returns every injected button and key event.
func (v *Virtual) Injected() []InjectedEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]InjectedEvent(nil), v.injected...)
}

// Capture routes PressButton and PressKey to fn until stop is called.
func (v *Virtual) Capture(fn CaptureFunc) (stop func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.capture = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.capture = nil
	}
}

// PressButton simulates the user pressing or releasing a mouse button.
func (v *Virtual) PressButton(button string, pressed bool) {
	v.deliver(CapturedInput{Button: button, Pressed: pressed})
}

// PressKey simulates the user pressing or releasing a key.
func (v *Virtual) PressKey(key string, pressed bool) {
	v.deliver(CapturedInput{Key: key, Pressed: pressed})
}

func (v *Virtual) deliver(in CapturedInput) {
	v.mu.Lock()
	fn := v.capture
	v.mu.Unlock()
	if fn == nil || !fn(in) {
		return
	}
	v.mu.Lock()
	v.swallowed++
	v.mu.Unlock()
}

// Swallowed returns how many simulated presses the capture kept from the
// local desktop.
func (v *Virtual) Swallowed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.swallowed
}
