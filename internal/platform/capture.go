package platform

// CapturedInput is one local mouse button or key transition. Exactly one of
// Button and Key is set.
type CapturedInput struct {
	Button  string // "left", "right" or "middle"
	Key     string
	Pressed bool
}

// CaptureFunc receives captured input. It runs on the capturing thread and
// must not block. Returning true keeps the event from the local desktop.
type CaptureFunc func(in CapturedInput) bool

// Capturer reports local mouse button and key transitions.
type Capturer interface {
	// Capture starts delivering transitions to fn and returns a function
	// that stops delivery.
	Capture(fn CaptureFunc) (stop func())
}
