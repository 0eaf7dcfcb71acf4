package edge

import (
	"errors"
	"fmt"
	"time"
)

// Policy decides what happens to the local cursor while control is with a peer.
type Policy string

const (
	// PolicyFree leaves the cursor where it is; motion is tracked from
	// whatever position the OS reports.
	PolicyFree Policy = "free"

	// PolicyClamp holds the cursor just inside the edge it left through.
	PolicyClamp Policy = "clamp"

	// PolicyPark holds the cursor at the screen center.
	PolicyPark Policy = "park"
)

// Config holds the edge tunables.
type Config struct {
	// Threshold is how close to a side, in pixels, a sample must be to count as at the edge.
	Threshold int `json:"threshold"`

	// Debounce is how long the cursor must stay at an edge before control moves.
	Debounce time.Duration `json:"debounce"`

	// Cooldown is the minimum time between two transfers.
	Cooldown time.Duration `json:"cooldown"`

	// GuardWindow is how long samples are ignored after a placement caused by a peer.
	GuardWindow time.Duration `json:"guard_window"`

	// Hysteresis is how far, in pixels, the pointer must be pushed back
	// through the facing side before control returns.
	Hysteresis int `json:"hysteresis"`

	// EntryInset keeps an entering cursor this far inside the bounds.
	EntryInset int `json:"entry_inset"`

	SampleInterval time.Duration `json:"sample_interval"`
	Policy         Policy        `json:"policy"`
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Threshold:      5,
		Debounce:       50 * time.Millisecond,
		Cooldown:       500 * time.Millisecond,
		GuardWindow:    200 * time.Millisecond,
		Hysteresis:     20,
		EntryInset:     20,
		SampleInterval: 8 * time.Millisecond,
		Policy:         PolicyClamp,
	}
}

// Validate rejects tunables the machine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 1 {
		errs = append(errs, fmt.Errorf("threshold must be at least 1, got %d", c.Threshold))
	}
	if c.Debounce < 0 || c.Cooldown < 0 || c.GuardWindow < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval))
	}
	if c.Hysteresis < 0 || c.EntryInset < 0 {
		errs = append(errs, errors.New("hysteresis and entry inset must not be negative"))
	}
	if c.EntryInset < c.Threshold {
		errs = append(errs, fmt.Errorf("entry inset %d must not be below threshold %d", c.EntryInset, c.Threshold))
	}
	switch c.Policy {
	case PolicyFree, PolicyClamp, PolicyPark:
	default:
		errs = append(errs, fmt.Errorf("unknown policy %q", c.Policy))
	}
	if len(errs) > 0 {
		return fmt.Errorf("edge config: %w", errors.Join(errs...))
	}
	return nil
}
