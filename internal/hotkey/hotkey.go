// Package hotkey watches global key and mouse button state and fires
// callbacks when a registered combination is held.
package hotkey

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/platform"
)

var aliases = map[string]string{
	"CONTROL": "CTRL",
	"OPTION":  "ALT",
	"WIN":     "CMD",
	"META":    "CMD",
	"SUPER":   "CMD",
	"COMMAND": "CMD",
	"RETURN":  "ENTER",
	"ESCAPE":  "ESC",
	"DEL":     "DELETE",
	"INS":     "INSERT",
	"PGUP":    "PAGEUP",
	"PGDN":    "PAGEDOWN",
}

var modifierOrder = map[string]int{"CTRL": 0, "ALT": 1, "SHIFT": 2, "CMD": 3}

// Combo is a normalized key combination: modifiers first, in a fixed order.
type Combo []string

// Parse reads combinations such as "Ctrl+Alt+Home" or "Mouse4+Mouse5".
// Names are case-insensitive and common aliases are accepted.
func Parse(s string) (Combo, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("hotkey: empty combination")
	}
	seen := make(map[string]bool)
	var c Combo
	for _, raw := range strings.Split(s, "+") {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if a, ok := aliases[name]; ok {
			name = a
		}
		if !knownKey(name) {
			return nil, fmt.Errorf("hotkey: unknown key %q in %q", raw, s)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		c = append(c, name)
	}
	sort.SliceStable(c, func(i, j int) bool {
		return rank(c[i]) < rank(c[j])
	})
	return c, nil
}

func rank(name string) int {
	if r, ok := modifierOrder[name]; ok {
		return r
	}
	return len(modifierOrder)
}

func knownKey(name string) bool {
	switch {
	case name == "":
		return false
	case len(name) == 1:
		c := name[0]
		return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	case strings.HasPrefix(name, "MOUSE"):
		n := strings.TrimPrefix(name, "MOUSE")
		return len(n) == 1 && n[0] >= '1' && n[0] <= '5'
	case name[0] == 'F':
		var n int
		_, err := fmt.Sscanf(name, "F%d", &n)
		return err == nil && n >= 1 && n <= 12 && name == fmt.Sprintf("F%d", n)
	}
	_, ok := namedKeys[name]
	return ok
}

var namedKeys = map[string]struct{}{
	"CTRL": {}, "ALT": {}, "SHIFT": {}, "CMD": {},
	"SPACE": {}, "ENTER": {}, "ESC": {}, "BACKSPACE": {}, "TAB": {}, "CAPSLOCK": {},
	"PAGEUP": {}, "PAGEDOWN": {}, "END": {}, "HOME": {},
	"LEFT": {}, "UP": {}, "RIGHT": {}, "DOWN": {},
	"PRINTSCREEN": {}, "INSERT": {}, "DELETE": {}, "PAUSE": {}, "SCROLLLOCK": {},
}

func (c Combo) String() string {
	return strings.Join(c, "+")
}

// Manager tracks pressed keys and fires registered combinations
type Manager struct {
	mu        sync.Mutex
	nextID    int
	hotkeys   map[int]*binding
	pressed   map[string]bool
	listeners map[int]platform.CaptureFunc
}

type binding struct {
	combo    Combo
	callback func()
	fired    bool
}

// NewManager creates a new hotkey manager
func NewManager() *Manager {
	return &Manager{
		hotkeys:   make(map[int]*binding),
		pressed:   make(map[string]bool),
		listeners: make(map[int]platform.CaptureFunc),
	}
}

// Register binds callback to a combination and returns an id for Unregister.
func (m *Manager) Register(combo string, callback func()) (int, error) {
	c, err := Parse(combo)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.hotkeys[m.nextID] = &binding{combo: c, callback: callback}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"hotkey":   c.String(),
		"id":       m.nextID,
	}).Debug("Hotkey registered")
	return m.nextID, nil
}

// Unregister removes one binding. Unknown ids are ignored.
func (m *Manager) Unregister(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hotkeys, id)
}

// Clear removes all registered hotkeys
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotkeys = make(map[int]*binding)
}

// UpdateState records a key or button transition. A combination fires once
// when its last part goes down and again only after it has been released.
// It reports whether a capture listener asked to keep the event from the
// local desktop.
func (m *Manager) UpdateState(key string, isDown bool) bool {
	key = strings.ToUpper(key)
	if a, ok := aliases[key]; ok {
		key = a
	}

	m.mu.Lock()
	if isDown {
		m.pressed[key] = true
	} else {
		delete(m.pressed, key)
	}

	listeners := make([]platform.CaptureFunc, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}

	var fire []*binding
	for _, b := range m.hotkeys {
		held := true
		for _, part := range b.combo {
			if !m.pressed[part] {
				held = false
				break
			}
		}
		switch {
		case held && !b.fired:
			b.fired = true
			fire = append(fire, b)
		case !held:
			b.fired = false
		}
	}
	m.mu.Unlock()

	for _, b := range fire {
		logrus.WithFields(logrus.Fields{
			"function": "UpdateState",
			"hotkey":   b.combo.String(),
		}).Info("Hotkey triggered")
		go b.callback()
	}

	in, ok := captured(key, isDown)
	if !ok {
		return false
	}
	swallow := false
	for _, l := range listeners {
		if l(in) {
			swallow = true
		}
	}
	return swallow
}

// Capture delivers every button and key transition seen by the hooks to fn
// until stop is called. Extra mouse buttons are not reported.
func (m *Manager) Capture(fn platform.CaptureFunc) (stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

var buttonNames = map[string]string{
	"MOUSE1": "left",
	"MOUSE2": "middle",
	"MOUSE3": "right",
}

// captured translates a hook name to the names injectors understand.
func captured(name string, isDown bool) (platform.CapturedInput, bool) {
	if b, ok := buttonNames[name]; ok {
		return platform.CapturedInput{Button: b, Pressed: isDown}, true
	}
	if strings.HasPrefix(name, "MOUSE") {
		return platform.CapturedInput{}, false
	}
	return platform.CapturedInput{Key: strings.ToLower(name), Pressed: isDown}, true
}

// Start installs the platform hooks that feed UpdateState.
func (m *Manager) Start() error {
	return m.startPlatform()
}
