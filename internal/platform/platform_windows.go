//go:build windows

package platform

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// Windows implementation using user32 cursor and legacy injection calls

const (
	smXVirtualScreen  = 76
	smYVirtualScreen  = 77
	smCXVirtualScreen = 78
	smCYVirtualScreen = 79

	mouseLeftDown   = 0x0002
	mouseLeftUp     = 0x0004
	mouseRightDown  = 0x0008
	mouseRightUp    = 0x0010
	mouseMiddleDown = 0x0020
	mouseMiddleUp   = 0x0040

	keyEventKeyUp = 0x0002
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	procGetCursorPos = user32.NewProc("GetCursorPos")
	procSetCursorPos = user32.NewProc("SetCursorPos")
	procGetMetrics   = user32.NewProc("GetSystemMetrics")
	procMouseEvent   = user32.NewProc("mouse_event")
	procKeybdEvent   = user32.NewProc("keybd_event")
)

type point struct {
	X, Y int32
}

var virtualKeys = map[string]uint8{
	"backspace": 0x08, "tab": 0x09, "enter": 0x0D, "return": 0x0D,
	"shift": 0x10, "control": 0x11, "ctrl": 0x11, "alt": 0x12, "option": 0x12,
	"pause": 0x13, "capslock": 0x14, "escape": 0x1B, "esc": 0x1B, "space": 0x20,
	"pageup": 0x21, "pagedown": 0x22, "end": 0x23, "home": 0x24,
	"left": 0x25, "up": 0x26, "right": 0x27, "down": 0x28,
	"insert": 0x2D, "delete": 0x2E, "command": 0x5B, "cmd": 0x5B, "meta": 0x5B, "win": 0x5B,
	"f1": 0x70, "f2": 0x71, "f3": 0x72, "f4": 0x73, "f5": 0x74, "f6": 0x75,
	"f7": 0x76, "f8": 0x77, "f9": 0x78, "f10": 0x79, "f11": 0x7A, "f12": 0x7B,
}

type native struct{}

// New returns the native platform for this OS.
func New() Platform {
	return native{}
}

func (native) SamplePosition() (protocol.Point, error) {
	var pt point
	r, _, err := procGetCursorPos.Call(uintptr(unsafe.Pointer(&pt)))
	if r == 0 {
		return protocol.Point{}, fmt.Errorf("GetCursorPos: %w", err)
	}
	return protocol.Point{X: int(pt.X), Y: int(pt.Y)}, nil
}

func (native) PlaceCursor(x, y int) error {
	r, _, err := procSetCursorPos.Call(uintptr(x), uintptr(y))
	if r == 0 {
		return fmt.Errorf("SetCursorPos: %w", err)
	}
	return nil
}

func (native) ScreenBounds() (protocol.ScreenBounds, error) {
	left := metric(smXVirtualScreen)
	top := metric(smYVirtualScreen)
	w := metric(smCXVirtualScreen)
	h := metric(smCYVirtualScreen)
	b := protocol.NewScreenBounds(left, top, w, h)
	if err := b.Validate(); err != nil {
		return protocol.ScreenBounds{}, err
	}
	return b, nil
}

func metric(index int) int {
	r, _, _ := procGetMetrics.Call(uintptr(index))
	return int(int32(r))
}

func (native) InjectMouseButton(button string, pressed bool) error {
	var flag uintptr
	switch button {
	case "left", "":
		flag = mouseLeftUp
		if pressed {
			flag = mouseLeftDown
		}
	case "right":
		flag = mouseRightUp
		if pressed {
			flag = mouseRightDown
		}
	case "middle":
		flag = mouseMiddleUp
		if pressed {
			flag = mouseMiddleDown
		}
	default:
		return fmt.Errorf("unknown mouse button %q", button)
	}
	procMouseEvent.Call(flag, 0, 0, 0, 0)
	return nil
}

func (native) InjectKey(key string, pressed bool, modifiers []string) error {
	vk, ok := virtualKey(key)
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}

	var mods []uint8
	for _, m := range modifiers {
		if mvk, ok := virtualKeys[strings.ToLower(m)]; ok {
			mods = append(mods, mvk)
		}
	}

	if pressed {
		for _, m := range mods {
			keybd(m, true)
		}
		keybd(vk, true)
		return nil
	}

	keybd(vk, false)
	for i := len(mods) - 1; i >= 0; i-- {
		keybd(mods[i], false)
	}
	return nil
}

func virtualKey(key string) (uint8, bool) {
	if vk, ok := virtualKeys[strings.ToLower(key)]; ok {
		return vk, true
	}
	if len(key) == 1 {
		c := strings.ToUpper(key)[0]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			return c, true
		}
	}
	return 0, false
}

func keybd(vk uint8, pressed bool) {
	var flags uintptr
	if !pressed {
		flags = keyEventKeyUp
	}
	procKeybdEvent.Call(uintptr(vk), 0, flags, 0)
}
