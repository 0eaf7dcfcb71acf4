//go:build darwin

package platform

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation -framework ApplicationServices

#include <CoreGraphics/CoreGraphics.h>
#include <CoreFoundation/CoreFoundation.h>
#include <ApplicationServices/ApplicationServices.h>

bool hasAccessibilityPermissions() {
    return AXIsProcessTrusted();
}

CGPoint currentMousePosition() {
    CGEventRef event = CGEventCreate(NULL);
    CGPoint cursor = CGEventGetLocation(event);
    CFRelease(event);
    return cursor;
}

int placeCursor(CGFloat x, CGFloat y) {
    CGPoint p = CGPointMake(x, y);
    if (CGWarpMouseCursorPosition(p) != kCGErrorSuccess) {
        return -1;
    }
    // Re-associate so the next physical motion is not swallowed
    CGAssociateMouseAndMouseCursorPosition(true);
    return 0;
}

CGRect mainDisplayBounds() {
    return CGDisplayBounds(CGMainDisplayID());
}

void injectMouseButton(int button, bool pressed) {
    CGMouseButton cgButton;
    CGEventType eventType;

    switch (button) {
        case 1:
            cgButton = kCGMouseButtonLeft;
            eventType = pressed ? kCGEventLeftMouseDown : kCGEventLeftMouseUp;
            break;
        case 2:
            cgButton = kCGMouseButtonRight;
            eventType = pressed ? kCGEventRightMouseDown : kCGEventRightMouseUp;
            break;
        case 3:
            cgButton = kCGMouseButtonCenter;
            eventType = pressed ? kCGEventOtherMouseDown : kCGEventOtherMouseUp;
            break;
        default:
            return;
    }

    CGEventRef event = CGEventCreateMouseEvent(NULL, eventType, currentMousePosition(), cgButton);
    CGEventPost(kCGSessionEventTap, event);
    CFRelease(event);
}

void injectKey(CGKeyCode keyCode, bool pressed, CGEventFlags flags) {
    CGEventRef event = CGEventCreateKeyboardEvent(NULL, keyCode, pressed);
    if (flags != 0) {
        CGEventSetFlags(event, flags);
    }
    CGEventPost(kCGSessionEventTap, event);
    CFRelease(event);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// macOS implementation using CoreGraphics events

var errNoAccessibility = errors.New("accessibility permission not granted")

// macKeys maps key names to CGKeyCode values.
var macKeys = map[string]uint16{
	"a": 0x00, "b": 0x0B, "c": 0x08, "d": 0x02, "e": 0x0E, "f": 0x03, "g": 0x05,
	"h": 0x04, "i": 0x22, "j": 0x26, "k": 0x28, "l": 0x25, "m": 0x2E, "n": 0x2D,
	"o": 0x1F, "p": 0x23, "q": 0x0C, "r": 0x0F, "s": 0x01, "t": 0x11, "u": 0x20,
	"v": 0x09, "w": 0x0D, "x": 0x07, "y": 0x10, "z": 0x06,

	"0": 0x1D, "1": 0x12, "2": 0x13, "3": 0x14, "4": 0x15,
	"5": 0x17, "6": 0x16, "7": 0x1A, "8": 0x1C, "9": 0x19,

	"f1": 0x7A, "f2": 0x78, "f3": 0x63, "f4": 0x76, "f5": 0x60, "f6": 0x61,
	"f7": 0x62, "f8": 0x64, "f9": 0x65, "f10": 0x6D, "f11": 0x67, "f12": 0x6F,

	"backspace": 0x33, "tab": 0x30, "enter": 0x24, "return": 0x24,
	"capslock": 0x39, "escape": 0x35, "esc": 0x35, "space": 0x31,
	"left": 0x7B, "up": 0x7E, "right": 0x7C, "down": 0x7D,
	"pageup": 0x74, "pagedown": 0x79, "end": 0x77, "home": 0x73,
	"insert": 0x72, "delete": 0x75,

	"shift": 0x38, "control": 0x3B, "ctrl": 0x3B, "alt": 0x3A, "option": 0x3A,
	"command": 0x37, "cmd": 0x37, "meta": 0x37, "win": 0x37,

	";": 0x29, "=": 0x18, ",": 0x2B, "-": 0x1B, ".": 0x2F, "/": 0x2C,
	"`": 0x32, "[": 0x21, "\\": 0x2A, "]": 0x1E, "'": 0x27,
}

var macModifierFlags = map[string]C.CGEventFlags{
	"shift":   C.kCGEventFlagMaskShift,
	"control": C.kCGEventFlagMaskControl,
	"ctrl":    C.kCGEventFlagMaskControl,
	"alt":     C.kCGEventFlagMaskAlternate,
	"option":  C.kCGEventFlagMaskAlternate,
	"command": C.kCGEventFlagMaskCommand,
	"cmd":     C.kCGEventFlagMaskCommand,
	"meta":    C.kCGEventFlagMaskCommand,
	"win":     C.kCGEventFlagMaskCommand,
}

type native struct{}

// New returns the native platform for this OS.
func New() Platform {
	if !bool(C.hasAccessibilityPermissions()) {
		logrus.WithFields(logrus.Fields{
			"function": "New",
		}).Warn("Accessibility permission missing; injected input will be ignored by macOS")
	}
	return native{}
}

func (native) SamplePosition() (protocol.Point, error) {
	p := C.currentMousePosition()
	return protocol.Point{X: int(p.x), Y: int(p.y)}, nil
}

func (native) PlaceCursor(x, y int) error {
	if C.placeCursor(C.CGFloat(x), C.CGFloat(y)) != 0 {
		return fmt.Errorf("CGWarpMouseCursorPosition failed")
	}
	return nil
}

func (native) ScreenBounds() (protocol.ScreenBounds, error) {
	r := C.mainDisplayBounds()
	b := protocol.NewScreenBounds(int(r.origin.x), int(r.origin.y), int(r.size.width), int(r.size.height))
	if err := b.Validate(); err != nil {
		return protocol.ScreenBounds{}, err
	}
	return b, nil
}

func (native) InjectMouseButton(button string, pressed bool) error {
	if !bool(C.hasAccessibilityPermissions()) {
		return errNoAccessibility
	}
	var n int
	switch button {
	case "left", "":
		n = 1
	case "right":
		n = 2
	case "middle":
		n = 3
	default:
		return fmt.Errorf("unknown mouse button %q", button)
	}
	C.injectMouseButton(C.int(n), C.bool(pressed))
	return nil
}

func (native) InjectKey(key string, pressed bool, modifiers []string) error {
	if !bool(C.hasAccessibilityPermissions()) {
		return errNoAccessibility
	}
	code, ok := macKeys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	var flags C.CGEventFlags
	for _, m := range modifiers {
		flags |= macModifierFlags[strings.ToLower(m)]
	}
	C.injectKey(C.CGKeyCode(code), C.bool(pressed), flags)
	return nil
}
