//go:build windows

package hotkey

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookEx    = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procGetMessage          = user32.NewProc("GetMessageW")
	procTranslateMessage    = user32.NewProc("TranslateMessage")
	procDispatchMessage     = user32.NewProc("DispatchMessageW")
	kernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procGetModuleHandle     = kernel32.NewProc("GetModuleHandleW")
)

const (
	whKeyboardLL = 13
	whMouseLL    = 14

	wmKeyDown    = 0x0100
	wmSysKeyDown = 0x0104

	wmLButtonDown = 0x0201
	wmLButtonUp   = 0x0202
	wmRButtonDown = 0x0204
	wmRButtonUp   = 0x0205
	wmMButtonDown = 0x0207
	wmMButtonUp   = 0x0208
	wmXButtonDown = 0x020B
	wmXButtonUp   = 0x020C
)

type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type msllHookStruct struct {
	Point       struct{ X, Y int32 }
	MouseData   uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

var (
	instanceManager *Manager
	keyboardHook    uintptr
	mouseHook       uintptr
)

func (m *Manager) startPlatform() error {
	instanceManager = m
	started := make(chan error, 1)

	// Hooks must be registered in the same thread that runs the message loop
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		hMod, _, _ := procGetModuleHandle.Call(0)

		var err error
		keyboardHook, _, err = procSetWindowsHookEx.Call(whKeyboardLL, syscall.NewCallback(keyboardHookProc), hMod, 0)
		if keyboardHook == 0 {
			started <- fmt.Errorf("hotkey: keyboard hook: %w", err)
			return
		}
		mouseHook, _, err = procSetWindowsHookEx.Call(whMouseLL, syscall.NewCallback(mouseHookProc), hMod, 0)
		if mouseHook == 0 {
			procUnhookWindowsHookEx.Call(keyboardHook)
			started <- fmt.Errorf("hotkey: mouse hook: %w", err)
			return
		}
		started <- nil

		logrus.WithFields(logrus.Fields{
			"function": "startPlatform",
		}).Info("Global hotkey hooks installed")

		var msg struct {
			Hwnd    syscall.Handle
			Message uint32
			Wparam  uintptr
			Lparam  uintptr
			Time    uint32
			Pt      struct{ X, Y int32 }
		}

		for {
			ret, _, _ := procGetMessage.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
			if int32(ret) <= 0 {
				break
			}
			procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
			procDispatchMessage.Call(uintptr(unsafe.Pointer(&msg)))
		}

		procUnhookWindowsHookEx.Call(keyboardHook)
		procUnhookWindowsHookEx.Call(mouseHook)
	}()

	return <-started
}

func keyboardHookProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode == 0 {
		kbd := (*kbdllHookStruct)(unsafe.Pointer(lParam))
		if name := vkCodeToName(kbd.VkCode); name != "" {
			isDown := wParam == wmKeyDown || wParam == wmSysKeyDown
			if instanceManager.UpdateState(name, isDown) {
				return 1
			}
		}
	}
	ret, _, _ := procCallNextHookEx.Call(keyboardHook, uintptr(nCode), wParam, lParam)
	return ret
}

func mouseHookProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode == 0 {
		ms := (*msllHookStruct)(unsafe.Pointer(lParam))
		var name string
		var isDown bool

		switch wParam {
		case wmLButtonDown, wmLButtonUp:
			name, isDown = "MOUSE1", wParam == wmLButtonDown
		case wmRButtonDown, wmRButtonUp:
			name, isDown = "MOUSE3", wParam == wmRButtonDown
		case wmMButtonDown, wmMButtonUp:
			name, isDown = "MOUSE2", wParam == wmMButtonDown
		case wmXButtonDown, wmXButtonUp:
			name = "MOUSE5"
			if ms.MouseData>>16 == 1 {
				name = "MOUSE4"
			}
			isDown = wParam == wmXButtonDown
		}

		if name != "" && instanceManager.UpdateState(name, isDown) {
			return 1
		}
	}
	ret, _, _ := procCallNextHookEx.Call(mouseHook, uintptr(nCode), wParam, lParam)
	return ret
}

var keyNames = map[uint32]string{
	0x11: "CTRL", 0xA2: "CTRL", 0xA3: "CTRL",
	0x12: "ALT", 0xA4: "ALT", 0xA5: "ALT",
	0x10: "SHIFT", 0xA0: "SHIFT", 0xA1: "SHIFT",
	0x5B: "CMD", 0x5C: "CMD",
	0x20: "SPACE", 0x0D: "ENTER", 0x1B: "ESC", 0x08: "BACKSPACE", 0x09: "TAB",
	0x14: "CAPSLOCK", 0x21: "PAGEUP", 0x22: "PAGEDOWN", 0x23: "END", 0x24: "HOME",
	0x25: "LEFT", 0x26: "UP", 0x27: "RIGHT", 0x28: "DOWN",
	0x2C: "PRINTSCREEN", 0x2D: "INSERT", 0x2E: "DELETE", 0x13: "PAUSE", 0x91: "SCROLLLOCK",
}

func vkCodeToName(vk uint32) string {
	if name, ok := keyNames[vk]; ok {
		return name
	}

	switch {
	case vk >= 0x41 && vk <= 0x5A, vk >= 0x30 && vk <= 0x39:
		return string(rune(vk))
	case vk >= 0x70 && vk <= 0x7B:
		return fmt.Sprintf("F%d", vk-0x6F)
	}
	return ""
}
