//go:build !windows

package autostart

import "errors"

var errNotWindows = errors.New("autostart: registry is only available on windows")

func enableWindows(command string) error { return errNotWindows }

func disableWindows() error { return errNotWindows }

func isEnabledWindows() bool { return false }
