//go:build !windows

package hotkey

import "github.com/sirupsen/logrus"

func (m *Manager) startPlatform() error {
	logrus.WithFields(logrus.Fields{
		"function": "startPlatform",
	}).Warn("Global hotkeys are not supported on this platform")
	return nil
}
