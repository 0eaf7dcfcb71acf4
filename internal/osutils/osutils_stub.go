//go:build !windows

package osutils

import (
	"github.com/sirupsen/logrus"
)

// IsAdmin is a stub for non-Windows platforms
func IsAdmin() bool {
	return false
}

// EnsureFirewallRule is a stub for non-Windows platforms
func EnsureFirewallRule(port int) error {
	logrus.WithFields(logrus.Fields{
		"function": "EnsureFirewallRule",
		"port":     port,
	}).Debug("Firewall rule management is only supported on Windows")
	return nil
}
