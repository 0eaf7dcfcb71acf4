//go:build windows

package osutils

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// IsAdmin checks if the current process has administrative privileges
func IsAdmin() bool {
	var token windows.Token
	h, _ := windows.GetCurrentProcess()
	err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token)
	if err != nil {
		return false
	}
	defer token.Close()

	var sid *windows.SID
	err = windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	member, err := token.IsMember(sid)
	if err != nil {
		return false
	}

	return member
}

// EnsureFirewallRule makes sure peers can reach the transport port. When
// the rule is missing or stale it is recreated through PowerShell, asking
// for elevation if needed.
func EnsureFirewallRule(port int) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "EnsureFirewallRule",
		"rule":     RuleName,
		"port":     port,
	})

	out, err := exec.Command("netsh", "advfirewall", "firewall", "show", "rule", "name="+RuleName).CombinedOutput()
	text := string(out)
	if err == nil && strings.Contains(text, RuleName) &&
		strings.Contains(text, strconv.Itoa(port)) && strings.Contains(text, "Allow") {
		log.Debug("Firewall rule already present")
		return nil
	}

	script := firewallScript(port)

	if IsAdmin() {
		cmd := exec.Command("powershell", "-NoProfile", "-Command", script)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to create firewall rule: %w (output: %s)", err, string(output))
		}
		log.Info("Firewall rule created")
		return nil
	}

	verbPtr, _ := syscall.UTF16PtrFromString("runas")
	exePtr, _ := syscall.UTF16PtrFromString("powershell.exe")
	argPtr, _ := syscall.UTF16PtrFromString(fmt.Sprintf("-NoProfile -WindowStyle Hidden -Command \"%s\"", script))

	if err := windows.ShellExecute(0, verbPtr, exePtr, argPtr, nil, windows.SW_HIDE); err != nil {
		return fmt.Errorf("failed to launch elevated powershell: %w", err)
	}
	log.Info("Requested elevation to create firewall rule")
	return nil
}
