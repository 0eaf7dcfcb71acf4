// Package osutils holds operating system integration that is not input.
package osutils

import "fmt"

// RuleName is the display name of the inbound firewall rule.
const RuleName = "InputLeap Peer"

func firewallScript(port int) string {
	return fmt.Sprintf(
		"Remove-NetFirewallRule -DisplayName '%s' -ErrorAction SilentlyContinue; New-NetFirewallRule -DisplayName '%s' -Direction Inbound -LocalPort %d -Protocol TCP -Action Allow -Profile Private,Domain",
		RuleName, RuleName, port,
	)
}
