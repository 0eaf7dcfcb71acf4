// Package autostart registers the service to start on login.
package autostart

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

const appID = "com.inputleapcode.agent"

const macLaunchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.ID}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`

const xdgDesktopEntry = `[Desktop Entry]
Type=Application
Name=InputLeap
Exec={{.Command}}
X-GNOME-Autostart-enabled=true
NoDisplay=true
`

type entry struct {
	ID             string
	ExecutablePath string
	Args           []string
	Command        string
}

func newEntry(args []string) (entry, error) {
	execPath, err := os.Executable()
	if err != nil {
		return entry{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	quoted := []string{quote(execPath)}
	for _, a := range args {
		quoted = append(quoted, quote(a))
	}
	return entry{ID: appID, ExecutablePath: execPath, Args: args, Command: strings.Join(quoted, " ")}, nil
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

// Enable starts the current executable with args on login
func Enable(args ...string) error {
	e, err := newEntry(args)
	if err != nil {
		return err
	}
	switch runtime.GOOS {
	case "darwin":
		return writeTemplate(macPlistPath, macLaunchAgentPlist, e)
	case "windows":
		return enableWindows(e.Command)
	default:
		return writeTemplate(xdgEntryPath, xdgDesktopEntry, e)
	}
}

// Disable disables auto-start on login
func Disable() error {
	switch runtime.GOOS {
	case "darwin":
		return removeFile(macPlistPath)
	case "windows":
		return disableWindows()
	default:
		return removeFile(xdgEntryPath)
	}
}

// IsEnabled checks if auto-start is enabled
func IsEnabled() bool {
	switch runtime.GOOS {
	case "darwin":
		return fileExists(macPlistPath)
	case "windows":
		return isEnabledWindows()
	default:
		return fileExists(xdgEntryPath)
	}
}

func macPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", appID+".plist"), nil
}

func xdgEntryPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "autostart", "inputleapcode.desktop"), nil
}

func writeTemplate(pathFn func() (string, error), text string, e entry) error {
	path, err := pathFn()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpl, err := template.New(filepath.Base(path)).Parse(text)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tmpl.Execute(f, e); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func removeFile(pathFn func() (string, error)) error {
	path, err := pathFn()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileExists(pathFn func() (string, error)) bool {
	path, err := pathFn()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
