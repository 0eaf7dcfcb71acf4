// Package config provides configuration management for the KVM service.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/edge"
	"github.com/makeagreatcoup/inputleapcode/internal/filetransfer"
	"github.com/makeagreatcoup/inputleapcode/internal/hotkey"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

const appDir = "inputleapcode"

// Config represents the application configuration
type Config struct {
	// General contains general application settings
	General GeneralConfig `json:"general"`

	// Edge contains the edge transition tunables
	Edge EdgeConfig `json:"edge"`

	// Queue contains inbound event dispatch settings
	Queue QueueConfig `json:"queue"`

	// Transfer contains file transfer settings
	Transfer TransferConfig `json:"transfer"`

	// Peers lists known peers a client may connect to
	Peers []Peer `json:"peers,omitempty"`
}

// Peer is a machine this one can connect to
type Peer struct {
	Name    string `json:"name"`
	Address string `json:"address"` // host or host:port
	UseTLS  bool   `json:"use_tls"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	// Name is announced to peers in the handshake (defaults to the hostname)
	Name string `json:"name,omitempty"`

	// Role is "server" (owns the physical mouse and keyboard) or "client"
	Role string `json:"role"`

	// Port is the TCP/TLS port for peer connections (default: 24800)
	Port int `json:"port"`

	// UseTLS wraps peer connections in TLS, falling back to TCP when the peer
	// does not speak it
	UseTLS bool `json:"use_tls"`

	// PeerAddr is the server address a client connects to
	PeerAddr string `json:"peer_addr,omitempty"`

	// APIEnabled enables the local HTTP status and control API
	APIEnabled bool `json:"api_enabled"`

	// APIPort is the port for the API server (default: 24801)
	APIPort int `json:"api_port"`

	// APIToken is an optional authentication token for API requests
	APIToken string `json:"api_token,omitempty"`

	// LogLevel is a logrus level name
	LogLevel string `json:"log_level"`

	// LogJSON switches logs to JSON lines
	LogJSON bool `json:"log_json"`

	// Screen overrides the bounds reported by the OS
	Screen *protocol.ScreenBounds `json:"screen,omitempty"`

	// ReturnHotkey ends a transfer from the keyboard (e.g. "Ctrl+Alt+Home")
	ReturnHotkey string `json:"return_hotkey,omitempty"`

	// Tray shows a system tray icon while running
	Tray bool `json:"tray"`
}

// EdgeConfig contains the edge transition tunables. Durations are milliseconds.
type EdgeConfig struct {
	Threshold        int    `json:"threshold"`
	DebounceMs       int    `json:"debounce_ms"`
	CooldownMs       int    `json:"cooldown_ms"`
	GuardWindowMs    int    `json:"guard_window_ms"`
	Hysteresis       int    `json:"hysteresis"`
	EntryInset       int    `json:"entry_inset"`
	SampleIntervalMs int    `json:"sample_interval_ms"`
	Policy           string `json:"policy"`
}

// QueueConfig contains inbound event dispatch settings
type QueueConfig struct {
	// InputPacingMs is the gap kept between two injected input events
	InputPacingMs int `json:"input_pacing_ms"`
}

// TransferConfig contains file transfer settings
type TransferConfig struct {
	MaxFileSize int64  `json:"max_file_size"`
	ChunkSize   int    `json:"chunk_size"`
	DownloadDir string `json:"download_dir"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	ec := edge.DefaultConfig()
	return &Config{
		General: GeneralConfig{
			Role:         "server",
			Port:         protocol.DefaultPort,
			UseTLS:       true,
			APIEnabled:   true,
			APIPort:      protocol.DefaultPort + 1,
			LogLevel:     "info",
			ReturnHotkey: "Ctrl+Alt+Home",
		},
		Edge: EdgeConfig{
			Threshold:        ec.Threshold,
			DebounceMs:       int(ec.Debounce / time.Millisecond),
			CooldownMs:       int(ec.Cooldown / time.Millisecond),
			GuardWindowMs:    int(ec.GuardWindow / time.Millisecond),
			Hysteresis:       ec.Hysteresis,
			EntryInset:       ec.EntryInset,
			SampleIntervalMs: int(ec.SampleInterval / time.Millisecond),
			Policy:           string(ec.Policy),
		},
		Queue: QueueConfig{
			InputPacingMs: 10,
		},
		Transfer: TransferConfig{
			MaxFileSize: filetransfer.DefaultMaxFileSize,
			ChunkSize:   filetransfer.DefaultChunkSize,
			DownloadDir: defaultDownloadDir(),
		},
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "InputLeap")
	}
	return filepath.Join(home, "Downloads", "InputLeap")
}

// EdgeSettings converts the edge section for the edge machine.
func (c *Config) EdgeSettings() edge.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return edge.Config{
		Threshold:      c.Edge.Threshold,
		Debounce:       ms(c.Edge.DebounceMs),
		Cooldown:       ms(c.Edge.CooldownMs),
		GuardWindow:    ms(c.Edge.GuardWindowMs),
		Hysteresis:     c.Edge.Hysteresis,
		EntryInset:     c.Edge.EntryInset,
		SampleInterval: ms(c.Edge.SampleIntervalMs),
		Policy:         edge.Policy(c.Edge.Policy),
	}
}

// TransferSettings converts the transfer section for the transfer engine.
func (c *Config) TransferSettings() filetransfer.Config {
	return filetransfer.Config{
		ChunkSize:   c.Transfer.ChunkSize,
		MaxFileSize: c.Transfer.MaxFileSize,
		DownloadDir: c.Transfer.DownloadDir,
	}
}

// InputPacing returns the queue pacing as a duration.
func (c *Config) InputPacing() time.Duration {
	return time.Duration(c.Queue.InputPacingMs) * time.Millisecond
}

// PeerAddress returns host and port of the configured server, applying the
// default port when the address has none.
func (c *Config) PeerAddress() (string, int, error) {
	return SplitAddress(c.General.PeerAddr, c.General.Port)
}

// SplitAddress parses "host" or "host:port".
func SplitAddress(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, errors.New("empty address")
	}
	if !strings.Contains(addr, ":") || strings.HasSuffix(addr, "]") {
		return strings.Trim(addr, "[]"), defaultPort, nil
	}
	var host string
	var port int
	idx := strings.LastIndex(addr, ":")
	host = strings.Trim(addr[:idx], "[]")
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.General.Role {
	case "server", "client":
	default:
		errs = append(errs, fmt.Errorf("role must be server or client, got %q", c.General.Role))
	}
	if c.General.Port < 0 || c.General.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.General.Port))
	}
	if c.General.APIEnabled && (c.General.APIPort <= 0 || c.General.APIPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid api port %d", c.General.APIPort))
	}
	if c.General.Role == "client" && c.General.PeerAddr == "" {
		errs = append(errs, errors.New("client role requires peer_addr"))
	}
	if _, err := logrus.ParseLevel(c.General.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.General.ReturnHotkey != "" {
		if _, err := hotkey.Parse(c.General.ReturnHotkey); err != nil {
			errs = append(errs, err)
		}
	}
	if c.General.Screen != nil {
		if err := c.General.Screen.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.EdgeSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.InputPacingMs < 0 {
		errs = append(errs, fmt.Errorf("negative input pacing %d", c.Queue.InputPacingMs))
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > 1<<20 {
		errs = append(errs, fmt.Errorf("chunk size must be in (0, 1 MiB], got %d", c.Transfer.ChunkSize))
	}
	if c.Transfer.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("max file size must be positive, got %d", c.Transfer.MaxFileSize))
	}
	if c.Transfer.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func()
}

// NewManager creates a configuration manager for the per-user config file
func NewManager() (*Manager, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(configPath), nil
}

// NewManagerAt creates a configuration manager for an explicit file
func NewManagerAt(path string) *Manager {
	return &Manager{
		configPath: path,
		config:     DefaultConfig(),
	}
}

// Path returns the configuration file path
func (m *Manager) Path() string {
	return m.configPath
}

// getConfigPath returns the path to the configuration file
func getConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", appDir)
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, appDir)
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config", appDir)
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the configuration from disk. A missing file keeps the defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("parse %s: %w", m.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = cfg
	fn := m.onChanged
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"path":     m.configPath,
		"bytes":    len(data),
	}).Info("Saving configuration")
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0644)
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.config
	cp.Peers = append([]Peer(nil), m.config.Peers...)
	return &cp
}

// Set updates the configuration
func (m *Manager) Set(config *Config) {
	m.mu.Lock()
	m.config = config
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}

// Watch reloads the file whenever it is written until ctx is done. Invalid
// edits are logged and the previous configuration is kept.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Editors often replace the file, so watch its directory.
	dir := filepath.Dir(m.configPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.configPath) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := m.Load(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "Watch",
						"path":     m.configPath,
						"error":    err.Error(),
					}).Warn("Ignoring invalid configuration change")
					continue
				}
				logrus.WithFields(logrus.Fields{
					"function": "Watch",
					"path":     m.configPath,
				}).Info("Configuration reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "Watch",
					"error":    err.Error(),
				}).Warn("Config watcher error")
			}
		}
	}()
	return nil
}

// GetPeer returns a known peer by name
func (m *Manager) GetPeer(name string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Peers {
		if m.config.Peers[i].Name == name {
			p := m.config.Peers[i]
			return &p
		}
	}
	return nil
}

// SetPeer updates or adds a peer
func (m *Manager) SetPeer(peer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Peers {
		if m.config.Peers[i].Name == peer.Name {
			m.config.Peers[i] = peer
			return
		}
	}
	// Not found, add new
	m.config.Peers = append(m.config.Peers, peer)
}

// DeletePeer removes a peer by name
func (m *Manager) DeletePeer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.config.Peers {
		if m.config.Peers[i].Name == name {
			m.config.Peers = append(m.config.Peers[:i], m.config.Peers[i+1:]...)
			return
		}
	}
}
