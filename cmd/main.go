// InputLeap - software KVM
// Shares one mouse and keyboard between machines and moves files between them
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/api"
	"github.com/makeagreatcoup/inputleapcode/internal/autostart"
	"github.com/makeagreatcoup/inputleapcode/internal/config"
	"github.com/makeagreatcoup/inputleapcode/internal/hotkey"
	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/network"
	"github.com/makeagreatcoup/inputleapcode/internal/osutils"
	"github.com/makeagreatcoup/inputleapcode/internal/platform"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
	"github.com/makeagreatcoup/inputleapcode/internal/session"
	"github.com/makeagreatcoup/inputleapcode/internal/tray"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to the configuration file")
	role       = flag.String("role", "", "Role: server or client")
	connect    = flag.String("connect", "", "Server address for a client (host or host:port)")
	port       = flag.Int("port", 0, "Transport port")
	useTLS     = flag.Bool("tls", true, "Use TLS, falling back to TCP if the peer does not speak it")
	name       = flag.String("name", "", "Name announced to peers")
	logLevel   = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	sendFile   = flag.String("send", "", "Send a file to the peer and exit")
	discover   = flag.Bool("discover", false, "Scan the LAN for peers and exit")
	watch      = flag.Bool("watch", false, "Follow the events of a running service")
	withTray   = flag.Bool("tray", false, "Show a system tray icon")
	autoStart  = flag.String("autostart", "", "Start on login: on or off")
	showVer    = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("inputleap version %s (protocol %s)\n", version, protocol.Version)
		return
	}

	// Initialize config
	cfgMgr, err := newConfigManager()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize config")
	}
	if err := cfgMgr.Load(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"path":     cfgMgr.Path(),
			"error":    err.Error(),
		}).Warn("Failed to load config, using defaults")
	}
	applyFlags(cfgMgr)

	cfg := cfgMgr.Get()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	switch {
	case *autoStart != "":
		handleAutostart(*autoStart)
	case *discover:
		runDiscover(cfg)
	case *watch:
		runWatch(cfg)
	case *sendFile != "":
		runSend(cfgMgr, *sendFile)
	default:
		runService(cfgMgr)
	}
}

func newConfigManager() (*config.Manager, error) {
	if *configPath != "" {
		return config.NewManagerAt(*configPath), nil
	}
	return config.NewManager()
}

// applyFlags overrides the loaded configuration with flags given explicitly.
func applyFlags(cfgMgr *config.Manager) {
	cfg := cfgMgr.Get()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.General.Role = *role
		case "connect":
			cfg.General.PeerAddr = *connect
			if !isFlagSet("role") {
				cfg.General.Role = "client"
			}
		case "port":
			cfg.General.Port = *port
		case "tls":
			cfg.General.UseTLS = *useTLS
		case "name":
			cfg.General.Name = *name
		case "log-level":
			cfg.General.LogLevel = *logLevel
		case "tray":
			cfg.General.Tray = *withTray
		}
	})
	cfgMgr.Set(cfg)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func setupLogging(cfg *config.Config) {
	if cfg.General.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.General.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
}

func handleAutostart(mode string) {
	var err error
	switch mode {
	case "on":
		args := []string{}
		if *configPath != "" {
			args = append(args, "-config", *configPath)
		}
		err = autostart.Enable(args...)
	case "off":
		err = autostart.Disable()
	default:
		err = fmt.Errorf("expected on or off, got %q", mode)
	}
	if err != nil {
		logrus.WithError(err).Fatal("Failed to change autostart")
	}
	fmt.Printf("Autostart enabled: %v\n", autostart.IsEnabled())
}

func runDiscover(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hosts, err := network.ScanLAN(ctx, cfg.General.Port)
	if err != nil {
		logrus.WithError(err).Fatal("LAN scan failed")
	}

	fmt.Println("Peers on the LAN:")
	fmt.Println("-----------------")
	for _, h := range hosts {
		fmt.Printf("%s:%d\n", h.IP, h.Port)
		fmt.Printf("  Name: %s\n", h.Name)
		fmt.Printf("  Role: %s\n", h.Role)
		fmt.Printf("  TLS:  %v\n", h.Secure)
		if h.ScreenBounds != nil {
			fmt.Printf("  Screen: %s\n", h.ScreenBounds)
		}
		fmt.Println()
	}
	if len(hosts) == 0 {
		fmt.Println("(none found)")
	}
}

// runWatch prints the notifications of the service running on this machine.
func runWatch(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.General.APIPort)
	c := api.NewClient(addr, cfg.General.APIToken)
	c.OnNotification = func(n session.Notification) {
		switch n.Kind {
		case session.NotifyTransferProgress:
			fmt.Printf("%-20s %s %d/%d\n", n.Kind, n.FileName, n.Transferred, n.Total)
		case session.NotifyTransferCompleted, session.NotifyTransferFailed:
			fmt.Printf("%-20s %s %s %s\n", n.Kind, n.FileName, n.Path, n.Err)
		default:
			fmt.Printf("%-20s %s\n", n.Kind, n.ConnectionID)
		}
	}
	fmt.Printf("Watching %s (Ctrl+C to stop)\n", addr)
	c.Run(ctx)
}

// newSession builds a session from cfg; tune, when set, adjusts the options
// for the caller's mode.
func newSession(cfg *config.Config, scope tally.Scope, tune func(*session.Options)) (*session.Session, error) {
	opts := session.Options{
		Role:        session.Role(cfg.General.Role),
		Name:        cfg.General.Name,
		Port:        cfg.General.Port,
		Secure:      cfg.General.UseTLS,
		Edge:        cfg.EdgeSettings(),
		InputPacing: cfg.InputPacing(),
		Transfer:    cfg.TransferSettings(),
		Platform:    platform.New(),
		Screen:      cfg.General.Screen,
		Reconnect:   true,
		Scope:       scope,
		Clipboard: func(connID string, c protocol.ClipboardChange) {
			logrus.WithFields(logrus.Fields{
				"function":      "Clipboard",
				"connection_id": connID,
				"format":        c.Format,
				"bytes":         len(c.Content),
			}).Info("Clipboard received from peer")
		},
	}
	if opts.Role == session.RoleClient {
		host, p, err := cfg.PeerAddress()
		if err != nil {
			return nil, err
		}
		opts.PeerHost, opts.PeerPort = host, p
	}
	if tune != nil {
		tune(&opts)
	}
	return session.New(opts)
}

func runSend(cfgMgr *config.Manager, path string) {
	cfg := cfgMgr.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Passive: a one-shot send must not take over the cursor.
	sess, err := newSession(cfg, nil, func(o *session.Options) { o.Passive = true })
	if err != nil {
		logrus.WithError(err).Error("Failed to create session")
		return
	}
	defer sess.Stop()
	if err := sess.Start(ctx); err != nil {
		logrus.WithError(err).Error("Failed to start session")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "runSend",
		"path":     path,
	}).Info("Waiting for a peer")
	for len(sess.Status().Peers) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	id, err := sess.SendFile(ctx, path, "")
	if err != nil {
		logrus.WithError(err).Error("File transfer failed")
		return
	}
	fmt.Printf("Sent %s (transfer %s)\n", path, id)
}

func runService(cfgMgr *config.Manager) {
	cfg := cfgMgr.Get()
	logrus.WithFields(logrus.Fields{
		"function": "runService",
		"version":  version,
		"role":     cfg.General.Role,
		"config":   cfgMgr.Path(),
	}).Info("InputLeap starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scope, closer := metrics.NewRoot("inputleap")
	defer closer.Close()

	// The hotkey hooks also capture the buttons and keys forwarded while
	// this machine controls a peer.
	hk := hotkey.NewManager()
	sess, err := newSession(cfg, scope, func(o *session.Options) { o.Capture = hk })
	if err != nil {
		logrus.WithError(err).Error("Failed to create session")
		return
	}
	defer sess.Stop()

	if cfg.General.Role == "server" && runtime.GOOS == "windows" {
		go func() {
			if err := osutils.EnsureFirewallRule(cfg.General.Port); err != nil {
				logrus.WithError(err).Warn("Firewall rule not applied")
			}
		}()
	}

	if err := sess.Start(ctx); err != nil {
		logrus.WithError(err).Error("Failed to start session")
		return
	}

	// Fan notifications out to the log and the API
	var apiNotes chan session.Notification
	if cfg.General.APIEnabled {
		apiNotes = make(chan session.Notification, 64)
		apiServer := api.NewServer(sess, cfgMgr, cfg.General.APIToken)
		go apiServer.Run(ctx, apiNotes)
		go func() {
			if err := apiServer.Start(ctx, cfg.General.APIPort); err != nil {
				logrus.WithError(err).Warn("API server error")
			}
		}()
	}
	go func() {
		for n := range sess.Notifications() {
			logNotification(n)
			if apiNotes == nil {
				continue
			}
			select {
			case apiNotes <- n:
			default:
			}
		}
	}()

	// Live reload of log settings; the rest applies on restart
	cfgMgr.RegisterChangeCallback(func() {
		newCfg := cfgMgr.Get()
		setupLogging(newCfg)
		logrus.WithFields(logrus.Fields{
			"function": "onConfigChanged",
		}).Info("Configuration changed, restart to apply network and edge settings")
	})
	if err := cfgMgr.Watch(ctx); err != nil {
		logrus.WithError(err).Warn("Config watcher not started")
	}

	if cfg.General.ReturnHotkey != "" {
		if _, err := hk.Register(cfg.General.ReturnHotkey, sess.ReturnToLocal); err != nil {
			logrus.WithError(err).Warn("Invalid return hotkey")
		}
	}
	if err := hk.Start(); err != nil {
		logrus.WithError(err).Warn("Hotkey engine failed to start, buttons and keys stay local")
	}

	if cfg.General.Tray {
		// systray needs the main goroutine
		tray.New("InputLeap", sess, stop).Run(ctx)
		return
	}
	<-ctx.Done()
	logrus.WithFields(logrus.Fields{
		"function": "runService",
	}).Info("Shutting down")
}

func logNotification(n session.Notification) {
	fields := logrus.Fields{
		"function": "notification",
		"kind":     n.Kind,
	}
	if n.ConnectionID != "" {
		fields["connection_id"] = n.ConnectionID
	}
	if n.TransferID != "" {
		fields["transfer_id"] = n.TransferID
		fields["file_name"] = n.FileName
	}
	switch n.Kind {
	case session.NotifyTransferProgress:
		fields["transferred"] = n.Transferred
		fields["total"] = n.Total
		logrus.WithFields(fields).Trace("Transfer progress")
	case session.NotifyTransferFailed:
		fields["error"] = n.Err
		logrus.WithFields(fields).Warn("Transfer did not complete")
	default:
		if n.Path != "" {
			fields["path"] = n.Path
		}
		logrus.WithFields(fields).Debug("Session event")
	}
}
