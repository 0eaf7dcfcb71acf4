// Package api provides the local HTTP API for status and control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/config"
	"github.com/makeagreatcoup/inputleapcode/internal/network"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
	"github.com/makeagreatcoup/inputleapcode/internal/session"
)

// Controller is the part of a session the API drives.
type Controller interface {
	Status() session.Status
	SendFile(ctx context.Context, path, peer string) (string, error)
	CancelTransfer(id string) bool
	PublishClipboard(c protocol.ClipboardChange) (int, error)
	ReturnToLocal()
}

// Server provides HTTP API for remote control
type Server struct {
	ctrl      Controller
	configMgr *config.Manager
	token     string
	wsMgr     *WSManager
}

// NewServer creates a new API server. configMgr may be nil, which disables
// /api/config.
func NewServer(ctrl Controller, configMgr *config.Manager, token string) *Server {
	s := &Server{
		ctrl:      ctrl,
		configMgr: configMgr,
		token:     token,
	}
	s.wsMgr = newWSManager(s)
	return s
}

// Handler returns the API routes wrapped in the auth and recover middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/transfers/{id}", s.handleTransfer)
	mux.HandleFunc("/api/clipboard", s.handleClipboard)
	mux.HandleFunc("/api/return", s.handleReturn)
	mux.HandleFunc("/api/discover", s.handleDiscover)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/ws", s.wsMgr.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return s.authMiddleware(s.recoverMiddleware(mux))
}

// Run feeds notifications to WebSocket clients until ctx is done or the
// channel is closed.
func (s *Server) Run(ctx context.Context, notes <-chan session.Notification) {
	go s.wsMgr.start()
	defer s.wsMgr.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			s.wsMgr.Broadcast(n)
		}
	}
}

// Start serves the API on port until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("API server failed to listen, continuing without it")
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     ln.Addr().String(),
		"auth":     s.token != "",
	}).Info("API server listening")

	// This is blocking
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Error("API server stopped")
		return err
	}
	return nil
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "recoverMiddleware",
					"path":     r.URL.Path,
					"panic":    fmt.Sprint(err),
				}).Error("Recovered from handler panic")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API token if configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.WithFields(logrus.Fields{
			"function": "authMiddleware",
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
		}).Debug("API request")

		// Skip auth for health check
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		// If token is configured, verify it
		if s.token != "" {
			authHeader := r.Header.Get("Authorization")
			expectedAuth := "Bearer " + s.token

			// Browsers cannot set headers on WebSocket upgrades.
			if authHeader != expectedAuth && r.URL.Query().Get("token") != s.token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleFiles handles POST /api/files?path=<file>&peer=<connection id>.
// The transfer runs in the background; its progress is on /ws and /api/status.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "Missing path parameter", http.StatusBadRequest)
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		http.Error(w, "Not a readable file: "+path, http.StatusBadRequest)
		return
	}
	peer := r.URL.Query().Get("peer")

	logrus.WithFields(logrus.Fields{
		"function": "handleFiles",
		"path":     path,
		"peer":     peer,
		"remote":   r.RemoteAddr,
	}).Info("File send requested")

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.ctrl.SendFile(ctx, path, peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFiles",
				"path":     path,
				"error":    err.Error(),
			}).Warn("File send failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "path": path})
}

// handleTransfer handles GET and DELETE /api/transfers/{id}
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		for _, t := range s.ctrl.Status().Transfers {
			if t.ID == id {
				writeJSON(w, http.StatusOK, t)
				return
			}
		}
		http.Error(w, "Unknown transfer", http.StatusNotFound)

	case http.MethodDelete:
		if !s.ctrl.CancelTransfer(id) {
			http.Error(w, "Unknown or finished transfer", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleClipboard handles POST /api/clipboard with a clipboard-change payload
func (s *Server) handleClipboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var c protocol.ClipboardChange
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.DefaultMaxLine)).Decode(&c); err != nil {
		http.Error(w, "Invalid clipboard payload", http.StatusBadRequest)
		return
	}
	if c.Format == "" {
		c.Format = "text"
	}
	n, err := s.ctrl.PublishClipboard(c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// handleReturn handles POST /api/return
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.ReturnToLocal()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig handles GET (read) and POST (update) for configuration
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "Configuration not available", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.configMgr.Get())

	case http.MethodPost:
		newCfg := config.DefaultConfig()
		if err := json.NewDecoder(r.Body).Decode(newCfg); err != nil {
			http.Error(w, "Invalid configuration data", http.StatusBadRequest)
			return
		}
		if err := newCfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "handleConfig",
			"remote":   r.RemoteAddr,
		}).Info("Receiving configuration update")

		// Update in-memory config and save to disk
		s.configMgr.Set(newCfg)
		if err := s.configMgr.Save(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConfig",
				"error":    err.Error(),
			}).Error("Failed to save received config")
			http.Error(w, "Failed to save configuration", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles GET /health (for monitoring)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDiscover handles GET /api/discover?port=<port>, scanning the LAN for peers
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	port := protocol.DefaultPort
	if s.configMgr != nil {
		port = s.configMgr.Get().General.Port
	}
	if v := r.URL.Query().Get("port"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
			http.Error(w, "Invalid port", http.StatusBadRequest)
			return
		}
	}

	hosts, err := network.ScanLAN(r.Context(), port)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDiscover",
			"error":    err.Error(),
		}).Warn("LAN scan failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hosts == nil {
		hosts = []network.DiscoveredHost{}
	}
	writeJSON(w, http.StatusOK, hosts)
}
