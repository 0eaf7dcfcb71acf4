// Package session wires the transport, event queue, edge machine and file
// transfer engine into one running peer.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/edge"
	"github.com/makeagreatcoup/inputleapcode/internal/filetransfer"
	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/network"
	"github.com/makeagreatcoup/inputleapcode/internal/platform"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
	"github.com/makeagreatcoup/inputleapcode/internal/queue"
	"github.com/makeagreatcoup/inputleapcode/internal/transport"
)

// Role is the part a machine plays.
type Role string

const (
	// RoleServer owns the physical mouse and keyboard and listens for peers.
	RoleServer Role = "server"
	// RoleClient connects to a server and is driven by it.
	RoleClient Role = "client"
)

const (
	defaultOutboundBuffer = 256
	notificationBuffer    = 128
	maxReconnectDelay     = 30 * time.Second
)

var (
	// ErrNotConnected is returned when an operation needs a peer and there is none.
	ErrNotConnected = errors.New("session: no peer connected")

	// ErrAmbiguousPeer is returned when a peer must be named because several are connected.
	ErrAmbiguousPeer = errors.New("session: several peers connected, name one")

	// ErrStopped is returned by operations on a stopped session.
	ErrStopped = errors.New("session: stopped")
)

// Options configures a Session.
type Options struct {
	Role Role

	// Name is announced in the handshake. Defaults to the hostname.
	Name string

	// Port is the listening port for a server (0 picks a free port).
	Port int

	// Secure asks for TLS on the listener or on the outbound connection.
	Secure bool

	// PeerHost and PeerPort address the server a client connects to.
	PeerHost string
	PeerPort int

	// Reconnect makes a client keep dialing, with backoff, when its server
	// is unreachable at start or lost later.
	Reconnect bool

	// Passive sessions neither sample the cursor nor inject input sent by
	// peers. One-shot commands such as sending a file use them.
	Passive bool

	Edge        edge.Config
	InputPacing time.Duration
	Transfer    filetransfer.Config

	// Platform provides cursor access and input injection.
	Platform platform.Platform

	// Capture reports local button and key presses. While this machine
	// controls a peer they are forwarded and kept from the local desktop.
	Capture platform.Capturer

	// Screen overrides the bounds reported by Platform.
	Screen *protocol.ScreenBounds

	// Clipboard receives clipboard changes published by peers.
	Clipboard func(connID string, c protocol.ClipboardChange)

	// OutboundBuffer is the depth of the pointer event hand-off to the network.
	OutboundBuffer int

	Clock clock.Clock
	Scope tally.Scope
}

// NotificationKind names a Notification.
type NotificationKind string

const (
	NotifyConnected         NotificationKind = "connected"
	NotifyDisconnected      NotificationKind = "disconnected"
	NotifyTransferProgress  NotificationKind = "transfer-progress"
	NotifyTransferCompleted NotificationKind = "transfer-completed"
	NotifyTransferFailed    NotificationKind = "transfer-failed"
)

// Notification reports something a front end may want to show.
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Secure       bool             `json:"secure,omitempty"`
	TransferID   string           `json:"transferId,omitempty"`
	FileName     string           `json:"fileName,omitempty"`
	Direction    string           `json:"direction,omitempty"`
	Path         string           `json:"path,omitempty"`
	Transferred  int64            `json:"transferred,omitempty"`
	Total        int64            `json:"total,omitempty"`
	Err          string           `json:"error,omitempty"`
}

// Peer is what a connected peer announced about itself.
type Peer struct {
	transport.ConnectionInfo
	Name         string                 `json:"name,omitempty"`
	Role         string                 `json:"role,omitempty"`
	ScreenBounds *protocol.ScreenBounds `json:"screenBounds,omitempty"`
}

// Status is a snapshot of the session.
type Status struct {
	Role      Role                  `json:"role"`
	Name      string                `json:"name"`
	Port      int                   `json:"port,omitempty"`
	Bounds    protocol.ScreenBounds `json:"bounds"`
	Edge      edge.State            `json:"edge"`
	Peers     []Peer                `json:"peers"`
	Transfers []filetransfer.Info   `json:"transfers"`
	Queued    int                   `json:"queued"`
}

// Summary renders the status as one line for a tray or a terminal.
func (st Status) Summary() string {
	var b strings.Builder
	b.WriteString(string(st.Role))
	switch n := len(st.Peers); n {
	case 0:
		b.WriteString(", no peers")
	case 1:
		name := st.Peers[0].Name
		if name == "" {
			name = st.Peers[0].Remote
		}
		b.WriteString(", connected to " + name)
	default:
		fmt.Fprintf(&b, ", %d peers", n)
	}
	switch {
	case st.Edge.Transferred:
		b.WriteString(", controlling peer")
	case st.Edge.Controlled:
		b.WriteString(", controlled by peer")
	}
	active := 0
	for _, t := range st.Transfers {
		if t.Status == filetransfer.StatusPreparing || t.Status == filetransfer.StatusTransferring {
			active++
		}
	}
	if active > 0 {
		fmt.Fprintf(&b, ", %d transfer(s)", active)
	}
	return b.String()
}

// Session is one running peer.
type Session struct {
	opts   Options
	clock  clock.Clock
	scope  tally.Scope
	plat   platform.Platform
	tr     *transport.Transport
	queue  *queue.Queue
	mach   *edge.Machine
	engine *filetransfer.Engine

	outbound chan *protocol.Message

	mu      sync.Mutex
	server  *transport.Server
	peers   map[string]protocol.Handshake
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	uncap   func()

	nmu     sync.Mutex
	notes   chan Notification
	nclosed bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Session. Nothing runs until Start.
func New(opts Options) (*Session, error) {
	switch opts.Role {
	case RoleServer, RoleClient:
	default:
		return nil, fmt.Errorf("session: unknown role %q", opts.Role)
	}
	if opts.Role == RoleClient && opts.PeerHost == "" {
		return nil, errors.New("session: client needs a peer host")
	}
	if opts.Platform == nil {
		return nil, errors.New("session: platform is required")
	}
	if opts.Name == "" {
		opts.Name, _ = os.Hostname()
	}
	if opts.PeerPort == 0 {
		opts.PeerPort = protocol.DefaultPort
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}

	s := &Session{
		opts:     opts,
		clock:    opts.Clock,
		scope:    metrics.OrNoop(opts.Scope),
		plat:     opts.Platform,
		outbound: make(chan *protocol.Message, opts.OutboundBuffer),
		peers:    make(map[string]protocol.Handshake),
		notes:    make(chan Notification, notificationBuffer),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if opts.Screen != nil {
		s.plat = platform.WithBounds(opts.Platform, *opts.Screen)
	}

	mach, err := edge.New(edge.Options{
		Config: opts.Edge,
		Input:  s.plat,
		Emit:   s.emitPointer,
		Clock:  s.clock,
		Scope:  s.scope,
	})
	if err != nil {
		return nil, err
	}
	s.mach = mach

	tr, err := transport.New(transport.Options{
		Handshake: s.handshake,
		Scope:     s.scope,
	})
	if err != nil {
		return nil, err
	}
	s.tr = tr

	s.queue = queue.New(queue.Options{
		InputPacing: opts.InputPacing,
		Clock:       s.clock,
		Scope:       s.scope,
	})
	s.engine = filetransfer.New(opts.Transfer, s.sendTo, s.clock, s.scope)

	s.wire()
	return s, nil
}

func (s *Session) wire() {
	s.tr.OnMessage(func(connID string, msg *protocol.Message) {
		if err := s.queue.Enqueue(connID, msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "OnMessage",
				"connection_id": connID,
				"type":          msg.Type,
				"error":         err.Error(),
			}).Debug("Dropping inbound message")
		}
	})
	s.tr.OnConnect(s.handleConnect)
	s.tr.OnDisconnect(s.handleDisconnect)

	s.queue.Subscribe(protocol.TypeHandshake, s.handleHandshake)
	s.queue.Subscribe(protocol.TypeMouseMove, s.handleMouseMove)
	s.queue.Subscribe(protocol.TypeMouseClick, s.handleMouseClick)
	s.queue.Subscribe(protocol.TypeKeyPress, s.handleKeyPress)
	s.queue.Subscribe(protocol.TypeClipboardChange, s.handleClipboard)
	s.queue.Subscribe(protocol.TypeFileTransferStart, s.handleFileStart)
	s.queue.Subscribe(protocol.TypeFileTransferData, s.handleFileData)
	s.queue.Subscribe(protocol.TypeFileTransferEnd, s.handleFileEnd)
	s.queue.SubscribeDefault(func(connID string, msg *protocol.Message) {
		logrus.WithFields(logrus.Fields{
			"function":      "dispatch",
			"connection_id": connID,
			"type":          msg.Type,
		}).Debug("Ignoring unknown message type")
	})

	s.engine.OnProgress(func(p filetransfer.Progress) {
		s.notify(Notification{
			Kind:        NotifyTransferProgress,
			TransferID:  p.ID,
			FileName:    p.FileName,
			Direction:   string(p.Direction),
			Transferred: p.Transferred,
			Total:       p.Total,
		})
	})
	s.engine.OnComplete(func(r filetransfer.Result) {
		n := Notification{
			Kind:       NotifyTransferCompleted,
			TransferID: r.ID,
			FileName:   r.FileName,
			Direction:  string(r.Direction),
			Path:       r.Path,
		}
		if r.Status != filetransfer.StatusCompleted {
			n.Kind = NotifyTransferFailed
		}
		if r.Err != nil {
			n.Err = r.Err.Error()
		}
		s.notify(n)
	})
}

// Start brings the session up according to its role and returns once the
// listener is bound or the first connection is established.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	switch s.opts.Role {
	case RoleServer:
		srv, err := s.tr.Listen(ctx, s.opts.Port, s.opts.Secure)
		if err != nil {
			cancel()
			return err
		}
		s.mu.Lock()
		s.server = srv
		s.mu.Unlock()

		ips, _ := network.GetLocalIPs()
		logrus.WithFields(logrus.Fields{
			"function":  "Start",
			"port":      srv.Port(),
			"secure":    s.opts.Secure,
			"addresses": strings.Join(ips, ", "),
			"bounds":    s.mach.Bounds().String(),
		}).Info("Server started, clients can connect to these addresses")

	case RoleClient:
		if err := s.connect(ctx); err != nil {
			if !s.opts.Reconnect {
				cancel()
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"peer":     fmt.Sprintf("%s:%d", s.opts.PeerHost, s.opts.PeerPort),
				"error":    err.Error(),
			}).Warn("Server unreachable, retrying in the background")
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.reconnect(ctx)
			}()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(ctx)
	}()

	if s.opts.Passive {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mach.Run(ctx)
	}()
	if s.opts.Capture != nil {
		stop := s.opts.Capture.Capture(s.forwardInput)
		s.mu.Lock()
		s.uncap = stop
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	c, method, err := s.tr.Connect(ctx, s.opts.PeerHost, s.opts.PeerPort, s.opts.Secure)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function":      "connect",
		"connection_id": c.ID,
		"remote":        c.Remote,
		"method":        method,
	}).Info("Connected to server")
	return nil
}

// reconnect dials the server again with exponential backoff until it
// succeeds or ctx is done.
func (s *Session) reconnect(ctx context.Context) {
	delay := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		err := s.connect(ctx)
		if err == nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "reconnect",
			"delay":    delay.String(),
			"error":    err.Error(),
		}).Warn("Reconnect failed")
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// pump hands pointer events from the edge machine to the network so the
// sampler never waits on a socket.
func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			s.tr.Broadcast(msg)
		}
	}
}

// emitPointer drops a plain move when the network falls behind. Control
// events wait for room so both peers agree on who holds the pointer.
func (s *Session) emitPointer(ev protocol.MouseMove) {
	msg, err := protocol.NewMessage(protocol.TypeMouseMove, ev)
	if err != nil {
		return
	}
	if ev.IsPlainMove() {
		s.offer(msg)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.offer(msg)
		return
	}
	select {
	case s.outbound <- msg:
	case <-ctx.Done():
	}
}

func (s *Session) offer(msg *protocol.Message) {
	select {
	case s.outbound <- msg:
	default:
		s.scope.Counter(metrics.OutboundDropped).Inc(1)
	}
}

// forwardInput sends a captured press to the peers while this machine
// controls one, and reports whether the local desktop should ignore it.
func (s *Session) forwardInput(in platform.CapturedInput) bool {
	if !s.mach.Snapshot().Transferred {
		return false
	}
	action := protocol.ActionUp
	if in.Pressed {
		action = protocol.ActionDown
	}

	var msg *protocol.Message
	var err error
	if in.Button != "" {
		msg, err = protocol.NewMessage(protocol.TypeMouseClick, protocol.MouseClick{Button: in.Button, Action: action})
	} else {
		msg, err = protocol.NewMessage(protocol.TypeKeyPress, protocol.KeyPress{Key: in.Key, Action: action})
	}
	if err != nil {
		return false
	}
	s.offer(msg)
	return true
}

func (s *Session) handshake() protocol.Handshake {
	b := s.mach.Bounds()
	return protocol.Handshake{
		Name:         s.opts.Name,
		Role:         string(s.opts.Role),
		Secure:       s.opts.Secure,
		ScreenBounds: &b,
	}
}

func (s *Session) sendTo(peer string, msg *protocol.Message) error {
	if !s.tr.Send(peer, msg) {
		return fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}
	return nil
}

func (s *Session) handleConnect(connID string, secure bool) {
	s.notify(Notification{Kind: NotifyConnected, ConnectionID: connID, Secure: secure})
}

func (s *Session) handleDisconnect(connID string) {
	s.mu.Lock()
	delete(s.peers, connID)
	stopped := s.stopped
	s.mu.Unlock()

	for _, t := range s.engine.List() {
		if t.Peer != connID {
			continue
		}
		switch t.Status {
		case filetransfer.StatusPreparing, filetransfer.StatusTransferring:
			s.engine.Cancel(t.ID)
		}
	}

	if !s.tr.IsConnected() {
		s.mach.ReturnToLocal()
	}
	s.notify(Notification{Kind: NotifyDisconnected, ConnectionID: connID})

	if s.opts.Role == RoleClient && s.opts.Reconnect && !stopped {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || s.ctx == nil {
			return
		}
		ctx := s.ctx
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconnect(ctx)
		}()
	}
}

func (s *Session) handleHandshake(connID string, msg *protocol.Message) {
	var hs protocol.Handshake
	if err := msg.DecodeData(&hs); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleHandshake",
			"connection_id": connID,
			"error":         err.Error(),
		}).Warn("Bad handshake")
		return
	}
	s.mu.Lock()
	s.peers[connID] = hs
	s.mu.Unlock()

	fields := logrus.Fields{
		"function":      "handleHandshake",
		"connection_id": connID,
		"name":          hs.Name,
		"role":          hs.Role,
		"version":       msg.Version,
	}
	if hs.ScreenBounds != nil {
		fields["bounds"] = hs.ScreenBounds.String()
	}
	logrus.WithFields(fields).Info("Peer identified")
}

func (s *Session) handleMouseMove(connID string, msg *protocol.Message) {
	if s.opts.Passive {
		return
	}
	var ev protocol.MouseMove
	if err := msg.DecodeData(&ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleMouseMove",
			"connection_id": connID,
			"error":         err.Error(),
		}).Debug("Bad mouse-move payload")
		return
	}
	s.mach.Apply(ev)
}

func (s *Session) handleMouseClick(connID string, msg *protocol.Message) {
	if s.opts.Passive {
		return
	}
	var ev protocol.MouseClick
	if err := msg.DecodeData(&ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleMouseClick",
			"connection_id": connID,
			"error":         err.Error(),
		}).Debug("Bad mouse-click payload")
		return
	}
	times := 1
	if ev.Double {
		times = 2
	}
	for i := 0; i < times; i++ {
		if err := press(ev.Action, func(down bool) error {
			return s.plat.InjectMouseButton(ev.Button, down)
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleMouseClick",
				"button":   ev.Button,
				"error":    err.Error(),
			}).Warn("Failed to inject mouse button")
			return
		}
	}
}

func (s *Session) handleKeyPress(connID string, msg *protocol.Message) {
	if s.opts.Passive {
		return
	}
	var ev protocol.KeyPress
	if err := msg.DecodeData(&ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleKeyPress",
			"connection_id": connID,
			"error":         err.Error(),
		}).Debug("Bad key-press payload")
		return
	}
	if err := press(ev.Action, func(down bool) error {
		return s.plat.InjectKey(ev.Key, down, ev.Modifiers)
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKeyPress",
			"key":      ev.Key,
			"error":    err.Error(),
		}).Warn("Failed to inject key")
	}
}

// press runs inject for an action: a click is a press followed by a release.
func press(action string, inject func(down bool) error) error {
	switch action {
	case protocol.ActionDown:
		return inject(true)
	case protocol.ActionUp:
		return inject(false)
	case "", protocol.ActionClick:
		if err := inject(true); err != nil {
			return err
		}
		return inject(false)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (s *Session) handleClipboard(connID string, msg *protocol.Message) {
	var c protocol.ClipboardChange
	if err := msg.DecodeData(&c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleClipboard",
			"connection_id": connID,
			"error":         err.Error(),
		}).Debug("Bad clipboard payload")
		return
	}
	if s.opts.Clipboard == nil {
		return
	}
	s.opts.Clipboard(connID, c)
}

func (s *Session) handleFileStart(connID string, msg *protocol.Message) {
	var meta protocol.FileTransferStart
	if err := msg.DecodeData(&meta); err != nil {
		s.fileError("handleFileStart", connID, err)
		return
	}
	if err := s.engine.ReceiveStart(connID, meta); err != nil {
		s.fileError("handleFileStart", connID, err)
	}
}

func (s *Session) handleFileData(connID string, msg *protocol.Message) {
	var chunk protocol.FileTransferChunk
	if err := msg.DecodeData(&chunk); err != nil {
		s.fileError("handleFileData", connID, err)
		return
	}
	if err := s.engine.ReceiveChunk(chunk); err != nil {
		s.fileError("handleFileData", connID, err)
	}
}

func (s *Session) handleFileEnd(connID string, msg *protocol.Message) {
	var end protocol.FileTransferEnd
	if err := msg.DecodeData(&end); err != nil {
		s.fileError("handleFileEnd", connID, err)
		return
	}
	if _, err := s.engine.ReceiveEnd(end); err != nil {
		s.fileError("handleFileEnd", connID, err)
	}
}

func (s *Session) fileError(fn, connID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function":      fn,
		"connection_id": connID,
		"error":         err.Error(),
	}).Debug("File transfer message rejected")
}

// SendFile streams a file to peer and blocks until it has been sent. An
// empty peer means the only connected peer.
func (s *Session) SendFile(ctx context.Context, path, peer string) (string, error) {
	if s.isStopped() {
		return "", ErrStopped
	}
	if peer == "" {
		conns := s.tr.Connections()
		switch len(conns) {
		case 0:
			return "", ErrNotConnected
		case 1:
			peer = conns[0].ID
		default:
			return "", ErrAmbiguousPeer
		}
	}
	return s.engine.Send(ctx, path, peer)
}

// CancelTransfer cancels one transfer and reports whether it is cancelled.
func (s *Session) CancelTransfer(id string) bool {
	return s.engine.Cancel(id)
}

// PublishClipboard sends a clipboard change to every peer and returns how
// many received it.
func (s *Session) PublishClipboard(c protocol.ClipboardChange) (int, error) {
	if c.Hash == "" {
		c.Hash = filetransfer.ChunkChecksum([]byte(c.Content))
	}
	msg, err := protocol.NewMessage(protocol.TypeClipboardChange, c)
	if err != nil {
		return 0, err
	}
	return s.tr.Broadcast(msg), nil
}

// ReturnToLocal ends the current transfer from whichever side this machine
// is on.
func (s *Session) ReturnToLocal() {
	s.mach.ReturnToLocal()
}

// Port returns the bound listening port, or 0 for a client.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.Port()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		Role:      s.opts.Role,
		Name:      s.opts.Name,
		Port:      s.Port(),
		Bounds:    s.mach.Bounds(),
		Edge:      s.mach.Snapshot(),
		Transfers: s.engine.List(),
		Queued:    s.queue.Len(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.tr.Connections() {
		p := Peer{ConnectionInfo: c}
		if hs, ok := s.peers[c.ID]; ok {
			p.Name = hs.Name
			p.Role = hs.Role
			p.ScreenBounds = hs.ScreenBounds
		}
		st.Peers = append(st.Peers, p)
	}
	return st
}

// Notifications returns the notification stream. Notifications are dropped
// when the reader falls behind. The channel is closed by Stop.
func (s *Session) Notifications() <-chan Notification {
	return s.notes
}

func (s *Session) notify(n Notification) {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	if s.nclosed {
		return
	}
	select {
	case s.notes <- n:
	default:
	}
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop cancels every in-flight transfer and shuts the session down. It is
// safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		uncap := s.uncap
		s.mu.Unlock()

		if uncap != nil {
			uncap()
		}
		if cancel != nil {
			cancel()
		}
		s.mach.Close()
		s.engine.CancelAll()
		s.tr.Close()
		s.queue.Close()
		s.wg.Wait()

		s.nmu.Lock()
		s.nclosed = true
		close(s.notes)
		s.nmu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"role":     s.opts.Role,
		}).Info("Session stopped")
	})
}
