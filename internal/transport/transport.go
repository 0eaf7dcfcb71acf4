// Package transport owns the TCP/TLS sockets between peers. It frames
// messages as newline-delimited JSON, delivers decoded messages to a single
// registered handler and writes outbound messages atomically per connection.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// Defaults
const (
	DefaultDialTimeout  = 8 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Method tells which mode an outbound connection ended up using.
type Method string

const (
	MethodTLS         Method = "TLS"
	MethodTCP         Method = "TCP"
	MethodTCPFallback Method = "TCP-fallback"
)

// Options configures a Transport.
type Options struct {
	// DialTimeout applies to each connection attempt independently.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// MaxLine bounds a single inbound frame.
	MaxLine int

	// Handshake returns the payload sent to every newly connected peer.
	Handshake func() protocol.Handshake

	// Certificate overrides the generated self-signed certificate.
	Certificate *tls.Certificate

	Scope tally.Scope
}

// MessageHandler receives every fully decoded inbound message.
type MessageHandler func(connID string, msg *protocol.Message)

// Transport manages listeners and connections.
type Transport struct {
	opts  Options
	cert  tls.Certificate
	scope tally.Scope

	mu        sync.RWMutex
	conns     map[string]*Connection
	servers   []*Server
	closed    bool
	closeOnce sync.Once

	hmu          sync.RWMutex
	onMessage    MessageHandler
	onConnect    func(connID string, secure bool)
	onDisconnect func(connID string)

	wg sync.WaitGroup
}

// New creates a Transport and its ephemeral TLS certificate.
func New(opts Options) (*Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = protocol.DefaultMaxLine
	}

	t := &Transport{
		opts:  opts,
		scope: metrics.OrNoop(opts.Scope),
		conns: make(map[string]*Connection),
	}

	if opts.Certificate != nil {
		t.cert = *opts.Certificate
	} else {
		cert, err := GenerateSelfSigned()
		if err != nil {
			return nil, err
		}
		t.cert = cert
	}

	return t, nil
}

// Connection is one live peer link.
type Connection struct {
	ID     string
	Secure bool
	Remote string
	// PeerFingerprint is the SHA-256 of the peer certificate on outbound TLS links.
	PeerFingerprint string

	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *Connection) write(data []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// close reports whether this call closed the connection.
func (c *Connection) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		c.conn.Close()
	})
	return first
}

// ConnectionInfo is the public view of a connection.
type ConnectionInfo struct {
	ID     string `json:"id"`
	Secure bool   `json:"secure"`
	Remote string `json:"remote"`
}

// OnMessage registers the receive callback, invoked once per decoded message
// from the connection's read goroutine.
func (t *Transport) OnMessage(h MessageHandler) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onMessage = h
}

// OnConnect registers a callback fired when a connection is established.
func (t *Transport) OnConnect(fn func(connID string, secure bool)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onConnect = fn
}

// OnDisconnect registers a callback fired exactly once per closed connection.
func (t *Transport) OnDisconnect(fn func(connID string)) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.onDisconnect = fn
}

// Server is a bound listener.
type Server struct {
	t      *Transport
	ln     net.Listener
	secure bool
	once   sync.Once
	done   chan struct{}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close stops accepting. Established connections stay open.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ln.Close()
	})
	return err
}

// Listen binds a TCP listener on port (0 picks a free port). With secure set
// accepted sockets are wrapped in TLS using the transport's certificate.
// Every accepted connection receives a handshake immediately.
func (t *Transport) Listen(ctx context.Context, port int, secure bool) (*Server, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}
	if secure {
		ln = tls.NewListener(ln, t.serverTLSConfig())
	}

	s := &Server{t: t, ln: ln, secure: secure, done: make(chan struct{})}

	t.mu.Lock()
	t.servers = append(t.servers, s)
	t.mu.Unlock()

	fields := logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
		"secure":   secure,
	}
	if secure && len(t.cert.Certificate) > 0 {
		fields["fingerprint"] = Fingerprint(t.cert.Certificate[0])
	}
	logrus.WithFields(fields).Info("Transport listening")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.acceptLoop()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.t.wg.Add(1)
		go func() {
			defer s.t.wg.Done()
			s.t.serveAccepted(conn, s.secure)
		}()
	}
}

func (t *Transport) serveAccepted(conn net.Conn, secure bool) {
	if tc, ok := conn.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveAccepted",
				"remote":   conn.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("TLS handshake with peer failed")
			conn.Close()
			return
		}
	}

	c := t.register(conn, secure)
	if c == nil {
		return
	}
	t.sendHandshake(c)
	t.readLoop(c)
}

// Connect dials host:port. With wantSecure it tries TLS first and, if the
// TLS handshake fails at the protocol level, retries once over plain TCP.
// Each attempt is bounded by the dial timeout.
func (t *Transport) Connect(ctx context.Context, host string, port int, wantSecure bool) (*Connection, Method, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	cerr := &ConnectError{Addr: addr}

	if wantSecure {
		cerr.TriedSecure = true
		conn, err := t.dialTLS(ctx, addr)
		if err == nil {
			c, rerr := t.adopt(conn, true)
			if rerr != nil {
				return nil, "", rerr
			}
			return c, MethodTLS, nil
		}
		cerr.SecureErr = err
		if !isProtocolError(ctx, err) {
			return nil, "", cerr
		}
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"addr":     addr,
			"error":    err.Error(),
		}).Warn("TLS handshake failed, retrying over plain TCP")
	}

	cerr.TriedPlain = true
	conn, err := t.dialPlain(ctx, addr)
	if err != nil {
		cerr.PlainErr = err
		return nil, "", cerr
	}
	c, err := t.adopt(conn, false)
	if err != nil {
		return nil, "", err
	}

	method := MethodTCP
	if wantSecure {
		method = MethodTCPFallback
		t.scope.Counter(metrics.TLSFallbacks).Inc(1)
	}
	return c, method, nil
}

func (t *Transport) dialPlain(ctx context.Context, addr string) (net.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(actx, "tcp", addr)
	if err != nil {
		return nil, &dialError{err: err}
	}
	return conn, nil
}

func (t *Transport) dialTLS(ctx context.Context, addr string) (net.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(actx, "tcp", addr)
	if err != nil {
		return nil, &dialError{err: err}
	}

	tc := tls.Client(raw, t.clientTLSConfig())
	if err := tc.HandshakeContext(actx); err != nil {
		raw.Close()
		return nil, err
	}
	return tc, nil
}

// adopt registers an outbound connection and starts reading from it.
func (t *Transport) adopt(conn net.Conn, secure bool) (*Connection, error) {
	c := t.register(conn, secure)
	if c == nil {
		return nil, ErrClosed
	}
	t.sendHandshake(c)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(c)
	}()
	return c, nil
}

func (t *Transport) register(conn net.Conn, secure bool) *Connection {
	c := &Connection{
		ID:     uuid.NewString(),
		Secure: secure,
		Remote: conn.RemoteAddr().String(),
		conn:   conn,
	}
	if tc, ok := conn.(*tls.Conn); ok {
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			c.PeerFingerprint = Fingerprint(certs[0].Raw)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conns[c.ID] = c
	t.mu.Unlock()

	t.scope.Counter(metrics.Connections).Inc(1)
	logrus.WithFields(logrus.Fields{
		"function":         "register",
		"connection_id":    c.ID,
		"remote":           c.Remote,
		"secure":           secure,
		"peer_fingerprint": c.PeerFingerprint,
	}).Info("Peer connected")

	t.hmu.RLock()
	fn := t.onConnect
	t.hmu.RUnlock()
	if fn != nil {
		fn(c.ID, secure)
	}
	return c
}

func (t *Transport) sendHandshake(c *Connection) {
	var payload protocol.Handshake
	if t.opts.Handshake != nil {
		payload = t.opts.Handshake()
	}
	payload.Secure = c.Secure

	msg, err := protocol.NewMessage(protocol.TypeHandshake, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendHandshake",
			"error":    err.Error(),
		}).Error("Failed to build handshake")
		return
	}
	t.Send(c.ID, msg)
}

func (t *Transport) readLoop(c *Connection) {
	defer t.drop(c, nil)

	r := protocol.NewReader(c.conn, t.opts.MaxLine)
	for {
		msg, err := r.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameParse) {
				t.scope.Counter(metrics.FrameParseErrors).Inc(1)
				logrus.WithFields(logrus.Fields{
					"function":      "readLoop",
					"connection_id": c.ID,
					"error":         err.Error(),
				}).Warn("Dropping malformed frame")
				continue
			}
			if !c.closed.Load() {
				logrus.WithFields(logrus.Fields{
					"function":      "readLoop",
					"connection_id": c.ID,
					"error":         err.Error(),
				}).Debug("Connection read ended")
			}
			return
		}

		t.hmu.RLock()
		h := t.onMessage
		t.hmu.RUnlock()
		if h != nil {
			h(c.ID, msg)
		}
	}
}

// drop closes c and, the first time only, unregisters it and notifies.
func (t *Transport) drop(c *Connection, cause error) {
	if !c.close() {
		return
	}

	t.mu.Lock()
	delete(t.conns, c.ID)
	t.mu.Unlock()

	t.scope.Counter(metrics.Disconnections).Inc(1)
	fields := logrus.Fields{
		"function":      "drop",
		"connection_id": c.ID,
		"remote":        c.Remote,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	logrus.WithFields(fields).Info("Peer disconnected")

	t.hmu.RLock()
	fn := t.onDisconnect
	t.hmu.RUnlock()
	if fn != nil {
		fn(c.ID)
	}
}

// Send writes msg to one connection. Unknown or unwritable connections make
// this a counted no-op; a write error closes the connection. It reports
// whether the frame was written.
func (t *Transport) Send(connID string, msg *protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"type":     msg.Type,
			"error":    err.Error(),
		}).Error("Failed to encode message")
		return false
	}

	t.mu.RLock()
	c := t.conns[connID]
	t.mu.RUnlock()
	if c == nil {
		t.scope.Counter(metrics.DroppedWrites).Inc(1)
		return false
	}
	return t.write(c, data)
}

// Broadcast writes msg to every open connection and returns how many
// writes succeeded.
func (t *Transport) Broadcast(msg *protocol.Message) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Broadcast",
			"type":     msg.Type,
			"error":    err.Error(),
		}).Error("Failed to encode message")
		return 0
	}

	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if t.write(c, data) {
			sent++
		}
	}
	return sent
}

func (t *Transport) write(c *Connection, data []byte) bool {
	err := c.write(data, t.opts.WriteTimeout)
	if err == nil {
		return true
	}
	t.scope.Counter(metrics.DroppedWrites).Inc(1)
	if !errors.Is(err, errConnClosed) {
		t.drop(c, fmt.Errorf("write: %w", err))
	}
	return false
}

// Disconnect closes one connection.
func (t *Transport) Disconnect(connID string) {
	t.mu.RLock()
	c := t.conns[connID]
	t.mu.RUnlock()
	if c != nil {
		t.drop(c, nil)
	}
}

// Connections lists the open connections.
func (t *Transport) Connections() []ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, ConnectionInfo{ID: c.ID, Secure: c.Secure, Remote: c.Remote})
	}
	return out
}

// IsConnected reports whether at least one connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns) > 0
}

// Close stops all listeners and closes every connection. It is safe to call
// more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		servers := t.servers
		t.servers = nil
		conns := make([]*Connection, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, s := range servers {
			s.Close()
		}
		for _, c := range conns {
			t.drop(c, nil)
		}
		t.wg.Wait()
	})
	return nil
}
