// Package edge decides when control of the pointer moves between machines
// and applies pointer events received from peers to the local cursor.
package edge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/platform"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

const inboxSize = 64

// Emitter receives every outbound pointer event. Plain moves must not
// block; control events may wait for room.
type Emitter func(ev protocol.MouseMove)

// State is the edge state of this machine. It is owned by the Machine.
type State struct {
	AtEdge      bool          `json:"atEdge"`
	CurrentEdge protocol.Edge `json:"currentEdge"`

	// Transferred is set while this machine's pointer drives a peer.
	Transferred bool `json:"transferred"`

	// Controlled is set while a peer drives this machine's cursor.
	Controlled bool `json:"controlled"`

	RemoteMoving       bool      `json:"remoteMoving"`
	RemoteMoveDeadline time.Time `json:"remoteMoveDeadline"`
	LastTransferTime   time.Time `json:"lastTransferTime"`
	EdgeSince          time.Time `json:"edgeSince"`

	LastPoint protocol.Point `json:"lastPoint"`

	// Pointer is the position driven on the peer, in local coordinates.
	Pointer protocol.Point `json:"pointer"`
}

// Options configures a Machine.
type Options struct {
	Config Config
	Input  platform.Input
	Emit   Emitter
	Clock  clock.Clock
	Scope  tally.Scope
}

// Machine runs edge detection on local samples and applies inbound pointer
// events. All State changes happen on the goroutine running Run, or on the
// caller's goroutine when the handlers are driven directly.
type Machine struct {
	cfg    Config
	in     platform.Input
	emit   Emitter
	clock  clock.Clock
	scope  tally.Scope
	bounds protocol.ScreenBounds

	state     State
	anchor    protocol.Point
	overshoot int
	published atomic.Pointer[State]

	inbox   chan protocol.MouseMove
	returns chan struct{}
	running atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Machine for the screen reported by opts.Input.
func New(opts Options) (*Machine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Input == nil {
		return nil, fmt.Errorf("edge: input is required")
	}

	bounds, err := opts.Input.ScreenBounds()
	if err != nil {
		return nil, fmt.Errorf("edge: screen bounds: %w", err)
	}
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("edge: %w", err)
	}

	m := &Machine{
		cfg:     opts.Config,
		in:      opts.Input,
		emit:    opts.Emit,
		clock:   opts.Clock,
		scope:   metrics.OrNoop(opts.Scope),
		bounds:  bounds,
		inbox:   make(chan protocol.MouseMove, inboxSize),
		returns: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if p, err := opts.Input.SamplePosition(); err == nil {
		m.state.LastPoint = p
	}
	m.publish()
	return m, nil
}

// Bounds returns the local screen bounds.
func (m *Machine) Bounds() protocol.ScreenBounds {
	return m.bounds
}

// Snapshot returns a copy of the most recently published state.
func (m *Machine) Snapshot() State {
	return *m.published.Load()
}

// Run samples the cursor every SampleInterval and applies queued inbound
// events until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("edge: machine already running")
	}
	defer m.running.Store(false)

	ticker := m.clock.Ticker(m.cfg.SampleInterval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"bounds":   m.bounds.String(),
		"policy":   m.cfg.Policy,
	}).Info("Edge sampling started")

	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Run",
			}).Info("Edge sampling stopped")
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			p, err := m.in.SamplePosition()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Trace("Cursor sample failed")
				continue
			}
			m.handleSample(p)
		case ev := <-m.inbox:
			if err := m.handleRemote(ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Warn("Failed to apply remote pointer event")
			}
		case <-m.returns:
			m.returnToLocal()
		}
	}
}

// Apply queues an inbound pointer event for the Run loop. A plain move is
// dropped when the inbox is full since the next one supersedes it; any
// other event waits for room until the machine is closed.
func (m *Machine) Apply(ev protocol.MouseMove) {
	if ev.IsPlainMove() {
		select {
		case m.inbox <- ev:
		default:
			m.scope.Counter(metrics.MovesDropped).Inc(1)
		}
		return
	}
	select {
	case m.inbox <- ev:
	case <-m.done:
		logrus.WithFields(logrus.Fields{
			"function": "Apply",
			"edge":     ev.Edge.String(),
		}).Debug("Machine closed, discarding pointer event")
	}
}

// Close stops Run and releases callers waiting in Apply. It is safe to call
// more than once.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// ReturnToLocal asks the Run loop to end the current transfer, whichever
// side of it this machine is on.
func (m *Machine) ReturnToLocal() {
	select {
	case m.returns <- struct{}{}:
	default:
	}
}

func (m *Machine) handleSample(p protocol.Point) {
	defer m.publish()
	now := m.clock.Now()
	s := &m.state

	if s.RemoteMoving {
		if now.Before(s.RemoteMoveDeadline) {
			if p != s.LastPoint {
				m.scope.Counter(metrics.SuppressedFeedbacks).Inc(1)
			}
			s.LastPoint = p
			return
		}
		s.RemoteMoving = false
	}

	if s.Controlled {
		s.LastPoint = p
		return
	}

	if s.Transferred {
		m.track(p)
		return
	}

	edge := DetectEdge(p, m.bounds, m.cfg.Threshold)
	switch {
	case edge != protocol.EdgeNone && (!s.AtEdge || edge != s.CurrentEdge):
		s.AtEdge = true
		s.CurrentEdge = edge
		s.EdgeSince = now
		logrus.WithFields(logrus.Fields{
			"function": "handleSample",
			"edge":     edge.String(),
			"x":        p.X,
			"y":        p.Y,
		}).Debug("Cursor reached edge")
		m.send(protocol.MouseMove{X: p.X, Y: p.Y, Edge: edge, EnterEdge: true})

	case edge != protocol.EdgeNone:
		held := now.Sub(s.EdgeSince) >= m.cfg.Debounce
		cooled := s.LastTransferTime.IsZero() || now.Sub(s.LastTransferTime) >= m.cfg.Cooldown
		if held && cooled {
			m.transfer(p, edge, now)
		}

	case s.AtEdge:
		s.AtEdge = false
		s.CurrentEdge = protocol.EdgeNone
		m.send(protocol.MouseMove{X: p.X, Y: p.Y, LeaveEdge: true})
	}

	s.LastPoint = p
}

func (m *Machine) transfer(p protocol.Point, edge protocol.Edge, now time.Time) {
	s := &m.state
	s.AtEdge = false
	s.Transferred = true
	s.CurrentEdge = edge
	s.LastTransferTime = now
	s.Pointer = RemapEntry(p, edge, m.bounds, m.bounds, m.cfg.EntryInset)
	m.overshoot = 0

	logrus.WithFields(logrus.Fields{
		"function": "transfer",
		"edge":     edge.String(),
		"x":        p.X,
		"y":        p.Y,
	}).Info("Transferring control to peer")
	m.send(protocol.MouseMove{X: p.X, Y: p.Y, Edge: edge, TransferToRemote: true})

	m.anchor = p
	m.hold(p)
}

// hold re-places the local cursor according to the policy and records
// where the next motion is measured from.
func (m *Machine) hold(p protocol.Point) {
	var target protocol.Point
	switch m.cfg.Policy {
	case PolicyClamp:
		target = m.bounds.Clamp(p, m.cfg.EntryInset)
	case PolicyPark:
		target = m.bounds.Center()
	default:
		m.anchor = p
		return
	}
	if target == p {
		m.anchor = p
		return
	}
	if err := platform.Place(m.in, target); err != nil {
		m.scope.Counter(metrics.PlacementFailures).Inc(1)
		logrus.WithFields(logrus.Fields{
			"function": "hold",
			"error":    err.Error(),
		}).Debug("Failed to hold cursor, tracking free motion")
		m.anchor = p
		return
	}
	m.anchor = target
	m.state.LastPoint = target
}

// track forwards local motion to the peer while transferred and returns
// control once the pointer is pushed back out through the facing side.
func (m *Machine) track(p protocol.Point) {
	s := &m.state
	if p == m.anchor {
		s.LastPoint = p
		return
	}
	dx, dy := p.X-m.anchor.X, p.Y-m.anchor.Y
	s.LastPoint = p
	m.hold(p)

	raw := protocol.Point{X: s.Pointer.X + dx, Y: s.Pointer.Y + dy}
	if out := m.beyondFacing(raw); out > 0 {
		m.overshoot += out
	} else {
		m.overshoot = 0
	}
	s.Pointer = m.bounds.Clamp(raw, 0)

	if m.overshoot > m.cfg.Hysteresis {
		m.comeBack()
		return
	}

	m.send(protocol.MouseMove{X: s.Pointer.X, Y: s.Pointer.Y, NormalMove: true})
}

// beyondFacing returns how far raw lies past the side of the peer screen
// that faces this machine.
func (m *Machine) beyondFacing(raw protocol.Point) int {
	b := m.bounds
	switch m.state.CurrentEdge {
	case protocol.EdgeRight:
		return b.Left - raw.X
	case protocol.EdgeLeft:
		return raw.X - (b.Right - 1)
	case protocol.EdgeBottom:
		return b.Top - raw.Y
	case protocol.EdgeTop:
		return raw.Y - (b.Bottom - 1)
	}
	return 0
}

// comeBack ends a transfer because the pointer was pushed back across.
func (m *Machine) comeBack() {
	s := &m.state
	edge := s.CurrentEdge
	back := RemapEntry(s.Pointer, edge.Opposite(), m.bounds, m.bounds, m.cfg.EntryInset)
	m.reset()

	logrus.WithFields(logrus.Fields{
		"function": "comeBack",
		"edge":     edge.String(),
	}).Info("Control returned from peer")
	m.send(protocol.MouseMove{X: back.X, Y: back.Y, Edge: edge, LeaveEdge: true, ReturnToLocal: true})

	if err := platform.Place(m.in, back); err != nil {
		m.scope.Counter(metrics.PlacementFailures).Inc(1)
		logrus.WithFields(logrus.Fields{
			"function": "comeBack",
			"error":    err.Error(),
		}).Warn("Failed to place returning cursor")
		return
	}
	s.LastPoint = back
}

func (m *Machine) reset() {
	s := &m.state
	s.Transferred = false
	s.Controlled = false
	s.AtEdge = false
	s.CurrentEdge = protocol.EdgeNone
	m.overshoot = 0
}

// returnToLocal handles a local request to end the transfer.
func (m *Machine) returnToLocal() {
	defer m.publish()
	s := &m.state

	switch {
	case s.Transferred:
		m.reset()
		c := m.bounds.Center()
		m.send(protocol.MouseMove{X: c.X, Y: c.Y, ReturnToLocal: true})
		if err := platform.Place(m.in, c); err != nil {
			m.scope.Counter(metrics.PlacementFailures).Inc(1)
			logrus.WithFields(logrus.Fields{
				"function": "returnToLocal",
				"error":    err.Error(),
			}).Warn("Failed to center cursor")
			return
		}
		s.LastPoint = c
	case s.Controlled:
		m.reset()
		p := s.LastPoint
		m.send(protocol.MouseMove{X: p.X, Y: p.Y, ReturnToLocal: true})
	}
}

// handleRemote applies one inbound pointer event. Placement failures are
// returned but leave the state consistent and the guard armed to expire.
func (m *Machine) handleRemote(ev protocol.MouseMove) error {
	defer m.publish()
	s := &m.state

	switch {
	case ev.ReturnToLocal:
		if !s.Transferred && !s.Controlled {
			return nil
		}
		m.reset()
		logrus.WithFields(logrus.Fields{
			"function": "handleRemote",
		}).Info("Peer ended the transfer")
		return m.placeRemote(m.bounds.Center())

	case ev.TransferToRemote:
		if err := ev.ScreenBounds.Validate(); err != nil {
			return fmt.Errorf("edge: transfer from peer: %w", err)
		}
		if s.Transferred {
			m.reset()
		}
		s.Controlled = true
		s.AtEdge = false
		s.CurrentEdge = protocol.EdgeNone
		target := RemapEntry(ev.Point(), ev.Edge, ev.ScreenBounds, m.bounds, m.cfg.EntryInset)
		logrus.WithFields(logrus.Fields{
			"function": "handleRemote",
			"edge":     ev.Edge.String(),
			"x":        target.X,
			"y":        target.Y,
		}).Info("Peer transferred control here")
		return m.placeRemote(target)

	case ev.NormalMove:
		if !s.Controlled {
			return nil
		}
		if err := ev.ScreenBounds.Validate(); err != nil {
			return fmt.Errorf("edge: move from peer: %w", err)
		}
		return m.placeRemote(RemapScale(ev.Point(), ev.ScreenBounds, m.bounds))
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleRemote",
		"edge":       ev.Edge.String(),
		"enter_edge": ev.EnterEdge,
		"leave_edge": ev.LeaveEdge,
	}).Trace("Peer edge notice")
	return nil
}

// placeRemote arms the feedback guard and then moves the cursor, so the
// guard expires on schedule even when the placement fails.
func (m *Machine) placeRemote(p protocol.Point) error {
	s := &m.state
	s.RemoteMoving = true
	s.RemoteMoveDeadline = m.clock.Now().Add(m.cfg.GuardWindow)

	if err := platform.Place(m.in, p); err != nil {
		m.scope.Counter(metrics.PlacementFailures).Inc(1)
		return err
	}
	return nil
}

func (m *Machine) send(ev protocol.MouseMove) {
	if m.emit == nil {
		return
	}
	ev.ScreenBounds = m.bounds
	m.emit(ev)
}

func (m *Machine) publish() {
	cp := m.state
	m.published.Store(&cp)
}
