package edge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/platform"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

type emitted struct {
	mu     sync.Mutex
	events []protocol.MouseMove
}

func (e *emitted) emit(ev protocol.MouseMove) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *emitted) take() []protocol.MouseMove {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

type rig struct {
	m     *Machine
	v     *platform.Virtual
	out   *emitted
	clock *clock.Mock
	scope tally.TestScope
}

func newRig(t *testing.T, bounds protocol.ScreenBounds, mock *clock.Mock, mutate func(*Config)) *rig {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r := &rig{
		v:     platform.NewVirtual(bounds),
		out:   &emitted{},
		clock: mock,
		scope: tally.NewTestScope("", nil),
	}
	m, err := New(Options{Config: cfg, Input: r.v, Emit: r.out.emit, Clock: mock, Scope: r.scope})
	require.NoError(t, err)
	r.m = m
	return r
}

// sample moves the virtual mouse and feeds one sampler tick.
func (r *rig) sample(x, y int) {
	r.v.Move(x, y)
	p, _ := r.v.SamplePosition()
	r.m.handleSample(p)
}

// tick feeds one sampler tick at the current virtual position.
func (r *rig) tick() {
	p, _ := r.v.SamplePosition()
	r.m.handleSample(p)
}

func TestEdgeToEdgeTransferBetweenIdenticalScreens(t *testing.T) {
	mock := clock.NewMock()
	screen := protocol.NewScreenBounds(0, 0, 1920, 1080)
	server := newRig(t, screen, mock, nil)
	client := newRig(t, screen, mock, nil)

	server.sample(1918, 540)
	events := server.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].EnterEdge)
	assert.Equal(t, protocol.EdgeRight, events[0].Edge)
	assert.Equal(t, screen, events[0].ScreenBounds)
	assert.True(t, server.m.Snapshot().AtEdge)

	// Held, but not yet past the debounce interval.
	mock.Add(20 * time.Millisecond)
	server.sample(1918, 540)
	assert.Empty(t, server.out.take())

	mock.Add(30 * time.Millisecond)
	server.sample(1918, 540)
	events = server.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].TransferToRemote)
	assert.Equal(t, protocol.EdgeRight, events[0].Edge)
	assert.True(t, server.m.Snapshot().Transferred)

	require.NoError(t, client.m.handleRemote(events[0]))
	placements := client.v.Placements()
	require.NotEmpty(t, placements)
	assert.Equal(t, protocol.Point{X: 20, Y: 540}, placements[len(placements)-1])
	assert.True(t, client.m.Snapshot().Controlled)
	assert.Empty(t, client.out.take())
}

func TestJitterSampleDoesNotTransfer(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	r.sample(1919, 300)
	mock.Add(10 * time.Millisecond)
	r.sample(1700, 300)
	mock.Add(100 * time.Millisecond)
	r.sample(1700, 310)

	events := r.out.take()
	require.Len(t, events, 2)
	assert.True(t, events[0].EnterEdge)
	assert.True(t, events[1].LeaveEdge)
	assert.False(t, r.m.Snapshot().Transferred)
}

func TestIdleMovementIsNotForwarded(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	for x := 500; x < 600; x += 10 {
		mock.Add(8 * time.Millisecond)
		r.sample(x, 500)
	}
	assert.Empty(t, r.out.take())
}

func TestAntiFeedbackGuard(t *testing.T) {
	mock := clock.NewMock()
	// Small enough that the center is within the threshold of a side.
	r := newRig(t, protocol.NewScreenBounds(0, 0, 8, 8), mock, nil)
	peer := protocol.NewScreenBounds(0, 0, 1920, 1080)

	require.NoError(t, r.m.handleRemote(protocol.MouseMove{X: 1919, Y: 500, Edge: protocol.EdgeRight, ScreenBounds: peer, TransferToRemote: true}))
	require.NoError(t, r.m.handleRemote(protocol.MouseMove{X: 0, Y: 0, ScreenBounds: peer, ReturnToLocal: true}))

	placements := r.v.Placements()
	center := placements[len(placements)-1]
	assert.Equal(t, protocol.Point{X: 4, Y: 4}, center)
	assert.True(t, r.m.Snapshot().RemoteMoving)

	r.tick()
	mock.Add(100 * time.Millisecond)
	r.tick()
	assert.Empty(t, r.out.take())

	mock.Add(100 * time.Millisecond)
	r.tick()
	events := r.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].EnterEdge)
	assert.Equal(t, protocol.EdgeLeft, events[0].Edge)
}

func TestGuardSuppressesPlacedCursorAtEdge(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)
	peer := protocol.NewScreenBounds(0, 0, 1920, 1080)

	require.NoError(t, r.m.handleRemote(protocol.MouseMove{X: 0, Y: 500, Edge: protocol.EdgeLeft, ScreenBounds: peer, TransferToRemote: true}))
	require.NoError(t, r.m.handleRemote(protocol.MouseMove{X: 1919, Y: 500, ScreenBounds: peer, NormalMove: true}))

	placements := r.v.Placements()
	assert.Equal(t, protocol.Point{X: 1919, Y: 500}, placements[len(placements)-1])

	r.sample(1910, 500)
	assert.Empty(t, r.out.take())
	assert.Equal(t, int64(1), metrics.Snapshot(r.scope)[metrics.SuppressedFeedbacks])

	// Still controlled by the peer after the guard expires.
	mock.Add(time.Second)
	r.sample(1919, 500)
	assert.Empty(t, r.out.take())
}

func TestPlacementFailureDoesNotWedge(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)
	peer := protocol.NewScreenBounds(0, 0, 1920, 1080)

	r.v.FailPlacement(errors.New("no accessibility permission"))
	err := r.m.handleRemote(protocol.MouseMove{X: 1919, Y: 500, Edge: protocol.EdgeRight, ScreenBounds: peer, TransferToRemote: true})

	var perr *platform.PlacementError
	require.ErrorAs(t, err, &perr)
	state := r.m.Snapshot()
	assert.True(t, state.Controlled)
	assert.True(t, state.RemoteMoving)
	assert.Equal(t, int64(1), metrics.Snapshot(r.scope)[metrics.PlacementFailures])

	mock.Add(200 * time.Millisecond)
	r.tick()
	assert.False(t, r.m.Snapshot().RemoteMoving)

	r.v.FailPlacement(nil)
	require.NoError(t, r.m.handleRemote(protocol.MouseMove{X: 100, Y: 100, ScreenBounds: peer, NormalMove: true}))
	placements := r.v.Placements()
	assert.Equal(t, protocol.Point{X: 100, Y: 100}, placements[len(placements)-1])
}

func TestNormalMoveIgnoredUnlessControlled(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	err := r.m.handleRemote(protocol.MouseMove{X: 10, Y: 10, ScreenBounds: protocol.NewScreenBounds(0, 0, 800, 600), NormalMove: true})
	require.NoError(t, err)
	assert.Empty(t, r.v.Placements())
}

func TestTransferredMotionAndReturnByHysteresis(t *testing.T) {
	mock := clock.NewMock()
	screen := protocol.NewScreenBounds(0, 0, 1920, 1080)
	r := newRig(t, screen, mock, func(c *Config) { c.Policy = PolicyFree })

	r.sample(1918, 540)
	mock.Add(60 * time.Millisecond)
	r.sample(1918, 540)
	r.out.take()
	require.Equal(t, protocol.Point{X: 20, Y: 540}, r.m.Snapshot().Pointer)

	r.sample(1908, 550)
	events := r.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].NormalMove)
	assert.Equal(t, protocol.Point{X: 10, Y: 550}, events[0].Point())

	// Pushed against the facing side, not yet past the margin.
	r.sample(1893, 550)
	events = r.out.take()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.Point{X: 0, Y: 550}, events[0].Point())
	assert.True(t, r.m.Snapshot().Transferred)

	r.sample(1868, 550)
	events = r.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].ReturnToLocal)
	assert.True(t, events[0].LeaveEdge)
	assert.Equal(t, protocol.Point{X: 1900, Y: 550}, events[0].Point())

	state := r.m.Snapshot()
	assert.False(t, state.Transferred)
	assert.Equal(t, protocol.EdgeNone, state.CurrentEdge)
	placements := r.v.Placements()
	assert.Equal(t, protocol.Point{X: 1900, Y: 550}, placements[len(placements)-1])
}

func TestCooldownDelaysRetransfer(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	r.sample(1918, 540)
	mock.Add(50 * time.Millisecond)
	r.sample(1918, 540)
	require.True(t, r.m.Snapshot().Transferred)

	r.m.returnToLocal()
	require.False(t, r.m.Snapshot().Transferred)
	r.out.take()

	mock.Add(10 * time.Millisecond)
	r.sample(1918, 540)
	mock.Add(100 * time.Millisecond)
	r.sample(1918, 540)
	assert.False(t, r.m.Snapshot().Transferred)

	mock.Add(400 * time.Millisecond)
	r.sample(1918, 540)
	assert.True(t, r.m.Snapshot().Transferred)
}

func TestParkPolicyHoldsCursorAtCenter(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, func(c *Config) { c.Policy = PolicyPark })

	r.sample(2, 300)
	mock.Add(50 * time.Millisecond)
	r.sample(2, 300)
	require.True(t, r.m.Snapshot().Transferred)
	assert.Equal(t, protocol.Point{X: 960, Y: 540}, r.v.Placements()[0])
	assert.Equal(t, protocol.Point{X: 1900, Y: 300}, r.m.Snapshot().Pointer)
	r.out.take()

	r.sample(950, 545)
	events := r.out.take()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.Point{X: 1890, Y: 305}, events[0].Point())

	p, _ := r.v.SamplePosition()
	assert.Equal(t, protocol.Point{X: 960, Y: 540}, p)

	r.tick()
	assert.Empty(t, r.out.take())
}

func TestReturnToLocalFromController(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	r.sample(1918, 540)
	mock.Add(50 * time.Millisecond)
	r.sample(1918, 540)
	r.out.take()

	r.m.returnToLocal()
	events := r.out.take()
	require.Len(t, events, 1)
	assert.True(t, events[0].ReturnToLocal)
	assert.Equal(t, protocol.Point{X: 960, Y: 540}, events[0].Point())

	// Nothing to return once idle.
	r.m.returnToLocal()
	assert.Empty(t, r.out.take())
}

func TestPeerReturnEndsOurTransfer(t *testing.T) {
	mock := clock.NewMock()
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), mock, nil)

	r.sample(1918, 540)
	mock.Add(50 * time.Millisecond)
	r.sample(1918, 540)
	require.True(t, r.m.Snapshot().Transferred)

	require.NoError(t, r.m.handleRemote(protocol.MouseMove{ScreenBounds: protocol.NewScreenBounds(0, 0, 800, 600), ReturnToLocal: true}))
	state := r.m.Snapshot()
	assert.False(t, state.Transferred)
	placements := r.v.Placements()
	assert.Equal(t, protocol.Point{X: 960, Y: 540}, placements[len(placements)-1])
}

func TestRunLoopAppliesAndStops(t *testing.T) {
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), clock.NewMock(), nil)
	peer := protocol.NewScreenBounds(0, 0, 1920, 1080)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.m.Run(ctx) }()

	r.m.Apply(protocol.MouseMove{X: 1919, Y: 540, Edge: protocol.EdgeRight, ScreenBounds: peer, TransferToRemote: true})
	require.Eventually(t, func() bool { return r.m.Snapshot().Controlled }, 2*time.Second, 5*time.Millisecond)

	r.m.ReturnToLocal()
	require.Eventually(t, func() bool { return !r.m.Snapshot().Controlled }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFullInboxDropsOnlyPlainMoves(t *testing.T) {
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), clock.NewMock(), nil)
	peer := protocol.NewScreenBounds(0, 0, 1920, 1080)

	for i := 0; i < inboxSize+1; i++ {
		r.m.Apply(protocol.MouseMove{X: i, ScreenBounds: peer, NormalMove: true})
	}
	assert.Len(t, r.m.inbox, inboxSize)
	assert.Equal(t, int64(1), metrics.Snapshot(r.scope)[metrics.MovesDropped])

	applied := make(chan struct{})
	go func() {
		r.m.Apply(protocol.MouseMove{X: 1919, ScreenBounds: peer, ReturnToLocal: true})
		close(applied)
	}()
	select {
	case <-applied:
		t.Fatal("control event was not held back by the full inbox")
	case <-time.After(50 * time.Millisecond):
	}

	<-r.m.inbox
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("control event not queued once room was made")
	}

	var last protocol.MouseMove
	for len(r.m.inbox) > 0 {
		last = <-r.m.inbox
	}
	assert.True(t, last.ReturnToLocal)
	assert.Equal(t, int64(1), metrics.Snapshot(r.scope)[metrics.MovesDropped])
}

func TestCloseReleasesBlockedApply(t *testing.T) {
	r := newRig(t, protocol.NewScreenBounds(0, 0, 1920, 1080), clock.NewMock(), nil)
	for i := 0; i < inboxSize; i++ {
		r.m.Apply(protocol.MouseMove{NormalMove: true})
	}

	applied := make(chan struct{})
	go func() {
		r.m.Apply(protocol.MouseMove{TransferToRemote: true})
		close(applied)
	}()

	r.m.Close()
	r.m.Close()
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply still blocked after Close")
	}
	assert.NoError(t, r.m.Run(context.Background()))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleInterval = 0
	_, err := New(Options{Config: cfg, Input: platform.NewVirtual(protocol.NewScreenBounds(0, 0, 10, 10))})
	assert.Error(t, err)

	_, err = New(Options{Config: DefaultConfig(), Input: platform.NewVirtual(protocol.ScreenBounds{})})
	assert.ErrorIs(t, err, protocol.ErrInvalidBounds)
}
