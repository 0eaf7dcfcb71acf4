package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

type dispatchLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *dispatchLog) handler(connID string, msg *protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	label := string(msg.Type)
	if msg.Type == protocol.TypeClipboardChange {
		var c protocol.ClipboardChange
		if err := msg.DecodeData(&c); err == nil {
			label += ":" + c.Content
		}
	}
	l.seen = append(l.seen, label)
}

func (l *dispatchLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func mustMessage(t *testing.T, typ protocol.MessageType, payload interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, payload)
	require.NoError(t, err)
	return msg
}

func clip(t *testing.T, content string) *protocol.Message {
	return mustMessage(t, protocol.TypeClipboardChange, protocol.ClipboardChange{Format: "text", Content: content})
}

func subscribeAll(q *Queue, l *dispatchLog) {
	for _, typ := range []protocol.MessageType{
		protocol.TypeHandshake, protocol.TypeMouseMove, protocol.TypeMouseClick, protocol.TypeKeyPress,
		protocol.TypeClipboardChange, protocol.TypeFileTransferStart, protocol.TypeFileTransferData,
		protocol.TypeFileTransferEnd,
	} {
		q.Subscribe(typ, l.handler)
	}
	q.SubscribeDefault(l.handler)
}

func TestClipboardCoalescingAndPriority(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	q := New(Options{Manual: true, Scope: scope})
	l := &dispatchLog{}
	subscribeAll(q, l)

	require.NoError(t, q.Enqueue("c1", clip(t, "first")))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{X: 1, Y: 2, NormalMove: true})))
	require.NoError(t, q.Enqueue("c1", clip(t, "second")))
	q.Drain()

	assert.Equal(t, []string{"mouse-move", "clipboard-change:second"}, l.list())
	assert.Equal(t, int64(1), metrics.Snapshot(scope)[metrics.ClipboardCoalesced])
	assert.Equal(t, 0, q.Len())
}

func TestPriorityOrderIsStable(t *testing.T) {
	q := New(Options{Manual: true})
	l := &dispatchLog{}
	subscribeAll(q, l)

	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeHandshake, protocol.Handshake{})))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeFileTransferStart, protocol.FileTransferStart{TransferID: "a"})))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeKeyPress, protocol.KeyPress{Key: "a"})))
	require.NoError(t, q.Enqueue("c1", &protocol.Message{Type: "future-thing", Timestamp: 1}))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeFileTransferData, protocol.FileTransferChunk{TransferID: "a"})))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseClick, protocol.MouseClick{Button: "left"})))
	require.NoError(t, q.Enqueue("c1", clip(t, "x")))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{})))
	require.Equal(t, 8, q.Len())

	q.Drain()

	assert.Equal(t, []string{
		"key-press", "mouse-click", "mouse-move",
		"clipboard-change:x",
		"file-transfer-start", "file-transfer-data",
		"handshake",
		"future-thing",
	}, l.list())
}

func TestDrainIsSingleFlight(t *testing.T) {
	q := New(Options{Manual: true})

	var active, maxActive int32
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	q.Subscribe(protocol.TypeFileTransferData, func(string, *protocol.Message) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		atomic.AddInt32(&active, -1)
	})

	chunk := mustMessage(t, protocol.TypeFileTransferData, protocol.FileTransferChunk{TransferID: "a"})
	require.NoError(t, q.Enqueue("c1", chunk))
	require.NoError(t, q.Enqueue("c1", chunk))

	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()
	<-entered

	// A second drain while one is running returns immediately.
	q.Drain()
	require.NoError(t, q.Enqueue("c1", chunk))

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not finish")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Len(t, entered, 2)
	assert.Equal(t, 0, q.Len())
}

func TestAutoDrainDispatchesEverything(t *testing.T) {
	q := New(Options{})
	var count int32
	q.SubscribeDefault(func(string, *protocol.Message) { atomic.AddInt32(&count, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeFileTransferEnd, protocol.FileTransferEnd{})))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 100 }, 3*time.Second, 5*time.Millisecond)
	q.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestInputPacingUsesClock(t *testing.T) {
	mock := clock.NewMock()
	q := New(Options{Manual: true, Clock: mock, InputPacing: 10 * time.Millisecond})

	var mu sync.Mutex
	var at []time.Time
	q.Subscribe(protocol.TypeMouseMove, func(string, *protocol.Message) {
		mu.Lock()
		at = append(at, mock.Now())
		mu.Unlock()
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{X: i})))
	}

	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		case <-time.After(5 * time.Millisecond):
			mock.Add(time.Millisecond)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, at, 3)
	// One mock tick may land between pacing and the handler reading Now.
	assert.GreaterOrEqual(t, at[1].Sub(at[0]), 9*time.Millisecond)
	assert.GreaterOrEqual(t, at[2].Sub(at[1]), 9*time.Millisecond)
}

func plainMoveTo(t *testing.T, x int) *protocol.Message {
	return mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{X: x, NormalMove: true})
}

func TestPlainMovesCollapseButControlMovesSurvive(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	q := New(Options{Manual: true, Scope: scope})

	var mu sync.Mutex
	var seen []string
	record := func(_ string, msg *protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		label := string(msg.Type)
		if msg.Type == protocol.TypeMouseMove {
			var mm protocol.MouseMove
			require.NoError(t, msg.DecodeData(&mm))
			switch {
			case mm.TransferToRemote:
				label = "transfer"
			case mm.ReturnToLocal:
				label = "return"
			default:
				label = fmt.Sprintf("move:%d", mm.X)
			}
		}
		seen = append(seen, label)
	}
	q.SubscribeDefault(record)

	for x := 0; x < 50; x++ {
		require.NoError(t, q.Enqueue("c1", plainMoveTo(t, x)))
	}
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{X: 50, TransferToRemote: true})))
	for x := 100; x < 150; x++ {
		require.NoError(t, q.Enqueue("c1", plainMoveTo(t, x)))
	}
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseClick, protocol.MouseClick{Button: "left"})))
	require.NoError(t, q.Enqueue("c1", plainMoveTo(t, 200)))
	require.NoError(t, q.Enqueue("c2", plainMoveTo(t, 300)))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeMouseMove, protocol.MouseMove{X: 201, ReturnToLocal: true})))
	require.Equal(t, 7, q.Len())

	q.Drain()

	assert.Equal(t, []string{
		"move:49", "transfer", "move:149", "mouse-click", "move:200", "move:300", "return",
	}, seen)
	assert.Equal(t, int64(98), metrics.Snapshot(scope)[metrics.MovesCoalesced])
}

func TestMoveBacklogStaysBoundedUnderPacing(t *testing.T) {
	mock := clock.NewMock()
	q := New(Options{Clock: mock, InputPacing: DefaultInputPacing})

	var handled, lastX int64
	q.Subscribe(protocol.TypeMouseMove, func(_ string, msg *protocol.Message) {
		var mm protocol.MouseMove
		if msg.DecodeData(&mm) == nil {
			atomic.StoreInt64(&lastX, int64(mm.X))
		}
		atomic.AddInt64(&handled, 1)
	})

	// 8ms between samples is faster than the 10ms pacing.
	const sent = 375
	for x := 0; x < sent; x++ {
		require.NoError(t, q.Enqueue("c1", plainMoveTo(t, x)))
		assert.LessOrEqual(t, q.Len(), 1)
		mock.Add(8 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		return atomic.LoadInt64(&lastX) == sent-1
	}, 3*time.Second, time.Millisecond)
	q.Wait()

	assert.Equal(t, 0, q.Len())
	assert.LessOrEqual(t, atomic.LoadInt64(&handled), int64(sent))
}

func TestHandlerPanicDoesNotStopDrain(t *testing.T) {
	q := New(Options{Manual: true})
	l := &dispatchLog{}
	q.Subscribe(protocol.TypeKeyPress, func(string, *protocol.Message) { panic("boom") })
	q.Subscribe(protocol.TypeHandshake, l.handler)

	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeKeyPress, protocol.KeyPress{Key: "a"})))
	require.NoError(t, q.Enqueue("c1", mustMessage(t, protocol.TypeHandshake, protocol.Handshake{})))

	assert.NotPanics(t, q.Drain)
	assert.Equal(t, []string{"handshake"}, l.list())
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := New(Options{Manual: true})
	require.NoError(t, q.Enqueue("c1", clip(t, "x")))
	q.Close()
	q.Close()

	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Enqueue("c1", clip(t, "y")), ErrClosed)
}
