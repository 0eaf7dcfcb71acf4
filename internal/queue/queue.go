// Package queue buffers inbound messages and hands them to subscribers in
// priority order from a single drain loop.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/makeagreatcoup/inputleapcode/internal/metrics"
	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// DefaultInputPacing is the gap kept between two dispatched input events.
const DefaultInputPacing = 10 * time.Millisecond

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Handler consumes one dispatched message. Handlers run on the drain
// goroutine and must not call Drain.
type Handler func(connID string, msg *protocol.Message)

// Options configures a Queue.
type Options struct {
	// InputPacing is the minimum gap between two input dispatches. Zero
	// disables pacing.
	InputPacing time.Duration

	// Manual stops Enqueue from starting a drain; the owner calls Drain.
	Manual bool

	Clock clock.Clock
	Scope tally.Scope
}

type item struct {
	connID   string
	msg      *protocol.Message
	priority int
	seq      uint64
	plain    bool
}

// plainMove reports whether msg is a mouse-move that only repositions the
// cursor.
func plainMove(msg *protocol.Message) bool {
	if msg.Type != protocol.TypeMouseMove {
		return false
	}
	var mm protocol.MouseMove
	if err := msg.DecodeData(&mm); err != nil {
		return false
	}
	return mm.IsPlainMove()
}

// Queue is a stable priority queue with a single-flight drain loop.
type Queue struct {
	opts  Options
	clock clock.Clock
	scope tally.Scope

	mu        sync.Mutex
	items     []item
	seq       uint64
	draining  bool
	closed    bool
	handlers  map[protocol.MessageType]Handler
	fallback  Handler
	lastInput time.Time
	idle      *sync.Cond
}

// New creates a Queue.
func New(opts Options) *Queue {
	q := &Queue{
		opts:     opts,
		clock:    opts.Clock,
		scope:    metrics.OrNoop(opts.Scope),
		handlers: make(map[protocol.MessageType]Handler),
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Subscribe sets the handler for one message type, replacing any previous one.
func (q *Queue) Subscribe(t protocol.MessageType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// SubscribeDefault sets the handler for types with no dedicated subscriber.
func (q *Queue) SubscribeDefault(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fallback = h
}

// Enqueue inserts msg after every queued item of equal or higher priority
// and, unless the queue is manual, makes sure a drain is running. A plain
// mouse-move that lands right behind another plain move from the same
// connection replaces it, so moves arriving faster than the input pacing
// never build a backlog.
func (q *Queue) Enqueue(connID string, msg *protocol.Message) error {
	if msg == nil {
		return fmt.Errorf("queue: nil message")
	}
	plain := plainMove(msg)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	q.seq++
	it := item{connID: connID, msg: msg, priority: msg.Type.Priority(), seq: q.seq, plain: plain}
	i := len(q.items)
	for i > 0 && q.items[i-1].priority > it.priority {
		i--
	}
	if plain && i > 0 && q.items[i-1].plain && q.items[i-1].connID == connID {
		q.items[i-1] = it
		q.scope.Counter(metrics.MovesCoalesced).Inc(1)
	} else {
		q.items = append(q.items, item{})
		copy(q.items[i+1:], q.items[i:])
		q.items[i] = it
	}

	start := !q.opts.Manual && !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.run()
	}
	return nil
}

// Drain dispatches queued items until the queue is empty. If a drain is
// already in flight it returns immediately; items enqueued meanwhile are
// picked up by the running loop.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.run()
}

func (q *Queue) run() {
	for {
		it, h, ok := q.next()
		if !ok {
			return
		}
		if it.msg.Type.IsInput() {
			q.pace()
		}
		q.dispatch(h, it)
	}
}

// next pops the head, dropping superseded clipboard changes. When the queue
// is empty it clears the in-flight flag in the same critical section.
func (q *Queue) next() (item, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		it := q.items[0]
		q.items = q.items[1:]

		if it.msg.Type == protocol.TypeClipboardChange && q.hasClipboardLocked() {
			q.scope.Counter(metrics.ClipboardCoalesced).Inc(1)
			logrus.WithFields(logrus.Fields{
				"function": "next",
				"seq":      it.seq,
			}).Debug("Coalesced superseded clipboard change")
			continue
		}

		h := q.handlers[it.msg.Type]
		if h == nil {
			h = q.fallback
		}
		return it, h, true
	}

	q.items = nil
	q.draining = false
	q.idle.Broadcast()
	return item{}, nil, false
}

func (q *Queue) hasClipboardLocked() bool {
	for _, other := range q.items {
		if other.msg.Type == protocol.TypeClipboardChange {
			return true
		}
	}
	return false
}

func (q *Queue) pace() {
	if q.opts.InputPacing <= 0 {
		return
	}
	q.mu.Lock()
	last := q.lastInput
	q.mu.Unlock()

	if !last.IsZero() {
		if wait := q.opts.InputPacing - q.clock.Now().Sub(last); wait > 0 {
			q.clock.Sleep(wait)
		}
	}

	q.mu.Lock()
	q.lastInput = q.clock.Now()
	q.mu.Unlock()
}

func (q *Queue) dispatch(h Handler, it item) {
	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     it.msg.Type,
		}).Debug("No subscriber for message type, ignoring")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "dispatch",
				"type":          it.msg.Type,
				"connection_id": it.connID,
				"panic":         fmt.Sprint(r),
			}).Error("Subscriber panicked")
		}
	}()

	h(it.connID, it.msg)
	q.scope.Counter(metrics.QueueDispatched).Inc(1)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until no drain is in flight.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.draining {
		q.idle.Wait()
	}
}

// Close drops pending items and rejects further Enqueue calls. A running
// drain finishes its current dispatch and stops.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
}
