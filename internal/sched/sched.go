// Package sched provides the single-threaded cooperative event loop the case
// DFU components run on. Events are delivered strictly in arrival order; timers
// are scheduled events that can be cancelled before they fire.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/vitaminmoo/casedfu/internal/event"
)

// Scheduler is the surface the state machines use. Nothing behind it blocks.
type Scheduler interface {
	// Post queues ev for delivery after everything already queued.
	Post(ev event.Event)
	// PostAfter queues ev once d has elapsed.
	PostAfter(d time.Duration, ev event.Event) *Timer
	// CancelAll cancels every pending timer for (to, id) and reports how many
	// were cancelled.
	CancelAll(to event.Target, id event.ID) int
	// Flush drops every queued event and pending timer addressed to to.
	Flush(to event.Target)
	// Now returns the scheduler's current time.
	Now() time.Time
}

// Handler processes one event.
type Handler func(ev event.Event)

// Timer is a pending delayed event.
type Timer struct {
	deadline time.Time
	seq      uint64
	ev       event.Event
	index    int
	loop     *Loop
}

// Stop cancels the timer. It reports false if the timer already fired or was
// cancelled.
func (t *Timer) Stop() bool {
	if t == nil || t.loop == nil {
		return false
	}
	return t.loop.stopTimer(t)
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop is the event loop. Post, PostAfter, CancelAll and Flush must only be
// called from the loop's own goroutine (from inside a handler, or before Run).
// Inject is the only method safe to call from other goroutines.
type Loop struct {
	handler Handler
	clock   Clock

	queue  []event.Event
	timers timerHeap
	seq    uint64

	inject   chan event.Event
	done     chan struct{}
	doneOnce sync.Once
	stopped  bool
	maxSteps int
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the loop clock. The default is the wall clock.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithMaxSteps bounds RunUntilIdle. Zero means unbounded.
func WithMaxSteps(n int) Option {
	return func(l *Loop) { l.maxSteps = n }
}

// New creates a loop delivering events to h.
func New(h Handler, opts ...Option) *Loop {
	l := &Loop{
		handler: h,
		clock:   WallClock{},
		inject:  make(chan event.Event, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetHandler replaces the event handler. Used when the handler owner is
// constructed after the loop.
func (l *Loop) SetHandler(h Handler) {
	l.handler = h
}

// Clock returns the loop clock.
func (l *Loop) Clock() Clock {
	return l.clock
}

func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

func (l *Loop) Post(ev event.Event) {
	l.queue = append(l.queue, ev)
}

func (l *Loop) PostAfter(d time.Duration, ev event.Event) *Timer {
	l.seq++
	t := &Timer{
		deadline: l.clock.Now().Add(d),
		seq:      l.seq,
		ev:       ev,
		loop:     l,
	}
	heap.Push(&l.timers, t)
	return t
}

func (l *Loop) stopTimer(t *Timer) bool {
	if t.index < 0 || t.index >= len(l.timers) || l.timers[t.index] != t {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

func (l *Loop) CancelAll(to event.Target, id event.ID) int {
	n := 0
	for i := 0; i < len(l.timers); {
		t := l.timers[i]
		if t.ev.To == to && t.ev.ID == id {
			heap.Remove(&l.timers, i)
			n++
			continue
		}
		i++
	}
	return n
}

func (l *Loop) Flush(to event.Target) {
	kept := l.queue[:0]
	for _, ev := range l.queue {
		if ev.To != to {
			kept = append(kept, ev)
		}
	}
	l.queue = kept
	for i := 0; i < len(l.timers); {
		if l.timers[i].ev.To == to {
			heap.Remove(&l.timers, i)
			continue
		}
		i++
	}
}

// Pending reports whether a timer for (to, id) is scheduled.
func (l *Loop) Pending(to event.Target, id event.ID) bool {
	for _, t := range l.timers {
		if t.ev.To == to && t.ev.ID == id {
			return true
		}
	}
	return false
}

// Inject hands an event from another goroutine (a transport reader, the TUI)
// to the loop. It is delivered after the currently queued events. Once Run
// has returned, Inject drops ev instead of waiting for a reader.
func (l *Loop) Inject(ev event.Event) {
	select {
	case l.inject <- ev:
	case <-l.done:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stop makes Run and RunUntilIdle return after the current event.
func (l *Loop) Stop() {
	l.stopped = true
}

// Step delivers one queued event. It reports false if the queue was empty.
func (l *Loop) Step() bool {
	if len(l.queue) == 0 {
		return false
	}
	ev := l.queue[0]
	l.queue[0] = event.Event{}
	l.queue = l.queue[1:]
	l.handler(ev)
	return true
}

// fireDue moves every timer whose deadline has passed onto the queue.
func (l *Loop) fireDue() {
	now := l.clock.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		l.queue = append(l.queue, t.ev)
	}
}

// RunUntilIdle drives the loop on a virtual clock: it drains the queue, then
// advances the clock to the next timer, until nothing is left or Stop is
// called. It returns the number of events delivered.
func (l *Loop) RunUntilIdle() int {
	vc, virtual := l.clock.(*VirtualClock)
	steps := 0
	l.stopped = false
	for !l.stopped {
		l.drainInjected()
		if l.Step() {
			steps++
			if l.maxSteps > 0 && steps >= l.maxSteps {
				return steps
			}
			continue
		}
		if len(l.timers) == 0 {
			return steps
		}
		if virtual {
			vc.Set(l.timers[0].deadline)
		}
		l.fireDue()
	}
	return steps
}

// Advance moves a virtual clock forward by d, delivering everything that
// becomes due on the way.
func (l *Loop) Advance(d time.Duration) {
	vc, ok := l.clock.(*VirtualClock)
	if !ok {
		return
	}
	end := vc.Now().Add(d)
	for {
		l.drainInjected()
		for l.Step() {
		}
		if len(l.timers) == 0 || l.timers[0].deadline.After(end) {
			break
		}
		vc.Set(l.timers[0].deadline)
		l.fireDue()
	}
	vc.Set(end)
}

func (l *Loop) drainInjected() {
	for {
		select {
		case ev := <-l.inject:
			l.queue = append(l.queue, ev)
		default:
			return
		}
	}
}

// Run drives the loop on the wall clock until ctx is done or Stop is called.
// A loop runs once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })
	l.stopped = false
	for !l.stopped {
		l.drainInjected()
		l.fireDue()
		if l.Step() {
			continue
		}

		var wake <-chan time.Time
		var tm *time.Timer
		if len(l.timers) > 0 {
			tm = time.NewTimer(time.Until(l.timers[0].deadline))
			wake = tm.C
		}
		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return ctx.Err()
		case ev := <-l.inject:
			l.queue = append(l.queue, ev)
		case <-wake:
		}
		if tm != nil {
			tm.Stop()
		}
	}
	return nil
}
