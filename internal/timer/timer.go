// Package timer implements the single-threaded timer service that every
// other gsmstack component schedules work on: the FSM runtime's per-instance
// timers, the NS-VC RESET/BLOCK/ALIVE timers, and the BSSGP flow-control
// dequeue timer. It is modeled directly on the rbtree-of-deadlines plus
// eviction-list design of osmocom's osmo_timer_list / osmo_timers_update,
// reworked as a Go min-heap since there is no ordered-container in the
// standard library's exported surface that fits the same role.
package timer

import (
	"container/heap"
	"time"
)

// CallbackFunc is invoked when a Timer fires. It may freely schedule,
// reschedule, or cancel any Timer owned by the same Wheel, including the
// Timer whose callback is currently running.
type CallbackFunc func()

// Timer is a single scheduled callback, obtained via Wheel.NewTimer. The
// zero value is bound to no Wheel and cannot be scheduled.
type Timer struct {
	deadline time.Time
	cb       CallbackFunc
	active   bool
	index    int // position in the heap, maintained by container/heap; -1 if not in heap
	snap     int // position in the current dispatch snapshot; -1 if not captured
	wheel    *Wheel
}

// Active reports whether the timer is currently scheduled.
func (t *Timer) Active() bool { return t.active }

// Deadline returns the absolute time the timer is scheduled to fire. The
// value is only meaningful while Active() is true.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Schedule arms the timer at now+d, first cancelling any previous arming.
// Rescheduling an active timer is always legal and simply moves it.
func (t *Timer) Schedule(d time.Duration) {
	t.wheel.schedule(t, d)
}

// Cancel disarms the timer. It is idempotent: cancelling an inactive timer
// is a no-op.
func (t *Timer) Cancel() {
	t.wheel.cancel(t)
}

// Wheel is a single-threaded ordered set of Timers keyed on absolute
// expiry, plus a scheduler hook (Nearest) for driving a select/poll loop.
// A Wheel is not safe for concurrent use; every other gsmstack component is
// a single-threaded client of one Wheel, per the concurrency model in
// spec.md §5.
type Wheel struct {
	heap        timerHeap
	now         func() time.Time
	dispatching []*Timer // non-nil only while Update is iterating the due snapshot
}

// New creates an empty timer wheel. nowFn overrides the clock source for
// tests; pass nil to use time.Now.
func New(nowFn func() time.Time) *Wheel {
	if nowFn == nil {
		nowFn = time.Now
	}
	w := &Wheel{now: nowFn}
	heap.Init(&w.heap)
	return w
}

// NewTimer allocates a Timer bound to this wheel, initially inactive.
func (w *Wheel) NewTimer(cb CallbackFunc) *Timer {
	return &Timer{cb: cb, index: -1, snap: -1, wheel: w}
}

func (w *Wheel) schedule(t *Timer, d time.Duration) {
	w.cancel(t)
	t.deadline = w.now().Add(d)
	t.active = true
	heap.Push(&w.heap, t)
}

// cancel disarms t, whether it currently lives in the live heap or in the
// in-progress dispatch snapshot (see Update). This mirrors osmo_timer_del,
// which removes a timer from both the rbtree and, if present, the
// in-progress eviction list.
func (w *Wheel) cancel(t *Timer) {
	if !t.active {
		return
	}
	t.active = false
	if t.snap >= 0 {
		if w.dispatching != nil && t.snap < len(w.dispatching) && w.dispatching[t.snap] == t {
			w.dispatching[t.snap] = nil
		}
		t.snap = -1
		return
	}
	if t.index >= 0 && t.index < len(w.heap) && w.heap[t.index] == t {
		heap.Remove(&w.heap, t.index)
	}
}

// Nearest returns the duration until the earliest pending deadline, or
// false if no timer is scheduled. A non-positive duration means a timer is
// already due and Update should be called without waiting.
func (w *Wheel) Nearest() (time.Duration, bool) {
	if w.heap.Len() == 0 {
		return 0, false
	}
	d := w.heap[0].deadline.Sub(w.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Update fires every timer whose deadline has passed, each exactly once.
// Per spec.md §4.1, the due set is collected as a snapshot first — taken
// out of the live heap but left marked active — and then dispatched one
// at a time, deactivating each timer immediately before invoking its
// callback. A callback may freely schedule, reschedule, or cancel any
// timer, including itself or another timer still waiting in the current
// snapshot:
//
//   - cancelling (or rescheduling, which cancels-then-reschedules) a timer
//     still pending in the snapshot removes it from the snapshot, so it
//     will not fire in this Update call;
//   - a reschedule lands the timer back in the live heap with a new
//     deadline, so it is only reconsidered on a later Update call, never
//     the one currently dispatching it.
//
// This is the Go analog of osmo_timers_update's eviction list plus
// restart-on-mutation scan, without needing to dereference a timer that a
// sibling callback already freed: timers here are caller-owned Go values,
// never freed out from under the wheel.
func (w *Wheel) Update() (fired int) {
	now := w.now()
	var due []*Timer
	for w.heap.Len() > 0 && !w.heap[0].deadline.After(now) {
		t := heap.Pop(&w.heap).(*Timer)
		t.index = -1
		t.snap = len(due)
		due = append(due, t)
	}

	w.dispatching = due
	for i, t := range w.dispatching {
		if t == nil {
			continue // cancelled by an earlier callback in this same pass
		}
		w.dispatching[i] = nil
		t.active = false
		t.snap = -1
		t.cb()
		fired++
	}
	w.dispatching = nil
	return fired
}

// Len returns the number of timers currently scheduled.
func (w *Wheel) Len() int { return w.heap.Len() }

// Now returns the wheel's current time, per its clock source. Components
// that compute elapsed-time quantities outside of a timer callback (e.g.
// BSSGP's leaky bucket, which drains on every Admit call, not just on
// timer expiry) read the wheel's clock through this instead of calling
// time.Now directly, so tests can drive both on the same fake clock.
func (w *Wheel) Now() time.Time { return w.now() }

// timerHeap implements container/heap.Interface ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
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
