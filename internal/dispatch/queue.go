// Package dispatch bridges transport-level I/O goroutines (UDP and FR/GRE
// socket reads) with the single goroutine that drives THE CORE: the NS-VC
// FSMs, the BSSGP flow-control buckets and the timer wheel, per spec.md §5's requirement that
// only I/O-readiness goroutines run outside that one goroutine.
//
// Each transport endpoint's Serve loop reads raw datagrams off its socket
// concurrently and pushes them onto a Queue instead of calling
// NsInstance.Deliver directly. A single consumer goroutine — the daemon's
// run loop, the same one that ticks the timer wheel — drains the queue and
// calls Deliver, so FSM dispatch and timer expiry are always serialized
// against each other regardless of how many sockets are being read from.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/oriys/gsmstack/internal/ns"
)

// Datagram is one raw inbound frame queued for delivery to an NsInstance,
// captured at the point a transport's read loop decoded enough to know
// which peer it came from.
type Datagram struct {
	Peer      string
	Raw       []byte
	Transport ns.Transport
}

// Queue is a bounded, single-consumer inbound datagram queue. Multiple
// transport read goroutines may call Push concurrently; only one goroutine
// may call Run at a time.
type Queue struct {
	ch      chan Datagram
	dropped atomic.Int64
}

// defaultCapacity bounds memory under a sustained burst without blocking
// transport read loops indefinitely; a full queue means the core goroutine
// cannot keep up, and the oldest recourse is to drop, not to stall reads.
const defaultCapacity = 1024

// New creates a Queue with the given capacity. A capacity of 0 or less
// uses defaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{ch: make(chan Datagram, capacity)}
}

// Push enqueues a datagram without blocking. If the queue is full the
// datagram is dropped and the drop counter incremented; the caller (a
// transport read loop) should log this at a rate-limited level, not retry.
func (q *Queue) Push(d Datagram) bool {
	select {
	case q.ch <- d:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of datagrams dropped so far because the
// queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Len reports the number of datagrams currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Run drains the queue, calling deliver for each datagram in arrival
// order, until ctx is cancelled. Its select loop waits only on ctx and the
// queue, so a caller that also drives the timer wheel uses DeliverOne
// inside its own loop instead; deliver is never called concurrently with
// itself.
func (q *Queue) Run(ctx context.Context, deliver func(Datagram)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.ch:
			deliver(d)
		}
	}
}

// DeliverOne drains and delivers at most one queued datagram without
// blocking, for callers that interleave queue draining with other work
// inside their own select loop rather than calling Run. Returns false if
// the queue was empty.
func (q *Queue) DeliverOne(deliver func(Datagram)) bool {
	select {
	case d := <-q.ch:
		deliver(d)
		return true
	default:
		return false
	}
}

// Chan exposes the underlying channel for callers that need to select on
// it directly alongside other event sources (e.g. a timer ticker) rather
// than calling Run or DeliverOne.
func (q *Queue) Chan() <-chan Datagram { return q.ch }
