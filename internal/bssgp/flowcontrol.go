// Package bssgp implements the BSSGP flow-control core of spec.md §4.4:
// a leaky-bucket admission gate sitting above the NS layer, one bucket
// per BVC (cell) and one per MS, each driving user-plane PDUs down to
// ns.Nsvc.SendUnitData once the bucket has room.
package bssgp

import (
	"container/list"
	"fmt"
	"math"
	"time"

	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/ratectr"
	"github.com/oriys/gsmstack/internal/timer"
)

// fcCounters is the per-bucket counter set: packets in/out, bytes in/out,
// blocked and discarded.
var fcCounters = &ratectr.Description{
	GroupName: "bvcfc",
	Counters:  []string{"packets_in", "packets_out", "bytes_in", "bytes_out", "blocked", "discarded"},
}

// OutFunc delivers an admitted PDU downward — a BVC's OutFunc calls into
// NS's SendUnitData; an MS bucket's OutFunc feeds its owning BVC's
// FlowControl.Admit, composing per-MS back-pressure into per-cell
// back-pressure, per spec.md §4.4's "Composition."
type OutFunc func(payload []byte) error

// pendingPDU is one queued message awaiting bucket room.
type pendingPDU struct {
	payload []byte
}

// FlowControl is one leaky-bucket instance: the struct named "Flow-
// control bucket" in spec.md §3, with its invariants
// (bucket_counter <= bucket_size_max; queue_depth == queue.len();
// timer scheduled iff queue_depth > 0) maintained by every method below.
type FlowControl struct {
	BucketSizeMax uint32        // octets
	LeakRate      uint32        // octets/s
	MaxQueueDepth uint32        // messages
	Out           OutFunc

	bucketCounter uint32
	timeLastPDU   time.Time
	haveLast      bool

	queue      *list.List // of *pendingPDU
	timer      *timer.Timer
	now        func() time.Time

	ctr *ratectr.Group
}

// NewFlowControl creates a FlowControl bucket driven by wheel, with
// counters labeled by instance (e.g. "bvci=20,nsei=1" or an IMSI/TLLI for
// a per-MS bucket).
func NewFlowControl(wheel *timer.Wheel, bucketSizeMax, leakRate, maxQueueDepth uint32, out OutFunc, instance string) *FlowControl {
	fc := &FlowControl{
		BucketSizeMax: bucketSizeMax,
		LeakRate:      leakRate,
		MaxQueueDepth: maxQueueDepth,
		Out:           out,
		queue:         list.New(),
		now:           time.Now,
		ctr:           ratectr.NewGroup(fcCounters, instance),
	}
	if wheel != nil {
		fc.now = wheel.Now
		fc.timer = wheel.NewTimer(func() { fc.onTimerExpiry() })
	}
	return fc
}

// QueueDepth returns the number of currently queued messages.
func (fc *FlowControl) QueueDepth() int { return fc.queue.Len() }

// BucketCounter returns the bucket's current occupancy in octets.
func (fc *FlowControl) BucketCounter() uint32 { return fc.bucketCounter }

// drain computes B' = max(0, B - R*elapsed) as of now, per spec.md §4.4
// step 1-2, without mutating state (callers apply the result explicitly).
func (fc *FlowControl) drain(now time.Time) uint32 {
	if !fc.haveLast || fc.LeakRate == 0 {
		return fc.bucketCounter
	}
	elapsed := now.Sub(fc.timeLastPDU).Seconds()
	if elapsed <= 0 {
		return fc.bucketCounter
	}
	leaked := uint64(float64(fc.LeakRate) * elapsed)
	if leaked >= uint64(fc.bucketCounter) {
		return 0
	}
	return fc.bucketCounter - uint32(leaked)
}

// Admit offers a message to the bucket per spec.md §4.4's full algorithm:
// emit immediately if the drained bucket has room; otherwise queue it
// (dropping the oldest queued message first if the queue is already at
// capacity) and arm the dequeue timer for when the bucket will next have
// room for the new queue head.
func (fc *FlowControl) Admit(payload []byte) error {
	now := fc.now()
	fc.ctr.Inc("packets_in")
	fc.ctr.IncBy("bytes_in", float64(len(payload)))

	drained := fc.drain(now)
	fc.bucketCounter = drained

	// A non-empty queue already holds messages waiting for bucket room;
	// admitting a fresh arrival directly here, even if it would
	// technically fit, would let it overtake them and break the FIFO
	// ordering spec.md §5 requires. So once anything is queued, every
	// new arrival queues behind it too.
	if fc.queue.Len() == 0 && uint64(drained)+uint64(len(payload)) <= uint64(fc.BucketSizeMax) {
		fc.bucketCounter = drained + uint32(len(payload))
		fc.timeLastPDU = now
		fc.haveLast = true
		return fc.emit(payload)
	}

	fc.enqueue(payload)
	fc.rescheduleForHead(now)
	return nil
}

func (fc *FlowControl) emit(payload []byte) error {
	fc.ctr.Inc("packets_out")
	fc.ctr.IncBy("bytes_out", float64(len(payload)))
	if fc.Out == nil {
		return nil
	}
	return fc.Out(payload)
}

// enqueue appends payload to the tail, dropping the oldest message first
// if the queue is already at MaxQueueDepth, per spec.md §4.4 step 4.
func (fc *FlowControl) enqueue(payload []byte) {
	if uint32(fc.queue.Len()) >= fc.MaxQueueDepth {
		front := fc.queue.Front()
		fc.queue.Remove(front)
		fc.ctr.Inc("discarded")
		logging.Op().Warn("bssgp: fc queue overflow, dropped oldest")
	}
	fc.queue.PushBack(&pendingPDU{payload: payload})
}

// rescheduleForHead computes Δ = ceil((head.len - (max - B')) / R) and
// arms the FC timer for it, unless a timer is already scheduled for an
// earlier deadline (spec.md §4.4 step 4's "if not already scheduled
// earlier").
func (fc *FlowControl) rescheduleForHead(now time.Time) {
	if fc.timer == nil || fc.queue.Len() == 0 {
		return
	}
	head := fc.queue.Front().Value.(*pendingPDU)
	needed := int64(len(head.payload)) - int64(fc.BucketSizeMax-fc.bucketCounter)
	if needed <= 0 {
		// the head can already be admitted; fire on the next tick.
		fc.armIfEarlier(now, 0)
		return
	}
	if fc.LeakRate == 0 {
		// the bucket never drains; nothing to schedule towards.
		return
	}
	// Δ in real-valued seconds, rounded up to the microsecond so the
	// dequeue timer never fires a moment before the bucket actually has
	// room (spec.md §4.4's "ceil").
	deltaSecs := float64(needed) / float64(fc.LeakRate)
	deltaUsec := math.Ceil(deltaSecs * 1e6)
	fc.armIfEarlier(now, time.Duration(deltaUsec)*time.Microsecond)
}

func (fc *FlowControl) armIfEarlier(now time.Time, d time.Duration) {
	newDeadline := now.Add(d)
	if fc.timer.Active() && !fc.timer.Deadline().After(newDeadline) {
		return
	}
	fc.timer.Schedule(d)
}

// onTimerExpiry drains queued messages from the head while the bucket
// can admit them, per spec.md §4.4's "Dequeue timer": recompute B on
// each pop, call Out for each admitted message, and either reschedule
// (queue non-empty) or leave disarmed (queue empty).
func (fc *FlowControl) onTimerExpiry() {
	now := fc.now()
	drained := fc.drain(now)
	fc.bucketCounter = drained
	fc.haveLast = true
	fc.timeLastPDU = now

	for fc.queue.Len() > 0 {
		head := fc.queue.Front()
		pdu := head.Value.(*pendingPDU)
		if uint64(fc.bucketCounter)+uint64(len(pdu.payload)) > uint64(fc.BucketSizeMax) {
			break
		}
		fc.queue.Remove(head)
		fc.bucketCounter += uint32(len(pdu.payload))
		if err := fc.emit(pdu.payload); err != nil {
			logging.Op().Warn("bssgp: fc dequeue emit failed", "err", err)
		}
	}

	if fc.queue.Len() > 0 {
		fc.rescheduleForHead(now)
	}
}

// MarkBlocked increments the bucket's BLOCKED counter, for use when the
// owning BVC transitions into the BLOCKED administrative state (spec.md
// §4.4's "Counters").
func (fc *FlowControl) MarkBlocked() { fc.ctr.Inc("blocked") }

// validate checks the invariants spec.md §3 states for FlowControl.
// Exercised by tests; not called on the hot path. The timer/queue
// invariant is relaxed for LeakRate == 0: a bucket that never drains has
// nothing a timer could usefully wait for, so rescheduleForHead leaves it
// disarmed even while the queue holds messages (spec.md §9's "after first
// overflow everything queues up... then oldest is dropped" edge case).
func (fc *FlowControl) validate() error {
	if fc.bucketCounter > fc.BucketSizeMax {
		return fmt.Errorf("bssgp: bucket_counter %d exceeds max %d", fc.bucketCounter, fc.BucketSizeMax)
	}
	if fc.LeakRate == 0 {
		return nil
	}
	scheduled := fc.timer != nil && fc.timer.Active()
	if (fc.queue.Len() > 0) != scheduled {
		return fmt.Errorf("bssgp: timer-scheduled/queue-non-empty invariant violated (queued=%d scheduled=%v)", fc.queue.Len(), scheduled)
	}
	return nil
}
