package timer

import (
	"testing"
	"time"
)

func TestScheduleAndUpdate(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	fired := false
	tm := w.NewTimer(func() { fired = true })
	tm.Schedule(5 * time.Second)

	if d, ok := w.Nearest(); !ok || d != 5*time.Second {
		t.Fatalf("expected nearest 5s, got %v ok=%v", d, ok)
	}

	now = now.Add(4 * time.Second)
	if n := w.Update(); n != 0 {
		t.Fatalf("expected no fires yet, got %d", n)
	}
	if fired {
		t.Fatal("timer fired early")
	}

	now = now.Add(2 * time.Second)
	if n := w.Update(); n != 1 {
		t.Fatalf("expected exactly one fire, got %d", n)
	}
	if !fired {
		t.Fatal("timer did not fire")
	}
	if tm.Active() {
		t.Fatal("timer should be inactive after firing")
	}
}

func TestRescheduleCancelsPrevious(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	count := 0
	tm := w.NewTimer(func() { count++ })
	tm.Schedule(10 * time.Second)
	tm.Schedule(1 * time.Second) // should replace, not add a second entry

	if w.Len() != 1 {
		t.Fatalf("expected exactly one scheduled timer, got %d", w.Len())
	}

	now = now.Add(1 * time.Second)
	w.Update()
	if count != 1 {
		t.Fatalf("expected exactly one fire, got %d", count)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	w := New(nil)
	tm := w.NewTimer(func() {})
	tm.Cancel()
	tm.Cancel()
	tm.Schedule(time.Second)
	tm.Cancel()
	tm.Cancel()
	if tm.Active() {
		t.Fatal("timer should be inactive")
	}
}

// TestReentrantScheduleDuringCallback exercises the eviction-list discipline:
// a callback reschedules itself and schedules a sibling timer. Neither
// mutation should corrupt the in-progress Update scan.
func TestReentrantScheduleDuringCallback(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	var selfFires, siblingFires int
	var sibling *Timer
	var self *Timer
	self = w.NewTimer(func() {
		selfFires++
		self.Schedule(time.Second) // reschedule itself from within its own callback
		sibling.Schedule(0)        // arm a sibling to fire on the *next* Update
	})
	sibling = w.NewTimer(func() { siblingFires++ })

	self.Schedule(0)
	w.Update()
	if selfFires != 1 || siblingFires != 0 {
		t.Fatalf("expected self=1 sibling=0 after first Update, got self=%d sibling=%d", selfFires, siblingFires)
	}

	w.Update()
	if siblingFires != 1 {
		t.Fatalf("expected sibling to fire on second Update, got %d", siblingFires)
	}
}

// TestCancelOtherDuringSameTick covers a timer cancelling a different timer
// that is also due in the same Update pass — the analog of two osmocom
// timers expiring in the same tick where one callback removes the other.
func TestCancelOtherDuringSameTick(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	var aFired, bFired bool
	var b *Timer
	a := w.NewTimer(func() {
		aFired = true
		b.Cancel() // b is in the same due-snapshot but not yet invoked
	})
	b = w.NewTimer(func() { bFired = true })

	a.Schedule(time.Millisecond)
	b.Schedule(2 * time.Millisecond)
	now = now.Add(2 * time.Millisecond)
	w.Update()

	if !aFired {
		t.Fatal("expected a to fire")
	}
	if bFired {
		t.Fatal("b should have been cancelled before its callback ran")
	}
}
