package fsm

import (
	"testing"
	"time"

	"github.com/oriys/gsmstack/internal/timer"
)

const (
	stIdle StateID = iota
	stRunning
	stDone
)

const (
	evStart EventID = iota
	evFinish
	evAbort
)

func newTestRegistry() (*Registry, *timer.Wheel) {
	w := timer.New(nil)
	return NewRegistry(w), w
}

func simpleClass(name string) *Class {
	return &Class{
		Name: name,
		States: []StateDesc{
			stIdle: {
				Name:        "idle",
				InEventMask: 1 << evStart,
				OutStateMask: 1 << stRunning,
				Action: func(fi *Instance, event EventID, data any) {
					fi.StateChg(stRunning, 0, 0)
				},
			},
			stRunning: {
				Name:        "running",
				InEventMask: 1 << evFinish,
				OutStateMask: 1 << stDone,
				Action: func(fi *Instance, event EventID, data any) {
					fi.StateChg(stDone, 0, 0)
				},
			},
			stDone: {
				Name: "done",
			},
		},
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(simpleClass("dup"))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate class registration")
		}
	}()
	r.Register(simpleClass("dup"))
}

func TestStateChgRejectsIllegalTransition(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(simpleClass("illegal"))
	fi, err := r.Alloc("illegal", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := fi.StateChg(stDone, 0, 0); err == nil {
		t.Fatal("expected error transitioning idle -> done directly")
	}
	if fi.State() != stIdle {
		t.Fatalf("state should not have changed, got %v", fi.State())
	}
}

func TestDispatchDrivesTransitions(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(simpleClass("driver"))
	fi, _ := r.Alloc("driver", nil, "")

	fi.Dispatch(evStart, nil)
	if fi.State() != stRunning {
		t.Fatalf("expected running, got %v", fi.State())
	}
	fi.Dispatch(evFinish, nil)
	if fi.State() != stDone {
		t.Fatalf("expected done, got %v", fi.State())
	}
}

func TestDispatchUnpermittedEventIsDropped(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(simpleClass("drop"))
	fi, _ := r.Alloc("drop", nil, "")

	fi.Dispatch(evFinish, nil) // not legal from idle
	if fi.State() != stIdle {
		t.Fatalf("expected state unchanged, got %v", fi.State())
	}
}

func TestAllStateEventBypassesStateTable(t *testing.T) {
	r, _ := newTestRegistry()
	called := false
	c := simpleClass("allstate")
	c.AllStateEventMask = 1 << evAbort
	c.AllStateAction = func(fi *Instance, event EventID, data any) {
		called = true
		fi.Term(TermRequest, nil)
	}
	r.Register(c)
	fi, _ := r.Alloc("allstate", nil, "")
	fi.Dispatch(evAbort, nil)
	if !called {
		t.Fatal("expected allstate action to run")
	}
}

func TestTimerExpiryTerminatesOnTrue(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	r := NewRegistry(w)
	c := simpleClass("timeout")
	c.TimerCB = func(fi *Instance) bool { return true }
	r.Register(c)

	fi, _ := r.Alloc("timeout", nil, "")
	fi.StateChg(stRunning, 5, 1)

	w.Update() // not due yet
	if fi.terminated {
		t.Fatal("should not have terminated before timer deadline")
	}

	now = now.Add(5 * time.Second)
	w.Update()
	if !fi.terminated {
		t.Fatal("expected termination once the timer fired and TimerCB returned true")
	}
}

func TestCleanupRunsOnTerm(t *testing.T) {
	r, _ := newTestRegistry()
	var gotCause TermCause
	c := simpleClass("cleanup")
	c.Cleanup = func(fi *Instance, cause TermCause) { gotCause = cause }
	r.Register(c)
	fi, _ := r.Alloc("cleanup", nil, "")
	fi.Term(TermRequest, nil)
	if gotCause != TermRequest {
		t.Fatalf("expected TermRequest, got %v", gotCause)
	}
}

func TestParentTerminationCascadesToChildren(t *testing.T) {
	r, _ := newTestRegistry()
	var childCause TermCause
	c := simpleClass("parent")
	child := simpleClass("child")
	child.Cleanup = func(fi *Instance, cause TermCause) { childCause = cause }
	r.Register(c)
	r.Register(child)

	parent, _ := r.Alloc("parent", nil, "")
	kid, _ := r.AllocChild("child", parent, evFinish, nil, "")
	if kid.parent != parent {
		t.Fatal("child should reference parent")
	}

	parent.Term(TermRegular, nil)
	if childCause != TermParent {
		t.Fatalf("expected child terminated with TermParent, got %v", childCause)
	}
	if len(parent.children) != 0 {
		t.Fatal("parent's child list should be empty after termination")
	}
}

// TestChildTerminatesSiblingDuringCleanup covers spec.md §9's open
// question on FSM termination iteration order: child A's cleanup callback
// terminates sibling B directly. The snapshot-and-iterate discipline in
// Instance.Term must tolerate this without double-terminating B or
// skipping it.
func TestChildTerminatesSiblingDuringCleanup(t *testing.T) {
	r, _ := newTestRegistry()
	bTerminated := false

	childA := simpleClass("childA")
	childB := simpleClass("childB")
	childB.Cleanup = func(fi *Instance, cause TermCause) { bTerminated = true }
	r.Register(simpleClass("parent2"))
	r.Register(childA)
	r.Register(childB)

	parent, _ := r.Alloc("parent2", nil, "")
	a, _ := r.AllocChild("childA", parent, evFinish, nil, "")
	b, _ := r.AllocChild("childB", parent, evFinish, nil, "")

	a.Class.Cleanup = func(fi *Instance, cause TermCause) {
		b.Term(TermRequest, nil)
	}

	parent.Term(TermRegular, nil)

	if !bTerminated {
		t.Fatal("expected sibling B to have been terminated")
	}
	if !b.terminated {
		t.Fatal("expected b.terminated to be true")
	}
}

func TestFreeIsRegularTermination(t *testing.T) {
	r, _ := newTestRegistry()
	var gotCause TermCause
	c := simpleClass("freed")
	c.Cleanup = func(fi *Instance, cause TermCause) { gotCause = cause }
	r.Register(c)
	fi, _ := r.Alloc("freed", nil, "")
	fi.Free()
	if gotCause != TermRegular {
		t.Fatalf("expected TermRegular, got %v", gotCause)
	}
}

func TestAllocUnknownClassErrors(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Alloc("nope", nil, ""); err == nil {
		t.Fatal("expected error for unregistered class")
	}
}
