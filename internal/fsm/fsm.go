// Package fsm implements the generic finite-state-machine runtime that
// structures gsmstack's NS-VCs: each drives its RESET/BLOCK/ALIVE
// procedure through it. BSSGP flow control uses the timer wheel directly
// and does not use this runtime. It is a direct port of osmocom's osmo_fsm /
// osmo_fsm_inst abstraction (see include/osmocom/core/fsm.h in the
// original source): a process-wide registry of FSM classes, bit-mask
// transition tables capped at 32 states and 32 events, and instances that
// form a parent/child forest whose termination cascades post-order.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/timer"
)

// StateID identifies a state within a Class's transition table. Classes
// are limited to 32 states, matching the 32-bit out_state_mask.
type StateID uint8

// EventID identifies an event within a Class's transition table. Classes
// are limited to 32 events, matching the 32-bit in_event_mask.
type EventID uint8

// TermCause describes why an Instance was terminated.
type TermCause int

const (
	TermParent TermCause = iota
	TermRequest
	TermRegular
	TermError
	TermTimeout
)

func (c TermCause) String() string {
	switch c {
	case TermParent:
		return "parent"
	case TermRequest:
		return "request"
	case TermRegular:
		return "regular"
	case TermError:
		return "error"
	case TermTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ActionFunc handles an event delivered to an Instance in one of its
// declared states, or as an allstate action.
type ActionFunc func(fi *Instance, event EventID, data any)

// OnEnterFunc / OnLeaveFunc run around a state transition.
type OnEnterFunc func(fi *Instance, prevState StateID)
type OnLeaveFunc func(fi *Instance, nextState StateID)

// CleanupFunc runs once, at the start of termination, before children are
// torn down.
type CleanupFunc func(fi *Instance, cause TermCause)

// TimerCBFunc runs when an Instance's single timer fires. Returning true
// requests termination with TermTimeout; false means the instance keeps
// running (the callback is free to have already rescheduled the timer).
type TimerCBFunc func(fi *Instance) bool

// StateDesc describes one state in a Class's transition table.
type StateDesc struct {
	Name        string
	InEventMask uint32 // bit i set => EventID(i) is accepted in this state
	OutStateMask uint32 // bit i set => StateID(i) is a legal successor
	Action      ActionFunc
	OnEnter     OnEnterFunc
	OnLeave     OnLeaveFunc
}

// Class is an FSM's immutable transition table, analogous to struct
// osmo_fsm. Register it once at startup via Register.
type Class struct {
	Name               string
	States             []StateDesc // indexed by StateID
	EventNames         map[EventID]string
	AllStateEventMask  uint32
	AllStateAction     ActionFunc
	Cleanup            CleanupFunc
	TimerCB            TimerCBFunc
}

func (c *Class) stateName(s StateID) string {
	if int(s) < len(c.States) && c.States[s].Name != "" {
		return c.States[s].Name
	}
	return fmt.Sprintf("state(%d)", s)
}

func (c *Class) eventName(e EventID) string {
	if name, ok := c.EventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", e)
}

// Registry is a process-wide collection of FSM classes, mapping class
// name to Class. The original's registry is a hidden global; here it is
// an explicit handle so callers can run independent registries in tests.
type Registry struct {
	mu      sync.Mutex
	classes map[string]*Class
	wheel   *timer.Wheel
}

// NewRegistry creates a registry of FSM classes driven by the given timer
// wheel. All instances allocated through this registry share that wheel.
func NewRegistry(wheel *timer.Wheel) *Registry {
	return &Registry{classes: make(map[string]*Class), wheel: wheel}
}

// Register adds a class to the registry. Names must be unique; Register
// panics on a duplicate name, matching the original's "registration is a
// programming error, not a runtime condition" treatment of class setup.
func (r *Registry) Register(c *Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[c.Name]; exists {
		panic(fmt.Sprintf("fsm: class %q already registered", c.Name))
	}
	r.classes[c.Name] = c
}

// Class returns a previously registered class by name, or nil.
func (r *Registry) Class(name string) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classes[name]
}

// ClassNames returns the names of every class currently registered, for
// introspection tooling (cmd/gsmstackd's "debug dump-fsm").
func (r *Registry) ClassNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}

// StateNames returns every state name in the class's transition table, in
// StateID order.
func (c *Class) StateNames() []string {
	names := make([]string, len(c.States))
	for i, s := range c.States {
		names[i] = c.stateName(StateID(i))
		_ = s
	}
	return names
}

// Instance is a single running FSM, analogous to struct osmo_fsm_inst.
type Instance struct {
	Class *Class
	ID    string
	Priv  any

	state StateID
	T     int // 3GPP timer number, for logging only
	timer *timer.Timer

	registry *Registry

	parent          *Instance
	parentTermEvent EventID
	children        []*Instance

	terminated bool
}

// Alloc creates a top-level Instance of class named className. If id is
// empty, a UUID is generated, matching how the teacher stack stamps
// request/job IDs when the caller does not supply one explicitly.
func (r *Registry) Alloc(className string, priv any, id string) (*Instance, error) {
	c := r.Class(className)
	if c == nil {
		return nil, fmt.Errorf("fsm: unknown class %q", className)
	}
	if id == "" {
		id = uuid.NewString()
	}
	fi := &Instance{
		Class:    c,
		ID:       id,
		Priv:     priv,
		state:    0,
		T:        0,
		registry: r,
	}
	fi.timer = r.wheel.NewTimer(func() { fi.onTimerExpiry() })
	return fi, nil
}

// AllocChild creates an Instance that is owned by parent: parent's
// termination cascades to it (with TermParent), and its own termination
// dispatches parentTermEvent back to parent.
func (r *Registry) AllocChild(className string, parent *Instance, parentTermEvent EventID, priv any, id string) (*Instance, error) {
	fi, err := r.Alloc(className, priv, id)
	if err != nil {
		return nil, err
	}
	fi.parent = parent
	fi.parentTermEvent = parentTermEvent
	parent.children = append(parent.children, fi)
	return fi, nil
}

// State returns the instance's current state.
func (fi *Instance) State() StateID { return fi.state }

// Name returns a human-readable "<id>{<state>}" identifier for logging.
func (fi *Instance) Name() string {
	return fmt.Sprintf("%s{%s}", fi.ID, fi.Class.stateName(fi.state))
}

// StateChg performs a state transition per spec.md §4.2:
//  1. fail (log, no change) if the transition is not in out_state_mask
//  2. call onleave for the current state, if present
//  3. cancel any pending instance timer
//  4. set the new state; if timeoutSecs > 0, arm the instance timer and
//     remember T for logging
//  5. call onenter for the new state, if present
func (fi *Instance) StateChg(newState StateID, timeoutSecs int, T int) error {
	cur := fi.Class.States[fi.state]
	if cur.OutStateMask&(1<<uint(newState)) == 0 {
		logging.Op().Warn("fsm: invalid state transition",
			"fsm", fi.Name(), "from", fi.Class.stateName(fi.state), "to", fi.Class.stateName(newState))
		return fmt.Errorf("fsm: %s -> %s not permitted", fi.Class.stateName(fi.state), fi.Class.stateName(newState))
	}

	prev := fi.state
	if cur.OnLeave != nil {
		cur.OnLeave(fi, newState)
	}

	fi.timer.Cancel()

	fi.state = newState
	fi.T = T
	if timeoutSecs > 0 {
		fi.timer.Schedule(time.Duration(timeoutSecs) * time.Second)
	}

	if next := fi.Class.States[newState]; next.OnEnter != nil {
		next.OnEnter(fi, prev)
	}
	return nil
}

// Dispatch delivers an event to the instance per spec.md §4.2: allstate
// events are handled first regardless of current state; otherwise the
// event must be in the current state's in_event_mask or it is logged and
// dropped.
func (fi *Instance) Dispatch(event EventID, data any) {
	if fi.Class.AllStateEventMask&(1<<uint(event)) != 0 {
		fi.Class.AllStateAction(fi, event, data)
		return
	}
	st := fi.Class.States[fi.state]
	if st.InEventMask&(1<<uint(event)) == 0 {
		logging.Op().Warn("fsm: unpermitted event",
			"fsm", fi.Name(), "event", fi.Class.eventName(event), "state", fi.Class.stateName(fi.state))
		return
	}
	st.Action(fi, event, data)
}

func (fi *Instance) onTimerExpiry() {
	if fi.Class.TimerCB == nil {
		return
	}
	if fi.Class.TimerCB(fi) {
		fi.Term(TermTimeout, nil)
	}
}

// Term terminates the instance per spec.md §4.2:
//  1. call cleanup_cb(self, cause)
//  2. terminate every child with cause TermParent, post-order
//  3. if a parent exists, dispatch parentTermEvent to it
//  4. remove the instance from all lists and free its storage
//
// Children are snapshotted into a local slice before the termination loop
// begins (spec.md §9's open question on iteration order): this way, a
// child that terminates a later sibling from within its own cleanup
// cannot corrupt the iteration, because the loop walks the snapshot, not
// fi.children.
func (fi *Instance) Term(cause TermCause, data any) {
	if fi.terminated {
		return
	}
	fi.terminated = true

	fi.timer.Cancel()

	if fi.Class.Cleanup != nil {
		fi.Class.Cleanup(fi, cause)
	}

	children := make([]*Instance, len(fi.children))
	copy(children, fi.children)
	for _, child := range children {
		if !child.terminated {
			child.Term(TermParent, nil)
		}
	}
	fi.children = nil

	parent := fi.parent
	fi.parent = nil
	if parent != nil {
		parent.removeChild(fi)
		parent.Dispatch(fi.parentTermEvent, data)
	}
}

// Free terminates the instance with cause TermRegular, matching
// the original's "freeing without explicit termination is inst_term(REGULAR,
// null)" rule.
func (fi *Instance) Free() {
	fi.Term(TermRegular, nil)
}

func (fi *Instance) removeChild(child *Instance) {
	for i, c := range fi.children {
		if c == child {
			fi.children = append(fi.children[:i], fi.children[i+1:]...)
			return
		}
	}
}
