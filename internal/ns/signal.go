package ns

import "github.com/oriys/gsmstack/internal/logging"

// SignalKind identifies one of the lifecycle events an Nsvc raises outside
// its own FSM, per spec.md §6: "Signals: S_NS_RESET, S_NS_BLOCK,
// S_NS_UNBLOCK, S_NS_ALIVE_EXP dispatched with {nsvc, cause}."
type SignalKind int

const (
	SignalReset SignalKind = iota
	SignalBlock
	SignalUnblock
	SignalAliveExpired
)

func (k SignalKind) String() string {
	switch k {
	case SignalReset:
		return "S_NS_RESET"
	case SignalBlock:
		return "S_NS_BLOCK"
	case SignalUnblock:
		return "S_NS_UNBLOCK"
	case SignalAliveExpired:
		return "S_NS_ALIVE_EXP"
	default:
		return "S_NS_UNKNOWN"
	}
}

// Signal is one {nsvc, cause} event raised by an Nsvc's state machine, per
// spec.md §6. An upper layer (BSSGP, an operator console, a health check)
// registers a SignalSink to observe these without polling Nsvc.State().
type Signal struct {
	Kind  SignalKind
	NSVCI uint16
	NSEI  uint16
	Cause Cause
}

// SignalSink receives every Signal raised by any Nsvc owned by an
// NsInstance. Registered once via NsInstance.SetSignalSink, mirroring
// SetUnitDataHandler's single-callback shape.
type SignalSink func(Signal)

// raiseSignal hands sig off to the owning NsInstance's registered sink, if
// any. A nil sink (the common case in tests that never call
// SetSignalSink) is a silent no-op, not an error.
func (v *Nsvc) raiseSignal(kind SignalKind, cause Cause) {
	if v.nsi == nil {
		return
	}
	v.nsi.mu.Lock()
	sink := v.nsi.signal
	v.nsi.mu.Unlock()
	if sink == nil {
		return
	}
	logging.Op().Debug("ns: signal raised", "kind", kind, "nsvci", v.NSVCI, "nsei", v.NSEI, "cause", cause)
	sink(Signal{Kind: kind, NSVCI: v.NSVCI, NSEI: v.NSEI, Cause: cause})
}
