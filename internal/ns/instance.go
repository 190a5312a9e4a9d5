package ns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/gsmstack/internal/circuitbreaker"
	"github.com/oriys/gsmstack/internal/fsm"
	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/metrics"
	"github.com/oriys/gsmstack/internal/observability"
	"github.com/oriys/gsmstack/internal/ratectr"
	"github.com/oriys/gsmstack/internal/timer"
)

// transportBreakerConfig guards Nsvc.sendPDU's underlying Transport.Send
// against hammering a peer whose sends are failing at the socket level
// (route gone, interface down). It trips independently of the NS-VC FSM's
// own RESET/ALIVE retry timers, which track protocol-level liveness.
var transportBreakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: 30 * time.Second,
	OpenDuration:   10 * time.Second,
	HalfOpenProbes: 1,
}

// UnitDataHandler is invoked for every UNITDATA PDU successfully received
// on an UNBLOCKED Nsvc; the BSSGP layer registers one to take delivery of
// user-plane frames, per spec.md §4.3/§4.4's "NS hands BSSGP length-
// prefixed PDUs received over any unblocked NS-VC."
type UnitDataHandler func(nsei uint16, bvci uint16, payload []byte)

// TimerConfig holds the NS-VC procedure timers (Tns-reset, Tns-alive,
// Tns-test, Tns-block) and their retry counts; a zero field falls back to
// the package default. DefaultTimerConfig
// matches the values gsmstack shipped as package constants before this
// became configurable; cmd/gsmstackd derives it from the daemon's YAML
// config instead of leaving it fixed at compile time.
type TimerConfig struct {
	ResetTimeout time.Duration
	AliveTimeout time.Duration
	// TestTimeout is Tns-test: the quiet interval UNBLOCKED waits before
	// sending the next ALIVE probe (spec.md §4.3/§8 scenario 3).
	TestTimeout time.Duration
	// BlockTimeout is Tns-block: the UNBLOCK retry interval while BLOCKED.
	BlockTimeout time.Duration

	MaxResetRetries int
	MaxAliveRetries int
	MaxBlockRetries int
}

// DefaultTimerConfig returns gsmstack's built-in NS-VC timer defaults.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		ResetTimeout:    resetTimeoutSecs * time.Second,
		AliveTimeout:    aliveTimeoutSecs * time.Second,
		TestTimeout:     testTimeoutSecs * time.Second,
		BlockTimeout:    blockTimeoutSecs * time.Second,
		MaxResetRetries: maxResetRetries,
		MaxAliveRetries: maxAliveRetries,
		MaxBlockRetries: maxBlockRetries,
	}
}

// NsInstance is one local Network Service endpoint: the set of Nsvcs it
// owns, keyed by NSVCI, plus a secondary index by peer address for
// transports (like UDP) that must resolve an inbound datagram to an Nsvc
// before a configuration entry necessarily exists. Mirrors struct
// gprs_ns_inst from the original.
type NsInstance struct {
	mu       sync.Mutex
	wheel    *timer.Wheel
	registry *fsm.Registry
	breakers *circuitbreaker.Registry
	timers   TimerConfig

	byNSVCI map[uint16]*Nsvc
	byPeer  map[string]*Nsvc

	unitData UnitDataHandler
	signal   SignalSink
}

func init() {
	// nsvcClass is registered lazily per-registry by NewInstance, not
	// globally, so independent NsInstances (and tests) never collide on
	// fsm's process-wide-by-convention registries.
}

// NewInstance creates an NsInstance driven by the given timer wheel. The
// caller is responsible for calling wheel.Update() (directly, or via a
// daemon run loop) to advance timers.
func NewInstance(wheel *timer.Wheel) *NsInstance {
	r := fsm.NewRegistry(wheel)
	r.Register(nsvcClass)
	return &NsInstance{
		wheel:    wheel,
		registry: r,
		breakers: circuitbreaker.NewRegistry(),
		timers:   DefaultTimerConfig(),
		byNSVCI:  make(map[uint16]*Nsvc),
		byPeer:   make(map[string]*Nsvc),
	}
}

// SetTimerConfig replaces the NS-VC timer durations and retry counts. Every
// Nsvc of this instance reads them each time it arms a timer or checks a
// retry count, so Nsvcs already added use the new values from their next
// timer arming onward.
func (ni *NsInstance) SetTimerConfig(tc TimerConfig) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	ni.timers = tc
}

// SetUnitDataHandler registers the callback that receives decoded
// UNITDATA payloads. Must be called before any transport starts
// delivering datagrams.
func (ni *NsInstance) SetUnitDataHandler(h UnitDataHandler) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	ni.unitData = h
}

// SetSignalSink registers the callback that receives every S_NS_RESET /
// S_NS_BLOCK / S_NS_UNBLOCK / S_NS_ALIVE_EXP signal raised by any Nsvc this
// instance owns (spec.md §6). Must be called before any Nsvc is added to
// observe its earliest signals.
func (ni *NsInstance) SetSignalSink(sink SignalSink) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	ni.signal = sink
}

// AddNsvc registers a statically configured Nsvc (e.g. from a YAML config
// entry) bound to the given transport, and immediately starts its RESET
// procedure. peerKey is the transport-level address used to route
// inbound datagrams back to this Nsvc (e.g. "udp:1.2.3.4:23000" or
// "frgre:<dlci>").
func (ni *NsInstance) AddNsvc(nsvci, nsei uint16, t Transport, peerKey string, autoDispose bool) (*Nsvc, error) {
	ni.mu.Lock()

	if _, exists := ni.byNSVCI[nsvci]; exists {
		ni.mu.Unlock()
		return nil, fmt.Errorf("ns: nsvci %d already registered", nsvci)
	}

	v := &Nsvc{NSVCI: nsvci, NSEI: nsei, Transport: t, AutoDispose: autoDispose, nsi: ni}
	v.ctr = ratectr.NewGroup(nsvcCounters, fmt.Sprintf("nsvci=%d", nsvci))
	v.breaker = ni.breakers.Get(nsvci, transportBreakerConfig)

	fi, err := ni.registry.Alloc("nsvc", v, fmt.Sprintf("nsvc-%d", nsvci))
	if err != nil {
		ni.mu.Unlock()
		return nil, err
	}
	v.fi = fi

	ni.byNSVCI[nsvci] = v
	ni.byPeer[peerKey] = v
	ni.mu.Unlock()

	// Dispatched outside ni.mu: the RESET action raises a signal, which
	// itself locks ni.mu to read the sink (raiseSignal in signal.go).
	v.RequestReset()
	return v, nil
}

// forget removes a terminated Nsvc from both indices. Called from
// nsvcCleanup.
func (ni *NsInstance) forget(v *Nsvc) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	if cur, ok := ni.byNSVCI[v.NSVCI]; ok && cur == v {
		delete(ni.byNSVCI, v.NSVCI)
	}
	for k, cur := range ni.byPeer {
		if cur == v {
			delete(ni.byPeer, k)
		}
	}
	if v.breaker != nil {
		ni.breakers.Remove(v.NSVCI)
	}
}

// Nsvc looks up a registered Nsvc by NSVCI.
func (ni *NsInstance) Nsvc(nsvci uint16) (*Nsvc, bool) {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	v, ok := ni.byNSVCI[nsvci]
	return v, ok
}

// Deliver implements Receiver: it is the single entry point every
// transport calls with a raw datagram it has just read. peer identifies
// the sending endpoint in transport-specific form.
func (ni *NsInstance) Deliver(peer string, raw []byte, t Transport) {
	var span trace.Span
	if observability.Enabled() {
		_, span = observability.StartSpan(context.Background(), "ns.deliver",
			attribute.String("gsmstack.peer", peer))
		defer span.End()
	}

	pdu, err := Decode(raw)
	if err != nil {
		logging.Op().Warn("ns: malformed PDU", "peer", peer, "err", err)
		metrics.Global().RecordMalformedPDU()
		metrics.RecordPrometheusMalformedPDU()
		if span != nil {
			observability.SetSpanError(span, err)
		}
		return
	}
	if span != nil {
		span.SetAttributes(observability.AttrPDUType.String(pdu.Type.String()))
	}

	v := ni.resolve(peer, pdu, t)
	if v == nil {
		logging.Op().Warn("ns: PDU from unconfigured peer dropped", "peer", peer, "type", pdu.Type)
		metrics.Global().RecordUnknownNSVC()
		metrics.RecordPrometheusUnknownNSVC()
		return
	}
	if span != nil {
		span.SetAttributes(observability.AttrNSVCI.Int(int(v.NSVCI)), observability.AttrNSEI.Int(int(v.NSEI)))
	}

	v.ctr.Inc("packets_in")
	v.ctr.IncBy("bytes_in", float64(len(raw)))

	if pdu.Type == PDUUnitData {
		ni.deliverUnitData(v, pdu)
		return
	}

	event, ok := eventForPDU(pdu.Type)
	if !ok {
		status := BuildStatus(CauseProtocolError, &v.NSVCI, raw)
		v.sendPDU(status)
		return
	}
	v.fi.Dispatch(event, pdu)
}

// resolve maps an inbound datagram to its owning Nsvc: first by peer
// address (the common case once an Nsvc is established), falling back to
// an auto-created, auto-disposing Nsvc for a RESET arriving from a
// previously unknown UDP peer (spec.md §4.3's "dynamic NS-VC creation").
func (ni *NsInstance) resolve(peer string, pdu *PDU, t Transport) *Nsvc {
	ni.mu.Lock()
	if v, ok := ni.byPeer[peer]; ok {
		ni.mu.Unlock()
		return v
	}
	ni.mu.Unlock()

	if pdu.Type != PDUReset {
		return nil
	}
	nsvci, ok1 := pdu.NSVCI()
	nsei, ok2 := pdu.NSEI()
	if !ok1 || !ok2 {
		return nil
	}

	ni.mu.Lock()
	defer ni.mu.Unlock()
	if v, ok := ni.byNSVCI[nsvci]; ok {
		ni.byPeer[peer] = v
		return v
	}

	v := &Nsvc{NSVCI: nsvci, NSEI: nsei, Transport: t, AutoDispose: true, nsi: ni}
	v.ctr = ratectr.NewGroup(nsvcCounters, fmt.Sprintf("nsvci=%d,auto", nsvci))
	v.breaker = ni.breakers.Get(nsvci, transportBreakerConfig)
	fi, err := ni.registry.Alloc("nsvc", v, fmt.Sprintf("nsvc-auto-%d", nsvci))
	if err != nil {
		logging.Op().Error("ns: failed to allocate dynamic nsvc", "err", err)
		return nil
	}
	v.fi = fi
	ni.byNSVCI[nsvci] = v
	ni.byPeer[peer] = v
	return v
}

func (ni *NsInstance) deliverUnitData(v *Nsvc, pdu *PDU) {
	if !v.IsUnblocked() {
		logging.Op().Warn("ns: UNITDATA on non-unblocked nsvc dropped", "nsvci", v.NSVCI, "state", v.State())
		v.ctr.Inc("discarded")
		return
	}
	ni.mu.Lock()
	h := ni.unitData
	ni.mu.Unlock()
	if h != nil {
		h(v.NSEI, pdu.BVCI, pdu.Payload)
	}
}

// SendUnitData transmits a user-plane payload over the given Nsvc, per
// spec.md §4.3's "UNITDATA is only accepted/sent while UNBLOCKED." The
// caller (BSSGP's flow control layer) is responsible for load-sharing
// across multiple Nsvcs of the same NSEI; NsInstance itself is agnostic
// to that policy.
func (v *Nsvc) SendUnitData(bvci uint16, payload []byte) error {
	if !v.IsUnblocked() {
		return fmt.Errorf("ns: nsvci %d not unblocked", v.NSVCI)
	}
	v.sendPDU(BuildUnitData(bvci, payload))
	return nil
}

func eventForPDU(t PDUType) (fsm.EventID, bool) {
	switch t {
	case PDUReset:
		return evRxReset, true
	case PDUResetAck:
		return evRxResetAck, true
	case PDUBlock:
		return evRxBlock, true
	case PDUBlockAck:
		return evRxBlockAck, true
	case PDUUnblock:
		return evRxUnblock, true
	case PDUUnblockAck:
		return evRxUnblockAck, true
	case PDUAlive:
		return evRxAlive, true
	case PDUAliveAck:
		return evRxAliveAck, true
	case PDUStatus:
		return evRxStatus, true
	default:
		return 0, false
	}
}

// NsvcsForNSEI returns every Nsvc currently registered for the given NSEI,
// in NSVCI order, for BSSGP's load-sharing and flow-control bookkeeping.
func (ni *NsInstance) NsvcsForNSEI(nsei uint16) []*Nsvc {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	var out []*Nsvc
	for _, v := range ni.byNSVCI {
		if v.NSEI == nsei {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NSVCI < out[j].NSVCI })
	return out
}

// Registry returns the FSM class registry backing this instance, for
// read-only introspection tooling (cmd/gsmstackd's "debug dump-fsm").
func (ni *NsInstance) Registry() *fsm.Registry {
	return ni.registry
}

// All returns every currently registered Nsvc, for read-only introspection
// tooling (internal/grpcdebug); callers must not mutate the returned Nsvcs.
func (ni *NsInstance) All() []*Nsvc {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	out := make([]*Nsvc, 0, len(ni.byNSVCI))
	for _, v := range ni.byNSVCI {
		out = append(out, v)
	}
	return out
}
