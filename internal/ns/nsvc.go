package ns

import (
	"github.com/oriys/gsmstack/internal/circuitbreaker"
	"github.com/oriys/gsmstack/internal/fsm"
	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/ratectr"
)

// resetTimeoutSecsFor and aliveTimeoutSecsFor read the owning NsInstance's
// configured timer durations, falling back to the package defaults
// (resetTimeoutSecs/aliveTimeoutSecs) if the Nsvc has not yet been wired to
// an instance (never true outside of a test constructing a bare Nsvc) or
// the configured value is zero.
func resetTimeoutSecsFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.ResetTimeout == 0 {
		return resetTimeoutSecs
	}
	return int(v.nsi.timers.ResetTimeout.Seconds())
}

func aliveTimeoutSecsFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.AliveTimeout == 0 {
		return aliveTimeoutSecs
	}
	return int(v.nsi.timers.AliveTimeout.Seconds())
}

// testTimeoutSecsFor reads Tns-test, the quiet interval UNBLOCKED waits
// between ALIVE probes (spec.md §4.3/§8 scenario 3).
func testTimeoutSecsFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.TestTimeout == 0 {
		return testTimeoutSecs
	}
	return int(v.nsi.timers.TestTimeout.Seconds())
}

// blockTimeoutSecsFor reads Tns-block, the UNBLOCK retry interval while
// BLOCKED.
func blockTimeoutSecsFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.BlockTimeout == 0 {
		return blockTimeoutSecs
	}
	return int(v.nsi.timers.BlockTimeout.Seconds())
}

func maxResetRetriesFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.MaxResetRetries == 0 {
		return maxResetRetries
	}
	return v.nsi.timers.MaxResetRetries
}

func maxAliveRetriesFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.MaxAliveRetries == 0 {
		return maxAliveRetries
	}
	return v.nsi.timers.MaxAliveRetries
}

func maxBlockRetriesFor(v *Nsvc) int {
	if v.nsi == nil || v.nsi.timers.MaxBlockRetries == 0 {
		return maxBlockRetries
	}
	return v.nsi.timers.MaxBlockRetries
}

// Nsvc states, per spec.md §4.3's state table.
const (
	NsvcDead fsm.StateID = iota
	NsvcResetting
	NsvcBlocked
	NsvcUnblocked
)

// Nsvc events drive the class's transition table.
const (
	evRxReset fsm.EventID = iota
	evRxResetAck
	evRxBlock
	evRxBlockAck
	evRxUnblock
	evRxUnblockAck
	evRxAlive
	evRxAliveAck
	evRxStatus
	evTxBlock
	evTxUnblock
	evTxReset
)

var nsvcEventNames = map[fsm.EventID]string{
	evRxReset:      "RX-RESET",
	evRxResetAck:   "RX-RESET-ACK",
	evRxBlock:      "RX-BLOCK",
	evRxBlockAck:   "RX-BLOCK-ACK",
	evRxUnblock:    "RX-UNBLOCK",
	evRxUnblockAck: "RX-UNBLOCK-ACK",
	evRxAlive:      "RX-ALIVE",
	evRxAliveAck:   "RX-ALIVE-ACK",
	evRxStatus:     "RX-STATUS",
	evTxBlock:      "TX-BLOCK",
	evTxUnblock:    "TX-UNBLOCK",
	evTxReset:      "TX-RESET",
}

// nsvcCounters names the counters attached to every Nsvc's ratectr.Group,
// supplementing spec.md's minimal counter set with the original's fuller
// NS-VC accounting (per SPEC_FULL.md §11).
var nsvcCounters = &ratectr.Description{
	GroupName: "nsvc",
	Counters: []string{
		"packets_in", "packets_out", "bytes_in", "bytes_out",
		"blocked", "dead", "replaced", "discarded",
		"status_rx", "reset_rx", "alive_timeout", "block_timeout",
	},
}

// Nsvc is one NS Virtual Connection: a peer endpoint bound to a transport,
// driven through RESET -> UNBLOCKED by its fsm.Instance, per spec.md §4.3.
type Nsvc struct {
	NSVCI uint16
	NSEI  uint16

	Transport Transport

	// AutoDispose marks an Nsvc created dynamically for a peer with no
	// prior configuration entry (e.g. a UDP peer NsInstance has never
	// seen before). Such an Nsvc is torn down, instead of recycled
	// through RESET, the moment it goes dead — it has no persistent
	// configuration to recover to. Supplements spec.md §4.3 (per
	// SPEC_FULL.md §11).
	AutoDispose bool

	fi      *fsm.Instance
	nsi     *NsInstance
	ctr     *ratectr.Group
	breaker *circuitbreaker.Breaker

	resetCnt int
	blockCnt int
	aliveCnt int

	// aliveProbeActive distinguishes UNBLOCKED's two timer phases (spec.md
	// §4.3/§8 scenario 3's timer_mode): false while idling out Tns-test
	// between probes, true while a sent ALIVE is awaiting its ACK within
	// Tns-alive.
	aliveProbeActive bool
}

var nsvcClass = &fsm.Class{
	Name:       "nsvc",
	EventNames: nsvcEventNames,
	States: []fsm.StateDesc{
		NsvcDead: {
			Name:         "dead",
			InEventMask:  1<<evRxReset | 1<<evTxReset,
			OutStateMask: 1 << NsvcResetting,
			Action:       nsvcActDead,
		},
		NsvcResetting: {
			Name:         "resetting",
			InEventMask:  1<<evRxReset | 1<<evRxResetAck,
			OutStateMask: 1<<NsvcBlocked | 1<<NsvcResetting,
			Action:       nsvcActResetting,
		},
		NsvcBlocked: {
			Name:         "blocked",
			InEventMask:  1<<evRxReset | 1<<evRxBlock | 1<<evRxUnblock | 1<<evRxUnblockAck | 1<<evTxUnblock,
			OutStateMask: 1<<NsvcBlocked | 1<<NsvcUnblocked | 1<<NsvcDead | 1<<NsvcResetting,
			Action:       nsvcActBlocked,
		},
		NsvcUnblocked: {
			Name:         "unblocked",
			InEventMask:  1<<evRxReset | 1<<evRxBlock | 1<<evRxUnblockAck | 1<<evRxAlive | 1<<evRxAliveAck | 1<<evTxBlock,
			OutStateMask: 1<<NsvcUnblocked | 1<<NsvcBlocked | 1<<NsvcDead | 1<<NsvcResetting,
			Action:       nsvcActUnblocked,
		},
	},
	AllStateEventMask: 1 << evRxStatus,
	AllStateAction:    nsvcActStatus,
	TimerCB:           nsvcTimerExpiry,
	Cleanup:           nsvcCleanup,
}

func nsvc(fi *fsm.Instance) *Nsvc { return fi.Priv.(*Nsvc) }

// nsvcActDead handles T1 (RESET procedure) from the DEAD state: send
// RESET, arm the reset-retry timer, move to RESETTING. Matches spec.md
// §4.3's "DEAD: on RESET timer or explicit reset request, transmit RESET
// and await RESET-ACK."
func nsvcActDead(fi *fsm.Instance, event fsm.EventID, data any) {
	v := nsvc(fi)
	if event == evRxReset {
		pdu, _ := data.(*PDU)
		handleRxReset(v, pdu)
		return
	}
	v.sendReset()
	v.raiseSignal(SignalReset, CauseNetworkServiceUnavailable)
	fi.StateChg(NsvcResetting, resetTimeoutSecsFor(v), tRESET)
}

func nsvcActResetting(fi *fsm.Instance, event fsm.EventID, data any) {
	v := nsvc(fi)
	switch event {
	case evRxResetAck:
		v.ctr.Inc("reset_rx")
		v.blockCnt = 0
		v.sendUnblock()
		v.raiseSignal(SignalBlock, CauseNetworkServiceUnavailable)
		fi.StateChg(NsvcBlocked, blockTimeoutSecsFor(v), tBLOCK)
	case evRxReset:
		pdu, _ := data.(*PDU)
		handleRxReset(v, pdu)
	}
}

// nsvcActBlocked handles BLOCKED, per spec.md §4.3's state table: a peer
// UNBLOCK or UNBLOCK-ACK moves to UNBLOCKED with Tns-test idling out before
// the first ALIVE probe; otherwise BLOCKED keeps retrying UNBLOCK every
// Tns-block until Tns-block expiry (nsvcTimerExpiry) gives up.
func nsvcActBlocked(fi *fsm.Instance, event fsm.EventID, data any) {
	v := nsvc(fi)
	switch event {
	case evRxReset:
		pdu, _ := data.(*PDU)
		handleRxReset(v, pdu)
	case evRxBlock:
		v.ctr.Inc("blocked")
		v.sendBlockAck(data)
	case evRxUnblock:
		v.sendUnblockAck()
		v.enterUnblocked(fi)
	case evRxUnblockAck:
		v.enterUnblocked(fi)
	case evTxUnblock:
		v.blockCnt = 0
		v.sendUnblock()
		fi.StateChg(NsvcBlocked, blockTimeoutSecsFor(v), tBLOCK)
	}
}

// enterUnblocked transitions into UNBLOCKED and arms Tns-test, the quiet
// interval before the first ALIVE probe is sent (spec.md §8 scenario 3):
// entering UNBLOCKED must not itself transmit ALIVE.
func (v *Nsvc) enterUnblocked(fi *fsm.Instance) {
	v.blockCnt = 0
	v.aliveCnt = 0
	v.aliveProbeActive = false
	v.raiseSignal(SignalUnblock, CauseNetworkServiceUnavailable)
	fi.StateChg(NsvcUnblocked, testTimeoutSecsFor(v), tTEST)
}

func nsvcActUnblocked(fi *fsm.Instance, event fsm.EventID, data any) {
	v := nsvc(fi)
	switch event {
	case evRxReset:
		pdu, _ := data.(*PDU)
		handleRxReset(v, pdu)
	case evRxBlock:
		v.ctr.Inc("blocked")
		v.sendBlockAck(data)
		v.blockCnt = 0
		fi.StateChg(NsvcBlocked, blockTimeoutSecsFor(v), tBLOCK)
	case evRxUnblockAck:
		// already unblocked; nothing to do.
	case evRxAlive:
		v.sendAliveAck()
	case evRxAliveAck:
		// the ack this Nsvc itself solicited with a probe ALIVE: liveness
		// confirmed, cancel the Tns-alive wait and go back to idling out
		// Tns-test before the next probe.
		v.aliveCnt = 0
		v.aliveProbeActive = false
		fi.StateChg(NsvcUnblocked, testTimeoutSecsFor(v), tTEST)
	case evTxBlock:
		v.sendBlock()
		v.blockCnt = 0
		fi.StateChg(NsvcBlocked, blockTimeoutSecsFor(v), tBLOCK)
	}
}

// nsvcActStatus logs and counts a received STATUS PDU; per spec.md §4.3,
// STATUS never drives a state transition by itself.
func nsvcActStatus(fi *fsm.Instance, event fsm.EventID, data any) {
	v := nsvc(fi)
	v.ctr.Inc("status_rx")
	pdu, _ := data.(*PDU)
	cause, _ := pdu.Cause()
	logging.Op().Warn("ns: received STATUS", "nsvci", v.NSVCI, "cause", cause)
}

// handleRxReset answers a peer-initiated RESET in any state: ack
// it and restart the procedure from RESETTING, matching the original's
// "a RESET can arrive unsolicited and must always be answered."
func handleRxReset(v *Nsvc, pdu *PDU) {
	if pdu != nil {
		if nsvci, ok := pdu.NSVCI(); ok {
			v.NSVCI = nsvci
		}
		if nsei, ok := pdu.NSEI(); ok {
			v.NSEI = nsei
		}
	}
	v.sendResetAck()
	v.raiseSignal(SignalReset, CauseNetworkServiceUnavailable)
	v.fi.StateChg(NsvcResetting, resetTimeoutSecsFor(v), tRESET)
}

// nsvcTimerExpiry runs when the NS-VC's single instance timer fires:
// Tns-reset in RESETTING, Tns-block in BLOCKED, or Tns-test/Tns-alive in
// UNBLOCKED, depending on the current state. Returning true tears the Nsvc
// down entirely (AutoDispose instances); configured instances instead go
// to DEAD and immediately restart RESET, per spec.md §4.3/§7's "Persistent
// Nsvcs auto-retry indefinitely at RESET."
func nsvcTimerExpiry(fi *fsm.Instance) bool {
	v := nsvc(fi)
	switch fi.State() {
	case NsvcResetting:
		v.resetCnt++
		if v.resetCnt >= maxResetRetriesFor(v) {
			v.ctr.Inc("dead")
			if v.AutoDispose {
				return true
			}
			v.resetCnt = 0
			fi.StateChg(NsvcDead, 0, 0)
			v.RequestReset()
			return false
		}
		v.sendReset()
		fi.StateChg(NsvcResetting, resetTimeoutSecsFor(v), tRESET)

	case NsvcBlocked:
		v.blockCnt++
		if v.blockCnt >= maxBlockRetriesFor(v) {
			v.ctr.Inc("block_timeout")
			v.ctr.Inc("dead")
			v.raiseSignal(SignalAliveExpired, CauseNetworkServiceUnavailable)
			if v.AutoDispose {
				return true
			}
			v.blockCnt = 0
			fi.StateChg(NsvcDead, 0, 0)
			v.RequestReset()
			return false
		}
		v.sendUnblock()
		fi.StateChg(NsvcBlocked, blockTimeoutSecsFor(v), tBLOCK)

	case NsvcUnblocked:
		if !v.aliveProbeActive {
			// Tns-test elapsed quietly: send the next ALIVE probe and
			// switch to waiting for its ACK within Tns-alive.
			v.aliveProbeActive = true
			v.sendAlive()
			fi.StateChg(NsvcUnblocked, aliveTimeoutSecsFor(v), tALIVE)
			return false
		}
		// Tns-alive expired with no ACK: one retry consumed.
		v.aliveCnt++
		if v.aliveCnt >= maxAliveRetriesFor(v) {
			v.ctr.Inc("alive_timeout")
			v.ctr.Inc("dead")
			v.raiseSignal(SignalAliveExpired, CauseNetworkServiceUnavailable)
			if v.AutoDispose {
				return true
			}
			v.aliveCnt = 0
			v.aliveProbeActive = false
			fi.StateChg(NsvcDead, 0, 0)
			v.RequestReset()
			return false
		}
		v.sendAlive()
		fi.StateChg(NsvcUnblocked, aliveTimeoutSecsFor(v), tALIVE)
	}
	return false
}

func nsvcCleanup(fi *fsm.Instance, cause fsm.TermCause) {
	v := nsvc(fi)
	logging.Op().Info("ns: nsvc terminated", "nsvci", v.NSVCI, "nsei", v.NSEI, "cause", cause)
	v.nsi.forget(v)
}

// Timer defaults and retry counts, per spec.md §4.3/§8's Tns-reset/
// Tns-block/Tns-test/Tns-alive table and the original's NS timer defaults
// (gprs_ns.h NS_TOUT_*). The T* constants are 3GPP timer numbers, used only
// for logging via fsm.Instance.T.
const (
	tRESET = 1
	tBLOCK = 2
	tALIVE = 3
	tTEST  = 4

	resetTimeoutSecs = 3
	blockTimeoutSecs = 3
	testTimeoutSecs  = 30
	aliveTimeoutSecs = 3

	maxResetRetries = 3
	maxBlockRetries = 3
	maxAliveRetries = 10
)

func (v *Nsvc) sendPDU(p *PDU) {
	if v.Transport == nil {
		return
	}
	if v.breaker != nil && !v.breaker.Allow() {
		logging.Op().Warn("ns: send dropped, breaker open", "nsvci", v.NSVCI, "pdu", p.Type)
		return
	}
	b := p.Encode()
	v.ctr.Inc("packets_out")
	v.ctr.IncBy("bytes_out", float64(len(b)))
	err := v.Transport.Send(b)
	if v.breaker != nil {
		if err != nil {
			v.breaker.RecordFailure()
		} else {
			v.breaker.RecordSuccess()
		}
	}
	if err != nil {
		logging.Op().Warn("ns: send failed", "nsvci", v.NSVCI, "pdu", p.Type, "err", err)
	}
}

func (v *Nsvc) sendReset()      { v.sendPDU(BuildReset(CauseNetworkServiceUnavailable, v.NSVCI, v.NSEI)) }
func (v *Nsvc) sendResetAck()   { v.sendPDU(BuildResetAck(v.NSVCI, v.NSEI)) }
func (v *Nsvc) sendBlock()      { v.sendPDU(BuildBlock(CauseNetworkServiceUnavailable, v.NSVCI)) }
func (v *Nsvc) sendBlockAck(data any) {
	nsvci := v.NSVCI
	if pdu, ok := data.(*PDU); ok {
		if n, ok := pdu.NSVCI(); ok {
			nsvci = n
		}
	}
	v.sendPDU(BuildBlockAck(nsvci))
}
func (v *Nsvc) sendUnblock()    { v.sendPDU(BuildUnblock()) }
func (v *Nsvc) sendUnblockAck() { v.sendPDU(BuildUnblockAck()) }
func (v *Nsvc) sendAlive()      { v.sendPDU(BuildAlive()) }
func (v *Nsvc) sendAliveAck()   { v.sendPDU(BuildAliveAck()) }

// RequestReset initiates the RESET procedure from outside the FSM (e.g.
// on first configuration, or operator command).
func (v *Nsvc) RequestReset() { v.fi.Dispatch(evTxReset, nil) }

// RequestBlock/RequestUnblock let an operator take an Nsvc out of or back
// into service administratively.
func (v *Nsvc) RequestBlock()   { v.fi.Dispatch(evTxBlock, nil) }
func (v *Nsvc) RequestUnblock() { v.fi.Dispatch(evTxUnblock, nil) }

// State returns the Nsvc's current fsm.StateID.
func (v *Nsvc) State() fsm.StateID { return v.fi.State() }

// IsUnblocked reports whether this Nsvc may currently carry user data,
// per spec.md §4.3's "UNITDATA is only accepted/sent while UNBLOCKED."
func (v *Nsvc) IsUnblocked() bool { return v.fi.State() == NsvcUnblocked }
