package ns

import (
	"fmt"
	"testing"
	"time"

	"github.com/oriys/gsmstack/internal/circuitbreaker"
	"github.com/oriys/gsmstack/internal/timer"
)

// fakeTransport records every PDU gsmstack sends on it, standing in for a
// socket in tests that only exercise the Nsvc state machine.
type fakeTransport struct {
	sent []*PDU
	key  string
}

func (t *fakeTransport) Send(b []byte) error {
	p, err := Decode(b)
	if err != nil {
		return err
	}
	t.sent = append(t.sent, p)
	return nil
}

func (t *fakeTransport) Close() error   { return nil }
func (t *fakeTransport) String() string { return t.key }

func (t *fakeTransport) last() *PDU {
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func setup(t *testing.T) (*NsInstance, *fakeTransport, *Nsvc) {
	t.Helper()
	w := timer.New(nil)
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer1"}
	v, err := ni.AddNsvc(11, 22, ft, "fake:peer1", false)
	if err != nil {
		t.Fatal(err)
	}
	return ni, ft, v
}

func TestResetHandshakeReachesUnblocked(t *testing.T) {
	ni, ft, v := setup(t)

	if v.State() != NsvcResetting {
		t.Fatalf("expected resetting after AddNsvc, got %v", v.State())
	}
	if got := ft.last(); got == nil || got.Type != PDUReset {
		t.Fatalf("expected RESET to have been sent, got %v", got)
	}

	resetAck := BuildResetAck(11, 22).Encode()
	ni.Deliver("fake:peer1", resetAck, ft)
	if v.State() != NsvcBlocked {
		t.Fatalf("expected blocked after RESET-ACK, got %v", v.State())
	}
	if got := ft.last(); got == nil || got.Type != PDUUnblock {
		t.Fatalf("expected UNBLOCK to have been sent, got %v", got)
	}

	unblockAck := BuildUnblockAck().Encode()
	ni.Deliver("fake:peer1", unblockAck, ft)
	if v.State() != NsvcUnblocked {
		t.Fatalf("expected unblocked after UNBLOCK-ACK, got %v", v.State())
	}
	if !v.IsUnblocked() {
		t.Fatal("IsUnblocked should report true")
	}
}

func TestUnitDataDeliveredOnlyWhenUnblocked(t *testing.T) {
	ni, ft, v := setup(t)

	var got []byte
	ni.SetUnitDataHandler(func(nsei, bvci uint16, payload []byte) {
		got = payload
	})

	ud := BuildUnitData(5, []byte("hello")).Encode()
	ni.Deliver("fake:peer1", ud, ft)
	if got != nil {
		t.Fatal("expected UNITDATA to be dropped before unblocked")
	}

	ni.Deliver("fake:peer1", BuildResetAck(11, 22).Encode(), ft)
	ni.Deliver("fake:peer1", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked")
	}

	ni.Deliver("fake:peer1", ud, ft)
	if string(got) != "hello" {
		t.Fatalf("expected payload delivered, got %q", got)
	}
}

func TestPeerInitiatedResetRestartsProcedure(t *testing.T) {
	ni, ft, v := setup(t)
	ni.Deliver("fake:peer1", BuildResetAck(11, 22).Encode(), ft)
	ni.Deliver("fake:peer1", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked before peer reset")
	}

	ni.Deliver("fake:peer1", BuildReset(CauseNetworkServiceUnavailable, 11, 22).Encode(), ft)
	if v.State() != NsvcResetting {
		t.Fatalf("expected resetting after peer-initiated RESET, got %v", v.State())
	}
	if got := ft.last(); got == nil || got.Type != PDUResetAck {
		t.Fatalf("expected RESET-ACK to have been sent, got %v", got)
	}
}

func TestResetRetryOnTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer2"}
	v, err := ni.AddNsvc(1, 2, ft, "fake:peer2", false)
	if err != nil {
		t.Fatal(err)
	}
	initialSends := len(ft.sent)

	now = now.Add((resetTimeoutSecs + 1) * time.Second)
	w.Update()

	if len(ft.sent) <= initialSends {
		t.Fatal("expected a retried RESET to have been sent")
	}
	if v.State() != NsvcResetting {
		t.Fatalf("expected still resetting after one retry, got %v", v.State())
	}
}

func TestAutoDisposeNsvcTerminatesAfterMaxRetries(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer3"}
	v, err := ni.AddNsvc(9, 9, ft, "fake:peer3", true)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxResetRetries+1; i++ {
		now = now.Add((resetTimeoutSecs + 1) * time.Second)
		w.Update()
	}

	if _, ok := ni.Nsvc(9); ok {
		t.Fatal("expected auto-disposing nsvc to have been forgotten")
	}
}

func TestUnblockedAliveLivenessRoundTrip(t *testing.T) {
	ni, ft, v := setup(t)
	ni.Deliver("fake:peer1", BuildResetAck(11, 22).Encode(), ft)
	ni.Deliver("fake:peer1", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked")
	}

	alive := BuildAlive().Encode()
	ni.Deliver("fake:peer1", alive, ft)
	if got := ft.last(); got == nil || got.Type != PDUAliveAck {
		t.Fatalf("expected ALIVE-ACK reply, got %v", got)
	}
}

func TestMalformedPDUIsDroppedNotPropagated(t *testing.T) {
	ni, ft, _ := setup(t)
	// A truncated TLV must not panic Deliver; it should simply be logged
	// and dropped per spec.md §7's MalformedPdu handling.
	ni.Deliver("fake:peer1", []byte{byte(PDUReset), byte(IECause), 9}, ft)
}

// failingTransport always errors on Send, simulating a socket that is down
// at the OS level rather than a peer that is merely slow to ACK.
type failingTransport struct{}

func (failingTransport) Send(b []byte) error { return errSendFailed }
func (failingTransport) Close() error        { return nil }
func (failingTransport) String() string      { return "failing" }

var errSendFailed = fmt.Errorf("send failed")

func TestUnblockedDoesNotProbeImmediately(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer5"}
	v, err := ni.AddNsvc(51, 52, ft, "fake:peer5", false)
	if err != nil {
		t.Fatal(err)
	}

	ni.Deliver("fake:peer5", BuildResetAck(51, 52).Encode(), ft)
	ni.Deliver("fake:peer5", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked")
	}

	sentAtEntry := len(ft.sent)
	if got := ft.last(); got.Type == PDUAlive {
		t.Fatal("entering UNBLOCKED must not itself send ALIVE")
	}

	// Advancing less than Tns-test must not yet trigger a probe.
	now = now.Add(time.Duration(testTimeoutSecs-1) * time.Second)
	w.Update()
	if len(ft.sent) != sentAtEntry {
		t.Fatal("ALIVE sent before Tns-test elapsed")
	}

	// Crossing Tns-test sends the first probe and switches to Tns-alive.
	now = now.Add(2 * time.Second)
	w.Update()
	if got := ft.last(); got == nil || got.Type != PDUAlive {
		t.Fatalf("expected ALIVE probe after Tns-test elapsed, got %v", got)
	}
	if !v.aliveProbeActive {
		t.Fatal("expected aliveProbeActive after sending a probe")
	}
}

func TestUnblockedAliveAckCancelsTnsAliveAndRestartsTnsTest(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer6"}
	v, err := ni.AddNsvc(61, 62, ft, "fake:peer6", false)
	if err != nil {
		t.Fatal(err)
	}
	ni.Deliver("fake:peer6", BuildResetAck(61, 62).Encode(), ft)
	ni.Deliver("fake:peer6", BuildUnblockAck().Encode(), ft)

	now = now.Add(time.Duration(testTimeoutSecs+1) * time.Second)
	w.Update()
	if !v.aliveProbeActive {
		t.Fatal("expected a probe in flight after Tns-test")
	}

	ni.Deliver("fake:peer6", BuildAliveAck().Encode(), ft)
	if v.aliveProbeActive {
		t.Fatal("expected aliveProbeActive cleared once the probe is acked")
	}
	if v.State() != NsvcUnblocked {
		t.Fatalf("expected still unblocked after ALIVE-ACK, got %v", v.State())
	}
}

func TestBlockedRetriesUnblockOnTnsBlockExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer7"}
	v, err := ni.AddNsvc(71, 72, ft, "fake:peer7", false)
	if err != nil {
		t.Fatal(err)
	}
	ni.Deliver("fake:peer7", BuildResetAck(71, 72).Encode(), ft)
	if v.State() != NsvcBlocked {
		t.Fatalf("expected blocked after RESET-ACK, got %v", v.State())
	}
	sentBefore := len(ft.sent)

	// The peer never acks UNBLOCK: Tns-block must retry it.
	now = now.Add(time.Duration(blockTimeoutSecs+1) * time.Second)
	w.Update()

	if len(ft.sent) <= sentBefore {
		t.Fatal("expected a retried UNBLOCK to have been sent")
	}
	if got := ft.last(); got == nil || got.Type != PDUUnblock {
		t.Fatalf("expected retried UNBLOCK, got %v", got)
	}
	if v.State() != NsvcBlocked {
		t.Fatalf("expected still blocked after one retry, got %v", v.State())
	}
}

func TestPersistentNsvcRestartsAfterBlockRetriesExhausted(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer8"}
	v, err := ni.AddNsvc(81, 82, ft, "fake:peer8", false)
	if err != nil {
		t.Fatal(err)
	}
	ni.Deliver("fake:peer8", BuildResetAck(81, 82).Encode(), ft)
	if v.State() != NsvcBlocked {
		t.Fatalf("expected blocked after RESET-ACK, got %v", v.State())
	}

	for i := 0; i < maxBlockRetries+1; i++ {
		now = now.Add(time.Duration(blockTimeoutSecs+1) * time.Second)
		w.Update()
	}

	if v.State() != NsvcResetting {
		t.Fatalf("expected a persistent nsvc to restart at RESET after exhausting Tns-block retries, got %v", v.State())
	}
	if _, ok := ni.Nsvc(81); !ok {
		t.Fatal("a persistent nsvc must not be forgotten after retry exhaustion")
	}
}

func TestPersistentNsvcRestartsAfterAliveRetriesExhausted(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)
	ft := &fakeTransport{key: "fake:peer9"}
	v, err := ni.AddNsvc(91, 92, ft, "fake:peer9", false)
	if err != nil {
		t.Fatal(err)
	}
	ni.Deliver("fake:peer9", BuildResetAck(91, 92).Encode(), ft)
	ni.Deliver("fake:peer9", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked")
	}

	// First advance past Tns-test to send the initial probe, then let every
	// subsequent Tns-alive expire unacked until retries are exhausted.
	now = now.Add(time.Duration(testTimeoutSecs+1) * time.Second)
	w.Update()
	for i := 0; i < maxAliveRetries; i++ {
		now = now.Add(time.Duration(aliveTimeoutSecs+1) * time.Second)
		w.Update()
	}

	if v.State() != NsvcResetting {
		t.Fatalf("expected a persistent nsvc to restart at RESET after exhausting Tns-alive retries, got %v", v.State())
	}
	if _, ok := ni.Nsvc(91); !ok {
		t.Fatal("a persistent nsvc must not be forgotten after retry exhaustion")
	}
}

func TestSignalSinkReceivesLifecycleSignals(t *testing.T) {
	now := time.Unix(0, 0)
	w := timer.New(func() time.Time { return now })
	ni := NewInstance(w)

	var kinds []SignalKind
	ni.SetSignalSink(func(sig Signal) {
		kinds = append(kinds, sig.Kind)
	})

	ft := &fakeTransport{key: "fake:peer10"}
	v, err := ni.AddNsvc(101, 102, ft, "fake:peer10", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) == 0 || kinds[0] != SignalReset {
		t.Fatalf("expected SignalReset on entering DEAD->RESETTING, got %v", kinds)
	}

	ni.Deliver("fake:peer10", BuildResetAck(101, 102).Encode(), ft)
	ni.Deliver("fake:peer10", BuildUnblockAck().Encode(), ft)
	if !v.IsUnblocked() {
		t.Fatal("expected unblocked")
	}

	var sawBlock, sawUnblock bool
	for _, k := range kinds {
		if k == SignalBlock {
			sawBlock = true
		}
		if k == SignalUnblock {
			sawUnblock = true
		}
	}
	if !sawBlock {
		t.Fatal("expected a SignalBlock after RESET-ACK")
	}
	if !sawUnblock {
		t.Fatal("expected a SignalUnblock after UNBLOCK-ACK")
	}
}

func TestTransportBreakerOpensAfterRepeatedSendFailures(t *testing.T) {
	w := timer.New(nil)
	ni := NewInstance(w)
	v, err := ni.AddNsvc(30, 40, failingTransport{}, "fake:peer4", false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		v.sendAlive()
	}

	if v.breaker.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker to open after repeated send failures, got %v", v.breaker.State())
	}
}
