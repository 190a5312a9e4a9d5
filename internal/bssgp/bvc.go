package bssgp

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/ns"
	"github.com/oriys/gsmstack/internal/observability"
	"github.com/oriys/gsmstack/internal/timer"
)

// RoutingAreaID identifies a routing area, per spec.md §3's BVC context
// shape: `{ra_id: RoutingAreaId, cell_id: u16, ...}`.
type RoutingAreaID struct {
	MCC uint16
	MNC uint16
	LAC uint16
	RAC uint8
}

// BVCContext is one BSSGP Virtual Connection: the per-cell admission
// gate above NS, carrying its own leaky bucket plus one leaky bucket per
// mobile station currently attached through it. Mirrors spec.md §3's
// "BSSGP BVC context."
type BVCContext struct {
	RAID   RoutingAreaID
	CellID uint16
	BVCI   uint16
	NSEI   uint16

	blocked bool

	FC *FlowControl

	wheel *timer.Wheel
	ni    *ns.NsInstance

	mu       sync.Mutex
	msBucket map[uint32]*FlowControl // keyed by TLLI
}

// Manager owns every BVCContext, indexed both by (RAID, CellID) and by
// (BVCI, NSEI), per spec.md §3's "both indexes must agree."
type Manager struct {
	wheel *timer.Wheel
	ni    *ns.NsInstance

	mu       sync.Mutex
	byCell   map[cellKey]*BVCContext
	byBVCNSE map[bvcKey]*BVCContext
}

type cellKey struct {
	raid RoutingAreaID
	cell uint16
}

type bvcKey struct {
	bvci uint16
	nsei uint16
}

// NewManager creates a BVC manager wired to wheel (for every bucket's
// dequeue timer) and ni (the NS instance every BVC's bucket ultimately
// drains into).
func NewManager(wheel *timer.Wheel, ni *ns.NsInstance) *Manager {
	return &Manager{
		wheel:    wheel,
		ni:       ni,
		byCell:   make(map[cellKey]*BVCContext),
		byBVCNSE: make(map[bvcKey]*BVCContext),
	}
}

// CreateBVC registers a new BVC context whose per-cell bucket uses the
// given parameters as-is: bucketSizeMax in octets, leakRate in octets/s
// and maxQueueDepth in messages.
func (m *Manager) CreateBVC(raid RoutingAreaID, cellID, bvci, nsei uint16, bucketSizeMax, leakRate, maxQueueDepth uint32) (*BVCContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := cellKey{raid: raid, cell: cellID}
	bk := bvcKey{bvci: bvci, nsei: nsei}
	if _, exists := m.byCell[ck]; exists {
		return nil, fmt.Errorf("bssgp: cell already registered")
	}
	if _, exists := m.byBVCNSE[bk]; exists {
		return nil, fmt.Errorf("bssgp: bvci/nsei already registered")
	}

	bvc := &BVCContext{
		RAID:     raid,
		CellID:   cellID,
		BVCI:     bvci,
		NSEI:     nsei,
		wheel:    m.wheel,
		ni:       m.ni,
		msBucket: make(map[uint32]*FlowControl),
	}
	bvc.FC = NewFlowControl(m.wheel, bucketSizeMax, leakRate, maxQueueDepth, bvc.sendDownward, fmt.Sprintf("bvci=%d,nsei=%d", bvci, nsei))

	m.byCell[ck] = bvc
	m.byBVCNSE[bk] = bvc
	return bvc, nil
}

// ByBVCI looks up a BVC context by (BVCI, NSEI).
func (m *Manager) ByBVCI(bvci, nsei uint16) (*BVCContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bvc, ok := m.byBVCNSE[bvcKey{bvci: bvci, nsei: nsei}]
	return bvc, ok
}

// ByCell looks up a BVC context by (RoutingAreaID, CellID).
func (m *Manager) ByCell(raid RoutingAreaID, cellID uint16) (*BVCContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bvc, ok := m.byCell[cellKey{raid: raid, cell: cellID}]
	return bvc, ok
}

// All returns every currently registered BVCContext, for read-only
// introspection tooling (internal/grpcdebug); callers must not mutate the
// returned contexts.
func (m *Manager) All() []*BVCContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BVCContext, 0, len(m.byBVCNSE))
	for _, bvc := range m.byBVCNSE {
		out = append(out, bvc)
	}
	return out
}

// sendDownward is the BVC bucket's OutFunc: it hands an admitted payload
// to NS over whichever Nsvc is currently unblocked for this NSEI, per
// spec.md §4.4's "Composition" ("the BVC's out_cb calls into NS's
// sendmsg").
func (bvc *BVCContext) sendDownward(payload []byte) error {
	for _, v := range bvc.ni.NsvcsForNSEI(bvc.NSEI) {
		if v.IsUnblocked() {
			return v.SendUnitData(bvc.BVCI, payload)
		}
	}
	logging.Op().Warn("bssgp: no unblocked nsvc for nsei, dropping", "nsei", bvc.NSEI, "bvci", bvc.BVCI)
	return fmt.Errorf("bssgp: no unblocked nsvc for nsei %d", bvc.NSEI)
}

// Block marks the BVC administratively blocked, per spec.md §3's
// Flags{BLOCKED}.
func (bvc *BVCContext) Block() {
	bvc.mu.Lock()
	bvc.blocked = true
	bvc.mu.Unlock()
	bvc.FC.MarkBlocked()
}

// Unblock clears the BVC's administrative block.
func (bvc *BVCContext) Unblock() {
	bvc.mu.Lock()
	bvc.blocked = false
	bvc.mu.Unlock()
}

// Blocked reports the BVC's current administrative state.
func (bvc *BVCContext) Blocked() bool {
	bvc.mu.Lock()
	defer bvc.mu.Unlock()
	return bvc.blocked
}

// MSFlowControl returns (creating on first use) the per-MS leaky bucket
// for tlli, feeding into this BVC's own bucket, per spec.md §4.4's
// "Each MS has its own bucket feeding the BVC's bucket via out_cb."
func (bvc *BVCContext) MSFlowControl(tlli uint32, bucketSizeMax, leakRate, maxQueueDepth uint32) *FlowControl {
	bvc.mu.Lock()
	defer bvc.mu.Unlock()
	if fc, ok := bvc.msBucket[tlli]; ok {
		return fc
	}
	fc := NewFlowControl(bvc.wheel, bucketSizeMax, leakRate, maxQueueDepth, func(payload []byte) error {
		return bvc.FC.Admit(payload)
	}, fmt.Sprintf("bvci=%d,nsei=%d,tlli=%08x", bvc.BVCI, bvc.NSEI, tlli))
	bvc.msBucket[tlli] = fc
	return fc
}

// DropMS removes a mobile station's flow-control bucket, e.g. on
// detach; queued messages are discarded.
func (bvc *BVCContext) DropMS(tlli uint32) {
	bvc.mu.Lock()
	defer bvc.mu.Unlock()
	if fc, ok := bvc.msBucket[tlli]; ok {
		if fc.timer != nil {
			fc.timer.Cancel()
		}
		fc.queue.Init()
	}
	delete(bvc.msBucket, tlli)
}

// Downlink admits a downlink payload into this BVC's per-cell bucket
// directly (bypassing any per-MS bucket), for signalling or
// point-to-multipoint traffic that has no single owning MS.
func (bvc *BVCContext) Downlink(payload []byte) error {
	var span trace.Span
	if observability.Enabled() {
		_, span = observability.StartSpan(context.Background(), "bssgp.admit",
			observability.AttrBVCI.Int(int(bvc.BVCI)),
			observability.AttrNSEI.Int(int(bvc.NSEI)),
		)
		defer span.End()
	}
	err := bvc.FC.Admit(payload)
	if span != nil {
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
	}
	return err
}
