// Package ratectr provides the RateCtrGroup abstraction spec.md §3
// attaches to every Nsvc and BVC context: a named group of monotonically
// increasing counters, used for the NS-VC and BSSGP counters in spec.md
// §4.4 and §7 (DISCARDED, BLOCKED, packets/bytes in/out, ...).
//
// It is backed by github.com/prometheus/client_golang, the same library
// the teacher stack uses for every other operational counter
// (internal/metrics/prometheus.go); gsmstack registers one CounterVec per
// group kind and labels each increment with the group's instance name
// (an NSVCI, a BVCI/NSEI pair, or a BVCI/NSEI/TLLI triple for a per-MS
// bucket) instead of hand-rolling an in-memory
// counter map the way the spec's C original does with rate_ctr_group.
package ratectr

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Description names the counters in a group, in declaration order. Each
// gsmstack subsystem (ns, bssgp) declares one Description for its counter
// set, mirroring the enum-of-counter-indices pattern in the original's
// gprs_ns.h / gprs_bssgp.h (NS_CTR_*, BSSGP_CTR_*).
type Description struct {
	GroupName string // prometheus subsystem label, e.g. "nsvc", "bvcfc"
	Counters  []string
}

// Group is one instance of a counter group (one per Nsvc, one per BVC
// context), each counter exposed as a label value on a shared
// prometheus.CounterVec.
type Group struct {
	desc     *Description
	instance string
	vec      *prometheus.CounterVec
}

// registry is process-wide: one CounterVec per Description.GroupName,
// shared by every Group instance of that kind, one label value per
// instance.
type registry struct {
	mu   sync.Mutex
	vecs map[string]*prometheus.CounterVec
}

var global = &registry{vecs: make(map[string]*prometheus.CounterVec)}

// Namespace is the prometheus namespace gsmstack registers its counters
// under. Set once at startup before any Group is created.
var Namespace = "gsmstack"

func vecFor(desc *Description) *prometheus.CounterVec {
	global.mu.Lock()
	defer global.mu.Unlock()
	if v, ok := global.vecs[desc.GroupName]; ok {
		return v
	}
	v := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: desc.GroupName,
			Name:      "total",
			Help:      "gsmstack " + desc.GroupName + " counters",
		},
		[]string{"instance", "counter"},
	)
	prometheus.MustRegister(v)
	global.vecs[desc.GroupName] = v
	return v
}

// NewGroup allocates a Group of the given description, labeled with
// instance (e.g. "nsei=1" or "bvci=2,nsei=1").
func NewGroup(desc *Description, instance string) *Group {
	return &Group{desc: desc, instance: instance, vec: vecFor(desc)}
}

// Inc increments the named counter by one. It panics if name is not part
// of the group's Description — counter names are a closed, compile-time
// set, the same contract as the original's enum-indexed rate_ctr_group.
func (g *Group) Inc(name string) {
	g.IncBy(name, 1)
}

// IncBy increments the named counter by delta.
func (g *Group) IncBy(name string, delta float64) {
	if !g.desc.has(name) {
		panic("ratectr: unknown counter " + name + " in group " + g.desc.GroupName)
	}
	g.vec.WithLabelValues(g.instance, name).Add(delta)
}

func (d *Description) has(name string) bool {
	for _, c := range d.Counters {
		if c == name {
			return true
		}
	}
	return false
}
