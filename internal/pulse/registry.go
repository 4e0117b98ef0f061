package pulse

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pulsesTotal counts Pulse() calls that reached at least one subscriber.
	pulsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ghcoord",
		Subsystem: "pulse",
		Name:      "delivered_total",
		Help:      "Wake-ups delivered to keys with live subscribers",
	})

	// liveKeys tracks registry entries currently referenced.
	liveKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghcoord",
		Subsystem: "pulse",
		Name:      "live_keys",
		Help:      "Keys with at least one subscriber holding a pulse",
	})
)

// Key identifies one pulse within a registry.
type Key struct {
	Domain string
	Name   string
}

type entry struct {
	pulse *Pulse
	refs  int
}

// Registry lazily creates one Pulse per (domain, key) and reclaims it when
// the last holder releases it. Nobody has to unregister keys explicitly.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Acquire returns the shared Pulse for (domain, name), creating it on first
// use, and a release function. Release is idempotent; once every holder has
// released, the entry is dropped.
func (r *Registry) Acquire(domain, name string) (*Pulse, func()) {
	k := Key{Domain: domain, Name: name}

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		e = &entry{pulse: New()}
		r.entries[k] = e
		liveKeys.Inc()
	}
	e.refs++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.refs--
			if e.refs == 0 && r.entries[k] == e {
				delete(r.entries, k)
				liveKeys.Dec()
			}
		})
	}
	return e.pulse, release
}

// Pulse wakes every subscriber of (domain, name). Keys nobody holds are
// ignored: a subscriber that arrives later starts with a fresh read anyway.
func (r *Registry) Pulse(domain, name string) {
	r.mu.Lock()
	e, ok := r.entries[Key{Domain: domain, Name: name}]
	r.mu.Unlock()

	if ok {
		e.pulse.Pulse()
		pulsesTotal.Inc()
	}
}

// PulseAll wakes every live key. Used to notice changes committed by other
// processes, which cannot reach this process's pulses.
func (r *Registry) PulseAll() {
	r.mu.Lock()
	pulses := make([]*Pulse, 0, len(r.entries))
	for _, e := range r.entries {
		pulses = append(pulses, e.pulse)
	}
	r.mu.Unlock()

	for _, p := range pulses {
		p.Pulse()
	}
	pulsesTotal.Add(float64(len(pulses)))
}

// Len returns the number of live keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
