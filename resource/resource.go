// Package resource implements the multi-scope resource manager of spec.md
// §4.10: atomic, reserve-all-or-nothing counters across system/peer/
// protocol/service scopes, exposed as a prometheus.Collector per
// SPEC_FULL.md's domain stack wiring.
package resource

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumkit/meshwire/peer"
)

// Stat mirrors spec.md §3's ResourceSnapshot counters for one scope.
type Stat struct {
	InboundConns    int64
	OutboundConns   int64
	InboundStreams  int64
	OutboundStreams int64
	MemoryBytes     int64
}

func (s Stat) TotalConns() int64   { return s.InboundConns + s.OutboundConns }
func (s Stat) TotalStreams() int64 { return s.InboundStreams + s.OutboundStreams }

func (s Stat) isZero() bool {
	return s == Stat{}
}

// Limits bounds one scope's Stat; a zero field means "unlimited" for that
// counter.
type Limits struct {
	MaxConns       int64
	MaxStreams     int64
	MaxMemoryBytes int64
}

func (l Limits) exceeds(s Stat) (resource string, ok bool) {
	if l.MaxConns > 0 && s.TotalConns() > l.MaxConns {
		return "conns", true
	}
	if l.MaxStreams > 0 && s.TotalStreams() > l.MaxStreams {
		return "streams", true
	}
	if l.MaxMemoryBytes > 0 && s.MemoryBytes > l.MaxMemoryBytes {
		return "memory", true
	}
	return "", false
}

// Resource identifies which counter a reservation touches.
type Resource int

const (
	ResourceConn Resource = iota
	ResourceStream
	ResourceMemory
)

// Direction of the connection/stream being reserved.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// LimitExceeded is returned by Reserve when committing the reservation
// would push any involved scope over its effective limit. Per spec.md §8
// invariant 7, no scope is mutated when this is returned.
type LimitExceeded struct {
	Scope    string
	Resource string
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("resource: limit exceeded for scope %q resource %q", e.Scope, e.Resource)
}

// Manager owns system/peer/protocol/service scope maps under one lock, per
// spec.md §4.10's "single internal lock; reservations atomic across
// scopes".
type Manager struct {
	mu sync.Mutex

	systemLimits Limits
	peerLimits   Limits
	protoLimits  Limits
	svcLimits    Limits

	peerOverrides  map[peer.ID]Limits
	protoOverrides map[string]Limits

	system   Stat
	perPeer  map[peer.ID]*Stat
	perProto map[string]*Stat
	perSvc   map[string]*Stat
}

// NewManager builds a Manager with the given default limits per scope kind.
func NewManager(system, perPeerLimits, perProtoLimits, perSvcLimits Limits) *Manager {
	return &Manager{
		systemLimits:   system,
		peerLimits:     perPeerLimits,
		protoLimits:    perProtoLimits,
		svcLimits:      perSvcLimits,
		peerOverrides:  make(map[peer.ID]Limits),
		protoOverrides: make(map[string]Limits),
		perPeer:        make(map[peer.ID]*Stat),
		perProto:       make(map[string]*Stat),
		perSvc:         make(map[string]*Stat),
	}
}

// SetPeerLimit overrides the per-peer limit for a specific peer.
func (m *Manager) SetPeerLimit(p peer.ID, l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerOverrides[p] = l
}

// SetProtocolLimit overrides the per-protocol limit for a specific id.
func (m *Manager) SetProtocolLimit(protocolID string, l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protoOverrides[protocolID] = l
}

func (m *Manager) effectivePeerLimit(p peer.ID) Limits {
	if l, ok := m.peerOverrides[p]; ok {
		return l
	}
	return m.peerLimits
}

func (m *Manager) effectiveProtoLimit(protocolID string) Limits {
	if l, ok := m.protoOverrides[protocolID]; ok {
		return l
	}
	return m.protoLimits
}

// applyDelta applies a one-counter change to a *Stat.
func applyDelta(s *Stat, res Resource, dir Direction, delta int64) {
	switch res {
	case ResourceConn:
		if dir == Inbound {
			s.InboundConns += delta
		} else {
			s.OutboundConns += delta
		}
	case ResourceStream:
		if dir == Inbound {
			s.InboundStreams += delta
		} else {
			s.OutboundStreams += delta
		}
	case ResourceMemory:
		s.MemoryBytes += delta
	}
}

// ReserveConn atomically reserves one connection slot across the system,
// peer, and service scopes, per spec.md §4.10.
func (m *Manager) ReserveConn(p peer.ID, svc string, dir Direction) error {
	return m.reserve(res{scope: "system", resource: ResourceConn, dir: dir, delta: 1},
		peerScope(p, ResourceConn, dir, 1), svcScope(svc, ResourceConn, dir, 1))
}

// ReleaseConn is the inverse of ReserveConn, saturating at zero.
func (m *Manager) ReleaseConn(p peer.ID, svc string, dir Direction) {
	m.release(res{scope: "system", resource: ResourceConn, dir: dir, delta: -1},
		peerScope(p, ResourceConn, dir, -1), svcScope(svc, ResourceConn, dir, -1))
}

// ReserveStream atomically reserves one stream across system, peer, and
// protocol scopes.
func (m *Manager) ReserveStream(p peer.ID, protocolID string, dir Direction) error {
	return m.reserve(res{scope: "system", resource: ResourceStream, dir: dir, delta: 1},
		peerScope(p, ResourceStream, dir, 1), protoScope(protocolID, ResourceStream, dir, 1))
}

// ReleaseStream is the inverse of ReserveStream.
func (m *Manager) ReleaseStream(p peer.ID, protocolID string, dir Direction) {
	m.release(res{scope: "system", resource: ResourceStream, dir: dir, delta: -1},
		peerScope(p, ResourceStream, dir, -1), protoScope(protocolID, ResourceStream, dir, -1))
}

// res is one scope's pending delta, tagged by which map it belongs to.
type res struct {
	scope    string // "system", "peer", "protocol", "service"
	key      string // peer/protocol/service key, ignored for "system"
	peerKey  peer.ID
	resource Resource
	dir      Direction
	delta    int64
}

func peerScope(p peer.ID, r Resource, dir Direction, delta int64) res {
	return res{scope: "peer", peerKey: p, resource: r, dir: dir, delta: delta}
}
func protoScope(id string, r Resource, dir Direction, delta int64) res {
	return res{scope: "protocol", key: id, resource: r, dir: dir, delta: delta}
}
func svcScope(name string, r Resource, dir Direction, delta int64) res {
	return res{scope: "service", key: name, resource: r, dir: dir, delta: delta}
}

// reserve verifies every involved scope would stay within its effective
// limit, then commits all deltas together — or commits none, per spec.md
// §8 invariant 7.
func (m *Manager) reserve(deltas ...res) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pass 1: compute hypothetical post-reservation stats per scope and
	// check limits, without mutating anything.
	for _, d := range deltas {
		current, limit := m.lookup(d)
		hypothetical := *current
		applyDelta(&hypothetical, d.resource, d.dir, d.delta)
		if resourceName, exceeded := limit.exceeds(hypothetical); exceeded {
			// lookup may have just inserted an empty Stat for a
			// scope seen for the first time; since the reservation
			// is being rejected, prune any such entries before
			// returning so a failed reserve never leaks zero-value
			// map entries.
			m.pruneEmptyLocked()
			return &LimitExceeded{Scope: scopeLabel(d), Resource: resourceName}
		}
	}
	// Pass 2: commit.
	for _, d := range deltas {
		current, _ := m.lookup(d)
		applyDelta(current, d.resource, d.dir, d.delta)
	}
	return nil
}

// release commits deltas unconditionally (they are negative), saturating
// at zero, and deletes emptied per-peer/protocol/service entries.
func (m *Manager) release(deltas ...res) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		current, _ := m.lookup(d)
		applyDelta(current, d.resource, d.dir, d.delta)
		saturateAtZero(current)
	}
	m.pruneEmptyLocked()
}

func saturateAtZero(s *Stat) {
	if s.InboundConns < 0 {
		s.InboundConns = 0
	}
	if s.OutboundConns < 0 {
		s.OutboundConns = 0
	}
	if s.InboundStreams < 0 {
		s.InboundStreams = 0
	}
	if s.OutboundStreams < 0 {
		s.OutboundStreams = 0
	}
	if s.MemoryBytes < 0 {
		s.MemoryBytes = 0
	}
}

func (m *Manager) pruneEmptyLocked() {
	for k, s := range m.perPeer {
		if s.isZero() {
			delete(m.perPeer, k)
		}
	}
	for k, s := range m.perProto {
		if s.isZero() {
			delete(m.perProto, k)
		}
	}
	for k, s := range m.perSvc {
		if s.isZero() {
			delete(m.perSvc, k)
		}
	}
}

// lookup must be called with m.mu held. It returns the *Stat for d's scope
// (creating an empty one if absent) and the effective Limits to check it
// against.
func (m *Manager) lookup(d res) (*Stat, Limits) {
	switch d.scope {
	case "system":
		return &m.system, m.systemLimits
	case "peer":
		s, ok := m.perPeer[d.peerKey]
		if !ok {
			s = &Stat{}
			m.perPeer[d.peerKey] = s
		}
		return s, m.effectivePeerLimit(d.peerKey)
	case "protocol":
		s, ok := m.perProto[d.key]
		if !ok {
			s = &Stat{}
			m.perProto[d.key] = s
		}
		return s, m.effectiveProtoLimit(d.key)
	default: // "service"
		s, ok := m.perSvc[d.key]
		if !ok {
			s = &Stat{}
			m.perSvc[d.key] = s
		}
		return s, m.svcLimits
	}
}

func scopeLabel(d res) string {
	if d.scope == "peer" {
		return "peer:" + string(d.peerKey)
	}
	if d.key != "" {
		return d.scope + ":" + d.key
	}
	return d.scope
}

// Snapshot returns a copy of the system-scope Stat.
func (m *Manager) Snapshot() Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// PeerSnapshot returns a copy of one peer's Stat.
func (m *Manager) PeerSnapshot(p peer.ID) Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.perPeer[p]; ok {
		return *s
	}
	return Stat{}
}

// Describe and Collect implement prometheus.Collector, exposing the
// system-scope counters ambiently (spec.md §1 excludes metrics frontends,
// but the underlying counters are in-scope §4.10 state).
var (
	_ prometheus.Collector = (*Manager)(nil)

	connsDesc   = prometheus.NewDesc("meshwire_resource_conns", "Current connection count by scope and direction.", []string{"scope", "direction"}, nil)
	streamsDesc = prometheus.NewDesc("meshwire_resource_streams", "Current stream count by scope and direction.", []string{"scope", "direction"}, nil)
	memoryDesc  = prometheus.NewDesc("meshwire_resource_memory_bytes", "Current memory reservation by scope.", []string{"scope"}, nil)
)

func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	ch <- connsDesc
	ch <- streamsDesc
	ch <- memoryDesc
}

func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	s := m.system
	m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.InboundConns), "system", "inbound")
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.OutboundConns), "system", "outbound")
	ch <- prometheus.MustNewConstMetric(streamsDesc, prometheus.GaugeValue, float64(s.InboundStreams), "system", "inbound")
	ch <- prometheus.MustNewConstMetric(streamsDesc, prometheus.GaugeValue, float64(s.OutboundStreams), "system", "outbound")
	ch <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, float64(s.MemoryBytes), "system")
}
