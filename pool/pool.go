// Package pool implements the connection pool of spec.md §4.6: the
// exclusive owner of every ManagedConnection, enforcing limits, tagging,
// protection, trimming, and the pending-dial JOIN registry used by
// scenario S6. One internal mutex guards all mutations, per spec.md §5;
// connection Close() always happens outside the lock using references
// captured while it was held — the lock-discipline (and the atomic
// last-accessed bookkeeping on each entry) is grounded on
// _examples/other_examples/0afa66af_omgolab-drpc__pkg-core-pool-connection_pool.go.go,
// adapted from its sharded peerConnection design down to spec.md's single-
// lock requirement.
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/yamux"
)

// Direction of a connection, per spec.md §3.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// StateKind is a ManagedConnection's coarse state, per spec.md §3.
type StateKind int

const (
	Connecting StateKind = iota
	Connected
	Disconnected
	Reconnecting
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DisconnectCode categorizes why a connection ended, per spec.md §3.
type DisconnectCode int

const (
	CodeLocalClose DisconnectCode = iota
	CodeRemoteClose
	CodeTimeout
	CodeIdleTimeout
	CodeHealthCheckFailed
	CodeLimitExceeded
	CodeGated
	CodeError
)

// ErrorCategory tags DisconnectReason{Code: CodeError}, per spec.md §3.
type ErrorCategory string

const (
	CategoryTransport ErrorCategory = "transport"
	CategorySecurity  ErrorCategory = "security"
	CategoryMuxer     ErrorCategory = "muxer"
	CategoryProtocol  ErrorCategory = "protocol"
	CategoryInternal  ErrorCategory = "internal"
	CategoryUnknown   ErrorCategory = "unknown"
)

// DisconnectReason is the tagged sum of spec.md §3. Equality compares Code
// only, per the spec's explicit equality rule.
type DisconnectReason struct {
	Code        DisconnectCode
	GatedStage  string
	Category    ErrorCategory
	Message     string
}

// Equal compares by Code only, per spec.md §3.
func (r DisconnectReason) Equal(other DisconnectReason) bool { return r.Code == other.Code }

// State bundles a ManagedConnection's StateKind with the data the
// Disconnected/Reconnecting variants carry, per spec.md §3.
type State struct {
	Kind             StateKind
	DisconnectReason DisconnectReason // valid when Kind == Disconnected or Failed
	ReconnectAttempt int              // valid when Kind == Reconnecting
	ReconnectAt      time.Time        // valid when Kind == Reconnecting
}

// ManagedConnection is the pool's internal record, per spec.md §3.
// Mutations happen only while the owning Pool's lock is held, except
// LastActivity, which is updated via atomic ops off the hot read/write
// path (grounded on the reference pool's atomic lastAccessedNs).
type ManagedConnection struct {
	ID         string
	Peer       peer.ID
	Address    multiaddr.Multiaddr
	Direction  Direction
	Connection yamux.MuxedConnection // nil unless State.Kind == Connected
	State      State
	RetryCount int
	ConnectedAt time.Time // zero until first Connected transition
	Tags        map[string]struct{}
	IsProtected bool

	lastActivityNs atomic.Int64
}

// LastActivity returns the last recorded activity time.
func (mc *ManagedConnection) LastActivity() time.Time {
	return time.Unix(0, mc.lastActivityNs.Load())
}

func (mc *ManagedConnection) touch() {
	mc.lastActivityNs.Store(time.Now().UnixNano())
}

// tagCount is a small helper so the trim comparator reads cleanly.
func (mc *ManagedConnection) tagCount() int { return len(mc.Tags) }

// Pool owns every ManagedConnection, per spec.md §4.6.
type Pool struct {
	mu sync.Mutex

	entries map[string]*ManagedConnection
	byPeer  map[peer.ID]map[string]*ManagedConnection

	pendingDials map[peer.ID]*PendingDial

	autoReconnect map[peer.ID]multiaddr.Multiaddr

	highWatermark int
	lowWatermark  int
	gracePeriod   time.Duration
}

// Config configures trimming thresholds, per spec.md §4.6/§8 scenario S4.
type Config struct {
	HighWatermark int
	LowWatermark  int
	GracePeriod   time.Duration
}

// New builds an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{
		entries:       make(map[string]*ManagedConnection),
		byPeer:        make(map[peer.ID]map[string]*ManagedConnection),
		pendingDials:  make(map[peer.ID]*PendingDial),
		autoReconnect: make(map[peer.ID]multiaddr.Multiaddr),
		highWatermark: cfg.HighWatermark,
		lowWatermark:  cfg.LowWatermark,
		gracePeriod:   cfg.GracePeriod,
	}
}

func (p *Pool) indexLocked(mc *ManagedConnection) {
	p.entries[mc.ID] = mc
	m, ok := p.byPeer[mc.Peer]
	if !ok {
		m = make(map[string]*ManagedConnection)
		p.byPeer[mc.Peer] = m
	}
	m[mc.ID] = mc
}

// AddConnecting creates an entry in the Connecting state, per spec.md
// §4.6/§8 invariant 1 (Connecting implies Connection == nil).
func (p *Pool) AddConnecting(peerID peer.ID, addr multiaddr.Multiaddr, dir Direction) *ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc := &ManagedConnection{
		ID:        uuid.NewString(),
		Peer:      peerID,
		Address:   addr,
		Direction: dir,
		State:     State{Kind: Connecting},
		Tags:      make(map[string]struct{}),
	}
	mc.touch()
	p.indexLocked(mc)
	return mc
}

// Add creates an already-Connected entry directly (used when a connection
// is fully established before it is registered).
func (p *Pool) Add(conn yamux.MuxedConnection, peerID peer.ID, addr multiaddr.Multiaddr, dir Direction) *ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc := &ManagedConnection{
		ID:          uuid.NewString(),
		Peer:        peerID,
		Address:     addr,
		Direction:   dir,
		Connection:  conn,
		State:       State{Kind: Connected},
		Tags:        make(map[string]struct{}),
		ConnectedAt: time.Now(),
	}
	mc.touch()
	p.indexLocked(mc)
	return mc
}

// UpdateConnection transitions a Connecting entry to Connected, attaching
// the now-established MuxedConnection, per spec.md §4.6.
func (p *Pool) UpdateConnection(id string, conn yamux.MuxedConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc, ok := p.entries[id]
	if !ok {
		return false
	}
	mc.Connection = conn
	mc.State = State{Kind: Connected}
	mc.ConnectedAt = time.Now()
	mc.touch()
	return true
}

// UpdateState overwrites an entry's State, per spec.md §4.6.
func (p *Pool) UpdateState(id string, s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc, ok := p.entries[id]
	if !ok {
		return false
	}
	mc.State = s
	if s.Kind != Connected {
		mc.Connection = nil
	}
	return true
}

// Remove deletes one entry by id, returning it so the caller can Close its
// Connection outside the pool lock.
func (p *Pool) Remove(id string) (*ManagedConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	p.removeLocked(mc)
	return mc, true
}

// RemoveByPeer deletes every entry for a peer, returning them for the
// caller to close outside the lock.
func (p *Pool) RemoveByPeer(peerID peer.ID) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byPeer[peerID]
	out := make([]*ManagedConnection, 0, len(m))
	for _, mc := range m {
		out = append(out, mc)
	}
	for _, mc := range out {
		p.removeLocked(mc)
	}
	return out
}

func (p *Pool) removeLocked(mc *ManagedConnection) {
	delete(p.entries, mc.ID)
	if m, ok := p.byPeer[mc.Peer]; ok {
		delete(m, mc.ID)
		if len(m) == 0 {
			delete(p.byPeer, mc.Peer)
		}
	}
}

// Connection returns one entry for peerID, if any, per spec.md §4.6.
func (p *Pool) Connection(peerID peer.ID) (*ManagedConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mc := range p.byPeer[peerID] {
		return mc, true
	}
	return nil, false
}

// Connections returns all entries for peerID.
func (p *Pool) Connections(peerID peer.ID) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byPeer[peerID]
	out := make([]*ManagedConnection, 0, len(m))
	for _, mc := range m {
		out = append(out, mc)
	}
	return out
}

// IsConnected reports whether any entry for peerID is in the Connected
// state.
func (p *Pool) IsConnected(peerID peer.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mc := range p.byPeer[peerID] {
		if mc.State.Kind == Connected {
			return true
		}
	}
	return false
}

// ConnectedPeers lists every peer with at least one Connected entry.
func (p *Pool) ConnectedPeers() []peer.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []peer.ID
	for peerID, m := range p.byPeer {
		for _, mc := range m {
			if mc.State.Kind == Connected {
				out = append(out, peerID)
				break
			}
		}
	}
	return out
}

// Count returns the total number of entries in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CountByDirection returns the number of entries dialed/accepted in dir.
func (p *Pool) CountByDirection(dir Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, mc := range p.entries {
		if mc.Direction == dir {
			n++
		}
	}
	return n
}

// CountByPeer returns the number of entries for peerID.
func (p *Pool) CountByPeer(peerID peer.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPeer[peerID])
}

// Tag adds a tag to an entry.
func (p *Pool) Tag(id, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mc, ok := p.entries[id]; ok {
		mc.Tags[tag] = struct{}{}
	}
}

// Untag removes a tag from an entry.
func (p *Pool) Untag(id, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mc, ok := p.entries[id]; ok {
		delete(mc.Tags, tag)
	}
}

// Protect marks an entry immune to trimming.
func (p *Pool) Protect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mc, ok := p.entries[id]; ok {
		mc.IsProtected = true
	}
}

// Unprotect clears an entry's trim immunity.
func (p *Pool) Unprotect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mc, ok := p.entries[id]; ok {
		mc.IsProtected = false
	}
}

// EnableAutoReconnect stores (peer, addr) for the reconnection policy to
// dial back to, per spec.md §4.6.
func (p *Pool) EnableAutoReconnect(peerID peer.ID, addr multiaddr.Multiaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoReconnect[peerID] = addr
}

// DisableAutoReconnect clears the stored (peer, addr), per spec.md §4.6.
func (p *Pool) DisableAutoReconnect(peerID peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.autoReconnect, peerID)
}

// AutoReconnectAddr returns the stored dial-back address for peerID, if
// auto-reconnect is enabled for it.
func (p *Pool) AutoReconnectAddr(peerID peer.ID) (multiaddr.Multiaddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.autoReconnect[peerID]
	return addr, ok
}

// RecordActivity updates an entry's LastActivity, off the pool lock.
func (p *Pool) RecordActivity(id string) {
	p.mu.Lock()
	mc, ok := p.entries[id]
	p.mu.Unlock()
	if ok {
		mc.touch()
	}
}

// IdleConnections returns entries whose LastActivity is older than
// threshold ago.
func (p *Pool) IdleConnections(threshold time.Duration) []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []*ManagedConnection
	for _, mc := range p.entries {
		if mc.LastActivity().Before(cutoff) {
			out = append(out, mc)
		}
	}
	return out
}

// IncrementRetryCount bumps and returns an entry's retry counter.
func (p *Pool) IncrementRetryCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc, ok := p.entries[id]
	if !ok {
		return 0
	}
	mc.RetryCount++
	return mc.RetryCount
}

// ResetRetryCount zeroes an entry's retry counter. The pool does not call
// it on its own, and no other component of this module calls it either.
func (p *Pool) ResetRetryCount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mc, ok := p.entries[id]; ok {
		mc.RetryCount = 0
	}
}

// --- Pending-dial registry (spec.md §4.6, scenario S6) ---

// PendingDial tracks one in-flight dial task so concurrent callers can
// JOIN it instead of starting a second dial.
type PendingDial struct {
	done chan struct{}
	mc   *ManagedConnection
	err  error
}

// Join blocks until the dial settles or ctx is cancelled.
func (d *PendingDial) Join(ctx context.Context) (*ManagedConnection, error) {
	select {
	case <-d.done:
		return d.mc, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settle resolves the pending dial; exactly one caller (the dial owner)
// should call this.
func (d *PendingDial) Settle(mc *ManagedConnection, err error) {
	d.mc, d.err = mc, err
	close(d.done)
}

// HasPendingDial reports whether a dial to peerID is already in flight.
func (p *Pool) HasPendingDial(peerID peer.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pendingDials[peerID]
	return ok
}

// PendingDialFor returns the in-flight dial for peerID, if any.
func (p *Pool) PendingDialFor(peerID peer.ID) (*PendingDial, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.pendingDials[peerID]
	return d, ok
}

// RegisterPendingDial atomically checks-and-registers: if a dial is
// already pending for peerID it is returned with joined=true (the caller
// should Join it); otherwise a fresh PendingDial is registered and
// joined=false (the caller owns it and must Settle + RemovePendingDial).
func (p *Pool) RegisterPendingDial(peerID peer.ID) (d *PendingDial, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pendingDials[peerID]; ok {
		return existing, true
	}
	d = &PendingDial{done: make(chan struct{})}
	p.pendingDials[peerID] = d
	return d, false
}

// RemovePendingDial clears the registry entry for peerID.
func (p *Pool) RemovePendingDial(peerID peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingDials, peerID)
}

// --- Trimming (spec.md §4.6, scenario S4) ---

// TrimCandidate is one row of a TrimReport.
type TrimCandidate struct {
	Conn             *ManagedConnection
	SelectedForTrim  bool
	TrimRank         int // -1 if not selected
	ExclusionReason  string // "protected", "withinGracePeriod", "notConnected", or ""
}

// TrimReport is the dry-run snapshot of spec.md §4.6.
type TrimReport struct {
	Active     int
	Total      int
	Target     int
	Trimmable  int
	Selected   int
	Candidates []TrimCandidate
}

// buildTrimCandidatesLocked ranks every Connected, non-excluded entry by
// the priority order of spec.md §4.6: fewer tags first, then older
// lastActivity first, then inbound before outbound.
func (p *Pool) buildTrimCandidatesLocked(now time.Time) ([]TrimCandidate, int) {
	candidates := make([]TrimCandidate, 0, len(p.entries))
	active := 0
	for _, mc := range p.entries {
		if mc.State.Kind == Connected {
			active++
		}
		c := TrimCandidate{Conn: mc, TrimRank: -1}
		switch {
		case mc.State.Kind != Connected:
			c.ExclusionReason = "notConnected"
		case mc.IsProtected:
			c.ExclusionReason = "protected"
		case now.Sub(mc.ConnectedAt) < p.gracePeriod:
			c.ExclusionReason = "withinGracePeriod"
		}
		candidates = append(candidates, c)
	}
	return candidates, active
}

func trimmableLess(a, b *ManagedConnection) bool {
	if a.tagCount() != b.tagCount() {
		return a.tagCount() < b.tagCount()
	}
	la, lb := a.LastActivity(), b.LastActivity()
	if !la.Equal(lb) {
		return la.Before(lb)
	}
	ai, bi := a.Direction == Inbound, b.Direction == Inbound
	if ai != bi {
		return ai
	}
	return a.ID < b.ID
}

// TrimReportNow produces a dry-run TrimReport without mutating the pool.
func (p *Pool) TrimReportNow() TrimReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimReportLocked(time.Now())
}

func (p *Pool) trimReportLocked(now time.Time) TrimReport {
	candidates, active := p.buildTrimCandidatesLocked(now)

	trimmable := make([]*TrimCandidate, 0, len(candidates))
	for i := range candidates {
		if candidates[i].ExclusionReason == "" {
			trimmable = append(trimmable, &candidates[i])
		}
	}
	sort.Slice(trimmable, func(i, j int) bool {
		return trimmableLess(trimmable[i].Conn, trimmable[j].Conn)
	})

	target := active - p.lowWatermark
	if target < 0 {
		target = 0
	}
	if target > len(trimmable) {
		target = len(trimmable)
	}
	for i := 0; i < target; i++ {
		trimmable[i].SelectedForTrim = true
		trimmable[i].TrimRank = i
	}

	return TrimReport{
		Active:     active,
		Total:      len(p.entries),
		Target:     p.lowWatermark,
		Trimmable:  len(trimmable),
		Selected:   target,
		Candidates: candidates,
	}
}

// TrimIfNeeded evicts victims when active connection count exceeds
// highWatermark, per spec.md §4.6/§8 scenario S4. Evicted entries are
// removed from the pool and returned for the caller to Close outside the
// lock; the pool never closes connections itself.
func (p *Pool) TrimIfNeeded() []*ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	_, active := p.buildTrimCandidatesLocked(now)
	if active <= p.highWatermark {
		return nil
	}
	report := p.trimReportLocked(now)
	victims := make([]*ManagedConnection, 0, report.Selected)
	for _, c := range report.Candidates {
		if c.SelectedForTrim {
			victims = append(victims, c.Conn)
		}
	}
	for _, mc := range victims {
		p.removeLocked(mc)
	}
	return victims
}
