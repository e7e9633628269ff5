// Package swarm implements the dial/accept core of spec.md §4.7: gating,
// pending-dial JOIN semantics, transport selection, the upgrade pipeline,
// and the inbound-stream acceptor that dispatches negotiated protocols to
// registered handlers.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quorumkit/meshwire/gater"
	"github.com/quorumkit/meshwire/msmux"
	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/pool"
	"github.com/quorumkit/meshwire/resource"
	"github.com/quorumkit/meshwire/transport"
	"github.com/quorumkit/meshwire/upgrader"
	"github.com/quorumkit/meshwire/yamux"
)

// HandlerFunc handles one inbound stream whose protocol has already been
// negotiated via multistream-select.
type HandlerFunc func(ctx context.Context, protocolID string, stream yamux.MuxedStream, remote peer.ID)

// EventKind tags a Swarm-level Event.
type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
	NewListenAddr
	ListenError
	ConnectionError
	ConnectionGatedEvent
)

// Event mirrors the relevant subset of spec.md §6's NodeEvent, emitted by
// the swarm and re-broadcast (or translated) by the node facade.
type Event struct {
	Kind   EventKind
	Peer   peer.ID
	Addr   multiaddr.Multiaddr
	Stage  string
	Err    error
	Reason pool.DisconnectReason
}

// ErrNotRunning is returned by operations attempted after Close.
var ErrNotRunning = errors.New("swarm: not running")

// Config wires a Swarm to its collaborators, per spec.md §4.7.
type Config struct {
	Local         peer.KeyPair
	Transports    *transport.Registry
	Upgrader      *upgrader.Upgrader
	Gater         gater.ConnectionGater
	Pool          *pool.Pool
	Resources     *resource.Manager // optional
	AcceptLimiter *rate.Limiter     // optional, paces the accept loop
	Logger        zerolog.Logger
	OnEvent       func(Event)
}

// Swarm is the owner of every RawConnection dial/accept and the dispatcher
// of negotiated inbound streams to registered handlers.
type Swarm struct {
	cfg Config

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	listeners []transport.Listener
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a Swarm. cfg.Gater defaults to gater.AllowAll{} if nil.
func New(cfg Config) *Swarm {
	if cfg.Gater == nil {
		cfg.Gater = gater.AllowAll{}
	}
	return &Swarm{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		closed:   make(chan struct{}),
	}
}

func (s *Swarm) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

// Handle registers the stream handler for protocolID, per spec.md §4.11.
func (s *Swarm) Handle(protocolID string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[protocolID] = h
}

// RemoveHandler unregisters a protocol handler.
func (s *Swarm) RemoveHandler(protocolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, protocolID)
}

func (s *Swarm) protocolIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Swarm) handlerFor(protocolID string) (HandlerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[protocolID]
	return h, ok
}

// Listen binds a listener on addr and spawns its accept loop, per spec.md
// §4.7's "Accept loop (per listener)".
func (s *Swarm) Listen(addr multiaddr.Multiaddr) (transport.Listener, error) {
	t, err := s.cfg.Transports.ListenerFor(addr)
	if err != nil {
		s.emit(Event{Kind: ListenError, Addr: addr, Err: err})
		return nil, err
	}
	l, err := t.Listen(addr)
	if err != nil {
		s.emit(Event{Kind: ListenError, Addr: addr, Err: err})
		return nil, err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.emit(Event{Kind: NewListenAddr, Addr: l.Multiaddr()})
	s.wg.Add(1)
	go s.acceptLoop(l)
	return l, nil
}

func (s *Swarm) acceptLoop(l transport.Listener) {
	defer s.wg.Done()
	for {
		if s.cfg.AcceptLimiter != nil {
			if err := s.cfg.AcceptLimiter.Wait(context.Background()); err != nil {
				return
			}
		}
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.emit(Event{Kind: ListenError, Addr: l.Multiaddr(), Err: err})
			return
		}
		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

func (s *Swarm) handleInbound(conn transport.Conn) {
	defer s.wg.Done()

	if !s.cfg.Gater.InterceptAccept(conn.RemoteMultiaddr()) {
		conn.Close()
		s.emit(Event{Kind: ConnectionGatedEvent, Addr: conn.RemoteMultiaddr(), Stage: "accept"})
		return
	}

	var reserved bool
	if s.cfg.Resources != nil {
		if err := s.cfg.Resources.ReserveConn("", "swarm", resource.Inbound); err != nil {
			conn.Close()
			s.emit(Event{Kind: ConnectionError, Addr: conn.RemoteMultiaddr(), Err: err})
			return
		}
		reserved = true
	}
	releasePlaceholder := func() {
		if reserved && s.cfg.Resources != nil {
			s.cfg.Resources.ReleaseConn("", "swarm", resource.Inbound)
		}
	}

	ctx := context.Background()
	result, err := s.cfg.Upgrader.UpgradeInbound(ctx, conn)
	if err != nil {
		releasePlaceholder()
		conn.Close()
		s.emitUpgradeFailure(conn.RemoteMultiaddr(), "", err)
		return
	}
	releasePlaceholder()
	if s.cfg.Resources != nil {
		if err := s.cfg.Resources.ReserveConn(result.RemotePeer, "swarm", resource.Inbound); err != nil {
			result.Connection.Close()
			s.emit(Event{Kind: ConnectionError, Peer: result.RemotePeer, Err: err})
			return
		}
	}

	mc := s.cfg.Pool.Add(result.Connection, result.RemotePeer, conn.RemoteMultiaddr(), pool.Inbound)
	s.cfg.Pool.TrimIfNeeded()
	s.emit(Event{Kind: PeerConnected, Peer: result.RemotePeer})

	s.wg.Add(1)
	go s.acceptStreams(result.Connection, result.RemotePeer, mc.ID)
}

func (s *Swarm) emitUpgradeFailure(addr multiaddr.Multiaddr, p peer.ID, err error) {
	var gatedErr *upgrader.ConnectionGated
	if errors.As(err, &gatedErr) {
		s.emit(Event{Kind: ConnectionGatedEvent, Peer: p, Addr: addr, Stage: gatedErr.Stage})
		return
	}
	s.emit(Event{Kind: ConnectionError, Peer: p, Addr: addr, Err: err})
}

// Connect implements spec.md §4.7's "Dial" algorithm.
func (s *Swarm) Connect(ctx context.Context, addr multiaddr.Multiaddr) (*pool.ManagedConnection, error) {
	select {
	case <-s.closed:
		return nil, ErrNotRunning
	default:
	}

	var target peer.ID
	if raw, ok := addr.PeerID(); ok {
		target = peer.ID(raw)
	}

	if !s.cfg.Gater.InterceptDial(target, addr) {
		s.emit(Event{Kind: ConnectionGatedEvent, Peer: target, Addr: addr, Stage: "dial"})
		return nil, &upgrader.ConnectionGated{Stage: "dial"}
	}

	if target != "" {
		if existing, ok := s.cfg.Pool.Connection(target); ok {
			return existing, nil
		}
	}

	var pending *pool.PendingDial
	var joined bool
	if target != "" {
		pending, joined = s.cfg.Pool.RegisterPendingDial(target)
		if joined {
			return pending.Join(ctx)
		}
		defer s.cfg.Pool.RemovePendingDial(target)
	}

	mc, err := s.dial(ctx, addr, target)
	if pending != nil {
		pending.Settle(mc, err)
	}
	return mc, err
}

func (s *Swarm) dial(ctx context.Context, addr multiaddr.Multiaddr, target peer.ID) (*pool.ManagedConnection, error) {
	t, err := s.cfg.Transports.TransportFor(addr)
	if err != nil {
		s.emit(Event{Kind: ConnectionError, Peer: target, Addr: addr, Err: err})
		return nil, err
	}

	mc := s.cfg.Pool.AddConnecting(target, addr, pool.Outbound)

	conn, err := t.Dial(ctx, addr)
	if err != nil {
		s.cfg.Pool.Remove(mc.ID)
		dialErr := &transport.DialError{Addr: addr, Cause: err}
		s.emit(Event{Kind: ConnectionError, Peer: target, Addr: addr, Err: dialErr})
		return nil, dialErr
	}

	if s.cfg.Resources != nil {
		if err := s.cfg.Resources.ReserveConn(target, "swarm", resource.Outbound); err != nil {
			conn.Close()
			s.cfg.Pool.Remove(mc.ID)
			s.emit(Event{Kind: ConnectionError, Peer: target, Addr: addr, Err: err})
			return nil, err
		}
	}

	result, err := s.cfg.Upgrader.UpgradeOutbound(ctx, conn, target)
	if err != nil {
		if s.cfg.Resources != nil {
			s.cfg.Resources.ReleaseConn(target, "swarm", resource.Outbound)
		}
		conn.Close()
		s.cfg.Pool.Remove(mc.ID)
		s.emitUpgradeFailure(addr, target, err)
		return nil, err
	}

	if target == "" {
		target = result.RemotePeer
	}

	s.cfg.Pool.UpdateConnection(mc.ID, result.Connection)
	s.cfg.Pool.UpdateState(mc.ID, pool.State{Kind: pool.Connected})
	s.cfg.Pool.TrimIfNeeded()

	s.wg.Add(1)
	go s.acceptStreams(result.Connection, target, mc.ID)

	s.emit(Event{Kind: PeerConnected, Peer: target})
	return mc, nil
}

// ConnectMulti races every candidate address for the same peer through a
// RankedDialer, per spec.md §4.7's "Concurrent dial ranking". It performs
// its own JOIN handling exactly like Connect since every candidate shares
// one logical dial for target.
func (s *Swarm) ConnectMulti(ctx context.Context, target peer.ID, addrs []multiaddr.Multiaddr, ranker *RankedDialer) (*pool.ManagedConnection, error) {
	if len(addrs) == 0 {
		return nil, ErrAllDialsFailed
	}
	if existing, ok := s.cfg.Pool.Connection(target); ok {
		return existing, nil
	}
	pending, joined := s.cfg.Pool.RegisterPendingDial(target)
	if joined {
		return pending.Join(ctx)
	}
	defer s.cfg.Pool.RemovePendingDial(target)

	res, err := ranker.Dial(ctx, addrs, func(ctx context.Context, addr multiaddr.Multiaddr) (*ManagedConnResult, error) {
		mc, err := s.dial(ctx, addr, target)
		if err != nil {
			return nil, err
		}
		var out ManagedConnResult = mc
		return &out, nil
	})
	var mc *pool.ManagedConnection
	if err == nil {
		mc = (*res).(*pool.ManagedConnection)
	}
	pending.Settle(mc, err)
	return mc, err
}

// OpenStream negotiates protocolID over a new stream on peer's connection,
// per spec.md §4.11's newStream.
func (s *Swarm) OpenStream(ctx context.Context, p peer.ID, protocolID string) (yamux.MuxedStream, error) {
	mc, ok := s.cfg.Pool.Connection(p)
	if !ok || mc.Connection == nil {
		return nil, fmt.Errorf("swarm: not connected to peer")
	}
	st, err := mc.Connection.OpenStream()
	if err != nil {
		return nil, err
	}
	if _, err := msmux.NegotiateInitiator(st, []string{protocolID}); err != nil {
		st.Reset()
		return nil, err
	}
	s.cfg.Pool.RecordActivity(mc.ID)
	if s.cfg.Resources != nil {
		tracked, err := resource.NewTrackedStream(s.cfg.Resources, st, p, protocolID, resource.Outbound)
		if err != nil {
			st.Reset()
			return nil, err
		}
		return tracked, nil
	}
	return st, nil
}

// acceptStreams reads inbound SYN streams off conn, negotiates their
// protocol, and dispatches to the registered handler, per spec.md §4.7
// step 6. One goroutine per connection, preserving SYN arrival order.
func (s *Swarm) acceptStreams(conn yamux.MuxedConnection, remote peer.ID, mcID string) {
	defer s.wg.Done()
	for {
		st, err := conn.AcceptStream()
		if err != nil {
			reason := pool.DisconnectReason{Code: pool.CodeRemoteClose}
			s.cfg.Pool.UpdateState(mcID, pool.State{Kind: pool.Disconnected, DisconnectReason: reason})
			s.emit(Event{Kind: PeerDisconnected, Peer: remote, Reason: reason})
			return
		}
		s.wg.Add(1)
		go s.dispatchStream(st, remote)
	}
}

func (s *Swarm) dispatchStream(st yamux.MuxedStream, remote peer.ID) {
	defer s.wg.Done()
	protocolID, err := msmux.NegotiateResponder(st, s.protocolIDs())
	if err != nil {
		st.Reset()
		return
	}
	handler, ok := s.handlerFor(protocolID)
	if !ok {
		st.Reset()
		return
	}
	var stream yamux.MuxedStream = st
	if s.cfg.Resources != nil {
		tracked, err := resource.NewTrackedStream(s.cfg.Resources, st, remote, protocolID, resource.Inbound)
		if err != nil {
			st.Reset()
			return
		}
		stream = tracked
	}
	handler(context.Background(), protocolID, stream, remote)
}

// Disconnect closes every connection to p, per spec.md §4.11's disconnect.
func (s *Swarm) Disconnect(p peer.ID) {
	for _, mc := range s.cfg.Pool.RemoveByPeer(p) {
		if mc.Connection != nil {
			mc.Connection.Close()
		}
	}
	s.emit(Event{Kind: PeerDisconnected, Peer: p, Reason: pool.DisconnectReason{Code: pool.CodeLocalClose}})
}

// Close shuts down every listener, removes and closes the connections of
// every connected peer in the pool, and waits for in-flight
// accept/dispatch goroutines to finish, per spec.md §5's top-down
// cancellation.
func (s *Swarm) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		listeners := append([]transport.Listener(nil), s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}
		for _, p := range s.cfg.Pool.ConnectedPeers() {
			for _, mc := range s.cfg.Pool.RemoveByPeer(p) {
				if mc.Connection != nil {
					mc.Connection.Close()
				}
			}
		}
	})
	s.wg.Wait()
	return nil
}
