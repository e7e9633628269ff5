// Package node implements the public facade of spec.md §4.11: start/
// shutdown, connect/disconnect/newStream/handle, the broadcast event
// stream, and service registration over the swarm, pool, traversal
// coordinator, and reconnection policy it owns.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quorumkit/meshwire/gater"
	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/pool"
	"github.com/quorumkit/meshwire/reconnect"
	"github.com/quorumkit/meshwire/resource"
	"github.com/quorumkit/meshwire/security"
	"github.com/quorumkit/meshwire/swarm"
	"github.com/quorumkit/meshwire/transport"
	"github.com/quorumkit/meshwire/traversal"
	"github.com/quorumkit/meshwire/upgrader"
	"github.com/quorumkit/meshwire/yamux"
)

// ErrNotRunning is returned by operations attempted before Start or after
// Shutdown.
var ErrNotRunning = errors.New("node: not running")

// ErrNotConnected is returned by NewStream when there is no connection to
// the target peer.
var ErrNotConnected = errors.New("node: not connected")

// StreamService owns one or more protocol ids and handles their inbound
// streams, per spec.md §4.11.
type StreamService interface {
	ProtocolIDs() []string
	HandleStream(ctx context.Context, protocolID string, stream yamux.MuxedStream, remote peer.ID)
}

// PeerObserver receives connect/disconnect notifications, per spec.md
// §4.11.
type PeerObserver interface {
	OnPeerConnected(p peer.ID)
	OnPeerDisconnected(p peer.ID, reason pool.DisconnectReason)
}

// DiscoveryBehaviour produces address candidates for a target peer, per
// spec.md §4.11/§4.8.
type DiscoveryBehaviour interface {
	Candidates(ctx context.Context, target peer.ID) ([]multiaddr.Multiaddr, error)
}

// Config assembles every collaborator a Node owns.
type Config struct {
	Local          peer.KeyPair
	ListenAddrs    []multiaddr.Multiaddr
	Transports     *transport.Registry
	SecurityStack  []security.Upgrader
	MuxerProtocols []string
	MuxerConfig    yamux.Config
	Gater          gater.ConnectionGater
	Resources      *resource.Manager
	Pool           pool.Config
	Reconnect      reconnect.Policy
	PeerStoreSize  int
	EventBuffer    int
	EventPolicy    BufferPolicy
	Logger         zerolog.Logger
}

// Node is the top-level handle embedders hold, per spec.md §4.11.
type Node struct {
	cfg    Config
	local  peer.ID
	pool   *pool.Pool
	swarm  *swarm.Swarm
	peers  *PeerStore
	events *Broadcaster

	mu            sync.Mutex
	running       bool
	listeners     []transport.Listener
	services      []StreamService
	observers     []PeerObserver
	discovery     []DiscoveryBehaviour
	reconnecting  map[peer.ID]context.CancelFunc
}

// New assembles a Node from cfg without starting it.
func New(cfg Config) (*Node, error) {
	id, err := cfg.Local.ID()
	if err != nil {
		return nil, fmt.Errorf("node: derive local id: %w", err)
	}
	peers, err := NewPeerStore(cfg.PeerStoreSize)
	if err != nil {
		return nil, fmt.Errorf("node: build peer store: %w", err)
	}

	p := pool.New(cfg.Pool)
	events := NewBroadcaster(cfg.EventBuffer, cfg.EventPolicy)

	up := upgrader.New(upgrader.Config{
		Local:          cfg.Local,
		SecurityStack:  cfg.SecurityStack,
		MuxerProtocols: cfg.MuxerProtocols,
		Gater:          cfg.Gater,
		MuxerConfig:    cfg.MuxerConfig,
	})

	n := &Node{
		cfg:          cfg,
		local:        id,
		pool:         p,
		peers:        peers,
		events:       events,
		reconnecting: make(map[peer.ID]context.CancelFunc),
	}

	n.swarm = swarm.New(swarm.Config{
		Local:      cfg.Local,
		Transports: cfg.Transports,
		Upgrader:   up,
		Gater:      cfg.Gater,
		Pool:       p,
		Resources:  cfg.Resources,
		Logger:     cfg.Logger,
		OnEvent:    n.onSwarmEvent,
	})

	return n, nil
}

// LocalID returns this node's PeerID.
func (n *Node) LocalID() peer.ID { return n.local }

// Events subscribes to the node's broadcast event stream, per spec.md
// §4.11. Call the returned function to unsubscribe.
func (n *Node) Events() (<-chan Event, func()) { return n.events.Subscribe() }

// Handle registers a raw protocol handler, bypassing the StreamService
// registration machinery.
func (n *Node) Handle(protocolID string, h swarm.HandlerFunc) {
	n.swarm.Handle(protocolID, h)
}

// RegisterService attaches a StreamService, registering its protocol
// handlers immediately (if the node is running) or at Start.
func (n *Node) RegisterService(svc StreamService) {
	n.mu.Lock()
	n.services = append(n.services, svc)
	running := n.running
	n.mu.Unlock()
	if running {
		n.attachService(svc)
	}
}

func (n *Node) attachService(svc StreamService) {
	for _, id := range svc.ProtocolIDs() {
		id := id
		n.swarm.Handle(id, func(ctx context.Context, protocolID string, stream yamux.MuxedStream, remote peer.ID) {
			svc.HandleStream(ctx, protocolID, stream, remote)
		})
	}
}

func (n *Node) detachService(svc StreamService) {
	for _, id := range svc.ProtocolIDs() {
		n.swarm.RemoveHandler(id)
	}
}

// RegisterObserver attaches a PeerObserver.
func (n *Node) RegisterObserver(o PeerObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// RegisterDiscovery attaches a DiscoveryBehaviour consulted by ConnectPeer
// when the peer store knows no addresses for the target.
func (n *Node) RegisterDiscovery(d DiscoveryBehaviour) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.discovery = append(n.discovery, d)
}

// Start binds every configured listen address and attaches registered
// services, per spec.md §4.11.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	services := append([]StreamService(nil), n.services...)
	n.mu.Unlock()

	for _, svc := range services {
		n.attachService(svc)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range n.cfg.ListenAddrs {
		addr := addr
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			l, err := n.swarm.Listen(addr)
			if err != nil {
				return err
			}
			n.mu.Lock()
			n.listeners = append(n.listeners, l)
			n.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Shutdown detaches services and closes the swarm, pool connections, and
// event broadcaster, per spec.md §5's top-down cancellation.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	services := append([]StreamService(nil), n.services...)
	n.mu.Unlock()

	for _, svc := range services {
		n.detachService(svc)
	}
	err := n.swarm.Close()
	n.events.Close()
	return err
}

// Connect dials to and establishes a connection, per spec.md §4.11/§4.7.
// If to carries a /p2p component, a successful dial records to in the peer
// store and, when Reconnect.Enabled, as the peer's auto-reconnect address.
// Connecting to a bare PeerID is ConnectPeer's job.
func (n *Node) Connect(ctx context.Context, to multiaddr.Multiaddr) (*pool.ManagedConnection, error) {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	mc, err := n.swarm.Connect(ctx, to)
	if err == nil {
		if raw, ok := to.PeerID(); ok {
			p := peer.ID(raw)
			n.peers.AddAddrs(p, to)
			if n.cfg.Reconnect.Enabled {
				n.pool.EnableAutoReconnect(p, to)
			}
		}
	}
	return mc, err
}

// ConnectPeer looks up target's addresses in the peer store, falling back
// to any registered DiscoveryBehaviour, records them in the peer store, and
// fails with traversal.ErrNoCandidate if none are known. It then runs a
// traversal coordinator over the given mechanisms, which collect their own
// candidates; the resolved addresses are not passed to them.
func (n *Node) ConnectPeer(ctx context.Context, target peer.ID, mechanisms []traversal.Mechanism) (*traversal.AttemptResult, error) {
	n.mu.Lock()
	discovery := append([]DiscoveryBehaviour(nil), n.discovery...)
	n.mu.Unlock()

	known := n.peers.Addrs(target)
	if len(known) == 0 {
		for _, d := range discovery {
			addrs, err := d.Candidates(ctx, target)
			if err == nil {
				known = append(known, addrs...)
			}
		}
	}
	if len(known) == 0 {
		return nil, traversal.ErrNoCandidate
	}
	n.peers.AddAddrs(target, known...)

	coord := traversal.New(traversal.Config{Mechanisms: mechanisms})
	return coord.Connect(ctx, target)
}

// Disconnect closes every connection to p, per spec.md §4.11.
func (n *Node) Disconnect(p peer.ID) {
	n.stopReconnect(p)
	n.swarm.Disconnect(p)
}

func (n *Node) stopReconnect(p peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cancel, ok := n.reconnecting[p]; ok {
		cancel()
		delete(n.reconnecting, p)
	}
}

// maybeReconnect schedules backoff-spaced reconnect attempts for p, per
// spec.md §4.9's decision table and §4.11's reconnecting/reconnected/
// reconnectionFailed events.
func (n *Node) maybeReconnect(p peer.ID, reason pool.DisconnectReason) {
	addr, hasAddr := n.pool.AutoReconnectAddr(p)
	if !hasAddr {
		addr = firstOrZero(n.peers.Addrs(p))
		if addr.Empty() {
			return
		}
	}
	if !n.cfg.Reconnect.ShouldReconnect(0, reason) {
		return
	}

	n.mu.Lock()
	if _, already := n.reconnecting[p]; already {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.reconnecting[p] = cancel
	n.mu.Unlock()

	go n.reconnectLoop(ctx, p, addr, reason)
}

func firstOrZero(addrs []multiaddr.Multiaddr) multiaddr.Multiaddr {
	if len(addrs) == 0 {
		return multiaddr.Multiaddr{}
	}
	return addrs[0]
}

func (n *Node) reconnectLoop(ctx context.Context, p peer.ID, addr multiaddr.Multiaddr, reason pool.DisconnectReason) {
	defer n.stopReconnect(p)

	attempt := 0
	for n.cfg.Reconnect.ShouldReconnect(attempt, reason) {
		delay := n.cfg.Reconnect.NextDelay(attempt)
		n.events.Emit(Event{Kind: EventReconnecting, Peer: p, Attempt: attempt, NextDelay: delay})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if _, err := n.swarm.Connect(ctx, addr); err == nil {
			n.events.Emit(Event{Kind: EventReconnected, Peer: p, Attempt: attempt})
			return
		}
		attempt++
	}
	n.events.Emit(Event{Kind: EventReconnectionFailed, Peer: p, Attempt: attempt})
}

// NewStream opens a protocol stream to an already-connected peer, per
// spec.md §4.11.
func (n *Node) NewStream(ctx context.Context, to peer.ID, protocolID string) (yamux.MuxedStream, error) {
	if _, ok := n.pool.Connection(to); !ok {
		return nil, ErrNotConnected
	}
	return n.swarm.OpenStream(ctx, to, protocolID)
}

// ConnectedPeers lists every peer with at least one live connection.
func (n *Node) ConnectedPeers() []peer.ID { return n.pool.ConnectedPeers() }

// ConnectionCount returns the total number of tracked connections.
func (n *Node) ConnectionCount() int { return n.pool.Count() }

// TrimReportNow runs a dry-run trim evaluation without evicting anything.
func (n *Node) TrimReportNow() pool.TrimReport { return n.pool.TrimReportNow() }

func (n *Node) onSwarmEvent(ev swarm.Event) {
	nodeEv := Event{Peer: ev.Peer, Addr: ev.Addr, Stage: ev.Stage, Err: ev.Err}
	switch ev.Kind {
	case swarm.PeerConnected:
		nodeEv.Kind = EventPeerConnected
		n.notifyObservers(func(o PeerObserver) { o.OnPeerConnected(ev.Peer) })
	case swarm.PeerDisconnected:
		nodeEv.Kind = EventPeerDisconnected
		nodeEv.DisconnectReason = ev.Reason
		n.notifyObservers(func(o PeerObserver) { o.OnPeerDisconnected(ev.Peer, ev.Reason) })
		n.maybeReconnect(ev.Peer, ev.Reason)
	case swarm.NewListenAddr:
		nodeEv.Kind = EventNewListenAddr
	case swarm.ListenError:
		nodeEv.Kind = EventListenError
	case swarm.ConnectionError:
		nodeEv.Kind = EventConnectionError
	case swarm.ConnectionGatedEvent:
		nodeEv.Kind = EventConnectionGated
	}
	n.events.Emit(nodeEv)
}

func (n *Node) notifyObservers(f func(PeerObserver)) {
	n.mu.Lock()
	observers := append([]PeerObserver(nil), n.observers...)
	n.mu.Unlock()
	for _, o := range observers {
		f(o)
	}
}
