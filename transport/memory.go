package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quorumkit/meshwire/multiaddr"
)

// MemoryHub is the shared registry in-memory transports dial against,
// mirroring spec.md §8 scenario S6's "memory hub" that counts dials. Each
// bound id maps to one listener; dialing an id not listening fails.
type MemoryHub struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	dialCount atomic.Int64
}

// NewMemoryHub constructs an empty hub. Tests typically share one hub
// across a client and server transport pair.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{listeners: make(map[string]*memoryListener)}
}

// DialCount returns the total number of successful dials this hub has
// brokered, for scenario S6's "exactly 1 transport dial" assertion.
func (h *MemoryHub) DialCount() int64 { return h.dialCount.Load() }

// MemoryTransport implements Transport over net.Pipe pairs brokered by a
// MemoryHub, addressed by "/memory/<id>" per spec.md §6. It is the test
// harness transport scenario S1 and S6 run against.
type MemoryTransport struct {
	hub *MemoryHub
}

// NewMemoryTransport builds a transport sharing hub with its peers.
func NewMemoryTransport(hub *MemoryHub) *MemoryTransport {
	return &MemoryTransport{hub: hub}
}

func memoryID(addr multiaddr.Multiaddr) (string, bool) {
	for _, c := range addr.Components() {
		if c.Protocol.Name == "memory" {
			return string(c.Value), true
		}
	}
	return "", false
}

func (t *MemoryTransport) CanDial(addr multiaddr.Multiaddr) bool {
	_, ok := memoryID(addr)
	return ok
}

func (t *MemoryTransport) CanListen(addr multiaddr.Multiaddr) bool {
	_, ok := memoryID(addr)
	return ok
}

// Dial connects to a listener registered under addr's "/memory/<id>"
// component. The dial is cancellable via ctx even though net.Pipe itself
// has no notion of deadlock-free cancellation, matching the cooperative
// cancellation discipline of spec.md §5.
func (t *MemoryTransport) Dial(ctx context.Context, addr multiaddr.Multiaddr) (Conn, error) {
	id, ok := memoryID(addr)
	if !ok {
		return nil, &DialError{Addr: addr, Cause: ErrUnsupportedAddress}
	}
	t.hub.mu.Lock()
	l, ok := t.hub.listeners[id]
	t.hub.mu.Unlock()
	if !ok {
		return nil, &DialError{Addr: addr, Cause: net.ErrClosed}
	}

	local, remote := net.Pipe()
	selfAddr, _ := multiaddr.Parse("/memory/dialer")
	conn := &memoryConn{Conn: local, local: selfAddr, remote: addr}
	peerSide := &memoryConn{Conn: remote, local: addr, remote: selfAddr}

	select {
	case l.incoming <- peerSide:
		t.hub.dialCount.Add(1)
		return conn, nil
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, &DialError{Addr: addr, Cause: ErrListenerClosed}
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// Listen registers addr's id with the hub, returning a Listener that
// receives one Conn per Dial.
func (t *MemoryTransport) Listen(addr multiaddr.Multiaddr) (Listener, error) {
	id, ok := memoryID(addr)
	if !ok {
		return nil, ErrUnsupportedAddress
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, exists := t.hub.listeners[id]; exists {
		return nil, net.ErrClosed
	}
	l := &memoryListener{
		hub:      t.hub,
		id:       id,
		addr:     addr,
		incoming: make(chan *memoryConn, 64),
		closed:   make(chan struct{}),
	}
	t.hub.listeners[id] = l
	return l, nil
}

type memoryListener struct {
	hub      *MemoryHub
	id       string
	addr     multiaddr.Multiaddr
	incoming chan *memoryConn
	closeOnce sync.Once
	closed   chan struct{}
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case c, ok := <-l.incoming:
		if !ok {
			return nil, ErrListenerClosed
		}
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		l.hub.mu.Lock()
		delete(l.hub.listeners, l.id)
		l.hub.mu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *memoryListener) Multiaddr() multiaddr.Multiaddr { return l.addr }

type memoryConn struct {
	net.Conn
	local, remote multiaddr.Multiaddr
}

func (c *memoryConn) LocalMultiaddr() multiaddr.Multiaddr  { return c.local }
func (c *memoryConn) RemoteMultiaddr() multiaddr.Multiaddr { return c.remote }
