// Package transport defines the dial(addr) -> RawConn, listen(addr) ->
// Listener abstraction of spec.md §2/§3, plus an in-memory implementation
// used as the test harness transport (addresses of the form
// "/memory/<id>", spec.md §6) and exercised directly by scenarios S1 and
// S6 in spec.md §8.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/quorumkit/meshwire/multiaddr"
)

// Conn is a RawConnection per spec.md §3: a byte duplex plus its
// multiaddrs. Close is idempotent.
type Conn interface {
	net.Conn
	LocalMultiaddr() multiaddr.Multiaddr
	RemoteMultiaddr() multiaddr.Multiaddr
}

// Listener accepts inbound RawConnections on one bound address.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Multiaddr() multiaddr.Multiaddr
}

// Transport is the capability interface spec.md §9 calls out for
// variant-closed dynamic dispatch over dial/listen.
type Transport interface {
	Dial(ctx context.Context, addr multiaddr.Multiaddr) (Conn, error)
	Listen(addr multiaddr.Multiaddr) (Listener, error)
	CanDial(addr multiaddr.Multiaddr) bool
	CanListen(addr multiaddr.Multiaddr) bool
}

var (
	// ErrUnsupportedAddress is returned when no configured transport's
	// CanDial/CanListen accepts an address, per spec.md §7.
	ErrUnsupportedAddress = errors.New("transport: unsupported address")
	// ErrListenerClosed is returned from Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// DialError wraps a transport-specific dial failure, per spec.md §7's
// Transport.DialFailed(cause).
type DialError struct {
	Addr  multiaddr.Multiaddr
	Cause error
}

func (e *DialError) Error() string {
	return "transport: dial " + e.Addr.String() + " failed: " + e.Cause.Error()
}

func (e *DialError) Unwrap() error { return e.Cause }

// Registry selects among configured transports by CanDial/CanListen, per
// spec.md §4.7 step 4 ("choose transport via canDial").
type Registry struct {
	transports []Transport
}

// NewRegistry builds a Registry over the given transports, tried in order.
func NewRegistry(transports ...Transport) *Registry {
	return &Registry{transports: transports}
}

// ErrNoSuitableTransport is returned when no registered transport can dial
// or listen on an address, per spec.md §7 (Node.NoSuitableTransport).
var ErrNoSuitableTransport = errors.New("transport: no suitable transport")

// TransportFor returns the first registered transport willing to dial addr.
func (r *Registry) TransportFor(addr multiaddr.Multiaddr) (Transport, error) {
	for _, t := range r.transports {
		if t.CanDial(addr) {
			return t, nil
		}
	}
	return nil, ErrNoSuitableTransport
}

// ListenerFor returns the first registered transport willing to listen on
// addr.
func (r *Registry) ListenerFor(addr multiaddr.Multiaddr) (Transport, error) {
	for _, t := range r.transports {
		if t.CanListen(addr) {
			return t, nil
		}
	}
	return nil, ErrNoSuitableTransport
}
