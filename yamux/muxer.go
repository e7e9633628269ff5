package yamux

import "net"

// MuxedStream is the subset of net.Conn a multiplexed stream exposes to
// upper layers, per spec.md §4.4.
type MuxedStream interface {
	net.Conn
	CloseWrite() error
	Reset() error
}

// MuxedConnection is the muxer-facing contract the upgrader composes on
// top of a secured connection, per spec.md §4.4. Yamux's *Session
// satisfies it directly.
type MuxedConnection interface {
	OpenStream() (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
	Close() error
	IsClosed() bool
}

// sessionAdapter narrows *Session's *Stream-returning methods to the
// MuxedStream-returning MuxedConnection interface.
type sessionAdapter struct{ *Session }

func (a sessionAdapter) OpenStream() (MuxedStream, error) {
	st, err := a.Session.OpenStream()
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (a sessionAdapter) AcceptStream() (MuxedStream, error) {
	st, err := a.Session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return st, nil
}

// AsMuxedConnection exposes s through the transport-agnostic
// MuxedConnection interface that spec.md §4.5's upgrader pipeline depends
// on, decoupling upgrader/swarm/pool from the concrete Yamux session type.
func AsMuxedConnection(s *Session) MuxedConnection {
	return sessionAdapter{s}
}

const (
	// ProtocolID is the multistream-select protocol id negotiated to
	// select this muxer, per spec.md §6.
	ProtocolID = "/yamux/1.0.0"
)
