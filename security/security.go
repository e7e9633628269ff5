// Package security implements the security-upgrade contract of spec.md
// §4.3: turning an authenticated RawConnection into a SecuredConnection
// carrying {localPeer, remotePeer}. The handshake's cryptographic
// primitives (X25519 key agreement, BLAKE2b, ChaCha20-Poly1305 AEAD) are
// grounded directly on the teacher's v2/v3 handshake.go; the protocol
// framing around them (ALPN-style muxer hint, PeerID verification) is this
// module's own.
package security

import (
	"context"
	"errors"
	"net"

	"github.com/quorumkit/meshwire/peer"
)

// Role distinguishes which side of the handshake a RawConnection plays.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Conn is the minimal duplex a RawConnection must provide: Read/Write plus
// the two addresses and an idempotent Close, per spec.md §3.
type Conn interface {
	net.Conn
}

// SecuredConn is a Conn additionally carrying authenticated peer identity.
// Encryption is transparent to callers: Read/Write operate on plaintext.
type SecuredConn interface {
	Conn
	LocalPeer() peer.ID
	RemotePeer() peer.ID
	// EarlyMuxer returns the ALPN-negotiated muxer protocol ID, if the
	// handshake conveyed one, per spec.md §4.3.
	EarlyMuxer() (string, bool)
}

// Upgrader turns a RawConnection into a SecuredConnection.
type Upgrader interface {
	// ProtocolID is the multistream-select protocol id this upgrader
	// answers to, e.g. "/noise" or "/plaintext/2.0.0".
	ProtocolID() string
	// Secure runs the handshake. expectedRemotePeer, if non-empty, must
	// match the peer ID derived from the exchanged key material or the
	// upgrade fails with ErrPeerIDMismatch. offeredMuxers lets the
	// initiator advertise ALPN-style muxer candidates; selectedMuxer
	// reports what (if anything) the handshake settled on.
	Secure(ctx context.Context, conn Conn, local peer.KeyPair, role Role, expectedRemotePeer peer.ID, offeredMuxers []string) (SecuredConn, string, error)
}

// Errors, per spec.md §7.
var (
	ErrPeerIDMismatch = errors.New("security: remote peer ID does not match expected")
	ErrInvalidKey     = errors.New("security: invalid or small-order key")
)
