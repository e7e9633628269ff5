// Package gater implements the three dial/accept/secured allow-deny hooks
// of spec.md §4.12. Rejections surface to callers as
// upgrader.ConnectionGated and a .gated event at the node facade.
package gater

import (
	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
)

// Direction tags which side of a secured connection we are.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// ConnectionGater is consulted at three points in the upgrade pipeline
// (spec.md §4.5 steps 1 and 4). Each hook returns true to allow.
type ConnectionGater interface {
	// InterceptDial is called before dialing. peer may be empty if the
	// address carries no /p2p component.
	InterceptDial(p peer.ID, addr multiaddr.Multiaddr) bool
	// InterceptAccept is called before accepting an inbound RawConnection,
	// before the remote identity is known.
	InterceptAccept(addr multiaddr.Multiaddr) bool
	// InterceptSecured is called once the remote PeerID is authenticated.
	InterceptSecured(p peer.ID, dir Direction) bool
}

// AllowAll is a ConnectionGater that never rejects, used as the default
// when an embedder supplies none.
type AllowAll struct{}

func (AllowAll) InterceptDial(peer.ID, multiaddr.Multiaddr) bool    { return true }
func (AllowAll) InterceptAccept(multiaddr.Multiaddr) bool           { return true }
func (AllowAll) InterceptSecured(peer.ID, Direction) bool           { return true }

// DenyList is a simple ConnectionGater grounded on the teacher's style of
// small, explicit policy structs: it rejects peers and addresses placed on
// its block sets, and allows everything else.
type DenyList struct {
	Peers     map[peer.ID]bool
	Addresses map[string]bool // keyed by Multiaddr.String()
}

// NewDenyList builds an empty DenyList ready for BlockPeer/BlockAddress.
func NewDenyList() *DenyList {
	return &DenyList{Peers: make(map[peer.ID]bool), Addresses: make(map[string]bool)}
}

func (d *DenyList) BlockPeer(p peer.ID) { d.Peers[p] = true }

func (d *DenyList) BlockAddress(addr multiaddr.Multiaddr) { d.Addresses[addr.String()] = true }

func (d *DenyList) InterceptDial(p peer.ID, addr multiaddr.Multiaddr) bool {
	return !d.Peers[p] && !d.Addresses[addr.String()]
}

func (d *DenyList) InterceptAccept(addr multiaddr.Multiaddr) bool {
	return !d.Addresses[addr.String()]
}

func (d *DenyList) InterceptSecured(p peer.ID, _ Direction) bool {
	return !d.Peers[p]
}
