package node

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
)

// PeerStore is a bounded LRU cache of a peer's known listen addresses,
// consulted by ConnectPeer when given a bare PeerID, per spec.md §4.11
// ("connect(to: PeerID) delegates to the traversal coordinator with
// addresses looked up from the peer store").
type PeerStore struct {
	cache *lru.Cache[peer.ID, []multiaddr.Multiaddr]
}

// NewPeerStore builds a PeerStore holding up to capacity peers' address
// sets, evicting least-recently-used entries beyond that.
func NewPeerStore(capacity int) (*PeerStore, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	c, err := lru.New[peer.ID, []multiaddr.Multiaddr](capacity)
	if err != nil {
		return nil, err
	}
	return &PeerStore{cache: c}, nil
}

// AddAddrs merges addrs into p's known address set.
func (s *PeerStore) AddAddrs(p peer.ID, addrs ...multiaddr.Multiaddr) {
	existing, _ := s.cache.Get(p)
	for _, a := range addrs {
		if !containsAddr(existing, a) {
			existing = append(existing, a)
		}
	}
	s.cache.Add(p, existing)
}

// Addrs returns p's known addresses, or nil if unknown.
func (s *PeerStore) Addrs(p peer.ID) []multiaddr.Multiaddr {
	addrs, _ := s.cache.Get(p)
	return addrs
}

// RemovePeer evicts p entirely.
func (s *PeerStore) RemovePeer(p peer.ID) {
	s.cache.Remove(p)
}

func containsAddr(addrs []multiaddr.Multiaddr, target multiaddr.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(target) {
			return true
		}
	}
	return false
}
