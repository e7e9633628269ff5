package multiaddr

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// base58EncodeMultihash renders a /p2p component's raw multihash value as
// base58 text, matching the PeerID textual form in spec.md §6.
func base58EncodeMultihash(v []byte) string {
	return base58.Encode(v)
}

func base58DecodeMultihash(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("multiaddr: decode /p2p value %q: %w", s, err)
	}
	return b, nil
}
