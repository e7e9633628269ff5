// Package peer implements PeerID and key-pair types: the identity primitives
// every secured connection and the connection pool key their state on.
package peer

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// idHashCode is the multihash function used to derive a PeerID from a
// public key's canonical bytes. identity (0x00) would inline short keys;
// we always hash so PeerID stays fixed-width regardless of key algorithm.
const idHashCode = multihash.SHA2_256

// ID is an opaque, fixed-width identifier for a node: the multihash of its
// public key's canonical byte form. Equality and hashing are by raw bytes,
// so ID is safe to use as a map key.
type ID string

// ErrEmptyID is returned by operations that require a non-empty ID.
var ErrEmptyID = errors.New("peer: empty ID")

// IDFromPublicKey derives the canonical PeerID for a public key.
func IDFromPublicKey(pub PublicKey) (ID, error) {
	raw, err := pub.Bytes()
	if err != nil {
		return "", fmt.Errorf("peer: marshal public key: %w", err)
	}
	mh, err := multihash.Sum(raw, idHashCode, -1)
	if err != nil {
		return "", fmt.Errorf("peer: hash public key: %w", err)
	}
	return ID(mh), nil
}

// String returns the base58 textual form of the ID, per spec.md §6.
func (id ID) String() string {
	return base58.Encode([]byte(id))
}

// Decode parses a base58 PeerID textual form.
func Decode(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("peer: decode base58: %w", err)
	}
	if _, _, err := multihash.MHFromBytes(b); err != nil {
		return "", fmt.Errorf("peer: not a valid multihash: %w", err)
	}
	return ID(b), nil
}

// MatchesPublicKey reports whether id is exactly the PeerID derived from
// pub. Used by the security upgrader to validate a handshake's
// expectedRemotePeer.
func (id ID) MatchesPublicKey(pub PublicKey) bool {
	other, err := IDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return bytes.Equal([]byte(id), []byte(other))
}

// Algorithm tags the key material carried by a KeyPair/PublicKey/PrivateKey.
type Algorithm int

const (
	// Ed25519 keys are used for handshake authentication (signing), as in
	// the teacher's handshake.
	Ed25519 Algorithm = iota
)

// PublicKey is a serializable public key, algorithm-tagged.
type PublicKey interface {
	Algorithm() Algorithm
	Bytes() ([]byte, error)
	Verify(msg, sig []byte) bool
}

// PrivateKey is the corresponding private half; KeyPair -> PeerID is a pure
// function of the public half.
type PrivateKey interface {
	Algorithm() Algorithm
	Public() PublicKey
	Sign(msg []byte) ([]byte, error)
}

// KeyPair bundles a PrivateKey with its PublicKey.
type KeyPair struct {
	Private PrivateKey
	Public  PublicKey
}

// ID returns the PeerID derived from the pair's public key.
func (kp KeyPair) ID() (ID, error) {
	return IDFromPublicKey(kp.Public)
}

type ed25519Public struct{ key ed25519.PublicKey }

func (k ed25519Public) Algorithm() Algorithm { return Ed25519 }
func (k ed25519Public) Bytes() ([]byte, error) {
	return append([]byte(nil), k.key...), nil
}
func (k ed25519Public) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.key, msg, sig)
}

type ed25519Private struct{ key ed25519.PrivateKey }

func (k ed25519Private) Algorithm() Algorithm { return Ed25519 }
func (k ed25519Private) Public() PublicKey {
	return ed25519Public{key: k.key.Public().(ed25519.PublicKey)}
}
func (k ed25519Private) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.key, msg), nil
}

// NewEd25519PublicKey wraps raw Ed25519 public key bytes exchanged over the
// wire (e.g. during a handshake) as a PublicKey.
func NewEd25519PublicKey(raw []byte) (PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer: ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519Public{key: append(ed25519.PublicKey(nil), raw...)}, nil
}

// GenerateEd25519 creates a fresh random Ed25519 KeyPair.
func GenerateEd25519() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("peer: generate ed25519 key: %w", err)
	}
	return KeyPair{
		Private: ed25519Private{key: priv},
		Public:  ed25519Public{key: pub},
	}, nil
}

// Ed25519KeyPairFromSeed deterministically derives a KeyPair from a 32-byte
// seed, mirroring the teacher's anonPrivkey/anonPubkey convention for tests
// and anonymous/unauthenticated roles.
func Ed25519KeyPairFromSeed(seed []byte) KeyPair {
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		Private: ed25519Private{key: priv},
		Public:  ed25519Public{key: priv.Public().(ed25519.PublicKey)},
	}
}
