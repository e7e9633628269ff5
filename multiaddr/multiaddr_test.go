package multiaddr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextRoundTrip(t *testing.T) {
	texts := []string{
		"/ip4/1.2.3.4/tcp/4001",
		"/ip6/::1/udp/4001/quic-v1",
		"/p2p-circuit",
		"/memory/s1",
	}
	for _, text := range texts {
		m, err := Parse(text)
		require.NoError(t, err, text)
		require.Equal(t, text, m.String())
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	m, err := Parse("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	bin := m.Bytes()
	m2, err := ParseBinary(bin)
	require.NoError(t, err)
	require.True(t, m.Equal(m2))
}

func TestTooManyComponents(t *testing.T) {
	text := "/memory/x" + strings.Repeat("/memory/x", MaxComponents)
	_, err := Parse(text)
	require.ErrorIs(t, err, ErrTooManyComponents)
}

func TestTooLarge(t *testing.T) {
	text := "/memory/" + strings.Repeat("a", MaxBytes)
	_, err := Parse(text)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestIPv6Canonicalization(t *testing.T) {
	a, err := Parse("/ip6/::1/tcp/1")
	require.NoError(t, err)
	b, err := Parse("/ip6/0:0:0:0:0:0:0:1/tcp/1")
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}

func TestEncapsulateAndPeerID(t *testing.T) {
	base, err := Parse("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)

	kp := testPeerID(t)
	p2p, err := Parse("/p2p/" + kp)
	require.NoError(t, err)

	full, err := base.Encapsulate(p2p)
	require.NoError(t, err)

	id, ok := full.PeerID()
	require.True(t, ok)
	require.NotEmpty(t, id)
}

func testPeerID(t *testing.T) string {
	t.Helper()
	// 34-byte SHA2-256 multihash-shaped value is enough to exercise the
	// /p2p component without depending on the peer package (would create an
	// import cycle risk in tests); any base58 text round-trips identically.
	raw := make([]byte, 34)
	raw[0], raw[1] = 0x12, 0x20
	for i := 2; i < len(raw); i++ {
		raw[i] = byte(i)
	}
	return base58EncodeMultihash(raw)
}

func TestRejectsMissingValue(t *testing.T) {
	_, err := Parse("/ip4")
	require.Error(t, err)
}

func TestTrailingDataRejectedOnBinary(t *testing.T) {
	m, err := Parse("/memory/s1")
	require.NoError(t, err)
	bin := m.Bytes()
	// Append trailing garbage after the last component that looks like a
	// dangling, never-terminated protocol code varint.
	corrupt := append(append([]byte{}, bin...), 0xFF, 0xFF, 0xFF)
	_, err = ParseBinary(corrupt)
	require.Error(t, err)
}
