package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	id, err := kp.ID()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	decoded, err := Decode(id.String())
	require.NoError(t, err)
	require.Equal(t, id, decoded)
	require.True(t, id.MatchesPublicKey(kp.Public))
}

func TestIDMismatchOnDifferentKey(t *testing.T) {
	a, err := GenerateEd25519()
	require.NoError(t, err)
	b, err := GenerateEd25519()
	require.NoError(t, err)

	idA, err := a.ID()
	require.NoError(t, err)
	require.False(t, idA.MatchesPublicKey(b.Public))
}

func TestDeterministicSeed(t *testing.T) {
	seed := make([]byte, 32)
	kp1 := Ed25519KeyPairFromSeed(seed)
	kp2 := Ed25519KeyPairFromSeed(seed)

	id1, err := kp1.ID()
	require.NoError(t, err)
	id2, err := kp2.ID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}
