package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/quorumkit/meshwire/peer"
)

func TestReserveConnWithinLimit(t *testing.T) {
	m := NewManager(Limits{MaxConns: 2}, Limits{}, Limits{}, Limits{})
	p := peer.ID("p1")
	require.NoError(t, m.ReserveConn(p, "", Outbound))
	require.NoError(t, m.ReserveConn(p, "", Inbound))
	err := m.ReserveConn(p, "", Outbound)
	require.Error(t, err)
	var limitErr *LimitExceeded
	require.ErrorAs(t, err, &limitErr)
}

// TestReservationAtomicity reproduces spec.md §8 invariant 7: a failed
// reservation must not mutate any scope's counters, even though the
// reservation touches system+peer+service scopes together.
func TestReservationAtomicity(t *testing.T) {
	m := NewManager(Limits{MaxConns: 1}, Limits{}, Limits{}, Limits{MaxConns: 100})
	p := peer.ID("only-one-allowed")
	require.NoError(t, m.ReserveConn(p, "svc", Outbound))

	before := m.Snapshot()
	beforePeer := m.PeerSnapshot(p)

	err := m.ReserveConn(p, "svc", Outbound)
	require.Error(t, err)

	require.Equal(t, before, m.Snapshot())
	require.Equal(t, beforePeer, m.PeerSnapshot(p))
}

func TestReleaseSaturatesAtZeroAndPrunes(t *testing.T) {
	m := NewManager(Limits{}, Limits{}, Limits{}, Limits{})
	p := peer.ID("p1")
	require.NoError(t, m.ReserveConn(p, "", Outbound))
	m.ReleaseConn(p, "", Outbound)
	m.ReleaseConn(p, "", Outbound) // extra release must not go negative
	require.Equal(t, Stat{}, m.PeerSnapshot(p))
}

// TestReserveStreamAtomicityProperty uses rapid to fuzz a sequence of
// reserve/release calls against a protocol-scoped limit and checks the
// system-scope total never exceeds what a successful reservation sequence
// implies, and that failures never mutate state.
func TestReserveStreamAtomicityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := Limits{MaxStreams: int64(rapid.IntRange(1, 8).Draw(rt, "limit"))}
		m := NewManager(Limits{}, Limits{}, limit, Limits{})
		p := peer.ID("fuzzed-peer")
		n := rapid.IntRange(0, 20).Draw(rt, "attempts")
		reserved := int64(0)
		for i := 0; i < n; i++ {
			before := m.Snapshot()
			err := m.ReserveStream(p, "/proto/1", Outbound)
			if err != nil {
				require.Equal(rt, before, m.Snapshot())
				continue
			}
			reserved++
		}
		require.LessOrEqual(rt, reserved, limit.MaxStreams)
	})
}
