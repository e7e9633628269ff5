package traversal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
)

type stubMechanism struct {
	id         string
	candidates []Candidate
	collectErr error
	attempt    func(Candidate) (AttemptResult, error)
}

func (s *stubMechanism) ID() string { return s.id }

func (s *stubMechanism) CollectCandidates(context.Context, peer.ID) ([]Candidate, error) {
	if s.collectErr != nil {
		return nil, s.collectErr
	}
	return s.candidates, nil
}

func (s *stubMechanism) Attempt(_ context.Context, c Candidate) (AttemptResult, error) {
	return s.attempt(c)
}

func addr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func TestFirstMechanismSucceedsImmediately(t *testing.T) {
	target := peer.ID("target")
	succeed := &stubMechanism{
		id:         "local-direct",
		candidates: []Candidate{{MechanismID: "local-direct", Peer: target, Address: addr(t, "/memory/1")}},
		attempt: func(c Candidate) (AttemptResult, error) {
			return AttemptResult{ConnectedPeer: c.Peer, SelectedAddress: c.Address, MechanismID: c.MechanismID}, nil
		},
	}
	neverCalled := &stubMechanism{
		id: "relay",
		attempt: func(Candidate) (AttemptResult, error) {
			t.Fatal("relay mechanism should never be attempted")
			return AttemptResult{}, nil
		},
	}

	coord := New(Config{Mechanisms: []Mechanism{succeed, neverCalled}})
	res, err := coord.Connect(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "local-direct", res.MechanismID)
}

func TestFallsThroughOnNoCandidateThenSucceeds(t *testing.T) {
	target := peer.ID("target")
	empty := &stubMechanism{id: "direct"} // no candidates -> ErrNoCandidate -> fallback
	relay := &stubMechanism{
		id:         "relay",
		candidates: []Candidate{{MechanismID: "relay", Peer: target, Address: addr(t, "/memory/2")}},
		attempt: func(c Candidate) (AttemptResult, error) {
			return AttemptResult{ConnectedPeer: c.Peer, SelectedAddress: c.Address, MechanismID: c.MechanismID}, nil
		},
	}

	coord := New(Config{Mechanisms: []Mechanism{empty, relay}})
	res, err := coord.Connect(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "relay", res.MechanismID)
}

func TestConnectionLimitReachedStopsImmediately(t *testing.T) {
	target := peer.ID("target")
	limited := &stubMechanism{
		id:         "direct",
		candidates: []Candidate{{MechanismID: "direct", Peer: target, Address: addr(t, "/memory/3")}},
		attempt: func(Candidate) (AttemptResult, error) {
			return AttemptResult{}, ErrConnectionLimitReached
		},
	}
	neverCalled := &stubMechanism{
		id: "relay",
		attempt: func(Candidate) (AttemptResult, error) {
			t.Fatal("relay mechanism should never be attempted after limit reached")
			return AttemptResult{}, nil
		},
	}

	coord := New(Config{Mechanisms: []Mechanism{limited, neverCalled}})
	_, err := coord.Connect(context.Background(), target)
	require.Error(t, err)
	var allFailed *AllAttemptsFailed
	require.ErrorAs(t, err, &allFailed)
}

func TestAllMechanismsExhaustedReturnsAllAttemptsFailed(t *testing.T) {
	target := peer.ID("target")
	always := func(id string) *stubMechanism {
		return &stubMechanism{
			id:         id,
			candidates: []Candidate{{MechanismID: id, Peer: target, Address: addr(t, "/memory/4")}},
			attempt: func(Candidate) (AttemptResult, error) {
				return AttemptResult{}, errors.New("unreachable")
			},
		}
	}
	coord := New(Config{Mechanisms: []Mechanism{always("local-direct"), always("direct"), always("relay")}})
	_, err := coord.Connect(context.Background(), target)
	var allFailed *AllAttemptsFailed
	require.ErrorAs(t, err, &allFailed)
	require.Len(t, allFailed.PerMechanism, 3)
}

func TestHintProviderCandidatesAreConsidered(t *testing.T) {
	target := peer.ID("target")
	mech := &stubMechanism{
		id: "direct", // produces no candidates of its own
		attempt: func(c Candidate) (AttemptResult, error) {
			return AttemptResult{ConnectedPeer: c.Peer, SelectedAddress: c.Address, MechanismID: c.MechanismID}, nil
		},
	}
	hintFn := hintProviderFunc(func(context.Context, peer.ID) ([]Candidate, error) {
		return []Candidate{{MechanismID: "direct", Peer: target, Address: addr(t, "/memory/5")}}, nil
	})

	coord := New(Config{Mechanisms: []Mechanism{mech}, HintProviders: []HintProvider{hintFn}})
	res, err := coord.Connect(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "direct", res.MechanismID)
}

func TestAttemptTimeoutFailsGroup(t *testing.T) {
	target := peer.ID("target")
	slow := &slowMechanism{id: "direct", target: target}
	coord := New(Config{Mechanisms: []Mechanism{slow}, AttemptTimeout: 5 * time.Millisecond})
	_, err := coord.Connect(context.Background(), target)
	require.Error(t, err)
}

type slowMechanism struct {
	id     string
	target peer.ID
}

func (s *slowMechanism) ID() string { return s.id }

func (s *slowMechanism) CollectCandidates(context.Context, peer.ID) ([]Candidate, error) {
	return []Candidate{{MechanismID: s.id, Peer: s.target}}, nil
}

func (s *slowMechanism) Attempt(ctx context.Context, c Candidate) (AttemptResult, error) {
	select {
	case <-time.After(50 * time.Millisecond):
		return AttemptResult{ConnectedPeer: c.Peer, MechanismID: c.MechanismID}, nil
	case <-ctx.Done():
		return AttemptResult{}, ctx.Err()
	}
}

type hintProviderFunc func(context.Context, peer.ID) ([]Candidate, error)

func (f hintProviderFunc) Hints(ctx context.Context, p peer.ID) ([]Candidate, error) { return f(ctx, p) }
