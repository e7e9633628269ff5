// Package traversal implements the ordered, parallel mechanism pipeline of
// spec.md §4.8: LocalDirect -> Direct -> HolePunch -> Relay, each stage
// racing its candidates concurrently via golang.org/x/sync/errgroup.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
)

// Errors, per spec.md §7.
var (
	ErrNoCandidate          = errors.New("traversal: no candidate produced")
	ErrConnectionLimitReached = errors.New("traversal: connection limit reached")
)

// MissingContext is returned by a mechanism that needs context it doesn't
// have yet (e.g. HolePunch without an established relay connection).
type MissingContext struct{ Msg string }

func (e *MissingContext) Error() string { return "traversal: missing context: " + e.Msg }

// AllAttemptsFailed aggregates every mechanism group's terminal error.
type AllAttemptsFailed struct {
	PerMechanism map[string]error
}

func (e *AllAttemptsFailed) Error() string {
	return fmt.Sprintf("traversal: all %d mechanism(s) failed", len(e.PerMechanism))
}

// Candidate is spec.md §4.8's TraversalCandidate.
type Candidate struct {
	MechanismID string
	Peer        peer.ID
	Address     multiaddr.Multiaddr
	PathKind    string
	Score       float64
	Metadata    map[string]string
}

// AttemptResult is spec.md §4.8's TraversalAttemptResult.
type AttemptResult struct {
	ConnectedPeer   peer.ID
	SelectedAddress multiaddr.Multiaddr
	MechanismID     string
}

// Mechanism is one stage of the fallback pipeline (LocalDirect, Direct,
// HolePunch, Relay), per spec.md §4.8.
type Mechanism interface {
	ID() string
	CollectCandidates(ctx context.Context, target peer.ID) ([]Candidate, error)
	Attempt(ctx context.Context, c Candidate) (AttemptResult, error)
}

// HintProvider supplies additional candidates alongside the configured
// mechanisms, per spec.md §4.8.
type HintProvider interface {
	Hints(ctx context.Context, target peer.ID) ([]Candidate, error)
}

// FallbackPolicy decides whether a failed mechanism group should fall
// through to the next one, per spec.md §4.8.
type FallbackPolicy interface {
	ShouldFallback(ctx context.Context, err error, c Candidate) bool
}

// DefaultPolicy implements spec.md §4.8's rule: stop on
// ErrConnectionLimitReached, continue on anything else (MissingContext and
// ErrNoCandidate included).
type DefaultPolicy struct{}

func (DefaultPolicy) ShouldFallback(_ context.Context, err error, _ Candidate) bool {
	return !errors.Is(err, ErrConnectionLimitReached)
}

// Event is emitted per attempt, per spec.md §4.8 ("Emits per-attempt
// events").
type Event struct {
	MechanismID string
	Candidate   Candidate
	Err         error
	Success     bool
}

// Config configures a Coordinator.
type Config struct {
	Mechanisms      []Mechanism // in fallback order: LocalDirect, Direct, HolePunch, Relay
	HintProviders   []HintProvider
	Policy          FallbackPolicy
	AttemptTimeout  time.Duration
	OverallTimeout  time.Duration
	OnEvent         func(Event)
}

// Coordinator runs the traversal pipeline of spec.md §4.8.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator. cfg.Policy defaults to DefaultPolicy if nil.
func New(cfg Config) *Coordinator {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy{}
	}
	return &Coordinator{cfg: cfg}
}

func (c *Coordinator) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// Connect runs the full pipeline against target, returning the first
// successful AttemptResult or AllAttemptsFailed once every mechanism group
// is exhausted (subject to FallbackPolicy), per spec.md §4.8.
func (c *Coordinator) Connect(ctx context.Context, target peer.ID) (*AttemptResult, error) {
	if c.cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OverallTimeout)
		defer cancel()
	}

	hints, err := c.collectHints(ctx, target)
	if err != nil {
		return nil, err
	}

	perMechanismErr := make(map[string]error)
	for _, mech := range c.cfg.Mechanisms {
		candidates, err := mech.CollectCandidates(ctx, target)
		if err != nil {
			perMechanismErr[mech.ID()] = err
			if !c.cfg.Policy.ShouldFallback(ctx, err, Candidate{MechanismID: mech.ID(), Peer: target}) {
				return nil, &AllAttemptsFailed{PerMechanism: perMechanismErr}
			}
			continue
		}
		candidates = append(candidates, hintsFor(hints, mech.ID())...)
		if len(candidates) == 0 {
			perMechanismErr[mech.ID()] = ErrNoCandidate
			continue
		}

		res, err := c.attemptGroup(ctx, mech, candidates)
		if err == nil {
			return res, nil
		}
		perMechanismErr[mech.ID()] = err
		if !c.cfg.Policy.ShouldFallback(ctx, err, candidates[0]) {
			return nil, &AllAttemptsFailed{PerMechanism: perMechanismErr}
		}
	}
	return nil, &AllAttemptsFailed{PerMechanism: perMechanismErr}
}

func (c *Coordinator) collectHints(ctx context.Context, target peer.ID) ([]Candidate, error) {
	var all []Candidate
	for _, hp := range c.cfg.HintProviders {
		hints, err := hp.Hints(ctx, target)
		if err != nil {
			continue // hint providers are best-effort
		}
		all = append(all, hints...)
	}
	return all, nil
}

func hintsFor(hints []Candidate, mechanismID string) []Candidate {
	var out []Candidate
	for _, h := range hints {
		if h.MechanismID == mechanismID {
			out = append(out, h)
		}
	}
	return out
}

// attemptGroup races every candidate in a mechanism group concurrently;
// the first success cancels the rest, per spec.md §4.8/§5.
func (c *Coordinator) attemptGroup(ctx context.Context, mech Mechanism, candidates []Candidate) (*AttemptResult, error) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.AttemptTimeout > 0 {
		var attemptCancel context.CancelFunc
		groupCtx, attemptCancel = context.WithTimeout(groupCtx, c.cfg.AttemptTimeout)
		defer attemptCancel()
	}

	var g errgroup.Group
	resultCh := make(chan AttemptResult, len(candidates))
	var lastErr error

	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			res, err := mech.Attempt(groupCtx, cand)
			c.emit(Event{MechanismID: mech.ID(), Candidate: cand, Err: err, Success: err == nil})
			if err != nil {
				return err
			}
			select {
			case resultCh <- res:
				cancel() // first success cancels siblings
			default:
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case res := <-resultCh:
		return &res, nil
	case lastErr = <-done:
		select {
		case res := <-resultCh:
			return &res, nil
		default:
		}
		if lastErr == nil {
			lastErr = ErrNoCandidate
		}
		return nil, lastErr
	}
}
