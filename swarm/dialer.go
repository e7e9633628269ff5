package swarm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quorumkit/meshwire/multiaddr"
)

// PathType classifies a multiaddr by reachability/transport kind, per
// spec.md §4.7's concurrent dial ranking buckets.
type PathType string

const (
	PathLocal  PathType = "local"
	PathIPQUIC PathType = "ip-quic"
	PathIPTCP  PathType = "ip-tcp"
	PathRelay  PathType = "relay"
	PathOther  PathType = "other"
)

// classify assigns a PathType to addr by inspecting its components, per
// spec.md §4.7.
func classify(addr multiaddr.Multiaddr) PathType {
	var hasQUIC, hasTCP, hasCircuit, hasMemory, isIPv6 bool
	for _, c := range addr.Components() {
		switch c.Protocol.Name {
		case "memory":
			hasMemory = true
		case "quic-v1":
			hasQUIC = true
		case "tcp":
			hasTCP = true
		case "p2p-circuit":
			hasCircuit = true
		case "ip6":
			isIPv6 = true
		}
	}
	switch {
	case hasMemory:
		return PathLocal
	case hasCircuit:
		return PathRelay
	case hasQUIC:
		if isIPv6 {
			return PathIPQUIC
		}
		return PathIPQUIC
	case hasTCP:
		return PathIPTCP
	default:
		return PathOther
	}
}

// dialGroup is one wave of the ranked dial: every candidate address in the
// group is launched together, groupDelay after the previous group started.
type dialGroup struct {
	pathType PathType
	delay    time.Duration
	addrs    []multiaddr.Multiaddr
}

// groupOrder fixes spec.md §4.7's bucket precedence: local, then IP-QUIC,
// then IP-TCP, then addresses of no known kind, then relay last (with a
// larger delay).
var groupOrder = []PathType{PathLocal, PathIPQUIC, PathIPTCP, PathOther, PathRelay}

// RankerConfig tunes the smart dialer's pacing, per spec.md §4.7.
type RankerConfig struct {
	GroupDelay time.Duration // delay before starting each subsequent non-relay group
	RelayDelay time.Duration // delay before starting the relay group
	Detector   *BlackHoleDetector
}

// DialFunc attempts one candidate address and reports success/failure.
type DialFunc func(ctx context.Context, addr multiaddr.Multiaddr) (*ManagedConnResult, error)

// ManagedConnResult is an opaque success payload returned by DialFunc;
// Swarm.ConnectMulti supplies *pool.ManagedConnection through this alias so this
// file stays decoupled from the pool package's concrete type in its
// signature comments.
type ManagedConnResult = any

// ErrAllDialsFailed is returned once every ranked candidate has failed.
var ErrAllDialsFailed = errors.New("swarm: all dials failed")

// RankedDialer races candidate addresses in ordered, delayed waves and
// returns the first success, per spec.md §4.7's "Concurrent dial ranking".
type RankedDialer struct {
	cfg RankerConfig
}

// NewRankedDialer builds a RankedDialer. A nil Detector disables
// black-hole exclusion.
func NewRankedDialer(cfg RankerConfig) *RankedDialer {
	if cfg.GroupDelay <= 0 {
		cfg.GroupDelay = 200 * time.Millisecond
	}
	if cfg.RelayDelay <= 0 {
		cfg.RelayDelay = 2 * time.Second
	}
	return &RankedDialer{cfg: cfg}
}

func (r *RankedDialer) buildGroups(addrs []multiaddr.Multiaddr) []dialGroup {
	byType := make(map[PathType][]multiaddr.Multiaddr)
	for _, a := range addrs {
		pt := classify(a)
		if r.cfg.Detector != nil && r.cfg.Detector.ShouldExclude(pt) {
			continue
		}
		byType[pt] = append(byType[pt], a)
	}
	var groups []dialGroup
	for _, pt := range groupOrder {
		if as, ok := byType[pt]; ok && len(as) > 0 {
			delay := r.cfg.GroupDelay * time.Duration(len(groups))
			if pt == PathRelay {
				delay = r.cfg.RelayDelay
			}
			groups = append(groups, dialGroup{pathType: pt, delay: delay, addrs: as})
		}
	}
	return groups
}

type rankedResult struct {
	pathType PathType
	res      *ManagedConnResult
	err      error
}

// Dial races every candidate in addrs, grouped and delayed per spec.md
// §4.7, using dial to attempt each one. The first success cancels every
// other in-flight attempt; exhaustion returns ErrAllDialsFailed.
func (r *RankedDialer) Dial(ctx context.Context, addrs []multiaddr.Multiaddr, dial DialFunc) (*ManagedConnResult, error) {
	groups := r.buildGroups(addrs)
	if len(groups) == 0 {
		return nil, ErrAllDialsFailed
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].delay < groups[j].delay })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan rankedResult, len(addrs))
	var wg sync.WaitGroup
	var launched int

	for _, g := range groups {
		g := g
		timer := time.AfterFunc(g.delay, func() {
			for _, addr := range g.addrs {
				addr := addr
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := dial(ctx, addr)
					select {
					case resultCh <- rankedResult{pathType: g.pathType, res: res, err: err}:
					case <-ctx.Done():
					}
				}()
			}
		})
		defer timer.Stop()
		launched += len(g.addrs)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var lastErr error = ErrAllDialsFailed
	seen := 0
	for rr := range resultCh {
		seen++
		if r.cfg.Detector != nil {
			r.cfg.Detector.Record(rr.pathType, rr.err == nil)
		}
		if rr.err == nil {
			cancel()
			return rr.res, nil
		}
		lastErr = rr.err
		if seen >= launched {
			break
		}
	}
	return nil, lastErr
}

// BlackHoleDetector tracks a rolling per-path-type success window and
// excludes a path type from ranking once its success rate drops below
// Threshold, per spec.md §4.7.
type BlackHoleDetector struct {
	WindowSize int
	Threshold  float64 // e.g. 0.05

	mu      sync.Mutex
	windows map[PathType][]bool
}

// NewBlackHoleDetector builds a detector with the given rolling window
// size and minimum success-rate threshold.
func NewBlackHoleDetector(windowSize int, threshold float64) *BlackHoleDetector {
	return &BlackHoleDetector{
		WindowSize: windowSize,
		Threshold:  threshold,
		windows:    make(map[PathType][]bool),
	}
}

// Record appends one outcome to pt's rolling window.
func (d *BlackHoleDetector) Record(pt PathType, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := append(d.windows[pt], success)
	if len(w) > d.WindowSize {
		w = w[len(w)-d.WindowSize:]
	}
	d.windows[pt] = w
}

// ShouldExclude reports whether pt's rolling success rate is below
// Threshold. A path type with fewer than WindowSize samples is never
// excluded (insufficient evidence).
func (d *BlackHoleDetector) ShouldExclude(pt PathType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windows[pt]
	if len(w) < d.WindowSize {
		return false
	}
	successes := 0
	for _, ok := range w {
		if ok {
			successes++
		}
	}
	rate := float64(successes) / float64(len(w))
	return rate < d.Threshold
}
