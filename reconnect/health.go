package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumkit/meshwire/peer"
)

// PingFunc probes a peer for liveness, returning its round-trip time.
type PingFunc func(ctx context.Context, p peer.ID) (time.Duration, error)

// HealthMonitor runs one periodic liveness check per peer, per spec.md
// §4.9: after MaxFailures consecutive failed pings, OnHealthCheckFailed
// fires and that peer's monitor stops. The monitor itself does not touch
// the pool or the connection; any disconnect is up to the callback.
type HealthMonitor struct {
	Interval            time.Duration
	Timeout             time.Duration
	MaxFailures         int
	Ping                PingFunc
	OnHealthCheckFailed func(peer.ID)
	Logger              zerolog.Logger

	mu       sync.Mutex
	monitors map[peer.ID]context.CancelFunc
}

// NewHealthMonitor builds a HealthMonitor. Callers must set Ping and
// OnHealthCheckFailed before calling Watch.
func NewHealthMonitor(interval, timeout time.Duration, maxFailures int, ping PingFunc, onFailed func(peer.ID), logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		Interval:            interval,
		Timeout:             timeout,
		MaxFailures:         maxFailures,
		Ping:                ping,
		OnHealthCheckFailed: onFailed,
		Logger:              logger,
		monitors:            make(map[peer.ID]context.CancelFunc),
	}
}

// Watch starts monitoring p, replacing any existing monitor for it.
func (h *HealthMonitor) Watch(p peer.ID) {
	h.mu.Lock()
	if cancel, ok := h.monitors[p]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.monitors[p] = cancel
	h.mu.Unlock()

	go h.run(ctx, p)
}

// Unwatch stops monitoring p.
func (h *HealthMonitor) Unwatch(p peer.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.monitors[p]; ok {
		cancel()
		delete(h.monitors, p)
	}
}

// Close stops every active monitor.
func (h *HealthMonitor) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p, cancel := range h.monitors {
		cancel()
		delete(h.monitors, p)
	}
}

func (h *HealthMonitor) run(ctx context.Context, p peer.ID) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.Timeout)
			_, err := h.Ping(pingCtx, p)
			cancel()
			if err != nil {
				failures++
				h.Logger.Warn().Stringer("peer", peerStringer(p)).Int("failures", failures).Err(err).Msg("health check failed")
				if failures >= h.MaxFailures {
					if h.OnHealthCheckFailed != nil {
						h.OnHealthCheckFailed(p)
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

type peerStringer peer.ID

func (p peerStringer) String() string { return peer.ID(p).String() }
