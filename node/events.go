package node

import (
	"sync"
	"time"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/pool"
)

// EventKind tags a NodeEvent, per spec.md §6.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventNewListenAddr
	EventListenError
	EventConnectionError
	EventConnectionGated
	EventReconnecting
	EventReconnected
	EventReconnectionFailed
	EventTrimmed
	EventTrimConstrained
	EventHealthCheckFailed
)

// Event is spec.md §6's NodeEvent, one struct carrying every variant's
// payload fields (unused fields are zero for a given Kind).
type Event struct {
	Kind             EventKind
	Peer             peer.ID
	Addr             multiaddr.Multiaddr
	DisconnectReason pool.DisconnectReason
	Stage            string
	Err              error
	Attempt          int
	NextDelay        time.Duration
	TrimTarget       int
	TrimSelected     int
	TrimTrimmable    int
	TrimActive       int
}

// BufferPolicy controls what happens to a subscriber whose buffer is full
// when an event arrives, per spec.md §4.11.
type BufferPolicy int

const (
	// PolicyDrop discards the event for that subscriber only.
	PolicyDrop BufferPolicy = iota
	// PolicyBlock waits for room, applying backpressure to the emitter.
	PolicyBlock
)

// subscriber pairs a subscriber's channel with its own mutex, so closing it
// (on unsubscribe or Broadcaster.Close) can never race a concurrent send:
// both hold sub.mu and check sub.closed before touching the channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Broadcaster is the multi-consumer, per-subscriber-buffered event stream
// of spec.md §4.11: each subscriber gets its own independent lossless (or
// lossy, depending on Policy) channel.
type Broadcaster struct {
	bufferSize int
	policy     BufferPolicy

	subsMu sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewBroadcaster builds a Broadcaster with the given per-subscriber buffer
// size and overflow policy.
func NewBroadcaster(bufferSize int, policy BufferPolicy) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		policy:     policy,
		subs:       make(map[int]*subscriber),
	}
}

// Subscribe returns a new independent event channel and an unsubscribe
// function.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.subsMu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.subs[id] = sub
	b.subsMu.Unlock()

	return sub.ch, func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()

		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Emit delivers ev to every current subscriber, per spec.md §5's
// "emit iterates a snapshot copy of current subscribers outside any
// long-held lock". Delivery to each subscriber is serialized against that
// subscriber's own unsubscribe/Close under sub.mu, so a send can never race
// a close of the same channel.
func (b *Broadcaster) Emit(ev Event) {
	b.subsMu.Lock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.subsMu.Unlock()

	for _, sub := range snapshot {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		switch b.policy {
		case PolicyBlock:
			sub.ch <- ev
		default:
			select {
			case sub.ch <- ev:
			default:
			}
		}
		sub.mu.Unlock()
	}
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.subsMu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		delete(b.subs, id)
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}
