package resource

import (
	"runtime"
	"sync"

	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/yamux"
)

// TrackedStream wraps a yamux.MuxedStream, owning the (peer, protocol)
// stream reservation made when it was created and guaranteeing release
// exactly once on Close, Reset, or GC-visible drop via a finalizer that
// NewTrackedStream sets — per spec.md §4.10.
type TrackedStream struct {
	yamux.MuxedStream
	mgr        *Manager
	peerID     peer.ID
	protocolID string
	dir        Direction

	once sync.Once
}

// NewTrackedStream reserves a stream slot for (p, protocolID, dir) and
// wraps st so Close/Reset release it exactly once. Returns the
// LimitExceeded error from the underlying reservation without wrapping st.
func NewTrackedStream(mgr *Manager, st yamux.MuxedStream, p peer.ID, protocolID string, dir Direction) (*TrackedStream, error) {
	if err := mgr.ReserveStream(p, protocolID, dir); err != nil {
		return nil, err
	}
	ts := &TrackedStream{MuxedStream: st, mgr: mgr, peerID: p, protocolID: protocolID, dir: dir}
	runtime.SetFinalizer(ts, (*TrackedStream).release)
	return ts, nil
}

func (t *TrackedStream) release() {
	t.once.Do(func() {
		t.mgr.ReleaseStream(t.peerID, t.protocolID, t.dir)
	})
}

// Close releases the underlying stream and its reservation.
func (t *TrackedStream) Close() error {
	defer t.release()
	return t.MuxedStream.Close()
}

// Reset releases the underlying stream and its reservation.
func (t *TrackedStream) Reset() error {
	defer t.release()
	return t.MuxedStream.Reset()
}
