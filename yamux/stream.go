package yamux

import (
	"io"
	"sync"
	"time"
)

// State is a MuxedStream's position in the state machine of spec.md §3.
type State int

const (
	StateIdle State = iota
	StateOpenInit
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpenInit:
		return "open-init"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Stream is a bidirectional byte stream multiplexed over a Session, keyed
// by a per-connection stream id, per spec.md §3.
type Stream struct {
	session *Session
	id      uint32
	local   bool // true if we initiated this stream

	mu    sync.Mutex
	cond  sync.Cond
	state State

	sendWindow uint32
	recvWindow uint32
	pendingCredit uint32

	readBuf    []byte
	remoteEOF  bool // peer sent FIN and its data has been fully queued
	synSent    bool

	err error // terminal, set on Reset/ConnectionClosed

	rd, wd time.Time
}

func newStream(s *Session, id uint32, local bool, initialWindow uint32) *Stream {
	st := &Stream{
		session:    s,
		id:         id,
		local:      local,
		state:      StateIdle,
		sendWindow: initialWindow,
		recvWindow: initialWindow,
	}
	st.cond.L = &st.mu
	return st
}

// ID returns the stream's wire id.
func (s *Stream) ID() uint32 { return s.id }

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read blocks until data, EOF, or a terminal error is available.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) == 0 && s.err == nil && !s.remoteEOF {
		s.cond.Wait()
	}
	if len(s.readBuf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, errEOF
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	s.creditLocked(uint32(n))
	return n, nil
}

// creditLocked accumulates consumed bytes and, once the accumulated credit
// reaches half the initial window, sends a WINDOW_UPDATE, per spec.md
// §4.4's flow-control algorithm. Must be called with s.mu held; it releases
// and reacquires the lock around the actual frame write so no I/O happens
// under the stream lock for longer than necessary.
func (s *Stream) creditLocked(n uint32) {
	s.pendingCredit += n
	threshold := s.session.cfg.InitialWindow / 2
	if s.pendingCredit < threshold {
		return
	}
	delta := s.pendingCredit
	s.pendingCredit = 0
	s.recvWindow += delta
	if s.recvWindow > MaxWindow {
		s.recvWindow = MaxWindow
	}
	id := s.id
	s.mu.Unlock()
	s.session.sendWindowUpdate(id, delta)
	s.mu.Lock()
}

// Write blocks until the send window admits bytes, chunking by
// min(remaining, sendWindow, maxFrameSize), per spec.md §4.4.
func (s *Stream) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		s.mu.Lock()
		for s.sendWindow == 0 && s.err == nil && s.state != StateHalfClosedLocal && s.state != StateClosed && s.state != StateReset {
			s.cond.Wait()
		}
		if s.err != nil {
			s.mu.Unlock()
			return total - len(p), s.err
		}
		if s.state == StateHalfClosedLocal || s.state == StateClosed || s.state == StateReset {
			s.mu.Unlock()
			return total - len(p), ErrStreamClosed
		}
		chunk := p
		if uint32(len(chunk)) > s.sendWindow {
			chunk = chunk[:s.sendWindow]
		}
		if uint32(len(chunk)) > s.session.cfg.MaxFrameSize {
			chunk = chunk[:s.session.cfg.MaxFrameSize]
		}
		var flags Flags
		if !s.synSent {
			flags |= FlagSYN
			s.synSent = true
			if s.state == StateIdle {
				s.state = StateOpenInit
			}
		}
		s.sendWindow -= uint32(len(chunk))
		s.mu.Unlock()

		if err := s.session.writeDataFrame(s.id, flags, chunk); err != nil {
			s.mu.Lock()
			s.err = err
			s.cond.Broadcast()
			s.mu.Unlock()
			return total - len(p), err
		}
		p = p[len(chunk):]
	}
	return total, nil
}

// CloseWrite sends FIN, transitioning to HalfClosedLocal. Subsequent writes
// fail with ErrStreamClosed, per spec.md §3.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	switch s.state {
	case StateHalfClosedLocal, StateClosed, StateReset:
		s.mu.Unlock()
		return nil
	}
	flags := FlagFIN
	if !s.synSent {
		flags |= FlagSYN
		s.synSent = true
	}
	switch s.state {
	case StateHalfClosedRemote:
		s.state = StateClosed
	default:
		s.state = StateHalfClosedLocal
	}
	closed := s.state == StateClosed
	s.mu.Unlock()

	err := s.session.writeDataFrame(s.id, flags, nil)
	if closed {
		s.session.removeStream(s.id)
	}
	return err
}

// Close gracefully closes the stream: it is equivalent to CloseWrite and is
// idempotent, per spec.md §9.
func (s *Stream) Close() error {
	return s.CloseWrite()
}

// Reset forcibly terminates the stream in both directions, per spec.md §3.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.state == StateReset || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateReset
	s.err = ErrStreamReset
	s.cond.Broadcast()
	s.mu.Unlock()

	err := s.session.writeDataFrame(s.id, FlagRST, nil)
	s.session.removeStream(s.id)
	return err
}

// onSYN transitions Idle -> Open on receipt of a peer-initiated SYN.
func (s *Stream) onSYN() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateOpen
	}
	s.mu.Unlock()
}

// onData delivers a DATA frame payload, waking blocked readers. It enforces
// spec.md §3's flow-control invariant: a sender must not exceed the
// receiver's advertised window. Payloads that would overflow recvWindow
// return ErrWindowViolation without being buffered, so the caller can tear
// the session down instead of growing readBuf without bound.
func (s *Stream) onData(payload []byte) error {
	s.mu.Lock()
	if uint32(len(payload)) > s.recvWindow {
		s.mu.Unlock()
		return ErrWindowViolation
	}
	s.recvWindow -= uint32(len(payload))
	s.readBuf = append(s.readBuf, payload...)
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// onWindowUpdate credits additional send-window bytes, clamped to MaxWindow.
// A WINDOW_UPDATE for a stream already Reset is silently discarded per the
// open question in spec.md §9 ("existing source code silently discards").
func (s *Stream) onWindowUpdate(delta uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReset {
		return
	}
	newWindow := uint64(s.sendWindow) + uint64(delta)
	if newWindow > MaxWindow {
		newWindow = MaxWindow
	}
	s.sendWindow = uint32(newWindow)
	s.cond.Broadcast()
}

// onFIN marks the remote half closed; once readBuf drains, Read returns EOF.
func (s *Stream) onFIN() {
	s.mu.Lock()
	s.remoteEOF = true
	if s.state == StateHalfClosedLocal {
		s.state = StateClosed
	} else if s.state != StateClosed && s.state != StateReset {
		s.state = StateHalfClosedRemote
	}
	closed := s.state == StateClosed
	s.cond.Broadcast()
	s.mu.Unlock()
	if closed {
		s.session.removeStream(s.id)
	}
}

// onRST marks the stream Reset; pending reads/writes fail with
// ErrStreamReset, per spec.md §4.4.
func (s *Stream) onRST() {
	s.mu.Lock()
	s.state = StateReset
	s.err = ErrStreamReset
	s.cond.Broadcast()
	s.mu.Unlock()
	s.session.removeStream(s.id)
}

// onSessionClosed fails all pending operations with ConnectionClosed, per
// the abrupt-shutdown behavior in spec.md §4.4.
func (s *Stream) onSessionClosed() {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrConnectionClosed
	}
	s.state = StateReset
	s.cond.Broadcast()
	s.mu.Unlock()
}

// errEOF is returned by Read once the remote half is closed and buffered
// data is drained.
var errEOF = io.EOF

// SetDeadline/SetReadDeadline/SetWriteDeadline are accepted for interface
// compatibility with net.Conn-shaped stream consumers. They only record
// the deadline; Read and Write do not consult it.
func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rd = t
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.wd = t
	s.mu.Unlock()
	return nil
}
