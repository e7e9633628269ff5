package yamux

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session multiplexes many Streams over a single underlying connection,
// per spec.md §3/§4.4. A single goroutine reads and decodes frames
// sequentially; writes are serialized by writeMu so concurrent streams
// never interleave partial frames on the wire.
type Session struct {
	conn      net.Conn
	cfg       Config
	initiator bool

	writeMu sync.Mutex

	mu      sync.Mutex
	cond    sync.Cond
	streams map[uint32]*Stream
	usedIDs map[uint32]bool
	nextID  uint32
	closed  bool
	err     error

	goAwaySent     bool
	goAwayReceived bool

	acceptCh chan *Stream

	pingMu    sync.Mutex
	pingSeq   uint32
	pingWait  map[uint32]chan struct{}

	lastActivity atomic.Int64 // unix nanos, touched by reader/keepalive

	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewSession wraps conn in a Session. initiator determines stream id
// parity: initiators allocate odd ids, responders even, per spec.md §3.
func NewSession(conn net.Conn, cfg Config, initiator bool) *Session {
	cfg.setDefaults()
	s := &Session{
		conn:      conn,
		cfg:       cfg,
		initiator: initiator,
		streams:   make(map[uint32]*Stream),
		usedIDs:   make(map[uint32]bool),
		acceptCh:  make(chan *Stream, cfg.MaxConcurrentStreams),
		pingWait:  make(map[uint32]chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.cond.L = &s.mu
	if initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.lastActivity.Store(timeNow())
	go s.readLoop()
	if cfg.KeepAliveInterval > 0 {
		go s.keepaliveLoop()
	}
	return s
}

// timeNow is a small indirection so tests could swap it; production uses
// wall time.
var timeNow = func() int64 { return time.Now().UnixNano() }

// OpenStream allocates a new outbound stream. It does not block on the
// handshake: the SYN flag rides on the first Write, per spec.md §4.4.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.errLocked()
	}
	if s.goAwaySent || s.goAwayReceived {
		return nil, &GoAwayError{}
	}
	if uint32(len(s.streams)) >= s.cfg.MaxConcurrentStreams {
		return nil, ErrMaxStreamsExceeded
	}
	id := s.nextID
	s.nextID += 2
	if s.usedIDs[id] {
		return nil, ErrStreamIDReused
	}
	s.usedIDs[id] = true
	st := newStream(s, id, true, s.cfg.InitialWindow)
	st.state = StateOpenInit
	s.streams[id] = st
	return st, nil
}

// AcceptStream blocks until a peer-initiated stream arrives or the session
// closes. A GOAWAY in either direction does not unblock it.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return nil, s.errLocked()
		}
		return st, nil
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.errLocked()
	}
}

func (s *Session) errLocked() error {
	if s.err != nil {
		return s.err
	}
	return ErrConnectionClosed
}

// GoAway sends a GOAWAY frame, announcing that no further streams will be
// opened locally. Existing streams continue to operate until they finish,
// per spec.md §4.4.
func (s *Session) GoAway(code GoAwayCode) error {
	s.mu.Lock()
	if s.goAwaySent {
		s.mu.Unlock()
		return nil
	}
	s.goAwaySent = true
	s.mu.Unlock()
	return s.writeControlFrame(TypeGoAway, 0, sessionStreamID, uint32(code))
}

// Ping sends a PING and blocks for the matching ACK, returning round-trip
// latency. Used both by callers wanting liveness checks and by the
// session's own keepalive loop.
func (s *Session) Ping(timeout time.Duration) (time.Duration, error) {
	s.pingMu.Lock()
	s.pingSeq++
	seq := s.pingSeq
	ch := make(chan struct{})
	s.pingWait[seq] = ch
	s.pingMu.Unlock()

	start := time.Now()
	if err := s.writeControlFrame(TypePing, FlagSYN, sessionStreamID, seq); err != nil {
		s.pingMu.Lock()
		delete(s.pingWait, seq)
		s.pingMu.Unlock()
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-time.After(timeout):
		s.pingMu.Lock()
		delete(s.pingWait, seq)
		s.pingMu.Unlock()
		return 0, fmt.Errorf("yamux: ping timed out after %s", timeout)
	case <-s.doneCh:
		return 0, ErrConnectionClosed
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Ping(s.cfg.KeepAliveTimeout); err != nil {
				s.shutdown(fmt.Errorf("yamux: keepalive failed: %w", err))
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

// writeDataFrame writes a DATA frame for stream id, serialized by writeMu.
func (s *Session) writeDataFrame(id uint32, flags Flags, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	Header{Version: ProtocolVersion, Type: TypeData, Flags: flags, StreamID: id, Length: uint32(len(payload))}.Encode(buf)
	copy(buf[HeaderSize:], payload)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

func (s *Session) sendWindowUpdate(id uint32, delta uint32) error {
	return s.writeControlFrame(TypeWindowUpdate, 0, id, delta)
}

// writeControlFrame writes a header-only frame whose 4-byte "value" (the
// window delta, ping sequence number, or GoAway code) is carried in the
// header's Length field, per spec.md §3.
func (s *Session) writeControlFrame(t FrameType, flags Flags, id uint32, value uint32) error {
	var buf [HeaderSize]byte
	Header{Version: ProtocolVersion, Type: t, Flags: flags, StreamID: id, Length: value}.Encode(buf[:])
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(buf[:])
	return err
}

// readLoop is the session's single frame-decoding goroutine, grounded on
// the teacher's v2/mux.go readLoop: it owns all reads off the wire so
// frame boundaries are never raced, and it tears the whole session down on
// the first decode or I/O error, per spec.md §4.4's abrupt shutdown.
func (s *Session) readLoop() {
	hdr := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			s.shutdown(err)
			return
		}
		h, err := DecodeHeader(hdr)
		if err != nil {
			s.shutdown(err)
			return
		}
		s.lastActivity.Store(timeNow())

		switch h.Type {
		case TypeData:
			if err := s.handleData(h); err != nil {
				s.shutdown(err)
				return
			}
		case TypeWindowUpdate:
			s.handleWindowUpdate(h)
		case TypePing:
			s.handlePing(h)
		case TypeGoAway:
			s.handleGoAway(h)
		}
	}
}

func (s *Session) handleData(h Header) error {
	if h.Length > s.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return err
		}
	}

	st, isNew, err := s.acceptOrLookup(h)
	if err != nil {
		// Reject politely: RST the offending id rather than tearing down
		// the whole session.
		_ = s.writeDataFrame(h.StreamID, FlagRST, nil)
		return nil
	}
	if st == nil {
		// Frame for an id we don't (and won't) recognize; ignore.
		return nil
	}
	if isNew {
		st.onSYN()
	}
	if len(payload) > 0 {
		if err := st.onData(payload); err != nil {
			_ = st.Reset()
			return err
		}
	}
	if h.Flags&FlagRST != 0 {
		st.onRST()
		return nil
	}
	if h.Flags&FlagFIN != 0 {
		st.onFIN()
	}
	if isNew {
		select {
		case s.acceptCh <- st:
		default:
			// Accept queue full: caller isn't keeping up. Reset rather
			// than block the reader goroutine.
			_ = st.Reset()
		}
	}
	return nil
}

// acceptOrLookup resolves the stream a DATA frame targets, creating it if
// the SYN flag marks a new peer-initiated stream. Returns (nil, false, nil)
// for frames that reference a stream we've already discarded.
func (s *Session) acceptOrLookup(h Header) (st *Stream, isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[h.StreamID]; ok {
		return existing, false, nil
	}
	if h.Flags&FlagSYN == 0 {
		return nil, false, nil
	}
	if s.closed {
		return nil, false, ErrConnectionClosed
	}
	if s.goAwaySent {
		return nil, false, &GoAwayError{}
	}
	if s.usedIDs[h.StreamID] {
		return nil, false, ErrStreamIDReused
	}
	if uint32(len(s.streams)) >= s.cfg.MaxConcurrentStreams {
		return nil, false, ErrMaxStreamsExceeded
	}
	s.usedIDs[h.StreamID] = true
	st = newStream(s, h.StreamID, false, s.cfg.InitialWindow)
	s.streams[h.StreamID] = st
	return st, true, nil
}

func (s *Session) handleWindowUpdate(h Header) {
	s.mu.Lock()
	st := s.streams[h.StreamID]
	s.mu.Unlock()
	if st == nil {
		return // open question: WINDOW_UPDATE for an unknown/reset stream is discarded
	}
	st.onWindowUpdate(h.Length)
}

func (s *Session) handlePing(h Header) {
	seq := h.Length
	if h.Flags&FlagSYN != 0 {
		_ = s.writeControlFrame(TypePing, FlagACK, sessionStreamID, seq)
		return
	}
	if h.Flags&FlagACK != 0 {
		s.pingMu.Lock()
		ch, ok := s.pingWait[seq]
		if ok {
			delete(s.pingWait, seq)
		}
		s.pingMu.Unlock()
		if ok {
			close(ch)
		}
	}
}

func (s *Session) handleGoAway(h Header) {
	s.mu.Lock()
	s.goAwayReceived = true
	s.mu.Unlock()
	// OpenStream now fails with GoAwayError; existing streams drain
	// normally. Inbound SYNs are still accepted: acceptOrLookup only
	// rejects them after a local GoAway.
	s.cond.Broadcast()
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// shutdown tears the session down after the first fatal I/O or protocol
// error, per spec.md §4.4: capture the error, reset every open stream, and
// unblock all pending operations.
func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if err == io.EOF {
			err = ErrConnectionClosed
		}
		s.err = err
		s.closed = true
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.mu.Unlock()

		for _, st := range streams {
			st.onSessionClosed()
		}
		close(s.acceptCh)
		close(s.doneCh)
		_ = s.conn.Close()
	})
}

// Close gracefully shuts the session down: best-effort GOAWAY, then tears
// down the transport, per spec.md §4.4.
func (s *Session) Close() error {
	_ = s.GoAway(GoAwayNormal)
	s.shutdown(ErrConnectionClosed)
	return nil
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NumStreams returns the number of open streams, for diagnostics and
// resource accounting (spec.md §4.10).
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
