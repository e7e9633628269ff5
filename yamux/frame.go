// Package yamux implements a Yamux-style stream multiplexer over an
// authenticated duplex connection: framed streams with per-stream flow
// control windows, half-close, reset, keepalive and GoAway, per spec.md
// §3/§4.4. The session/stream architecture — a single reader goroutine
// decoding frames sequentially, a writer mutex serializing frames, and
// sync.Cond-driven per-stream blocking reads/writes — is grounded directly
// on the teacher's v2/mux.go, adapted from its bespoke encrypted-packet
// format to the real, fixed 12-byte Yamux frame header.
package yamux

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies what a frame carries, per spec.md §3.
type FrameType uint8

const (
	TypeData FrameType = iota
	TypeWindowUpdate
	TypePing
	TypeGoAway
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Flags are bit flags carried in a frame header, per spec.md §3.
type Flags uint16

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
)

// ProtocolVersion is the single Yamux wire version this package speaks.
const ProtocolVersion = 0

// HeaderSize is the fixed Yamux frame header size: version, type, flags,
// stream id, length.
const HeaderSize = 12

// GoAway codes, per spec.md §4.4.
type GoAwayCode uint32

const (
	GoAwayNormal GoAwayCode = iota
	GoAwayProtocolError
	GoAwayInternalError
)

// Header is a decoded Yamux frame header.
type Header struct {
	Version  uint8
	Type     FrameType
	Flags    Flags
	StreamID uint32
	Length   uint32
}

// Encode writes h into the first HeaderSize bytes of buf, which must be at
// least that long.
func (h Header) Encode(buf []byte) {
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint32(buf[4:8], h.StreamID)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
}

// DecodeHeader parses a Yamux frame header from the first HeaderSize bytes
// of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("yamux: short header (%d bytes)", len(buf))
	}
	h := Header{
		Version:  buf[0],
		Type:     FrameType(buf[1]),
		Flags:    Flags(binary.BigEndian.Uint16(buf[2:4])),
		StreamID: binary.BigEndian.Uint32(buf[4:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.Version != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: version %d", ErrInvalidFrame, h.Version)
	}
	if h.Type > TypeGoAway {
		return Header{}, fmt.Errorf("%w: type %d", ErrInvalidFrame, h.Type)
	}
	return h, nil
}

// sessionStreamID is reserved for session-level control frames (PING,
// GOAWAY, and the "ambient" WINDOW_UPDATE used by neither - id 0 per
// spec.md §3).
const sessionStreamID = 0
