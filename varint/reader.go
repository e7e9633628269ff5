package varint

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize is the default cap on a single length-prefixed
// message, matching spec.md's 64 KiB default.
const DefaultMaxMessageSize = 64 * 1024

// ErrStreamClosed is returned when the underlying reader reaches EOF before
// a varint length prefix is complete.
var ErrStreamClosed = errors.New("varint: stream closed before message")

// MessageTooLarge is returned when a decoded length prefix exceeds the
// reader's configured maximum.
type MessageTooLarge struct {
	Size, Max uint64
}

func (e *MessageTooLarge) Error() string {
	return fmt.Sprintf("varint: message of %d bytes exceeds max of %d", e.Size, e.Max)
}

// byteSource is the minimal interface MessageReader needs from an
// underlying transport: chunked reads, no byte-at-a-time guarantee.
type byteSource interface {
	Read(p []byte) (int, error)
}

// MessageReader decodes a stream of <varint length><payload> messages from
// an underlying byteSource. It owns a persistent residue buffer: bytes read
// past the end of one message are carried over and served to the next call,
// rather than discarded, so that multiple coalesced messages in a single
// underlying Read never lose data (see spec.md §9 "Framing residue").
type MessageReader struct {
	src    byteSource
	max    uint64
	chunk  []byte // scratch buffer for underlying reads
	residue []byte // unconsumed bytes carried across calls
}

// NewMessageReader constructs a MessageReader with the given maximum message
// size. max == 0 selects DefaultMaxMessageSize.
func NewMessageReader(src byteSource, max uint64) *MessageReader {
	if max == 0 {
		max = DefaultMaxMessageSize
	}
	return &MessageReader{
		src:   src,
		max:   max,
		chunk: make([]byte, 4096),
	}
}

// fill reads at least one more chunk from the underlying source into the
// residue buffer.
func (r *MessageReader) fill() error {
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.residue = append(r.residue, r.chunk[:n]...)
	}
	if n == 0 && err == nil {
		return fmt.Errorf("varint: underlying reader returned (0, nil)")
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

// ReadMessage decodes and returns the next length-prefixed message. It
// blocks (performing underlying Reads) until a full message is available,
// the configured maximum is exceeded, or the underlying source errors.
func (r *MessageReader) ReadMessage() ([]byte, error) {
	for {
		if n, consumed, err := Decode(r.residue); err == nil {
			if n > r.max {
				return nil, &MessageTooLarge{Size: n, Max: r.max}
			}
			total := consumed + int(n)
			if len(r.residue) >= total {
				msg := make([]byte, n)
				copy(msg, r.residue[consumed:total])
				r.residue = append(r.residue[:0:0], r.residue[total:]...)
				return msg, nil
			}
			// length is known but payload hasn't fully arrived yet; keep
			// reading without re-decoding the varint every iteration.
			for len(r.residue) < total {
				if err := r.fill(); err != nil {
					return nil, wrapReadErr(err)
				}
			}
			continue
		} else if !errors.Is(err, ErrTruncated) {
			return nil, err
		}
		// varint itself isn't complete yet.
		if err := r.fill(); err != nil {
			return nil, wrapReadErr(err)
		}
	}
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	return fmt.Errorf("varint: reading message: %w", err)
}

// Residue returns a copy of any bytes already buffered but not yet consumed
// by ReadMessage. Callers performing a lazy/optimistic handshake use this to
// hand off buffered application bytes to whatever reads the stream next.
func (r *MessageReader) Residue() []byte {
	out := make([]byte, len(r.residue))
	copy(out, r.residue)
	return out
}

// Prepend pushes bytes back onto the front of the residue buffer, for
// callers that read ahead speculatively and need to return unconsumed bytes.
func (r *MessageReader) Prepend(b []byte) {
	r.residue = append(append([]byte{}, b...), r.residue...)
}
