// Package msmux implements multistream-select 1.0.0: a simple protocol for
// picking a single named sub-protocol over a bidirectional byte stream,
// per spec.md §4.2 and §6.
package msmux

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/quorumkit/meshwire/varint"
)

// Wire constants, bit-exact with the multistream-select 1.0.0 spec.
const (
	Header       = "/multistream/1.0.0\n"
	NotAvailable = "na\n"
	ListRequest  = "ls\n"
)

// MaxProtocols bounds the number of proposals an initiator may offer, and
// the number of protocols a responder may advertise, per spec.md §4.2.
const MaxProtocols = 100

// MaxAttempts bounds the number of propose/na round trips, to cap
// adversarial stalls, per spec.md §4.2.
const MaxAttempts = 1000

// Errors, per spec.md §4.2 and §7.
var (
	ErrNoProposal             = errors.New("msmux: no proposal offered")
	ErrTooManyProtocols       = errors.New("msmux: too many protocols")
	ErrTooManyAttempts        = errors.New("msmux: too many negotiation attempts")
	ErrInvalidUTF8            = errors.New("msmux: message is not valid UTF-8")
)

// ProtocolNegotiationFailed is returned by the initiator when every
// proposal was rejected.
type ProtocolNegotiationFailed struct {
	LastProposed string
}

func (e *ProtocolNegotiationFailed) Error() string {
	return fmt.Sprintf("msmux: protocol negotiation failed, peer rejected %q", e.LastProposed)
}

// writeLine writes a <varint length><utf8 bytes> message whose bytes end in
// '\n', the terminator counted as part of the payload.
func writeLine(w io.Writer, line string) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return fmt.Errorf("msmux: line must end in '\\n': %q", line)
	}
	buf := varint.Append(nil, uint64(len(line)))
	buf = append(buf, line...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("msmux: write line: %w", err)
	}
	return nil
}

// readLine reads one length-prefixed line via a varint.MessageReader and
// validates it as UTF-8 ending in '\n'.
func readLine(r *varint.MessageReader) (string, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(msg) {
		return "", ErrInvalidUTF8
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		return "", fmt.Errorf("msmux: line missing terminator: %q", msg)
	}
	return string(msg), nil
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}

func withNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s
	}
	return s + "\n"
}
