package msmux

import (
	"fmt"
	"io"

	"github.com/quorumkit/meshwire/varint"
)

// LazyInitiate packs the multistream header, a single proposal, and any
// immediate application bytes into one write, saving a round trip when the
// initiator is confident the proposal will be accepted (spec.md §4.2's
// "lazy variant"). It returns the decoded selected protocol and any
// application bytes the responder included after its own confirmation.
func LazyInitiate(rw io.ReadWriter, proposal string, earlyData []byte) (string, []byte, error) {
	var buf []byte
	buf = appendLine(buf, Header)
	buf = appendLine(buf, withNewline(proposal))
	buf = append(buf, earlyData...)
	if _, err := rw.Write(buf); err != nil {
		return "", nil, fmt.Errorf("msmux: lazy write: %w", err)
	}

	r := varint.NewMessageReader(rw, 0)
	if err := expectHeader(r); err != nil {
		return "", nil, err
	}
	reply, err := readLine(r)
	if err != nil {
		return "", nil, err
	}
	if trimNewline(reply) != trimNewline(proposal) {
		return "", nil, &ProtocolNegotiationFailed{LastProposed: proposal}
	}
	return proposal, r.Residue(), nil
}

// LazyRespond mirrors LazyInitiate on the responder side: it reads the
// header and the single proposal, confirms it if offered, and returns any
// residue bytes the caller should prepend to subsequent stream reads.
func LazyRespond(rw io.ReadWriter, offered []string) (string, []byte, error) {
	offeredSet := make(map[string]struct{}, len(offered))
	for _, p := range offered {
		offeredSet[p] = struct{}{}
	}

	r := varint.NewMessageReader(rw, 0)
	if err := expectHeader(r); err != nil {
		return "", nil, err
	}
	line, err := readLine(r)
	if err != nil {
		return "", nil, err
	}
	proposed := trimNewline(line)
	if _, ok := offeredSet[proposed]; !ok {
		_ = writeLine(rw, NotAvailable)
		return "", nil, &ProtocolNegotiationFailed{LastProposed: proposed}
	}

	var buf []byte
	buf = appendLine(buf, Header)
	buf = appendLine(buf, withNewline(proposed))
	if _, err := rw.Write(buf); err != nil {
		return "", nil, fmt.Errorf("msmux: lazy respond write: %w", err)
	}
	return proposed, r.Residue(), nil
}

func appendLine(buf []byte, line string) []byte {
	buf = varint.Append(buf, uint64(len(line)))
	return append(buf, line...)
}

// ResidueConn wraps an io.ReadWriter so that the first Read calls return
// previously-buffered residue bytes before delegating to the underlying
// reader, implementing the "buffered wrapper" spec.md §4.2/§4.5 describe
// for carrying lazy-negotiation leftovers into the rest of the stream.
type ResidueConn struct {
	io.ReadWriter
	residue []byte
}

// NewResidueConn constructs a ResidueConn that replays residue before rw.
func NewResidueConn(rw io.ReadWriter, residue []byte) *ResidueConn {
	return &ResidueConn{ReadWriter: rw, residue: residue}
}

func (c *ResidueConn) Read(p []byte) (int, error) {
	if len(c.residue) > 0 {
		n := copy(p, c.residue)
		c.residue = c.residue[n:]
		return n, nil
	}
	return c.ReadWriter.Read(p)
}
