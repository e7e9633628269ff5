package msmux

import (
	"fmt"
	"io"

	"github.com/quorumkit/meshwire/varint"
)

// NegotiateInitiator proposes protocols in order until the responder
// accepts one or every proposal has been rejected. It writes the
// multistream header before proposing and expects the header back.
func NegotiateInitiator(rw io.ReadWriter, proposals []string) (string, error) {
	if len(proposals) == 0 {
		return "", ErrNoProposal
	}
	if len(proposals) > MaxProtocols {
		return "", ErrTooManyProtocols
	}

	if err := writeLine(rw, Header); err != nil {
		return "", err
	}
	r := varint.NewMessageReader(rw, 0)
	if err := expectHeader(r); err != nil {
		return "", err
	}

	var lastProposed string
	attempts := 0
	for _, proposal := range proposals {
		lastProposed = proposal
		attempts++
		if attempts > MaxAttempts {
			return "", ErrTooManyAttempts
		}
		if err := writeLine(rw, withNewline(proposal)); err != nil {
			return "", err
		}
		reply, err := readLine(r)
		if err != nil {
			return "", err
		}
		switch trimNewline(reply) {
		case trimNewline(proposal):
			return proposal, nil
		case "na":
			continue
		default:
			// A responder that replies with something other than "na" or
			// the proposed protocol is protocol-incompatible; treat it the
			// same as an explicit rejection of this proposal.
			continue
		}
	}
	return "", &ProtocolNegotiationFailed{LastProposed: lastProposed}
}

// NegotiateResponder answers each proposal against offered and returns the
// first offered name the peer proposes. It reads the initiator's header
// before writing its own, so the exchange also completes over an
// unbuffered, synchronous pipe.
func NegotiateResponder(rw io.ReadWriter, offered []string) (string, error) {
	if len(offered) > MaxProtocols {
		return "", ErrTooManyProtocols
	}
	offeredSet := make(map[string]struct{}, len(offered))
	for _, p := range offered {
		offeredSet[p] = struct{}{}
	}

	r := varint.NewMessageReader(rw, 0)
	if err := expectHeader(r); err != nil {
		return "", err
	}
	if err := writeLine(rw, Header); err != nil {
		return "", err
	}

	attempts := 0
	for {
		attempts++
		if attempts > MaxAttempts {
			return "", ErrTooManyAttempts
		}
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		proposed := trimNewline(line)
		if proposed == "ls" {
			if err := writeLine(rw, NotAvailable); err != nil {
				return "", err
			}
			continue
		}
		if _, ok := offeredSet[proposed]; ok {
			if err := writeLine(rw, withNewline(proposed)); err != nil {
				return "", err
			}
			return proposed, nil
		}
		if err := writeLine(rw, NotAvailable); err != nil {
			return "", err
		}
	}
}

func expectHeader(r *varint.MessageReader) error {
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("msmux: reading header: %w", err)
	}
	if line != Header {
		return fmt.Errorf("msmux: unexpected header %q", line)
	}
	return nil
}
