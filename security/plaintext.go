package security

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/varint"
)

// PlaintextProtocolID is "/plaintext/2.0.0", for testing only per spec.md §6.
const PlaintextProtocolID = "/plaintext/2.0.0"

// PlaintextUpgrader exchanges unencrypted public keys to derive peer
// identity, performing no confidentiality at all. It exists purely so tests
// and local development can exercise the rest of the pipeline without
// paying for a real handshake.
type PlaintextUpgrader struct{}

func (PlaintextUpgrader) ProtocolID() string { return PlaintextProtocolID }

func (PlaintextUpgrader) Secure(ctx context.Context, conn Conn, local peer.KeyPair, role Role, expectedRemotePeer peer.ID, offeredMuxers []string) (SecuredConn, string, error) {
	type result struct {
		sc  *plaintextConn
		mux string
		err error
	}
	done := make(chan result, 1)
	go func() {
		sc, mux, err := plaintextHandshake(conn, local, role, offeredMuxers)
		done <- result{sc, mux, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, "", r.err
		}
		if expectedRemotePeer != "" && expectedRemotePeer != r.sc.remote {
			return nil, "", ErrPeerIDMismatch
		}
		return r.sc, r.mux, nil
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, "", ctx.Err()
	}
}

func plaintextHandshake(conn Conn, local peer.KeyPair, role Role, offeredMuxers []string) (*plaintextConn, string, error) {
	localRaw, err := local.Public.Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("security: marshal local public key: %w", err)
	}

	muxerAdvert := strings.Join(offeredMuxers, ",")

	var writeErr, readErr error
	var remoteRaw []byte
	var remoteMuxers string
	doneWrite := make(chan struct{})
	go func() {
		defer close(doneWrite)
		writeErr = writeFramed(conn, localRaw)
		if writeErr != nil {
			return
		}
		writeErr = writeFramed(conn, []byte(muxerAdvert))
	}()
	remoteRaw, readErr = readFramed(conn)
	if readErr == nil {
		var advertBytes []byte
		advertBytes, readErr = readFramed(conn)
		remoteMuxers = string(advertBytes)
	}
	<-doneWrite
	if writeErr != nil {
		return nil, "", fmt.Errorf("security: plaintext write: %w", writeErr)
	}
	if readErr != nil {
		return nil, "", fmt.Errorf("security: plaintext read: %w", readErr)
	}

	remotePub, err := decodePublicKey(remoteRaw)
	if err != nil {
		return nil, "", err
	}
	remoteID, err := peer.IDFromPublicKey(remotePub)
	if err != nil {
		return nil, "", fmt.Errorf("security: derive remote peer id: %w", err)
	}
	localID, err := local.ID()
	if err != nil {
		return nil, "", fmt.Errorf("security: derive local peer id: %w", err)
	}

	selected := selectMuxer(role, offeredMuxers, splitMuxers(remoteMuxers))

	return &plaintextConn{
		Conn:   conn,
		local:  localID,
		remote: remoteID,
		muxer:  selected,
	}, selected, nil
}

func decodePublicKey(raw []byte) (peer.PublicKey, error) {
	return peer.NewEd25519PublicKey(raw)
}

func splitMuxers(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// selectMuxer picks the first mutually-offered muxer name, preferring the
// initiator's order, implementing the ALPN-style negotiation spec.md §4.3
// describes as optional.
func selectMuxer(role Role, ours, theirs []string) string {
	preferred, other := ours, theirs
	if role == Responder {
		preferred, other = theirs, ours
	}
	otherSet := make(map[string]struct{}, len(other))
	for _, m := range other {
		otherSet[m] = struct{}{}
	}
	for _, m := range preferred {
		if _, ok := otherSet[m]; ok {
			return m
		}
	}
	return ""
}

func writeFramed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > varint.DefaultMaxMessageSize {
		return nil, fmt.Errorf("security: plaintext frame too large (%d)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type plaintextConn struct {
	Conn
	local, remote peer.ID
	muxer         string
}

func (c *plaintextConn) LocalPeer() peer.ID  { return c.local }
func (c *plaintextConn) RemotePeer() peer.ID { return c.remote }
func (c *plaintextConn) EarlyMuxer() (string, bool) {
	return c.muxer, c.muxer != ""
}

var _ net.Conn = (*plaintextConn)(nil)
