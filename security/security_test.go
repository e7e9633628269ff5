package security

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumkit/meshwire/peer"
)

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	kpA, err := peer.GenerateEd25519()
	require.NoError(t, err)
	kpB, err := peer.GenerateEd25519()
	require.NoError(t, err)

	type outcome struct {
		sc  SecuredConn
		mux string
		err error
	}
	respCh := make(chan outcome, 1)
	go func() {
		sc, mux, err := HandshakeUpgrader{}.Secure(context.Background(), b, kpB, Responder, "", []string{"/yamux/1.0.0"})
		respCh <- outcome{sc, mux, err}
	}()

	idB, err := kpB.ID()
	require.NoError(t, err)
	sc, mux, err := HandshakeUpgrader{}.Secure(context.Background(), a, kpA, Initiator, idB, []string{"/yamux/1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "/yamux/1.0.0", mux)

	idA, err := kpA.ID()
	require.NoError(t, err)
	require.Equal(t, idA, sc.LocalPeer())
	require.Equal(t, idB, sc.RemotePeer())

	r := <-respCh
	require.NoError(t, r.err)
	require.Equal(t, idB, r.sc.LocalPeer())
	require.Equal(t, idA, r.sc.RemotePeer())

	msg := []byte("hello over secure channel")
	go sc.Write(msg)
	buf := make([]byte, len(msg))
	n, err := r.sc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestPeerIDMismatchRejected(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	kpA, err := peer.GenerateEd25519()
	require.NoError(t, err)
	kpB, err := peer.GenerateEd25519()
	require.NoError(t, err)
	wrongID, err := peer.GenerateEd25519()
	require.NoError(t, err)
	wrongPeerID, err := wrongID.ID()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := HandshakeUpgrader{}.Secure(context.Background(), b, kpB, Responder, "", nil)
		errCh <- err
	}()

	_, _, err = HandshakeUpgrader{}.Secure(context.Background(), a, kpA, Initiator, wrongPeerID, nil)
	require.ErrorIs(t, err, ErrPeerIDMismatch)
	<-errCh
}

// TestSmallOrderKeyRejected reproduces spec.md §8 scenario S5: an all-zero
// remote X25519 key must abort the handshake with ErrInvalidKey.
func TestSmallOrderKeyRejected(t *testing.T) {
	var zero [32]byte
	var sk [32]byte
	_, err := deriveSeqCipher(sk, zero)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestHandshakeContextCancellation(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	kpA, err := peer.GenerateEd25519()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// b never responds, so the handshake should time out via ctx, not hang.
	_, _, err = HandshakeUpgrader{}.Secure(ctx, a, kpA, Initiator, "", nil)
	require.Error(t, err)
}
