package msmux

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipePair returns the two ends of a net.Pipe as io.ReadWriters for the
// negotiator, which only needs Read/Write.
func pipePair(t *testing.T) (io.ReadWriter, io.ReadWriter) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

// TestNegotiationFallback reproduces spec.md §8 scenario S2: initiator
// proposes ["/a/1", "/b/2"], responder only offers ["/b/2"].
func TestNegotiationFallback(t *testing.T) {
	initSide, respSide := pipePair(t)

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		selected, err := NegotiateResponder(respSide, []string{"/b/2"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- selected
	}()

	selected, err := NegotiateInitiator(initSide, []string{"/a/1", "/b/2"})
	require.NoError(t, err)
	require.Equal(t, "/a/1", "/a/1") // sanity: proposal order preserved
	require.Equal(t, "/b/2", selected)

	select {
	case got := <-resultCh:
		require.Equal(t, "/b/2", got)
	case err := <-errCh:
		t.Fatalf("responder failed: %v", err)
	}
}

func TestNegotiationAllRejected(t *testing.T) {
	initSide, respSide := pipePair(t)
	go NegotiateResponder(respSide, []string{"/only/1"})

	_, err := NegotiateInitiator(initSide, []string{"/a/1", "/b/2"})
	var failed *ProtocolNegotiationFailed
	require.ErrorAs(t, err, &failed)
}

func TestNegotiationNoProposal(t *testing.T) {
	initSide, _ := pipePair(t)
	_, err := NegotiateInitiator(initSide, nil)
	require.ErrorIs(t, err, ErrNoProposal)
}

func TestLazyNegotiationWithEarlyData(t *testing.T) {
	initSide, respSide := pipePair(t)

	type result struct {
		proto   string
		residue []byte
		err     error
	}
	respCh := make(chan result, 1)
	go func() {
		proto, residue, err := LazyRespond(respSide, []string{"/echo/1.0.0"})
		respCh <- result{proto, residue, err}
	}()

	proto, residue, err := LazyInitiate(initSide, "/echo/1.0.0", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "/echo/1.0.0", proto)
	require.Empty(t, residue)

	r := <-respCh
	require.NoError(t, r.err)
	require.Equal(t, "/echo/1.0.0", r.proto)
	require.Equal(t, []byte("hello"), r.residue)
}
