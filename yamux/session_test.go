package yamux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pairedSessions(t *testing.T, cfg Config) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	client := NewSession(a, cfg, true)
	server := NewSession(b, cfg, false)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestStreamEchoRoundTrip(t *testing.T) {
	client, server := pairedSessions(t, DefaultConfig())

	serverDone := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream()
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(st, buf); err != nil {
			serverDone <- err
			return
		}
		if _, err := st.Write(buf); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	st, err := client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.NoError(t, <-serverDone)
}

// TestFlowControlBlocksUntilWindowUpdate reproduces spec.md §8 scenario S3:
// a sender that exhausts the initial window blocks until the receiver
// drains enough to trigger a WINDOW_UPDATE.
func TestFlowControlBlocksUntilWindowUpdate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialWindow = 64 * 1024
	cfg.MaxFrameSize = 16 * 1024
	client, server := pairedSessions(t, cfg)

	accepted := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		require.NoError(t, err)
		accepted <- st
	}()

	st, err := client.OpenStream()
	require.NoError(t, err)

	big := make([]byte, int(cfg.InitialWindow)+1024)
	writeDone := make(chan error, 1)
	go func() {
		_, err := st.Write(big)
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		t.Fatalf("write should have blocked on exhausted window, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	srvStream := <-accepted
	readBuf := make([]byte, len(big))
	_, err = io.ReadFull(srvStream, readBuf)
	require.NoError(t, err)

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never unblocked after window credit was returned")
	}
	require.Equal(t, big, readBuf)
}

func TestHalfCloseThenFullClose(t *testing.T) {
	client, server := pairedSessions(t, DefaultConfig())

	srvCh := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		require.NoError(t, err)
		srvCh <- st
	}()

	st, err := client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())

	srv := <-srvCh
	buf := make([]byte, 1)
	_, err = io.ReadFull(srv, buf)
	require.NoError(t, err)
	_, err = srv.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, srv.CloseWrite())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateClosed, st.State())
}

func TestResetPropagates(t *testing.T) {
	client, server := pairedSessions(t, DefaultConfig())

	srvCh := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		require.NoError(t, err)
		srvCh <- st
	}()

	st, err := client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("x"))
	require.NoError(t, err)
	srv := <-srvCh
	buf := make([]byte, 1)
	_, err = io.ReadFull(srv, buf)
	require.NoError(t, err)

	require.NoError(t, st.Reset())
	time.Sleep(20 * time.Millisecond)
	_, err = srv.Read(buf)
	require.ErrorIs(t, err, ErrStreamReset)
}

func TestGoAwayRejectsNewStreamsButDrainsExisting(t *testing.T) {
	client, server := pairedSessions(t, DefaultConfig())

	srvCh := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		require.NoError(t, err)
		srvCh <- st
	}()

	st, err := client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("keepalive-data"))
	require.NoError(t, err)
	srv := <-srvCh

	require.NoError(t, server.GoAway(GoAwayNormal))
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, len("keepalive-data"))
	_, err = io.ReadFull(srv, buf)
	require.NoError(t, err)
	require.Equal(t, "keepalive-data", string(buf))
}

func TestMaxConcurrentStreamsEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentStreams = 2
	client, _ := pairedSessions(t, cfg)

	_, err := client.OpenStream()
	require.NoError(t, err)
	_, err = client.OpenStream()
	require.NoError(t, err)
	_, err = client.OpenStream()
	require.ErrorIs(t, err, ErrMaxStreamsExceeded)
}

func TestPingRoundTrip(t *testing.T) {
	client, _ := pairedSessions(t, DefaultConfig())
	rtt, err := client.Ping(time.Second)
	require.NoError(t, err)
	require.True(t, rtt >= 0)
}

func TestAbruptShutdownFailsPendingStreams(t *testing.T) {
	cfg := DefaultConfig()
	client, server := pairedSessions(t, cfg)

	st, err := client.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)

	server.Close()
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, 1)
	_, err = st.Write(buf)
	require.Error(t, err)
}
