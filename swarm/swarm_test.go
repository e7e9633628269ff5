package swarm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumkit/meshwire/gater"
	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/pool"
	"github.com/quorumkit/meshwire/security"
	"github.com/quorumkit/meshwire/transport"
	"github.com/quorumkit/meshwire/upgrader"
	"github.com/quorumkit/meshwire/yamux"
)

func newTestSwarm(t *testing.T, hub *transport.MemoryHub, kp peer.KeyPair, onEvent func(Event)) *Swarm {
	t.Helper()
	tr := transport.NewMemoryTransport(hub)
	up := upgrader.New(upgrader.Config{
		Local:          kp,
		SecurityStack:  []security.Upgrader{security.PlaintextUpgrader{}},
		MuxerProtocols: []string{yamux.ProtocolID},
		MuxerConfig:    yamux.DefaultConfig(),
	})
	p := pool.New(pool.Config{HighWatermark: 100, LowWatermark: 50})
	return New(Config{
		Local:      kp,
		Transports: transport.NewRegistry(tr),
		Upgrader:   up,
		Gater:      gater.AllowAll{},
		Pool:       p,
		OnEvent:    onEvent,
	})
}

// TestEchoOverMemoryTransport reproduces spec.md §8 scenario S1.
func TestEchoOverMemoryTransport(t *testing.T) {
	hub := transport.NewMemoryHub()
	serverKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	clientKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	clientID, err := clientKP.ID()
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Event
	recordEvent := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	handlerInvoked := make(chan struct{})
	server := newTestSwarm(t, hub, serverKP, recordEvent)
	server.Handle("/echo/1.0.0", func(ctx context.Context, protocolID string, stream yamux.MuxedStream, remote peer.ID) {
		defer close(handlerInvoked)
		require.Equal(t, clientID, remote)
		buf := make([]byte, 3)
		_, err := io.ReadFull(stream, buf)
		require.NoError(t, err)
		_, err = stream.Write(buf)
		require.NoError(t, err)
		stream.Close()
	})

	addr := mustAddr(t, "/memory/s1")
	_, err = server.Listen(addr)
	require.NoError(t, err)
	defer server.Close()

	client := newTestSwarm(t, hub, clientKP, nil)
	defer client.Close()

	mc, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)

	st, err := client.OpenStream(context.Background(), mc.Peer, "/echo/1.0.0")
	require.NoError(t, err)
	_, err = st.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	out := make([]byte, 3)
	_, err = io.ReadFull(st, out)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, out)

	select {
	case <-handlerInvoked:
	case <-time.After(time.Second):
		t.Fatal("server handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawPeerConnected bool
	for _, ev := range events {
		if ev.Kind == PeerConnected {
			sawPeerConnected = true
		}
	}
	require.True(t, sawPeerConnected, "server should emit PeerConnected for the client")
}

// TestDialJoinSettlesOnce reproduces spec.md §8 scenario S6: N concurrent
// connects to the same peer produce exactly one transport dial.
func TestDialJoinSettlesOnce(t *testing.T) {
	hub := transport.NewMemoryHub()
	serverKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	serverID, err := serverKP.ID()
	require.NoError(t, err)
	clientKP, err := peer.GenerateEd25519()
	require.NoError(t, err)

	server := newTestSwarm(t, hub, serverKP, nil)
	server.Handle("/noop/1.0.0", func(context.Context, string, yamux.MuxedStream, peer.ID) {})
	addrNoPeer := mustAddr(t, "/memory/s6")
	_, err = server.Listen(addrNoPeer)
	require.NoError(t, err)
	defer server.Close()

	addr := mustAddrWithPeer(t, "/memory/s6", serverID)

	client := newTestSwarm(t, hub, clientKP, nil)
	defer client.Close()

	const n = 50
	var wg sync.WaitGroup
	results := make([]peer.ID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mc, err := client.Connect(context.Background(), addr)
			errs[i] = err
			if err == nil {
				results[i] = mc.Peer
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, serverID, results[i])
	}
	require.Equal(t, int64(1), hub.DialCount())
	require.Equal(t, 1, client.cfg.Pool.CountByPeer(serverID))
}

func mustAddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	addr, err := multiaddr.Parse(s)
	require.NoError(t, err)
	return addr
}

func mustAddrWithPeer(t *testing.T, s string, p peer.ID) multiaddr.Multiaddr {
	t.Helper()
	return mustAddr(t, s+"/p2p/"+p.String())
}
