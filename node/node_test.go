package node

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
	"github.com/quorumkit/meshwire/yamux"
)

type echoService struct{ invoked chan struct{} }

func (s *echoService) ProtocolIDs() []string { return []string{"/echo/1.0.0"} }

func (s *echoService) HandleStream(ctx context.Context, protocolID string, stream yamux.MuxedStream, remote peer.ID) {
	defer close(s.invoked)
	buf := make([]byte, 3)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return
	}
	stream.Write(buf)
	stream.Close()
}

type observer struct {
	mu        sync.Mutex
	connected []peer.ID
}

func (o *observer) OnPeerConnected(p peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, p)
}

func (o *observer) OnPeerDisconnected(peer.ID, pool.DisconnectReason) {}

func newTestNode(t *testing.T, hub *transport.MemoryHub, kp peer.KeyPair) *Node {
	t.Helper()
	tr := transport.NewMemoryTransport(hub)
	n, err := New(Config{
		Local:          kp,
		Transports:     transport.NewRegistry(tr),
		SecurityStack:  []security.Upgrader{security.PlaintextUpgrader{}},
		MuxerProtocols: []string{yamux.ProtocolID},
		MuxerConfig:    yamux.DefaultConfig(),
		Gater:          gater.AllowAll{},
		Pool:           pool.Config{HighWatermark: 100, LowWatermark: 50},
		PeerStoreSize:  64,
		EventBuffer:    32,
	})
	require.NoError(t, err)
	return n
}

func TestNodeStartConnectStreamShutdown(t *testing.T) {
	hub := transport.NewMemoryHub()
	serverKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	clientKP, err := peer.GenerateEd25519()
	require.NoError(t, err)

	server := newTestNode(t, hub, serverKP)
	svc := &echoService{invoked: make(chan struct{})}
	server.RegisterService(svc)
	obs := &observer{}
	server.RegisterObserver(obs)

	addr, err := multiaddr.Parse("/memory/node-test")
	require.NoError(t, err)
	server.cfg.ListenAddrs = []multiaddr.Multiaddr{addr}
	require.NoError(t, server.Start(context.Background()))
	defer server.Shutdown()

	client := newTestNode(t, hub, clientKP)
	require.NoError(t, client.Start(context.Background()))
	defer client.Shutdown()

	events, unsubscribe := client.Events()
	defer unsubscribe()

	mc, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)

	st, err := client.NewStream(context.Background(), mc.Peer, "/echo/1.0.0")
	require.NoError(t, err)
	_, err = st.Write([]byte{0x09, 0x08, 0x07})
	require.NoError(t, err)
	out := make([]byte, 3)
	_, err = io.ReadFull(st, out)
	require.NoError(t, err)
	require.Equal(t, []byte{0x09, 0x08, 0x07}, out)

	select {
	case <-svc.invoked:
	case <-time.After(time.Second):
		t.Fatal("service handler never ran")
	}

	select {
	case ev := <-events:
		require.Equal(t, EventPeerConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("client never observed a PeerConnected event")
	}

	obs.mu.Lock()
	require.Len(t, obs.connected, 1)
	obs.mu.Unlock()
}

func TestNotConnectedNewStreamFails(t *testing.T) {
	hub := transport.NewMemoryHub()
	kp, err := peer.GenerateEd25519()
	require.NoError(t, err)
	n := newTestNode(t, hub, kp)
	require.NoError(t, n.Start(context.Background()))
	defer n.Shutdown()

	_, err = n.NewStream(context.Background(), peer.ID("nobody"), "/x/1.0.0")
	require.ErrorIs(t, err, ErrNotConnected)
}
