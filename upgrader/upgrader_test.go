package upgrader

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumkit/meshwire/multiaddr"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/security"
	"github.com/quorumkit/meshwire/transport"
	"github.com/quorumkit/meshwire/yamux"
)

func TestUpgradePipelineEndToEnd(t *testing.T) {
	hub := transport.NewMemoryHub()
	srvTransport := transport.NewMemoryTransport(hub)
	addr, err := multiaddr.Parse("/memory/upgrader-test")
	require.NoError(t, err)
	l, err := srvTransport.Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	clientKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	serverKP, err := peer.GenerateEd25519()
	require.NoError(t, err)
	serverID, err := serverKP.ID()
	require.NoError(t, err)

	clientUpgrader := New(Config{
		Local:          clientKP,
		SecurityStack:  []security.Upgrader{security.PlaintextUpgrader{}},
		MuxerProtocols: []string{yamux.ProtocolID},
		MuxerConfig:    yamux.DefaultConfig(),
	})
	serverUpgrader := New(Config{
		Local:          serverKP,
		SecurityStack:  []security.Upgrader{security.PlaintextUpgrader{}},
		MuxerProtocols: []string{yamux.ProtocolID},
		MuxerConfig:    yamux.DefaultConfig(),
	})

	type serverResult struct {
		res *Result
		err error
	}
	resultCh := make(chan serverResult, 1)
	go func() {
		raw, err := l.Accept()
		if err != nil {
			resultCh <- serverResult{nil, err}
			return
		}
		res, err := serverUpgrader.UpgradeInbound(context.Background(), raw)
		resultCh <- serverResult{res, err}
	}()

	clientTransport := transport.NewMemoryTransport(hub)
	rawConn, err := clientTransport.Dial(context.Background(), addr)
	require.NoError(t, err)

	clientRes, err := clientUpgrader.UpgradeOutbound(context.Background(), rawConn, serverID)
	require.NoError(t, err)
	require.Equal(t, yamux.ProtocolID, clientRes.MuxerProto)
	require.Equal(t, serverID, clientRes.RemotePeer)

	sr := <-resultCh
	require.NoError(t, sr.err)
	require.Equal(t, yamux.ProtocolID, sr.res.MuxerProto)

	serverDone := make(chan error, 1)
	go func() {
		st, err := sr.res.Connection.AcceptStream()
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 3)
		if _, err := io.ReadFull(st, buf); err != nil {
			serverDone <- err
			return
		}
		_, err = st.Write(buf)
		serverDone <- err
	}()

	st, err := clientRes.Connection.OpenStream()
	require.NoError(t, err)
	_, err = st.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(st, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, buf)
	require.NoError(t, <-serverDone)
}
