package transport

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumkit/meshwire/multiaddr"
)

func TestMemoryTransportEcho(t *testing.T) {
	hub := NewMemoryHub()
	srvTransport := NewMemoryTransport(hub)
	addr, err := multiaddr.Parse("/memory/s1")
	require.NoError(t, err)

	l, err := srvTransport.Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		require.NoError(t, err)
		buf := make([]byte, 3)
		io.ReadFull(c, buf)
		c.Write(buf)
	}()

	clientTransport := NewMemoryTransport(hub)
	conn, err := clientTransport.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, buf)
}

func TestMemoryTransportDialCountUnderConcurrency(t *testing.T) {
	hub := NewMemoryHub()
	srvTransport := NewMemoryTransport(hub)
	addr, err := multiaddr.Parse("/memory/srv")
	require.NoError(t, err)
	l, err := srvTransport.Listen(addr)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go c.Close()
		}
	}()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ct := NewMemoryTransport(hub)
			c, err := ct.Dial(context.Background(), addr)
			require.NoError(t, err)
			c.Close()
		}()
	}
	wg.Wait()
	require.EqualValues(t, n, hub.DialCount())
}

func TestMemoryTransportDialUnknownFails(t *testing.T) {
	hub := NewMemoryHub()
	ct := NewMemoryTransport(hub)
	addr, _ := multiaddr.Parse("/memory/nobody")
	_, err := ct.Dial(context.Background(), addr)
	require.Error(t, err)
}
