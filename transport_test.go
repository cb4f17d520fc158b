package miio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUDPTransport_SendReceiveLoopback(t *testing.T) {
	a := NewUDPTransport("127.0.0.1:0", nil)
	b := NewUDPTransport("127.0.0.1:0", nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.EnsureReady())
	require.NoError(t, b.EnsureReady())

	received := make(chan []byte, 1)
	unsubscribe := b.Subscribe(func(data []byte, remote *net.UDPAddr) {
		received <- data
	})
	defer unsubscribe()

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, a.Send([]byte("hello"), bAddr))

	select {
	case data := <-received:
		require.Equal(t, []byte("hello"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPTransport_EnsureReadyIdempotent(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0", nil)
	defer tr.Close()

	require.NoError(t, tr.EnsureReady())
	first := tr.conn
	require.NoError(t, tr.EnsureReady())
	require.Same(t, first, tr.conn)
}

func TestUDPTransport_UnsubscribeStopsDelivery(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0", nil)
	defer tr.Close()
	require.NoError(t, tr.EnsureReady())

	calls := make(chan struct{}, 1)
	unsubscribe := tr.Subscribe(func(data []byte, remote *net.UDPAddr) { calls <- struct{}{} })
	unsubscribe()

	self := tr.conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, tr.Send([]byte("x"), self))

	select {
	case <-calls:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUDPTransport_SendAfterCloseFails(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, tr.EnsureReady())
	addr := tr.conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, tr.Close())

	err := tr.Send([]byte("x"), addr)
	require.ErrorIs(t, err, ErrSessionClosed)
}
