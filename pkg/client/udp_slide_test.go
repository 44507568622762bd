package client

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slidePair wires two sliding-window clients directly over loopback; the
// punch already happened in real usage, so the sockets just point at each
// other.
func slidePair(t *testing.T, cfg Config) (*SlideClient, *SlideClient) {
	t.Helper()

	conn1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	conn2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	addr1 := conn1.LocalAddr().(*net.UDPAddr)
	addr2 := conn2.LocalAddr().(*net.UDPAddr)

	c1 := NewSlide(conn1, addr2, cfg)
	c2 := NewSlide(conn2, addr1, cfg)
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1, c2
}

func TestSlideOrdering(t *testing.T) {
	c1, c2 := slidePair(t, testConfig())

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			_ = c1.Send([]byte(fmt.Sprintf("msg-%04d", i)))
		}
	}()

	for i := 0; i < n; i++ {
		got, err := c2.RecvTimeout(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg-%04d", i), string(got), "message %d out of order", i)
	}
}

func TestSlideBidirectional(t *testing.T) {
	c1, c2 := slidePair(t, testConfig())

	require.NoError(t, c1.Send([]byte("one way")))
	require.NoError(t, c2.Send([]byte("other way")))

	got, err := c2.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("one way"), got)

	got, err = c1.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("other way"), got)
}

func TestSlideWindowBlocksWithoutAcks(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 4

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	// the peer does not exist, so nothing ever gets acked
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	peer := silent.LocalAddr().(*net.UDPAddr)
	require.NoError(t, silent.Close())

	c := NewSlide(conn, peer, cfg)
	defer c.Close()

	for i := 0; i < cfg.Window; i++ {
		require.NoError(t, c.SendTimeout([]byte{byte(i)}, time.Second))
	}
	err = c.SendTimeout([]byte{0xff}, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestSlideLargePayloads(t *testing.T) {
	c1, c2 := slidePair(t, testConfig())

	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, c1.Send(payload))

	got, err := c2.RecvTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSlideCloseReachesPeer(t *testing.T) {
	c1, c2 := slidePair(t, testConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := c2.RecvTimeout(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c1.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("peer recv did not unblock after close")
	}
}
