package client

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (*TCPClient, *TCPClient) {
	t.Helper()
	a, b := net.Pipe()
	ca := newTCPClient(a, testConfig())
	cb := newTCPClient(b, testConfig())
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestTCPFramedRoundTrip(t *testing.T) {
	ca, cb := tcpPair(t)

	require.NoError(t, ca.Send([]byte("framed message")))
	got, err := cb.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("framed message"), got)

	require.NoError(t, cb.Send([]byte("reply")))
	got, err = ca.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got)
}

func TestTCPOrdering(t *testing.T) {
	ca, cb := tcpPair(t)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = ca.Send([]byte{byte(i)})
		}
	}()
	for i := 0; i < n; i++ {
		got, err := cb.RecvTimeout(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
}

func TestTCPOversizedFrameIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	cb := newTCPClient(b, testConfig())
	defer cb.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxPayload+1)
	go func() {
		_, _ = a.Write(lenBuf[:])
	}()

	_, err := cb.RecvTimeout(2 * time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestTCPZeroLengthFrameIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	cb := newTCPClient(b, testConfig())
	defer cb.Close()

	go func() {
		_, _ = a.Write([]byte{0, 0, 0, 0})
	}()

	_, err := cb.RecvTimeout(2 * time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestTCPPeerCloseSurfacesClosed(t *testing.T) {
	a, b := net.Pipe()
	cb := newTCPClient(b, testConfig())
	defer cb.Close()

	require.NoError(t, a.Close())
	_, err := cb.RecvTimeout(2 * time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrIO))
}

func TestSimultaneousOpenOnLoopback(t *testing.T) {
	cfg := testConfig()

	w1, err := NewTCPWaiting(0)
	require.NoError(t, err)
	w2, err := NewTCPWaiting(0)
	require.NoError(t, err)

	peer1 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: w1.Port()}
	peer2 := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: w2.Port()}
	at := time.Now().Add(100 * time.Millisecond)

	type res struct {
		c   *TCPClient
		err error
	}
	ch := make(chan res, 2)
	go func() {
		c, err := w1.ConnectAt(context.Background(), peer2, at, cfg)
		ch <- res{c, err}
	}()
	go func() {
		c, err := w2.ConnectAt(context.Background(), peer1, at, cfg)
		ch <- res{c, err}
	}()

	r1 := <-ch
	r2 := <-ch
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	defer r1.c.Close()
	defer r2.c.Close()

	require.NoError(t, r1.c.Send([]byte("over tcp")))
	got, err := r2.c.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("over tcp"), got)
}
