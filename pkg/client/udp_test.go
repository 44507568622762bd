package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.PunchTimeout = 5 * time.Second
	cfg.RetransmitInterval = 50 * time.Millisecond
	cfg.SendBudget = 2 * time.Second
	return cfg
}

func loopback(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// udpPair punches two waiting clients into each other over loopback.
func udpPair(t *testing.T) (*UDPClient, *UDPClient) {
	t.Helper()
	cfg := testConfig()

	w1, err := NewWaiting(0)
	require.NoError(t, err)
	w2, err := NewWaiting(0)
	require.NoError(t, err)

	p1, p2 := w1.Port(), w2.Port()

	var c2 *UDPClient
	var err2 error
	done := make(chan struct{})
	go func() {
		defer close(done)
		c2, err2 = w2.Connect(context.Background(), loopback(p1), cfg)
	}()

	c1, err1 := w1.Connect(context.Background(), loopback(p2), cfg)
	<-done
	require.NoError(t, err1)
	require.NoError(t, err2)

	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return c1, c2
}

func TestPunchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PunchTimeout = 300 * time.Millisecond

	w, err := NewWaiting(0)
	require.NoError(t, err)

	// nobody is answering on this port
	dead, err := NewWaiting(0)
	require.NoError(t, err)
	deadPort := dead.Port()
	require.NoError(t, dead.Close())

	start := time.Now()
	_, err = w.Connect(context.Background(), loopback(deadPort), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPunchCancelled(t *testing.T) {
	cfg := testConfig()
	w, err := NewWaiting(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Connect(ctx, loopback(1), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestStopAndWaitRoundTrip(t *testing.T) {
	c1, c2 := udpPair(t)

	require.NoError(t, c1.Send([]byte("from c1")))
	require.NoError(t, c2.Send([]byte("from c2")))

	got, err := c2.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("from c1"), got)

	got, err = c1.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("from c2"), got)
}

func TestStopAndWaitOrdering(t *testing.T) {
	c1, c2 := udpPair(t)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			_ = c1.Send([]byte{byte(i)})
		}
	}()

	for i := 0; i < n; i++ {
		got, err := c2.RecvTimeout(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got, "message %d out of order", i)
	}
}

func TestSplitHalvesAreStable(t *testing.T) {
	c1, c2 := udpPair(t)

	s1, r1 := c1.Split()
	s1b, r1b := c1.Split()
	assert.Equal(t, s1, s1b)
	assert.Equal(t, r1, r1b)

	s2, r2 := c2.Split()
	require.NoError(t, s1.Send([]byte("ping")))
	got, err := r2.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, s2.Send([]byte("pong")))
	got, err = r1.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestRecvTimeout(t *testing.T) {
	c1, _ := udpPair(t)
	_, err := c1.RecvTimeout(100 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestCloseUnblocksPeerRecv(t *testing.T) {
	c1, c2 := udpPair(t)

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

func TestSendAfterCloseFails(t *testing.T) {
	c1, _ := udpPair(t)
	require.NoError(t, c1.Close())
	err := c1.Send([]byte("late"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	c1, _ := udpPair(t)
	err := c1.Send(make([]byte, MaxPayload+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestMessagesSurviveRetransmission(t *testing.T) {
	c1, c2 := udpPair(t)

	// large enough payloads to make a few round trips
	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("payload-%d", i))
		require.NoError(t, c1.Send(msg))
		got, err := c2.RecvTimeout(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}
