package transfer

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipp3923/rdrop/pkg/client"
	"github.com/philipp3923/rdrop/pkg/shard"
)

// memClient is an in-memory active client pair for orchestrator tests.
type memClient struct {
	out    chan<- []byte
	in     <-chan []byte
	closed chan struct{}
	once   sync.Once

	mu sync.Mutex
	s  client.Sender
	r  client.Receiver
}

func (c *memClient) Send(p []byte) error {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return &client.Error{Kind: client.KindClosed, Op: "send"}
	}
}

func (c *memClient) SendTimeout(p []byte, d time.Duration) error { return c.Send(p) }

func (c *memClient) Recv() ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, &client.Error{Kind: client.KindClosed, Op: "recv"}
	}
}

func (c *memClient) RecvTimeout(d time.Duration) ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-time.After(d):
		return nil, &client.Error{Kind: client.KindTimeout, Op: "recv"}
	case <-c.closed:
		return nil, &client.Error{Kind: client.KindClosed, Op: "recv"}
	}
}

type memSender struct{ c *memClient }
type memReceiver struct{ c *memClient }

func (s memSender) Send(p []byte) error                         { return s.c.Send(p) }
func (s memSender) SendTimeout(p []byte, d time.Duration) error { return s.c.SendTimeout(p, d) }
func (r memReceiver) Recv() ([]byte, error)                     { return r.c.Recv() }
func (r memReceiver) RecvTimeout(d time.Duration) ([]byte, error) {
	return r.c.RecvTimeout(d)
}

func (c *memClient) Split() (client.Sender, client.Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s == nil {
		c.s = memSender{c}
		c.r = memReceiver{c}
	}
	return c.s, c.r
}

func (c *memClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func memPair() (*memClient, *memClient) {
	a2b := make(chan []byte, 1024)
	b2a := make(chan []byte, 1024)
	a := &memClient{out: a2b, in: b2a, closed: make(chan struct{})}
	b := &memClient{out: b2a, in: a2b, closed: make(chan struct{})}
	return a, b
}

func testManagerConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Shard = shard.Config{ChunkSize: shard.MinChunkSize, BufferSize: shard.MinChunkSize}
	cfg.DownloadDir = dir
	return cfg
}

// managerPair attaches two orchestrators to the two ends of an in-memory
// connection.
func managerPair(t *testing.T, downloadDir string) (*Manager, *Manager) {
	t.Helper()
	ca, cb := memPair()

	ma, err := NewManager(testManagerConfig(downloadDir))
	require.NoError(t, err)
	mb, err := NewManager(testManagerConfig(downloadDir))
	require.NoError(t, err)

	ma.Attach(ca)
	mb.Attach(cb)
	t.Cleanup(func() {
		ma.Close()
		mb.Close()
	})
	return ma, mb
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	_, err := rand.New(rand.NewSource(7)).Read(content)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func findTransfer(m *Manager, state State) *Transfer {
	for _, tr := range m.Transfers() {
		if tr.State == state {
			cp := tr
			return &cp
		}
	}
	return nil
}

func TestOfferAcceptCompletes(t *testing.T) {
	dir := t.TempDir()
	ma, mb := managerPair(t, dir)

	srcPath, content := writeSource(t, int(shard.MinChunkSize)*3+17)
	require.NoError(t, ma.OfferFile(srcPath))

	// the offer propagates into a pending receiver record
	var hash string
	require.Eventually(t, func() bool {
		if tr := findTransfer(mb, StatePending); tr != nil {
			hash = tr.Hash
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	dstPath := filepath.Join(dir, "received.bin")
	require.NoError(t, mb.AcceptFile(hash, dstPath))

	require.Eventually(t, func() bool {
		tr := findTransfer(mb, StateCompleted)
		return tr != nil && tr.Percent == 100
	}, 5*time.Second, 10*time.Millisecond, "receiver never completed")

	require.Eventually(t, func() bool {
		return findTransfer(ma, StateCompleted) != nil
	}, 5*time.Second, 10*time.Millisecond, "sender never completed")

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// the receive log is gone after a verified completion
	_, err = os.Stat(shard.LogPath(dstPath))
	assert.True(t, os.IsNotExist(err))
}

func TestSingleChunkTransfer(t *testing.T) {
	dir := t.TempDir()
	ma, mb := managerPair(t, dir)

	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello, world!"), 0o644))
	require.NoError(t, ma.OfferFile(path))

	var hash string
	require.Eventually(t, func() bool {
		if tr := findTransfer(mb, StatePending); tr != nil {
			hash = tr.Hash
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, mb.AcceptFile(hash, ""))

	require.Eventually(t, func() bool {
		return findTransfer(mb, StateCompleted) != nil
	}, 5*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello, world!"), got)
}

func TestDenyDropsOfferAndStopsSender(t *testing.T) {
	dir := t.TempDir()
	ma, mb := managerPair(t, dir)

	srcPath, _ := writeSource(t, 128)
	require.NoError(t, ma.OfferFile(srcPath))

	var hash string
	require.Eventually(t, func() bool {
		if tr := findTransfer(mb, StatePending); tr != nil {
			hash = tr.Hash
			return true
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, mb.DenyFile(hash))
	assert.Empty(t, mb.Transfers())

	require.Eventually(t, func() bool {
		return findTransfer(ma, StateAborted) != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopFileAborts(t *testing.T) {
	dir := t.TempDir()
	ma, _ := managerPair(t, dir)

	srcPath, _ := writeSource(t, 256)
	require.NoError(t, ma.OfferFile(srcPath))

	tr := findTransfer(ma, StatePending)
	require.NotNil(t, tr)
	require.NoError(t, ma.StopFile(tr.Hash))
	assert.NotNil(t, findTransfer(ma, StateAborted))
}

func TestAcceptUnknownHashFails(t *testing.T) {
	dir := t.TempDir()
	_, mb := managerPair(t, dir)
	err := mb.AcceptFile("deadbeef", "")
	require.Error(t, err)
}

func TestConnectionEndAbortsAndEmitsDisconnected(t *testing.T) {
	dir := t.TempDir()
	ca, cb := memPair()
	ma, err := NewManager(testManagerConfig(dir))
	require.NoError(t, err)
	mb, err := NewManager(testManagerConfig(dir))
	require.NoError(t, err)
	ma.Attach(ca)
	mb.Attach(cb)
	defer mb.Close()

	srcPath, _ := writeSource(t, 128)
	require.NoError(t, ma.OfferFile(srcPath))
	require.NotNil(t, findTransfer(ma, StatePending))

	ma.Close()

	require.Eventually(t, func() bool {
		return len(ma.Transfers()) == 0
	}, 3*time.Second, 10*time.Millisecond, "records must be dropped when the connection ends")

	sawDisconnected := false
	deadline := time.After(time.Second)
	for !sawDisconnected {
		select {
		case ev := <-ma.Events():
			if ev.EventName() == "disconnected" {
				sawDisconnected = true
			}
		case <-deadline:
			t.Fatal("no disconnected event")
		}
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StatePending.CanTransitionTo(StateTransferring))
	assert.True(t, StateTransferring.CanTransitionTo(StateCompleted))
	assert.True(t, StateTransferring.CanTransitionTo(StateCorrupted))
	assert.False(t, StateCompleted.CanTransitionTo(StateTransferring))
	assert.False(t, StateAborted.CanTransitionTo(StateTransferring))
	assert.False(t, StatePending.CanTransitionTo(StateCompleted))

	for _, s := range []State{StateCompleted, StateAborted, StateCorrupted} {
		assert.True(t, s.IsTerminal())
	}
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateTransferring.IsTerminal())
}
