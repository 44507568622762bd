package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// reusePort lets the simultaneous open bind the same local port for the
// listener and the outbound dial.
func reusePort(network, address string, c syscall.RawConn) error {
	var err error
	cerr := c.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// TCPWaiting is a listening TCP socket prepared for a simultaneous open.
type TCPWaiting struct {
	listener net.Listener
	port     int
}

// NewTCPWaiting binds a listener on the given port (0 picks a random one).
func NewTCPWaiting(port int) (*TCPWaiting, error) {
	lc := net.ListenConfig{Control: reusePort}
	l, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errf(KindIO, "tcp listen", err)
	}
	return &TCPWaiting{listener: l, port: l.Addr().(*net.TCPAddr).Port}, nil
}

// Port returns the bound local port, exchanged with the peer before the open.
func (w *TCPWaiting) Port() int { return w.port }

// Close abandons the upgrade attempt.
func (w *TCPWaiting) Close() error { return w.listener.Close() }

// ConnectAt performs the simultaneous open: it sleeps until the agreed
// instant, then dials the peer from the listening port while accepting
// inbound connections. Either direction succeeding within UpgradeWindow
// yields the client; both failing is a Timeout and UDP stays active.
func (w *TCPWaiting) ConnectAt(ctx context.Context, peer *net.TCPAddr, at time.Time, cfg Config) (*TCPClient, error) {
	if d := time.Until(at); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			w.Close()
			return nil, errf(KindCancelled, "tcp open", ctx.Err())
		}
	}

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 2)

	go func() {
		dialer := net.Dialer{
			Timeout:   cfg.UpgradeWindow,
			LocalAddr: &net.TCPAddr{Port: w.port},
			Control:   reusePort,
		}
		conn, err := dialer.DialContext(ctx, "tcp", peer.String())
		results <- result{conn, err}
	}()
	go func() {
		if tl, ok := w.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(cfg.UpgradeWindow))
		}
		conn, err := w.listener.Accept()
		results <- result{conn, err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			// winner takes the connection; the loser is reaped in the background
			go func(remaining int) {
				for j := 0; j < remaining; j++ {
					if lr := <-results; lr.err == nil {
						_ = lr.conn.Close()
					}
				}
			}(1 - i)
			_ = w.listener.Close()
			slog.Info("tcp simultaneous open succeeded", "peer", peer.String())
			return newTCPClient(r.conn, cfg), nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	_ = w.listener.Close()
	return nil, errf(KindTimeout, "tcp open", firstErr)
}

// TCPClient is the framed reliable stream transport: each message is
// preceded by its 32-bit big-endian length.
type TCPClient struct {
	conn net.Conn
	cfg  Config

	writeMu sync.Mutex
	inbox   chan []byte

	stop      chan struct{}
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeKind atomic.Int32

	h halves
}

func newTCPClient(conn net.Conn, cfg Config) *TCPClient {
	c := &TCPClient{
		conn:   conn,
		cfg:    cfg,
		inbox:  make(chan []byte, cfg.RecvBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.closeKind.Store(int32(KindClosed))
	go c.reader()
	return c
}

// reader pulls length-prefixed frames off the stream. Ordering is TCP's.
func (c *TCPClient) reader() {
	defer close(c.done)
	var lenBuf [4]byte
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			c.markDead(readErrKind(err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > MaxPayload {
			slog.Error("oversized tcp frame", "length", n)
			c.markDead(KindProtocol)
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(c.conn, msg); err != nil {
			c.markDead(readErrKind(err))
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.stop:
			return
		}
	}
}

func readErrKind(err error) Kind {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return KindClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return KindTimeout
	}
	return KindIO
}

// Send frames and writes p. TCP acknowledges for us.
func (c *TCPClient) Send(p []byte) error {
	return c.SendTimeout(p, c.cfg.SendBudget)
}

// SendTimeout is Send with an explicit write deadline.
func (c *TCPClient) SendTimeout(p []byte, d time.Duration) error {
	if len(p) > MaxPayload {
		return errf(KindProtocol, "send", errPayloadTooLarge)
	}
	select {
	case <-c.closed:
		return errf(Kind(c.closeKind.Load()), "send", nil)
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// a write interrupted by Close surfaces as Cancelled
	writeErr := func(err error) error {
		select {
		case <-c.closed:
			return errf(KindCancelled, "send", err)
		default:
			return errf(KindIO, "send", err)
		}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return writeErr(err)
	}
	if _, err := c.conn.Write(p); err != nil {
		return writeErr(err)
	}
	return nil
}

// Recv yields the next frame.
func (c *TCPClient) Recv() ([]byte, error) {
	return c.recv(nil)
}

// RecvTimeout is Recv with a deadline.
func (c *TCPClient) RecvTimeout(d time.Duration) ([]byte, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return c.recv(timer.C)
}

func (c *TCPClient) recv(timeout <-chan time.Time) ([]byte, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-timeout:
		return nil, errf(KindTimeout, "recv", nil)
	case <-c.closed:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
			return nil, errf(Kind(c.closeKind.Load()), "recv", nil)
		}
	}
}

// Split hands out the two capability halves.
func (c *TCPClient) Split() (Sender, Receiver) {
	return c.h.get(c)
}

func (c *TCPClient) markDead(k Kind) {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(k))
		close(c.closed)
		go func() {
			close(c.stop)
			_ = c.conn.Close()
			<-c.done
		}()
	})
}

// Close terminates the stream. The reader is awaited outside the Once, since
// a reader failing on the closed conn enters markDead and the same Once.
func (c *TCPClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.stop)
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}
