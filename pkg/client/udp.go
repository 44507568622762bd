package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// receiveInterval is the poll granularity of the socket workers.
const receiveInterval = 50 * time.Millisecond

// WaitingClient is a bound UDP socket that has not punched through to a peer
// yet. It is the entry state of every connection.
type WaitingClient struct {
	conn *net.UDPConn
}

// NewWaiting binds a dual-stack UDP socket. Port 0 picks a random port.
func NewWaiting(port int) (*WaitingClient, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errf(KindIO, "bind", err)
	}
	return &WaitingClient{conn: conn}, nil
}

// Port returns the local port the socket is bound to.
func (w *WaitingClient) Port() int {
	return w.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the socket without connecting.
func (w *WaitingClient) Close() error {
	return w.conn.Close()
}

// Connect punches a hole to the peer: open probes go out every ProbeInterval
// until any datagram arrives from the peer address, or PunchTimeout expires.
// On success the socket is handed to a stop-and-wait client.
func (w *WaitingClient) Connect(ctx context.Context, peer *net.UDPAddr, cfg Config) (*UDPClient, error) {
	probe := encodeFrame(frameOpen, 0, nil)
	deadline := time.Now().Add(cfg.PunchTimeout)
	buf := make([]byte, MaxPayload+headerLen)

	for {
		if err := ctx.Err(); err != nil {
			return nil, errf(KindCancelled, "punch", err)
		}
		if time.Now().After(deadline) {
			return nil, errf(KindTimeout, "punch", nil)
		}
		if _, err := w.conn.WriteToUDP(probe, peer); err != nil {
			return nil, errf(KindIO, "punch", err)
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(cfg.ProbeInterval))
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, errf(KindIO, "punch", err)
		}
		if !udpAddrEqual(addr, peer) || n < 1 {
			continue
		}
		// The hole is open in both NATs. One more probe so the peer's own
		// punch loop terminates even if its first probes were eaten.
		_, _ = w.conn.WriteToUDP(probe, peer)
		slog.Info("hole punched", "peer", peer.String())
		return newUDPClient(w.conn, peer, cfg), nil
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// UDPClient is the reliable stop-and-wait discipline used for handshake
// traffic and keep-alives. One background worker owns all socket reads.
type UDPClient struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	cfg  Config

	sendMu   sync.Mutex
	nextSeq  uint32
	acks     chan uint32
	finAcks  chan struct{}
	lastSend atomic.Int64 // unix nanos of the last acked outgoing frame

	inbox chan []byte

	stop      chan struct{}
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeKind atomic.Int32
	handoff   bool

	h halves
}

func newUDPClient(conn *net.UDPConn, peer *net.UDPAddr, cfg Config) *UDPClient {
	c := &UDPClient{
		conn:    conn,
		peer:    peer,
		cfg:     cfg,
		nextSeq: 1,
		acks:    make(chan uint32, cfg.Window),
		finAcks: make(chan struct{}, 1),
		inbox:   make(chan []byte, cfg.RecvBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	c.closeKind.Store(int32(KindClosed))
	c.lastSend.Store(time.Now().UnixNano())
	go c.worker()
	go c.keepalive()
	return c
}

// worker receives datagrams, acknowledges data, and forwards payloads in
// order. Strict FIFO: only the expected sequence is delivered, the sender
// never runs ahead because it waits for each ACK.
func (c *UDPClient) worker() {
	defer close(c.done)
	expected := uint32(1)
	lastInbound := time.Now()
	buf := make([]byte, MaxPayload+headerLen)

	for {
		select {
		case <-c.stop:
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(receiveInterval))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(lastInbound) > c.cfg.IdleTimeout {
					slog.Warn("peer idle, dropping connection", "peer", c.peer.String())
					c.markDead(KindTimeout)
					return
				}
				continue
			}
			c.markDead(KindIO)
			return
		}
		if !udpAddrEqual(addr, c.peer) {
			continue
		}
		t, seq, payload, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		lastInbound = time.Now()

		switch t {
		case frameOpen:
			// stray punch probe, already connected
		case frameData:
			if seq == expected {
				msg := make([]byte, len(payload))
				copy(msg, payload)
				select {
				case c.inbox <- msg:
					expected++
				default:
					// queue full: drop without ACK, the peer retransmits
					continue
				}
			} else if seq > expected {
				// cannot happen with a well-behaved stop-and-wait sender
				continue
			}
			c.writeFrame(frameAck, seq, nil)
		case frameKeepAlive:
			// heartbeats take a number from the data sequence space
			if seq == expected {
				expected++
			}
			c.writeFrame(frameAck, seq, nil)
		case frameAck:
			select {
			case c.acks <- seq:
			default:
			}
		case frameFin:
			c.writeFrame(frameFinAck, seq, nil)
			c.markDead(KindClosed)
			return
		case frameFinAck:
			select {
			case c.finAcks <- struct{}{}:
			default:
			}
		}
	}
}

func (c *UDPClient) writeFrame(t frameType, seq uint32, payload []byte) {
	if _, err := c.conn.WriteToUDP(encodeFrame(t, seq, payload), c.peer); err != nil {
		slog.Debug("udp write failed", "error", err)
	}
}

// keepalive sends a heartbeat whenever the outgoing direction has been quiet
// for KeepAliveInterval. Consecutive heartbeat timeouts kill the connection.
func (c *UDPClient) keepalive() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	misses := 0

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, c.lastSend.Load()))
		if idle < c.cfg.KeepAliveInterval {
			continue
		}
		c.sendMu.Lock()
		err := c.sendLocked(frameKeepAlive, nil, c.cfg.SendBudget)
		c.sendMu.Unlock()
		switch {
		case err == nil:
			misses = 0
		case errors.Is(err, ErrTimeout):
			misses++
			slog.Warn("heartbeat unanswered", "misses", misses)
			if misses >= c.cfg.KeepAliveMisses {
				c.markDead(KindTimeout)
				return
			}
		default:
			return
		}
	}
}

// Send delivers p with the client default budget.
func (c *UDPClient) Send(p []byte) error {
	return c.SendTimeout(p, c.cfg.SendBudget)
}

// SendTimeout transmits p, retransmits every RetransmitInterval and gives up
// with Timeout once d has elapsed without the matching ACK.
func (c *UDPClient) SendTimeout(p []byte, d time.Duration) error {
	if len(p) > MaxPayload {
		return errf(KindProtocol, "send", errPayloadTooLarge)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(frameData, p, d)
}

func (c *UDPClient) sendLocked(t frameType, p []byte, d time.Duration) error {
	select {
	case <-c.closed:
		return errf(Kind(c.closeKind.Load()), "send", nil)
	default:
	}

	seq := c.nextSeq
	frame := encodeFrame(t, seq, p)
	if _, err := c.conn.WriteToUDP(frame, c.peer); err != nil {
		return errf(KindIO, "send", err)
	}

	retx := time.NewTicker(c.cfg.RetransmitInterval)
	defer retx.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	for {
		select {
		case ack := <-c.acks:
			if ack != seq {
				continue // stale ACK from a retransmitted frame
			}
			c.nextSeq++
			c.lastSend.Store(time.Now().UnixNano())
			return nil
		case <-retx.C:
			if _, err := c.conn.WriteToUDP(frame, c.peer); err != nil {
				return errf(KindIO, "send", err)
			}
		case <-deadline.C:
			return errf(KindTimeout, "send", nil)
		case <-c.closed:
			return errf(KindCancelled, "send", nil)
		}
	}
}

// Recv yields the next in-order message.
func (c *UDPClient) Recv() ([]byte, error) {
	return c.recv(nil)
}

// RecvTimeout is Recv with a deadline.
func (c *UDPClient) RecvTimeout(d time.Duration) ([]byte, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return c.recv(timer.C)
}

func (c *UDPClient) recv(timeout <-chan time.Time) ([]byte, error) {
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
func (c *UDPClient) Split() (Sender, Receiver) {
	return c.h.get(c)
}

func (c *UDPClient) markDead(k Kind) {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(k))
		close(c.closed)
		go func() {
			close(c.stop)
			<-c.done
			if !c.handoff {
				_ = c.conn.Close()
			}
		}()
	})
}

// Close tears the client down: a FIN is offered to the peer, pending sends
// fail with Cancelled, pending recvs drain and then yield Closed.
func (c *UDPClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(KindClosed))
		// Best-effort FIN so the peer learns about the close immediately.
		fin := encodeFrame(frameFin, c.nextSeq, nil)
		for i := 0; i < 3; i++ {
			if _, err := c.conn.WriteToUDP(fin, c.peer); err != nil {
				break
			}
			select {
			case <-c.finAcks:
				i = 3
			case <-time.After(c.cfg.RetransmitInterval):
			}
		}
		close(c.closed)
		close(c.stop)
		<-c.done
		if !c.handoff {
			_ = c.conn.Close()
		}
	})
	return nil
}

// Handoff stops the worker and keep-alive without closing the socket, and
// returns it for reuse by another discipline (sliding window, or teardown
// after a TCP upgrade). The client is unusable afterwards.
func (c *UDPClient) Handoff() (*net.UDPConn, *net.UDPAddr) {
	c.closeOnce.Do(func() {
		c.handoff = true
		c.closeKind.Store(int32(KindClosed))
		close(c.closed)
		close(c.stop)
		<-c.done
	})
	return c.conn, c.peer
}
