package client

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// retxScanInterval is how often the worker checks for expired packets.
const retxScanInterval = 20 * time.Millisecond

type pendingPacket struct {
	frame  []byte
	sentAt time.Time
	retx   int
}

// SlideClient is the high-throughput sliding-window discipline used for bulk
// file data once the handshake is done and the connection stays on UDP. It
// takes over the punched socket from the stop-and-wait client.
type SlideClient struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	cfg  Config

	mu      sync.Mutex
	sendCnd *sync.Cond
	window  map[uint32]*pendingPacket
	nextSeq uint32
	srtt    time.Duration
	rttvar  time.Duration

	inbox   chan []byte
	finAcks chan struct{}

	stop      chan struct{}
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeKind atomic.Int32

	h halves
}

// NewSlide wraps a punched socket in the sliding-window discipline.
func NewSlide(conn *net.UDPConn, peer *net.UDPAddr, cfg Config) *SlideClient {
	c := &SlideClient{
		conn:    conn,
		peer:    peer,
		cfg:     cfg,
		window:  make(map[uint32]*pendingPacket, cfg.Window),
		nextSeq: 1,
		inbox:   make(chan []byte, cfg.RecvBuffer),
		finAcks: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	c.closeKind.Store(int32(KindClosed))
	c.sendCnd = sync.NewCond(&c.mu)
	go c.worker()
	return c
}

// Send queues p into the send window, transmitting it immediately. It blocks
// while the window is full; reliability is the worker's job from then on.
func (c *SlideClient) Send(p []byte) error {
	return c.SendTimeout(p, c.cfg.SendBudget)
}

// SendTimeout is Send failing with Timeout if no window slot opens within d.
func (c *SlideClient) SendTimeout(p []byte, d time.Duration) error {
	if len(p) > MaxPayload {
		return errf(KindProtocol, "send", errPayloadTooLarge)
	}
	deadline := time.Now().Add(d)

	// Wake the cond var when the deadline passes; Broadcast is cheap.
	wakeup := time.AfterFunc(d, c.sendCnd.Broadcast)
	defer wakeup.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.window) >= c.cfg.Window {
		if c.isClosed() {
			return errf(Kind(c.closeKind.Load()), "send", nil)
		}
		if time.Now().After(deadline) {
			return errf(KindTimeout, "send", nil)
		}
		c.sendCnd.Wait()
		if c.isClosed() {
			// closed while this send was waiting for a slot
			return errf(KindCancelled, "send", nil)
		}
	}
	if c.isClosed() {
		return errf(Kind(c.closeKind.Load()), "send", nil)
	}

	seq := c.nextSeq
	c.nextSeq++
	frame := encodeFrame(frameData, seq, p)
	c.window[seq] = &pendingPacket{frame: frame, sentAt: time.Now()}
	if _, err := c.conn.WriteToUDP(frame, c.peer); err != nil {
		return errf(KindIO, "send", err)
	}
	return nil
}

// Recv yields the next packet in strict sequence order.
func (c *SlideClient) Recv() ([]byte, error) {
	return c.recv(nil)
}

// RecvTimeout is Recv with a deadline.
func (c *SlideClient) RecvTimeout(d time.Duration) ([]byte, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return c.recv(timer.C)
}

func (c *SlideClient) recv(timeout <-chan time.Time) ([]byte, error) {
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
func (c *SlideClient) Split() (Sender, Receiver) {
	return c.h.get(c)
}

func (c *SlideClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// worker owns the socket: it delivers in-order data, emits cumulative ACKs,
// reaps acknowledged packets from the window and retransmits expired ones.
func (c *SlideClient) worker() {
	defer close(c.done)

	highest := uint32(0) // H: everything <= H was delivered
	reorder := make(map[uint32][]byte)
	lastInbound := time.Now()
	lastOutbound := time.Now()
	lastScan := time.Now()
	buf := make([]byte, MaxPayload+headerLen)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if time.Since(lastScan) >= retxScanInterval {
			c.retransmitExpired()
			lastScan = time.Now()
			if time.Since(lastOutbound) > c.cfg.KeepAliveInterval {
				c.writeFrame(frameKeepAlive, 0)
				lastOutbound = time.Now()
			}
			if time.Since(lastInbound) > c.cfg.IdleTimeout {
				slog.Warn("peer idle, dropping bulk connection", "peer", c.peer.String())
				c.markDead(KindTimeout)
				return
			}
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(retxScanInterval))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
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
		case frameData:
			if seq == highest+1 {
				msg := make([]byte, len(payload))
				copy(msg, payload)
				if !c.deliver(msg) {
					return
				}
				highest++
				// the gap just closed may release buffered successors
				for {
					next, ok := reorder[highest+1]
					if !ok {
						break
					}
					delete(reorder, highest+1)
					if !c.deliver(next) {
						return
					}
					highest++
				}
			} else if seq > highest+1 && seq <= highest+uint32(c.cfg.Window) {
				if _, dup := reorder[seq]; !dup {
					msg := make([]byte, len(payload))
					copy(msg, payload)
					reorder[seq] = msg
				}
			}
			// duplicates and out-of-window packets still refresh the ACK
			c.writeFrame(frameAck, highest)
			lastOutbound = time.Now()
		case frameAck:
			c.handleAck(seq)
		case frameKeepAlive:
			// inbound timestamp already refreshed
		case frameFin:
			c.writeFrame(frameFinAck, seq)
			c.markDead(KindClosed)
			return
		case frameFinAck:
			select {
			case c.finAcks <- struct{}{}:
			default:
			}
		case frameOpen:
			// stray punch probe
		}
	}
}

// deliver blocks until the consumer takes the message, applying backpressure
// to the peer (no ACK goes out while the queue is full). False means the
// client is shutting down.
func (c *SlideClient) deliver(msg []byte) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.stop:
		return false
	}
}

// handleAck reaps every packet with sequence <= ack (cumulative) and feeds
// the RTT estimator with non-retransmitted samples.
func (c *SlideClient) handleAck(ack uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	freed := false
	for seq, p := range c.window {
		if seq > ack {
			continue
		}
		if p.retx == 0 {
			c.observeRTT(time.Since(p.sentAt))
		}
		delete(c.window, seq)
		freed = true
	}
	if freed {
		c.sendCnd.Broadcast()
	}
}

// observeRTT maintains a smoothed RTT (RFC 6298 weighting). Callers hold mu.
func (c *SlideClient) observeRTT(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
		return
	}
	delta := c.srtt - sample
	if delta < 0 {
		delta = -delta
	}
	c.rttvar = (3*c.rttvar + delta) / 4
	c.srtt = (7*c.srtt + sample) / 8
}

// rto is 2 x smoothed RTT clamped to the configured bounds. Callers hold mu.
func (c *SlideClient) rto() time.Duration {
	r := 2 * c.srtt
	if r < c.cfg.RetxFloor {
		r = c.cfg.RetxFloor
	}
	if r > c.cfg.RetxCeil {
		r = c.cfg.RetxCeil
	}
	return r
}

func (c *SlideClient) retransmitExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	rto := c.rto()
	now := time.Now()
	for _, p := range c.window {
		if now.Sub(p.sentAt) < rto {
			continue
		}
		if _, err := c.conn.WriteToUDP(p.frame, c.peer); err != nil {
			slog.Debug("retransmit failed", "error", err)
			return
		}
		p.sentAt = now
		p.retx++
	}
}

func (c *SlideClient) writeFrame(t frameType, seq uint32) {
	if _, err := c.conn.WriteToUDP(encodeFrame(t, seq, nil), c.peer); err != nil {
		slog.Debug("udp write failed", "error", err)
	}
}

func (c *SlideClient) markDead(k Kind) {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(k))
		close(c.closed)
		c.mu.Lock()
		c.sendCnd.Broadcast()
		c.mu.Unlock()
		go func() {
			close(c.stop)
			<-c.done
			_ = c.conn.Close()
		}()
	})
}

// Close drains nothing: outstanding packets are abandoned, a FIN marker is
// offered to the peer, and the socket is released.
func (c *SlideClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(KindClosed))
		close(c.closed)
		c.mu.Lock()
		fin := encodeFrame(frameFin, c.nextSeq, nil)
		c.sendCnd.Broadcast()
		c.mu.Unlock()
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
		close(c.stop)
		<-c.done
		_ = c.conn.Close()
	})
	return nil
}
