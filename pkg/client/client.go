// Package client implements the three reliable transports carrying rdrop
// traffic (stop-and-wait UDP, sliding-window UDP, framed TCP) and the
// authenticated-encryption decorator shared by all of them.
package client

import (
	"sync"
	"time"
)

// Sender is the send half of a connected client. A send half must not be
// shared between goroutines without external serialization; frame order and
// crypto nonces follow call order.
type Sender interface {
	// Send delivers p reliably, blocking until the peer acknowledged it or
	// the client default budget is exhausted.
	Send(p []byte) error
	// SendTimeout is Send with an explicit deadline.
	SendTimeout(p []byte, d time.Duration) error
}

// Receiver is the receive half of a connected client.
type Receiver interface {
	// Recv yields the next message in order, blocking until one is
	// available or the client is closed.
	Recv() ([]byte, error)
	// RecvTimeout is Recv with an explicit deadline.
	RecvTimeout(d time.Duration) ([]byte, error)
}

// Client is the capability set the orchestrator sees, satisfied by all three
// transports and by the crypto decorator.
type Client interface {
	Sender
	Receiver
	// Split hands out the two independent halves. At most one send half and
	// one receive half exist; repeated calls return the same values.
	Split() (Sender, Receiver)
	// Close releases the socket, unblocks pending sends with Cancelled and
	// pending recvs with Closed.
	Close() error
}

// halves caches the capability values handed out by Split.
type halves struct {
	once sync.Once
	s    Sender
	r    Receiver
}

func (h *halves) get(c Client) (Sender, Receiver) {
	h.once.Do(func() {
		h.s = sendHalf{c}
		h.r = recvHalf{c}
	})
	return h.s, h.r
}

type sendHalf struct{ c Client }

func (s sendHalf) Send(p []byte) error                         { return s.c.Send(p) }
func (s sendHalf) SendTimeout(p []byte, d time.Duration) error { return s.c.SendTimeout(p, d) }

type recvHalf struct{ c Client }

func (r recvHalf) Recv() ([]byte, error)                       { return r.c.Recv() }
func (r recvHalf) RecvTimeout(d time.Duration) ([]byte, error) { return r.c.RecvTimeout(d) }
