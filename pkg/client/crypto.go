package client

import (
	"crypto/cipher"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Direction tags keep the two nonce spaces of a connection disjoint even if
// both counters start at zero.
var (
	nonceDirAB = [4]byte{'r', 'd', 'A', 'B'}
	nonceDirBA = [4]byte{'r', 'd', 'B', 'A'}
)

// SessionKeys is the role-distinguished output of the key exchange. The
// initiator writes with KeyAB and reads with KeyBA; the responder mirrors.
type SessionKeys struct {
	SendKey [32]byte
	RecvKey [32]byte
	// SendDir/RecvDir select the nonce direction tag for each key stream.
	SendDir [4]byte
	RecvDir [4]byte
}

// InitiatorKeys arranges the two derived keys for the initiator side.
func InitiatorKeys(keyAB, keyBA [32]byte) SessionKeys {
	return SessionKeys{SendKey: keyAB, RecvKey: keyBA, SendDir: nonceDirAB, RecvDir: nonceDirBA}
}

// ResponderKeys arranges the two derived keys for the responder side.
func ResponderKeys(keyAB, keyBA [32]byte) SessionKeys {
	return SessionKeys{SendKey: keyBA, RecvKey: keyAB, SendDir: nonceDirBA, RecvDir: nonceDirAB}
}

// Block framing inside the encrypted stream. Application messages may be
// far larger than a transport frame (a 1 MiB chunk does not fit a 64 KiB
// datagram), so a message travels as a sequence of sealed blocks, each
// tagged as continuation or final, and is reassembled after decryption.
const (
	cryptoBlockSize = 32 * 1024

	blockMore  byte = 0x01
	blockFinal byte = 0x00
)

// EncryptedClient decorates any transport with per-block ChaCha20-Poly1305.
// Nonces are an implicit send counter, so replayed or reordered ciphertext
// fails authentication at the peer. A single decrypt failure is fatal.
type EncryptedClient struct {
	inner Client
	keys  SessionKeys

	sendMu   sync.Mutex
	sendAEAD cipher.AEAD
	sendCtr  uint64

	recvMu   sync.Mutex
	recvAEAD cipher.AEAD
	recvCtr  uint64
	partial  []byte
	midMsg   bool

	failed atomic.Bool

	h halves
}

// NewEncrypted wraps inner. The nonce counters start at zero; when the
// framing transport is swapped underneath (TCP upgrade, bulk handoff) a new
// decorator is built over the same keys.
func NewEncrypted(inner Client, keys SessionKeys) (*EncryptedClient, error) {
	sendAEAD, err := chacha20poly1305.New(keys.SendKey[:])
	if err != nil {
		return nil, errf(KindSecurity, "cipher init", err)
	}
	recvAEAD, err := chacha20poly1305.New(keys.RecvKey[:])
	if err != nil {
		return nil, errf(KindSecurity, "cipher init", err)
	}
	return &EncryptedClient{
		inner:    inner,
		keys:     keys,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}, nil
}

func nonce(dir [4]byte, ctr uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n[:4], dir[:])
	binary.BigEndian.PutUint64(n[4:], ctr)
	return n
}

// Send encrypts p with the local write key stream and forwards the frame.
func (c *EncryptedClient) Send(p []byte) error {
	return c.seal(p, func(ct []byte) error { return c.inner.Send(ct) })
}

// SendTimeout is Send with an explicit deadline.
func (c *EncryptedClient) SendTimeout(p []byte, d time.Duration) error {
	return c.seal(p, func(ct []byte) error { return c.inner.SendTimeout(ct, d) })
}

func (c *EncryptedClient) seal(p []byte, send func([]byte) error) error {
	if c.failed.Load() {
		return errf(KindSecurity, "send", nil)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for {
		block := p
		tag := blockFinal
		if len(block) > cryptoBlockSize {
			block = p[:cryptoBlockSize]
			tag = blockMore
		}
		pt := make([]byte, 0, 1+len(block))
		pt = append(pt, tag)
		pt = append(pt, block...)

		ct := c.sendAEAD.Seal(nil, nonce(c.keys.SendDir, c.sendCtr), pt, nil)
		c.sendCtr++
		if err := send(ct); err != nil {
			return err
		}
		if tag == blockFinal {
			return nil
		}
		p = p[cryptoBlockSize:]
	}
}

// Recv decrypts the next frame with the peer key stream. Authentication
// failure closes the client and surfaces as Security.
func (c *EncryptedClient) Recv() ([]byte, error) {
	return c.open(func() ([]byte, error) { return c.inner.Recv() })
}

// RecvTimeout is Recv with a deadline.
func (c *EncryptedClient) RecvTimeout(d time.Duration) ([]byte, error) {
	return c.open(func() ([]byte, error) { return c.inner.RecvTimeout(d) })
}

func (c *EncryptedClient) open(recv func() ([]byte, error)) ([]byte, error) {
	if c.failed.Load() {
		return nil, errf(KindSecurity, "recv", nil)
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		ct, err := recv()
		if err != nil {
			// a partially reassembled message survives a timeout and
			// resumes on the next call
			return nil, err
		}
		pt, err := c.recvAEAD.Open(nil, nonce(c.keys.RecvDir, c.recvCtr), ct, nil)
		if err != nil || len(pt) == 0 {
			c.failed.Store(true)
			_ = c.inner.Close()
			return nil, errf(KindSecurity, "recv", err)
		}
		c.recvCtr++

		tag, block := pt[0], pt[1:]
		if !c.midMsg && tag == blockFinal {
			return block, nil
		}
		c.midMsg = true
		c.partial = append(c.partial, block...)
		if tag == blockFinal {
			msg := c.partial
			c.partial = nil
			c.midMsg = false
			return msg, nil
		}
	}
}

// Split hands out the two capability halves.
func (c *EncryptedClient) Split() (Sender, Receiver) {
	return c.h.get(c)
}

// Close closes the wrapped transport.
func (c *EncryptedClient) Close() error {
	return c.inner.Close()
}

// Keys exposes the session keys so the handshake can rebuild the decorator
// over an upgraded transport.
func (c *EncryptedClient) Keys() SessionKeys {
	return c.keys
}
