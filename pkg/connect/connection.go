// Package connect drives the connection-establishment sequence: hole
// punching, role negotiation, key exchange, clock synchronization and the
// optional TCP upgrade. Each state is its own type; a transition consumes
// the current state value and returns the next, so operations that are not
// valid in a state are not callable from it.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/philipp3923/rdrop/pkg/client"
)

// Role is the deterministic asymmetry chosen during negotiation. It fixes
// the direction of the two crypto key streams.
type Role int

const (
	// Initiator drew the larger tie-break number.
	Initiator Role = iota
	// Responder drew the smaller one.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// roleTieLimit bounds the number of equal random draws before giving up.
const roleTieLimit = 8

// Waiting is a bound local socket with no peer yet.
type Waiting struct {
	waiting *client.WaitingClient
	cfg     client.Config
}

// Listen binds the local UDP port (0 picks a random one).
func Listen(port int, cfg client.Config) (*Waiting, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, err := client.NewWaiting(port)
	if err != nil {
		return nil, err
	}
	return &Waiting{waiting: w, cfg: cfg}, nil
}

// Port returns the bound local port, shown to the user for the out-of-band
// address exchange.
func (w *Waiting) Port() int { return w.waiting.Port() }

// Close abandons the connection attempt.
func (w *Waiting) Close() error { return w.waiting.Close() }

// Connect punches through to the peer address and yields the plaintext
// connection. On failure the socket is closed; connecting again means
// starting over from Listen.
func (w *Waiting) Connect(ctx context.Context, ip net.IP, port int) (*PlainConnection, error) {
	peer := &net.UDPAddr{IP: ip, Port: port}
	udp, err := w.waiting.Connect(ctx, peer, w.cfg)
	if err != nil {
		_ = w.waiting.Close()
		return nil, err
	}
	return &PlainConnection{
		id:        uuid.NewString(),
		udp:       udp,
		cfg:       w.cfg,
		peer:      peer,
		localPort: w.Port(),
	}, nil
}

// PlainConnection is a punched but not yet authenticated connection.
// The only forward transition is Secure.
type PlainConnection struct {
	id        string
	udp       *client.UDPClient
	cfg       client.Config
	peer      *net.UDPAddr
	localPort int
}

// ID identifies the connection attempt in logs and events.
func (p *PlainConnection) ID() string { return p.id }

// Close aborts the handshake.
func (p *PlainConnection) Close() error { return p.udp.Close() }

// Secure negotiates roles, exchanges public keys and upgrades the client to
// authenticated encryption. A failed exchange surfaces as Security and the
// connection is closed; there is no downgrade path.
func (p *PlainConnection) Secure() (*SecureConnection, error) {
	role, err := p.negotiateRole()
	if err != nil {
		_ = p.udp.Close()
		return nil, err
	}
	slog.Info("role negotiated", "conn", p.id, "role", role.String())

	keys, localFP, peerFP, err := p.exchangeKeys(role)
	if err != nil {
		_ = p.udp.Close()
		return nil, err
	}

	enc, err := client.NewEncrypted(p.udp, keys)
	if err != nil {
		_ = p.udp.Close()
		return nil, err
	}
	slog.Info("connection secured", "conn", p.id, "peer_fingerprint", peerFP)

	return &SecureConnection{
		id:               p.id,
		active:           enc,
		udp:              p.udp,
		keys:             keys,
		role:             role,
		cfg:              p.cfg,
		peer:             p.peer,
		localPort:        p.localPort,
		localFingerprint: localFP,
		peerFingerprint:  peerFP,
	}, nil
}

// negotiateRole draws random 32-bit numbers until they differ; the larger
// one is the initiator. Eight consecutive ties abort the handshake.
func (p *PlainConnection) negotiateRole() (Role, error) {
	for i := 0; i < roleTieLimit; i++ {
		var draw [4]byte
		if _, err := rand.Read(draw[:]); err != nil {
			return 0, &client.Error{Kind: client.KindSecurity, Op: "negotiate", Err: err}
		}
		if err := p.udp.Send(draw[:]); err != nil {
			return 0, err
		}
		peerDraw, err := p.udp.RecvTimeout(p.cfg.SendBudget)
		if err != nil {
			return 0, err
		}
		if len(peerDraw) != 4 {
			return 0, &client.Error{Kind: client.KindProtocol, Op: "negotiate"}
		}
		mine := binary.BigEndian.Uint32(draw[:])
		theirs := binary.BigEndian.Uint32(peerDraw)
		if mine == theirs {
			continue
		}
		if mine > theirs {
			return Initiator, nil
		}
		return Responder, nil
	}
	return 0, &client.Error{Kind: client.KindTimeout, Op: "negotiate tie-break"}
}

// SecureConnection is the terminal handshake state: an authenticated
// encrypted client, UDP-backed until a successful TCP upgrade. Clock sync
// and TCP upgrade are optional refinements that never regress the state.
type SecureConnection struct {
	id        string
	active    *client.EncryptedClient
	udp       *client.UDPClient // nil once the transport left stop-and-wait
	slide     *client.SlideClient
	tcp       bool
	keys      client.SessionKeys
	role      Role
	cfg       client.Config
	peer      *net.UDPAddr
	localPort int

	localFingerprint string
	peerFingerprint  string

	offset time.Duration // peer clock minus local clock
	synced bool
}

// ID identifies the connection.
func (s *SecureConnection) ID() string { return s.id }

// Role returns the negotiated role.
func (s *SecureConnection) Role() Role { return s.role }

// PeerFingerprint is the hex digest of the peer's public key, surfaced for
// out-of-band comparison.
func (s *SecureConnection) PeerFingerprint() string { return s.peerFingerprint }

// LocalFingerprint is this side's own key digest.
func (s *SecureConnection) LocalFingerprint() string { return s.localFingerprint }

// IsTCP reports whether the upgrade succeeded.
func (s *SecureConnection) IsTCP() bool { return s.tcp }

// ClockOffset returns the measured peer-minus-local offset and whether a
// sync has completed.
func (s *SecureConnection) ClockOffset() (time.Duration, bool) { return s.offset, s.synced }

// Client returns the active encrypted client. The value changes identity
// across the UDP to TCP transition but keeps the same contract.
func (s *SecureConnection) Client() client.Client { return s.active }

// Close tears down the active transport.
func (s *SecureConnection) Close() error { return s.active.Close() }

// UpgradeTCP attempts the simultaneous open. Both peers exchange listening
// ports, agree on a connect instant derived from the measured clock offset,
// and dial each other at that instant. Failure leaves the UDP client active
// and the connection unchanged; a later retry is allowed.
func (s *SecureConnection) UpgradeTCP(ctx context.Context) error {
	if s.tcp {
		return nil
	}
	if !s.synced {
		return &client.Error{Kind: client.KindClockUnsync, Op: "tcp upgrade"}
	}

	tw, err := client.NewTCPWaiting(0)
	if err != nil {
		return err
	}

	// Exchange TCP ports over the encrypted channel.
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(tw.Port()))
	if err := s.active.Send(portBuf[:]); err != nil {
		_ = tw.Close()
		return err
	}
	peerPortRaw, err := s.active.RecvTimeout(s.cfg.SendBudget)
	if err != nil {
		_ = tw.Close()
		return err
	}
	if len(peerPortRaw) != 2 {
		_ = tw.Close()
		return &client.Error{Kind: client.KindProtocol, Op: "tcp upgrade"}
	}
	peerPort := int(binary.BigEndian.Uint16(peerPortRaw))

	// Agree on the connect instant. The initiator picks a local instant
	// delta in the future and ships it translated into the peer's clock
	// frame; the responder reads it as local time directly.
	var at time.Time
	switch s.role {
	case Initiator:
		at = time.Now().Add(s.cfg.UpgradeDelta)
		peerAt := at.Add(s.offset)
		var tsBuf [8]byte
		binary.BigEndian.PutUint64(tsBuf[:], uint64(peerAt.UnixNano()))
		if err := s.active.Send(tsBuf[:]); err != nil {
			_ = tw.Close()
			return err
		}
	case Responder:
		raw, err := s.active.RecvTimeout(s.cfg.SendBudget)
		if err != nil {
			_ = tw.Close()
			return err
		}
		if len(raw) != 8 {
			_ = tw.Close()
			return &client.Error{Kind: client.KindProtocol, Op: "tcp upgrade"}
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
	}

	tcpClient, err := tw.ConnectAt(ctx, &net.TCPAddr{IP: s.peer.IP, Port: peerPort}, at, s.cfg)
	if err != nil {
		slog.Warn("tcp upgrade failed, staying on udp", "conn", s.id, "error", err)
		return err
	}

	enc, err := client.NewEncrypted(tcpClient, s.keys)
	if err != nil {
		_ = tcpClient.Close()
		return err
	}

	// Tear down the UDP side only after the replacement is live.
	if s.udp != nil {
		conn, _ := s.udp.Handoff()
		_ = conn.Close()
		s.udp = nil
	}
	s.active = enc
	s.tcp = true
	slog.Info("upgraded to tcp", "conn", s.id)
	return nil
}

// Activate finalizes the handshake and returns the client that will carry
// application messages. A UDP-backed connection swaps the stop-and-wait
// discipline for the sliding window on the same punched socket; the crypto
// keys carry over with fresh nonce counters.
func (s *SecureConnection) Activate() (client.Client, error) {
	if s.udp == nil {
		return s.active, nil
	}
	conn, peer := s.udp.Handoff()
	s.udp = nil
	s.slide = client.NewSlide(conn, peer, s.cfg)
	enc, err := client.NewEncrypted(s.slide, s.keys)
	if err != nil {
		_ = s.slide.Close()
		return nil, err
	}
	s.active = enc
	slog.Info("bulk transport active", "conn", s.id, "transport", "udp-slide")
	return s.active, nil
}
