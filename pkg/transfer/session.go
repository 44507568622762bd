package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/philipp3923/rdrop/internal/appevents"
	"github.com/philipp3923/rdrop/internal/util"
	"github.com/philipp3923/rdrop/pkg/client"
	"github.com/philipp3923/rdrop/pkg/connect"
)

// SessionConfig gathers everything needed to run one peer session.
type SessionConfig struct {
	Port      int
	Client    client.Config
	Transfer  Config
	SkipTCP   bool
	UseNTP    bool
	NTPServer string
}

// DefaultSessionConfig returns the documented defaults (UDP port 2000).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Port:     2000,
		Client:   client.DefaultConfig(),
		Transfer: DefaultConfig(),
	}
}

// Session owns the connection lifecycle and dispatches UI commands. It is
// the single place that touches both the handshake and the orchestrator.
type Session struct {
	cfg SessionConfig
	mgr *Manager

	mu      sync.Mutex
	waiting *connect.Waiting
	secure  *connect.SecureConnection
	cancel  context.CancelFunc
}

// NewSession creates a session and its orchestrator.
func NewSession(cfg SessionConfig) (*Session, error) {
	mgr, err := NewManager(cfg.Transfer)
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, mgr: mgr}, nil
}

// Events is the UI event stream.
func (s *Session) Events() <-chan appevents.Event {
	return s.mgr.Events()
}

// Transfers snapshots the current records.
func (s *Session) Transfers() []Transfer {
	return s.mgr.Transfers()
}

// Do dispatches a UI command. Command names are part of the contract; the
// mapping here is exhaustive.
func (s *Session) Do(cmd appevents.Command) error {
	switch v := cmd.(type) {
	case appevents.Start:
		return s.Start()
	case appevents.Connect:
		return s.Connect(v.IP, v.Port)
	case appevents.Disconnect:
		s.Disconnect()
		return nil
	case appevents.OfferFile:
		return s.mgr.OfferFile(v.Path)
	case appevents.AcceptFile:
		return s.mgr.AcceptFile(v.Hash, v.Path)
	case appevents.DenyFile:
		return s.mgr.DenyFile(v.Hash)
	case appevents.StopFile:
		return s.mgr.StopFile(v.Hash)
	case appevents.ShowInFolder:
		return util.ShowInFolder(v.Path)
	default:
		return fmt.Errorf("unknown command %q", cmd.CommandName())
	}
}

// Start binds the local socket and reports the port for the out-of-band
// address exchange.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting != nil || s.secure != nil {
		return fmt.Errorf("session already started")
	}
	w, err := connect.Listen(s.cfg.Port, s.cfg.Client)
	if err != nil {
		s.mgr.Emit(appevents.SocketFailed{Status: "IO", Description: err.Error()})
		return err
	}
	s.waiting = w
	s.mgr.Emit(appevents.UpdatePort{Port: w.Port()})
	s.mgr.Emit(appevents.UpdateStatus{Status: "Waiting", Description: "socket bound, waiting for peer address"})
	return nil
}

// Connect runs the whole establishment sequence against the peer address:
// punch, secure, clock sync, optional TCP upgrade, bulk activation.
func (s *Session) Connect(ip string, port int) error {
	s.mu.Lock()
	w := s.waiting
	if w == nil {
		s.mu.Unlock()
		return fmt.Errorf("session not started")
	}
	peerIP := net.ParseIP(ip)
	if peerIP == nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid peer address %q", ip)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.waiting = nil
	s.mu.Unlock()

	s.mgr.Emit(appevents.UpdateStatus{Status: "Punching", Description: "sending hole punch probes"})
	plain, err := w.Connect(ctx, peerIP, port)
	if err != nil {
		s.surfaceHandshakeError("hole punch", err)
		return err
	}

	s.mgr.Emit(appevents.UpdateStatus{Status: "Securing", Description: "negotiating roles and exchanging keys"})
	secure, err := plain.Secure()
	if err != nil {
		s.surfaceHandshakeError("key exchange", err)
		return err
	}

	// Clock sync and TCP upgrade are refinements: their failure leaves the
	// secured UDP connection untouched.
	if !s.cfg.SkipTCP {
		var syncErr error
		if s.cfg.UseNTP {
			syncErr = secure.SyncClocksExternal(connect.NTPSource{Server: s.cfg.NTPServer})
		} else {
			syncErr = secure.SyncClocks(connect.DefaultClockRounds)
		}
		if syncErr != nil {
			slog.Warn("clock sync failed, staying on udp", "error", syncErr)
		} else if err := secure.UpgradeTCP(ctx); err != nil {
			slog.Warn("tcp upgrade failed, staying on udp", "error", err)
		}
	}

	active, err := secure.Activate()
	if err != nil {
		s.surfaceHandshakeError("activation", err)
		_ = secure.Close()
		return err
	}

	s.mu.Lock()
	s.secure = secure
	s.mu.Unlock()

	s.mgr.Attach(active)
	transport := "udp"
	if secure.IsTCP() {
		transport = "tcp"
	}
	s.mgr.Emit(appevents.Connected{Transport: transport, PeerFingerprint: secure.PeerFingerprint()})
	s.mgr.Emit(appevents.UpdateStatus{
		Status:      "Connected",
		Description: fmt.Sprintf("%s, peer key %s", transport, secure.PeerFingerprint()),
	})
	return nil
}

// Disconnect ends the connection; the orchestrator emits disconnected once
// the dispatch loop drains.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	w := s.waiting
	s.waiting = nil
	s.secure = nil
	s.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
	s.mgr.Close()
}

func (s *Session) surfaceHandshakeError(step string, err error) {
	slog.Error("handshake failed", "step", step, "error", err)
	kind := "IO"
	var cerr *client.Error
	if errors.As(err, &cerr) {
		kind = cerr.Kind.String()
	}
	s.mgr.Emit(appevents.SocketFailed{Status: titleKind(kind), Description: fmt.Sprintf("%s: %v", step, err)})
}

func titleKind(k string) string {
	switch k {
	case "timeout":
		return "Timeout"
	case "protocol":
		return "Protocol"
	case "security":
		return "Security"
	case "cancelled":
		return "Cancelled"
	case "closed":
		return "Closed"
	case "clock unsync":
		return "ClockUnsync"
	default:
		return "IO"
	}
}
